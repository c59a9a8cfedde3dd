package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNoSubscribers is returned by Publish when nobody listens on the topic.
var ErrNoSubscribers = errors.New("no subscribers for topic")

// Handler consumes one payload. A returned error triggers a retry.
type Handler func(ctx context.Context, payload []byte) error

// Queue is a topic based publish/subscribe channel.
type Queue interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, handler Handler) (unsubscribe func())
}

// job wraps a payload with retry info.
type job struct {
	ctx        context.Context
	payload    []byte
	retryCount int
}

type subscription struct {
	id      int
	topic   string
	handler Handler
	jobs    chan job
	done    chan struct{}
}

// InMemoryQueue delivers every payload to each subscriber of its topic.
// Each subscriber gets its own ordered buffer and worker goroutine, so a
// slow or failing handler does not hold up the others.
type InMemoryQueue struct {
	mu     sync.Mutex
	subs   map[string][]*subscription
	nextID int
	closed bool

	log        *zap.Logger
	MaxRetries int
	Backoff    time.Duration
	BufferSize int
}

func NewInMemoryQueue(log *zap.Logger) *InMemoryQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &InMemoryQueue{
		subs:       make(map[string][]*subscription),
		log:        log.Named("broker"),
		MaxRetries: 3,
		Backoff:    500 * time.Millisecond,
		BufferSize: 64,
	}
}

// Publish hands payload to every subscriber of topic without waiting for
// the handlers. A subscriber whose buffer is full misses the payload.
func (q *InMemoryQueue) Publish(ctx context.Context, topic string, payload []byte) error {
	q.mu.Lock()
	subs := append([]*subscription(nil), q.subs[topic]...)
	closed := q.closed
	q.mu.Unlock()

	if closed {
		return errors.New("queue closed")
	}
	if len(subs) == 0 {
		return ErrNoSubscribers
	}

	j := job{ctx: context.WithoutCancel(ctx), payload: payload}
	for _, s := range subs {
		select {
		case s.jobs <- j:
		case <-s.done:
		default:
			q.log.Warn("subscriber buffer full, dropping payload",
				zap.String("topic", topic), zap.Int("subscriber", s.id))
		}
	}
	return nil
}

// Subscribe registers handler for topic and starts its worker.
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) func() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	s := &subscription{
		id:      q.nextID,
		topic:   topic,
		handler: handler,
		jobs:    make(chan job, q.BufferSize),
		done:    make(chan struct{}),
	}
	q.subs[topic] = append(q.subs[topic], s)
	go q.run(s)

	var once sync.Once
	return func() { once.Do(func() { q.remove(s) }) }
}

func (q *InMemoryQueue) remove(s *subscription) {
	q.mu.Lock()
	defer q.mu.Unlock()
	subs := q.subs[s.topic]
	for i, cur := range subs {
		if cur == s {
			q.subs[s.topic] = append(subs[:i:i], subs[i+1:]...)
			close(s.done)
			break
		}
	}
	if len(q.subs[s.topic]) == 0 {
		delete(q.subs, s.topic)
	}
}

// Close stops every subscriber worker. Later publishes fail.
func (q *InMemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for topic, subs := range q.subs {
		for _, s := range subs {
			close(s.done)
		}
		delete(q.subs, topic)
	}
}

func (q *InMemoryQueue) run(s *subscription) {
	for {
		select {
		case <-s.done:
			return
		case j := <-s.jobs:
			q.processJob(s, j)
		}
	}
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(s *subscription, j job) {
	for {
		err := q.invoke(s, j)
		if err == nil {
			return
		}

		j.retryCount++
		if j.retryCount > q.MaxRetries {
			q.log.Error("job permanently failed",
				zap.String("topic", s.topic), zap.Int("attempts", j.retryCount), zap.Error(err))
			return
		}
		q.log.Warn("job failed, retrying",
			zap.String("topic", s.topic), zap.Int("attempt", j.retryCount), zap.Error(err))

		// Linear backoff before retry
		select {
		case <-time.After(time.Duration(j.retryCount) * q.Backoff):
		case <-s.done:
			return
		}
	}
}

func (q *InMemoryQueue) invoke(s *subscription, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("subscriber panicked", zap.String("topic", s.topic), zap.Any("panic", r))
			err = nil
		}
	}()
	return s.handler(j.ctx, j.payload)
}

var _ Queue = (*InMemoryQueue)(nil)
