// Package storequeue serializes access to a store handle that must not be
// used concurrently. Operations run one at a time in submission order on a
// drain goroutine that exists only while work is pending.
package storequeue

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/mailqueue-backend/internal/errors"
	"github.com/unclebandit/mailqueue-backend/internal/metrics"
)

// Op is a unit of work against the handle.
type Op[H any] func(ctx context.Context, h H) (any, error)

type result struct {
	val any
	err error
}

type job[H any] struct {
	ctx  context.Context
	name string
	op   Op[H]
	done chan result
}

// Queue owns a handle H and runs submitted operations against it serially.
type Queue[H any] struct {
	handle H
	log    *zap.Logger

	mu       sync.Mutex
	pending  []*job[H]
	draining bool
}

// New wraps handle. The handle must only be touched through the returned queue.
func New[H any](handle H, log *zap.Logger) *Queue[H] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue[H]{handle: handle, log: log.Named("storequeue")}
}

// Len returns the number of operations waiting to run.
func (q *Queue[H]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue[H]) enqueue(j *job[H]) {
	q.mu.Lock()
	q.pending = append(q.pending, j)
	metrics.StoreQueueDepth.Set(float64(len(q.pending)))
	start := !q.draining
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
}

// drain runs until the queue is empty and then exits; the next enqueue
// starts a fresh drain.
func (q *Queue[H]) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		j := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		metrics.StoreQueueDepth.Set(float64(len(q.pending)))
		q.mu.Unlock()

		j.done <- q.run(j)
	}
}

func (q *Queue[H]) run(j *job[H]) (res result) {
	if err := j.ctx.Err(); err != nil {
		return result{err: err}
	}
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("store operation panicked", zap.String("op", j.name), zap.Any("panic", r))
			res = result{err: &appErrors.StoreError{Op: j.name, Err: fmt.Errorf("panic: %v", r)}}
		}
	}()
	v, err := j.op(j.ctx, q.handle)
	if err != nil {
		q.log.Debug("store operation failed", zap.String("op", j.name), zap.Error(err))
	}
	return result{val: v, err: err}
}

// Submit enqueues op and blocks until it has run or ctx is done. A caller
// that gives up waiting does not stall the queue; its op is skipped if it
// has not started yet.
func Submit[H, R any](ctx context.Context, q *Queue[H], name string, op func(ctx context.Context, h H) (R, error)) (R, error) {
	j := &job[H]{
		ctx:  ctx,
		name: name,
		op: func(ctx context.Context, h H) (any, error) {
			return op(ctx, h)
		},
		done: make(chan result, 1),
	}
	q.enqueue(j)

	var zero R
	select {
	case res := <-j.done:
		if res.err != nil {
			return zero, res.err
		}
		v, _ := res.val.(R)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Exec is Submit for operations without a result value.
func Exec[H any](ctx context.Context, q *Queue[H], name string, op func(ctx context.Context, h H) error) error {
	_, err := Submit(ctx, q, name, func(ctx context.Context, h H) (struct{}, error) {
		return struct{}{}, op(ctx, h)
	})
	return err
}
