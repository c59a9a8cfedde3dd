// Package mailer abstracts the outbound relay connection used by the
// delivery worker. Besides the synchronous Send result, a Client reports
// per-stage protocol outcomes on an event feed keyed by message id.
package mailer

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/unclebandit/mailqueue-backend/internal/config"
)

type EventKind int

const (
	SenderAccepted EventKind = iota
	SenderNotAccepted
	RecipientAccepted
	RecipientNotAccepted
	NoRecipientsAccepted
	MessageSent
	MessageNotAccepted
)

func (k EventKind) String() string {
	switch k {
	case SenderAccepted:
		return "sender_accepted"
	case SenderNotAccepted:
		return "sender_not_accepted"
	case RecipientAccepted:
		return "recipient_accepted"
	case RecipientNotAccepted:
		return "recipient_not_accepted"
	case NoRecipientsAccepted:
		return "no_recipients_accepted"
	case MessageSent:
		return "message_sent"
	case MessageNotAccepted:
		return "message_not_accepted"
	}
	return "unknown"
}

// Event is one protocol outcome for the message identified by MessageID.
type Event struct {
	Kind      EventKind
	MessageID string
	Address   string // sender or recipient the event concerns, if any
	Code      int    // server reply code, 0 when not applicable
	Response  string // server reply text
}

type Listener func(Event)

// Message is a single-recipient outbound email.
type Message struct {
	ID       string
	From     string
	To       string
	Subject  string
	HTMLBody string
	TextBody string
}

// Endpoint is where and how to connect for one sender.
type Endpoint struct {
	Host               string
	Port               int
	Username           string
	Password           string
	StartTLS           bool
	InsecureSkipVerify bool
}

func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// HasCredentials reports whether the endpoint requires authentication.
func (e Endpoint) HasCredentials() bool {
	return e.Username != "" && e.Password != ""
}

// Client is an open relay connection. Send returns once the relay has
// accepted or refused the message; outcomes are also published to
// subscribers, synchronously on the sending goroutine.
type Client interface {
	Subscribe(l Listener) (unsubscribe func())
	Send(ctx context.Context, msg *Message) error
	Close() error
	IsConnected() bool
}

// Dialer opens connections. Dial fails with *appErrors.ConnectionError when
// the relay is unreachable or rejects the credentials.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Client, error)
}

// EndpointFor resolves the relay for sender: configured credentials when
// present, otherwise the unauthenticated default relay.
func EndpointFor(cfg config.SMTPConfig, sender string) Endpoint {
	if sc, ok := cfg.Sender(sender); ok {
		return Endpoint{
			Host:               sc.Host,
			Port:               sc.Port,
			Username:           sc.Address,
			Password:           sc.Password,
			StartTLS:           sc.StartTLS,
			InsecureSkipVerify: sc.InsecureSkipVerify,
		}
	}
	return Endpoint{Host: cfg.DefaultRelay.Host, Port: cfg.DefaultRelay.Port}
}

// NewMessageID returns a fresh RFC 5322 message id in the sender's domain.
func NewMessageID(sender string) string {
	domain := "localhost"
	if at := strings.LastIndex(sender, "@"); at >= 0 && at < len(sender)-1 {
		domain = sender[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// Feed is a listener registry that Client implementations embed.
type Feed struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]Listener
}

func (f *Feed) Subscribe(l Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listeners == nil {
		f.listeners = map[int]Listener{}
	}
	id := f.nextID
	f.nextID++
	f.listeners[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.listeners, id)
			f.mu.Unlock()
		})
	}
}

// Emit delivers ev to every current listener in subscription order.
func (f *Feed) Emit(ev Event) {
	f.mu.Lock()
	ids := make([]int, 0, len(f.listeners))
	for id := range f.listeners {
		ids = append(ids, id)
	}
	ls := make([]Listener, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		ls = append(ls, f.listeners[id])
	}
	f.mu.Unlock()

	for _, l := range ls {
		l(ev)
	}
}
