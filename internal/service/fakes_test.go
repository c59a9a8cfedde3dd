package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/unclebandit/mailqueue-backend/internal/config"
	appErrors "github.com/unclebandit/mailqueue-backend/internal/errors"
	"github.com/unclebandit/mailqueue-backend/internal/mailer"
	"github.com/unclebandit/mailqueue-backend/internal/model"
	"github.com/unclebandit/mailqueue-backend/internal/repository"
)

// fakeClient accepts everything unless told otherwise and reports outcomes
// on its feed the way the SMTP client does.
type fakeClient struct {
	mailer.Feed
	d *fakeDialer

	mu     sync.Mutex
	closed bool
}

func (c *fakeClient) Send(_ context.Context, msg *mailer.Message) error {
	c.d.mu.Lock()
	c.d.sent = append(c.d.sent, msg)
	sendErr, rejectTo, rejectFrom := c.d.sendErr, c.d.rejectTo[msg.To], c.d.rejectFrom[msg.From]
	rejectData, silent, beforeSend := c.d.rejectData[msg.To], c.d.silentReject[msg.To], c.d.beforeSend
	c.d.mu.Unlock()

	if beforeSend != nil {
		beforeSend(msg)
	}

	if rejectFrom {
		c.Emit(mailer.Event{Kind: mailer.SenderNotAccepted, MessageID: msg.ID, Address: msg.From, Code: 550, Response: "sender denied"})
		return &appErrors.RejectionError{Stage: "sender", Address: msg.From, Code: 550, Message: "sender denied"}
	}
	c.Emit(mailer.Event{Kind: mailer.SenderAccepted, MessageID: msg.ID, Address: msg.From})
	if rejectTo {
		c.Emit(mailer.Event{Kind: mailer.RecipientNotAccepted, MessageID: msg.ID, Address: msg.To, Code: 550, Response: "no such user"})
		c.Emit(mailer.Event{Kind: mailer.NoRecipientsAccepted, MessageID: msg.ID})
		return &appErrors.RejectionError{Stage: "recipient", Address: msg.To, Code: 550, Message: "no such user"}
	}
	if sendErr != nil {
		return &appErrors.TransientSendError{Err: sendErr}
	}
	c.Emit(mailer.Event{Kind: mailer.RecipientAccepted, MessageID: msg.ID, Address: msg.To})
	if rejectData {
		c.Emit(mailer.Event{Kind: mailer.MessageNotAccepted, MessageID: msg.ID, Address: msg.To, Code: 554, Response: "content rejected"})
		return &appErrors.RejectionError{Stage: "message", Address: msg.To, Code: 554, Message: "content rejected"}
	}
	if silent {
		return &appErrors.RejectionError{Stage: "message", Address: msg.To, Code: 554, Message: "content rejected"}
	}
	c.Emit(mailer.Event{Kind: mailer.MessageSent, MessageID: msg.ID, Response: "2.0.0 OK queued"})
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

type fakeDialer struct {
	mu         sync.Mutex
	badHosts   map[string]bool
	sendErr    error
	rejectTo   map[string]bool
	rejectFrom map[string]bool
	rejectData map[string]bool // refused after DATA, with an event
	// refused after DATA without any event, as a client that does not
	// report that stage would
	silentReject map[string]bool
	beforeSend   func(*mailer.Message)
	dials        []mailer.Endpoint
	clients      []*fakeClient
	sent         []*mailer.Message
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		badHosts:     map[string]bool{},
		rejectTo:     map[string]bool{},
		rejectFrom:   map[string]bool{},
		rejectData:   map[string]bool{},
		silentReject: map[string]bool{},
	}
}

func (d *fakeDialer) Dial(_ context.Context, ep mailer.Endpoint) (mailer.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, ep)
	if d.badHosts[ep.Host] {
		return nil, &appErrors.ConnectionError{Host: ep.Host, Port: ep.Port, Err: errors.New("connection refused")}
	}
	c := &fakeClient{d: d}
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *fakeDialer) sentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

type recordingNotifier struct {
	mu    sync.Mutex
	ids   []int
	lists int
}

func (n *recordingNotifier) CampaignChanged(_ context.Context, id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, id)
}

func (n *recordingNotifier) CampaignsChanged(context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lists++
}

func (n *recordingNotifier) count(id int) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, got := range n.ids {
		if got == id {
			c++
		}
	}
	return c
}

func testConfig() (config.WorkerConfig, config.SMTPConfig) {
	return config.WorkerConfig{MaxAttempts: 3, SecondsBetweenLoops: 1, AutoStart: true},
		config.SMTPConfig{
			DefaultRelay: config.RelayConfig{Host: "localhost", Port: 1025},
			Senders: []config.SenderConfig{
				{Address: "bad@x.com", Host: "bad.relay", Port: 587, Password: "secret"},
			},
		}
}

func newRepo(t *testing.T) *repository.Repository {
	t.Helper()
	return repository.New(repository.NewMemoryStore(), zaptest.NewLogger(t))
}

func addCampaign(t *testing.T, repo *repository.Repository, sender string, emails ...string) *model.Campaign {
	t.Helper()
	ctx := context.Background()
	c := &model.Campaign{Name: "Launch", Subject: "Hello", Sender: sender, Body: "<p>Hello</p>"}
	require.NoError(t, repo.AddCampaign(ctx, c))
	if len(emails) > 0 {
		_, err := repo.AddAttempts(ctx, c.ID, emails)
		require.NoError(t, err)
	}
	return c
}

func attemptsByEmail(t *testing.T, repo *repository.Repository, campaignID int) map[string]model.EmailAttempt {
	t.Helper()
	list, err := repo.ListAttempts(context.Background(), campaignID)
	require.NoError(t, err)
	out := make(map[string]model.EmailAttempt, len(list))
	for _, a := range list {
		out[a.Email] = a
	}
	return out
}
