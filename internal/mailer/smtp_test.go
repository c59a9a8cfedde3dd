package mailer_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	appErrors "github.com/unclebandit/mailqueue-backend/internal/errors"
	"github.com/unclebandit/mailqueue-backend/internal/mailer"
)

// relay is an in-process SMTP server recording what it accepts.
type relay struct {
	username, password string
	rejectRcpt         map[string]bool
	rejectFrom         map[string]bool
	rejectData         *smtp.SMTPError

	mu        sync.Mutex
	delivered []delivery
	authed    bool
	secure    bool
}

type delivery struct {
	from, to string
	data     string
}

func (r *relay) NewSession(c *smtp.Conn) (smtp.Session, error) {
	_, secure := c.TLSConnectionState()
	r.mu.Lock()
	r.secure = secure
	r.mu.Unlock()
	return &relaySession{relay: r}, nil
}

type relaySession struct {
	relay *relay
	from  string
	to    []string
}

func (s *relaySession) AuthMechanisms() []string { return []string{sasl.Plain} }

func (s *relaySession) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.relay.username || password != s.relay.password {
			return errors.New("invalid credentials")
		}
		s.relay.mu.Lock()
		s.relay.authed = true
		s.relay.mu.Unlock()
		return nil
	}), nil
}

func (s *relaySession) Mail(from string, _ *smtp.MailOptions) error {
	if s.relay.rejectFrom[from] {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: "sender refused"}
	}
	s.from = from
	return nil
}

func (s *relaySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.relay.rejectRcpt[to] {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "mailbox not found"}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if s.relay.rejectData != nil {
		return s.relay.rejectData
	}
	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()
	for _, to := range s.to {
		s.relay.delivered = append(s.relay.delivered, delivery{from: s.from, to: to, data: string(b)})
	}
	return nil
}

func (s *relaySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *relaySession) Logout() error { return nil }

func startRelay(t *testing.T, r *relay) mailer.Endpoint {
	t.Helper()
	return serveRelay(t, r, nil)
}

// startTLSRelay serves r with STARTTLS enabled, using a throwaway
// self-signed certificate.
func startTLSRelay(t *testing.T, r *relay) mailer.Endpoint {
	t.Helper()
	return serveRelay(t, r, &tls.Config{Certificates: []tls.Certificate{selfSigned(t)}})
}

func selfSigned(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func serveRelay(t *testing.T, r *relay, tlsConfig *tls.Config) mailer.Endpoint {
	t.Helper()
	srv := smtp.NewServer(r)
	srv.TLSConfig = tlsConfig
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	host, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return mailer.Endpoint{Host: host, Port: p}
}

type recorder struct {
	mu     sync.Mutex
	events []mailer.Event
}

func (r *recorder) listen(ev mailer.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []mailer.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]mailer.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newDialer(t *testing.T) *mailer.SMTPDialer {
	return mailer.NewSMTPDialer("test.local", 5*time.Second, zaptest.NewLogger(t))
}

func TestSMTPClient_SendEmitsAcceptanceEvents(t *testing.T) {
	r := &relay{}
	ep := startRelay(t, r)
	ctx := context.Background()

	client, err := newDialer(t).Dial(ctx, ep)
	require.NoError(t, err)
	defer client.Close()
	require.True(t, client.IsConnected())

	rec := &recorder{}
	unsubscribe := client.Subscribe(rec.listen)
	defer unsubscribe()

	msg := &mailer.Message{
		ID:       mailer.NewMessageID("a@x.com"),
		From:     "a@x.com",
		To:       "r1@y.com",
		Subject:  "Hello",
		HTMLBody: "<p>Hi</p>",
		TextBody: "Hi",
	}
	require.NoError(t, client.Send(ctx, msg))

	assert.Equal(t, []mailer.EventKind{mailer.SenderAccepted, mailer.RecipientAccepted, mailer.MessageSent}, rec.kinds())
	last := rec.events[len(rec.events)-1]
	assert.Equal(t, msg.ID, last.MessageID)
	assert.NotEmpty(t, last.Response)

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.delivered, 1)
	got := r.delivered[0]
	assert.Equal(t, "a@x.com", got.from)
	assert.Equal(t, "r1@y.com", got.to)
	assert.Contains(t, got.data, "Subject: Hello")
	assert.Contains(t, got.data, msg.ID)
	assert.Contains(t, got.data, "multipart/alternative")
	assert.Contains(t, got.data, "text/html")
}

func TestSMTPClient_RecipientRejected(t *testing.T) {
	r := &relay{rejectRcpt: map[string]bool{"ghost@y.com": true}}
	ep := startRelay(t, r)
	ctx := context.Background()

	client, err := newDialer(t).Dial(ctx, ep)
	require.NoError(t, err)
	defer client.Close()

	rec := &recorder{}
	defer client.Subscribe(rec.listen)()

	err = client.Send(ctx, &mailer.Message{ID: "<1@x.com>", From: "a@x.com", To: "ghost@y.com", Subject: "s", HTMLBody: "b"})
	var rej *appErrors.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, 550, rej.Code)
	assert.Equal(t, appErrors.CodeRejected, appErrors.Code(err))
	assert.Equal(t, []mailer.EventKind{mailer.SenderAccepted, mailer.RecipientNotAccepted, mailer.NoRecipientsAccepted}, rec.kinds())
	assert.True(t, client.IsConnected(), "a refusal must not drop the connection")

	// The transaction was reset, so the next message goes through.
	require.NoError(t, client.Send(ctx, &mailer.Message{ID: "<2@x.com>", From: "a@x.com", To: "ok@y.com", Subject: "s", HTMLBody: "b"}))
}

func TestSMTPClient_SenderRejected(t *testing.T) {
	r := &relay{rejectFrom: map[string]bool{"spam@x.com": true}}
	ep := startRelay(t, r)
	ctx := context.Background()

	client, err := newDialer(t).Dial(ctx, ep)
	require.NoError(t, err)
	defer client.Close()

	rec := &recorder{}
	defer client.Subscribe(rec.listen)()

	err = client.Send(ctx, &mailer.Message{ID: "<3@x.com>", From: "spam@x.com", To: "r@y.com", Subject: "s", HTMLBody: "b"})
	var rej *appErrors.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "sender", rej.Stage)
	assert.Equal(t, []mailer.EventKind{mailer.SenderNotAccepted}, rec.kinds())
}

func TestSMTPClient_MessageRejectedAfterData(t *testing.T) {
	r := &relay{rejectData: &smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 6, 0}, Message: "content rejected"}}
	ep := startRelay(t, r)
	ctx := context.Background()

	client, err := newDialer(t).Dial(ctx, ep)
	require.NoError(t, err)
	defer client.Close()

	rec := &recorder{}
	defer client.Subscribe(rec.listen)()

	msg := &mailer.Message{ID: "<6@x.com>", From: "a@x.com", To: "r@y.com", Subject: "s", HTMLBody: "b"}
	err = client.Send(ctx, msg)
	var rej *appErrors.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "message", rej.Stage)
	assert.Equal(t, 554, rej.Code)
	assert.Equal(t, []mailer.EventKind{mailer.SenderAccepted, mailer.RecipientAccepted, mailer.MessageNotAccepted}, rec.kinds())

	last := rec.events[len(rec.events)-1]
	assert.Equal(t, msg.ID, last.MessageID)
	assert.Equal(t, 554, last.Code)
	assert.Equal(t, "content rejected", last.Response)
	assert.True(t, client.IsConnected())
}

func TestSMTPDialer_StartTLS(t *testing.T) {
	r := &relay{username: "a@x.com", password: "secret"}
	ep := startTLSRelay(t, r)
	ep.StartTLS = true
	ep.InsecureSkipVerify = true
	ep.Username, ep.Password = "a@x.com", "secret"
	ctx := context.Background()

	client, err := newDialer(t).Dial(ctx, ep)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Send(ctx, &mailer.Message{ID: "<7@x.com>", From: "a@x.com", To: "r@y.com", Subject: "s", HTMLBody: "b"}))

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.True(t, r.secure, "session should run over TLS")
	assert.True(t, r.authed)
	assert.Len(t, r.delivered, 1)
}

func TestSMTPDialer_StartTLSUnsupported(t *testing.T) {
	ep := startRelay(t, &relay{})
	ep.StartTLS = true

	_, err := newDialer(t).Dial(context.Background(), ep)
	var ce *appErrors.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "STARTTLS")
}

func TestSMTPDialer_Auth(t *testing.T) {
	r := &relay{username: "a@x.com", password: "secret"}
	ep := startRelay(t, r)
	ctx := context.Background()

	ep.Username, ep.Password = "a@x.com", "wrong"
	_, err := newDialer(t).Dial(ctx, ep)
	var ce *appErrors.ConnectionError
	require.ErrorAs(t, err, &ce)

	ep.Password = "secret"
	client, err := newDialer(t).Dial(ctx, ep)
	require.NoError(t, err)
	defer client.Close()

	r.mu.Lock()
	assert.True(t, r.authed)
	r.mu.Unlock()
}

func TestSMTPDialer_Unreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	_, err = newDialer(t).Dial(context.Background(), mailer.Endpoint{Host: "127.0.0.1", Port: addr.Port})
	var ce *appErrors.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, addr.Port, ce.Port)
}

func TestSMTPClient_UnsubscribeStopsDelivery(t *testing.T) {
	r := &relay{}
	ep := startRelay(t, r)
	ctx := context.Background()

	client, err := newDialer(t).Dial(ctx, ep)
	require.NoError(t, err)

	rec := &recorder{}
	unsubscribe := client.Subscribe(rec.listen)
	unsubscribe()
	unsubscribe()

	require.NoError(t, client.Send(ctx, &mailer.Message{ID: "<4@x.com>", From: "a@x.com", To: "r@y.com", Subject: "s", HTMLBody: "b"}))
	assert.Empty(t, rec.kinds())

	require.NoError(t, client.Close())
	assert.False(t, client.IsConnected())
	err = client.Send(ctx, &mailer.Message{ID: "<5@x.com>", From: "a@x.com", To: "r@y.com"})
	var tse *appErrors.TransientSendError
	assert.ErrorAs(t, err, &tse)
}

func TestNewMessageIDUsesSenderDomain(t *testing.T) {
	id := mailer.NewMessageID("news@example.org")
	assert.True(t, strings.HasPrefix(id, "<"))
	assert.True(t, strings.HasSuffix(id, "@example.org>"))
	assert.NotEqual(t, id, mailer.NewMessageID("news@example.org"))
	assert.True(t, strings.HasSuffix(mailer.NewMessageID("broken"), "@localhost>"))
}
