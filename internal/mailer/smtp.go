package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	appErrors "github.com/unclebandit/mailqueue-backend/internal/errors"
)

// SMTPDialer opens go-smtp client connections.
type SMTPDialer struct {
	HeloName       string
	CommandTimeout time.Duration
	Log            *zap.Logger
}

func NewSMTPDialer(heloName string, commandTimeout time.Duration, log *zap.Logger) *SMTPDialer {
	if log == nil {
		log = zap.NewNop()
	}
	return &SMTPDialer{HeloName: heloName, CommandTimeout: commandTimeout, Log: log.Named("smtp")}
}

func (d *SMTPDialer) Dial(ctx context.Context, ep Endpoint) (Client, error) {
	connErr := func(err error) error {
		return &appErrors.ConnectionError{Host: ep.Host, Port: ep.Port, Err: err}
	}

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", ep.Addr())
	if err != nil {
		return nil, connErr(err)
	}

	var c *smtp.Client
	if ep.StartTLS {
		tlsConfig := &tls.Config{ServerName: ep.Host, InsecureSkipVerify: ep.InsecureSkipVerify}
		if c, err = smtp.NewClientStartTLS(conn, tlsConfig); err != nil {
			return nil, connErr(err)
		}
	} else {
		c = smtp.NewClient(conn)
	}
	if d.CommandTimeout > 0 {
		c.CommandTimeout = d.CommandTimeout
		c.SubmissionTimeout = d.CommandTimeout
	}
	// after STARTTLS the session has to be greeted again
	if err := c.Hello(d.heloName()); err != nil {
		c.Close()
		return nil, connErr(err)
	}
	if ep.HasCredentials() {
		if err := c.Auth(sasl.NewPlainClient("", ep.Username, ep.Password)); err != nil {
			c.Close()
			return nil, connErr(err)
		}
	}

	d.Log.Debug("connected to relay",
		zap.String("addr", ep.Addr()), zap.Bool("auth", ep.HasCredentials()), zap.Bool("starttls", ep.StartTLS))
	return &smtpClient{c: c, conn: conn, log: d.Log, connected: true}, nil
}

func (d *SMTPDialer) heloName() string {
	if d.HeloName == "" {
		return "localhost"
	}
	return d.HeloName
}

type smtpClient struct {
	Feed

	c    *smtp.Client
	conn net.Conn
	log  *zap.Logger

	mu        sync.Mutex
	connected bool
}

func (s *smtpClient) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *smtpClient) markBroken(err error) {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return
	}
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

// Send runs one MAIL/RCPT/DATA transaction. Protocol refusals come back as
// *appErrors.RejectionError after the matching event has been emitted; any
// other failure is a *appErrors.TransientSendError.
func (s *smtpClient) Send(ctx context.Context, msg *Message) error {
	if !s.IsConnected() {
		return &appErrors.TransientSendError{Err: errors.New("connection closed")}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetDeadline(deadline)
		defer s.conn.SetDeadline(time.Time{})
	}

	if err := s.c.Mail(msg.From, nil); err != nil {
		return s.refuse(err, msg, SenderNotAccepted, "sender", msg.From)
	}
	s.Emit(Event{Kind: SenderAccepted, MessageID: msg.ID, Address: msg.From})

	if err := s.c.Rcpt(msg.To, nil); err != nil {
		var smtpErr *smtp.SMTPError
		if !errors.As(err, &smtpErr) {
			return s.fail(err)
		}
		s.Emit(Event{Kind: RecipientNotAccepted, MessageID: msg.ID, Address: msg.To, Code: smtpErr.Code, Response: smtpErr.Message})
		// Single-recipient messages: one refusal leaves nobody to deliver to.
		s.Emit(Event{Kind: NoRecipientsAccepted, MessageID: msg.ID, Code: smtpErr.Code, Response: smtpErr.Message})
		s.reset()
		return &appErrors.RejectionError{Stage: "recipient", Address: msg.To, Code: smtpErr.Code, Message: smtpErr.Message}
	}
	s.Emit(Event{Kind: RecipientAccepted, MessageID: msg.ID, Address: msg.To})

	w, err := s.c.Data()
	if err != nil {
		return s.refuse(err, msg, NoRecipientsAccepted, "recipients", "")
	}
	if _, err := buildMessage(msg).WriteTo(w); err != nil {
		w.Close()
		return s.fail(err)
	}
	resp, err := w.CloseWithResponse()
	if err != nil {
		var smtpErr *smtp.SMTPError
		if !errors.As(err, &smtpErr) {
			return s.fail(err)
		}
		s.Emit(Event{Kind: MessageNotAccepted, MessageID: msg.ID, Address: msg.To, Code: smtpErr.Code, Response: smtpErr.Message})
		s.reset()
		return &appErrors.RejectionError{Stage: "message", Address: msg.To, Code: smtpErr.Code, Message: smtpErr.Message}
	}

	text := ""
	if resp != nil {
		text = resp.StatusText
	}
	s.Emit(Event{Kind: MessageSent, MessageID: msg.ID, Address: msg.To, Code: 250, Response: text})
	return nil
}

// refuse handles a failed command: protocol refusals are emitted as kind
// and returned as RejectionError, anything else is transient.
func (s *smtpClient) refuse(err error, msg *Message, kind EventKind, stage, address string) error {
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return s.fail(err)
	}
	s.Emit(Event{Kind: kind, MessageID: msg.ID, Address: address, Code: smtpErr.Code, Response: smtpErr.Message})
	s.reset()
	return &appErrors.RejectionError{Stage: stage, Address: address, Code: smtpErr.Code, Message: smtpErr.Message}
}

func (s *smtpClient) fail(err error) error {
	s.markBroken(err)
	return &appErrors.TransientSendError{Err: err}
}

func (s *smtpClient) reset() {
	if err := s.c.Reset(); err != nil {
		s.log.Debug("RSET failed", zap.Error(err))
		s.markBroken(err)
	}
}

func (s *smtpClient) Close() error {
	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	s.mu.Unlock()

	if wasConnected {
		if err := s.c.Quit(); err == nil {
			return nil
		}
	}
	return s.c.Close()
}

// buildMessage assembles the multipart/alternative body with gomail.
func buildMessage(msg *Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", msg.ID)
	m.SetDateHeader("Date", time.Now())
	if msg.TextBody != "" {
		m.SetBody("text/plain", msg.TextBody)
		m.AddAlternative("text/html", msg.HTMLBody)
	} else {
		m.SetBody("text/html", msg.HTMLBody)
	}
	return m
}
