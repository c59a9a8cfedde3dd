package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/mailqueue-backend/internal/config"
	appErrors "github.com/unclebandit/mailqueue-backend/internal/errors"
	"github.com/unclebandit/mailqueue-backend/internal/mailer"
	"github.com/unclebandit/mailqueue-backend/internal/metrics"
	"github.com/unclebandit/mailqueue-backend/internal/model"
	"github.com/unclebandit/mailqueue-backend/internal/repository"
)

// Notifier is told whenever a campaign or one of its attempts changes.
type Notifier interface {
	CampaignChanged(ctx context.Context, campaignID int)
	CampaignsChanged(ctx context.Context)
}

type nopNotifier struct{}

func (nopNotifier) CampaignChanged(context.Context, int) {}
func (nopNotifier) CampaignsChanged(context.Context)     {}

// notifyTimeout bounds one change notification from the delivery path.
const notifyTimeout = 10 * time.Second

// Status is the worker state reported to operators.
type Status struct {
	Running             bool `json:"running"`
	MaxAttempts         int  `json:"maxAttempts"`
	SecondsBetweenLoops int  `json:"secondsBetweenLoops"`
}

// Worker delivers pending email attempts on a timer. It stops itself once
// nothing is left to send and is started again on demand.
type Worker struct {
	repo     *repository.Repository
	dialer   mailer.Dialer
	notifier Notifier
	smtp     config.SMTPConfig
	cfg      config.WorkerConfig
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	gen     int
	cancel  context.CancelFunc
	rearm   bool // Start was called while running; blocks the next self-stop

	// one iteration at a time, even across a stop/start
	tickMu sync.Mutex
}

func NewWorker(cfg config.WorkerConfig, smtp config.SMTPConfig, repo *repository.Repository, dialer mailer.Dialer, notifier Notifier, log *zap.Logger) *Worker {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		repo:     repo,
		dialer:   dialer,
		notifier: notifier,
		smtp:     smtp,
		cfg:      cfg,
		log:      log.Named("worker"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start arms the timer and returns immediately. It reports false when the
// worker was already running; the running loop then skips its next
// self-stop so work added during an empty iteration is still picked up.
func (w *Worker) Start() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		w.rearm = true
		w.log.Info("worker already running")
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.running = true
	w.gen++
	w.cancel = cancel
	go w.loop(ctx, w.gen)
	w.log.Info("worker started", zap.Duration("interval", w.cfg.Interval()))
	return true
}

// Stop cancels the timer. An iteration in flight finishes the attempt it is
// on and then returns. It reports false when the worker was not running.
func (w *Worker) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		w.log.Info("worker not running")
		return false
	}
	w.halt()
	w.log.Info("worker stopped")
	return true
}

// halt must be called with mu held.
func (w *Worker) halt() {
	w.running = false
	w.rearm = false
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}

// stopSelf stops the worker if gen is still the active run and nobody asked
// for it since the last iteration began. It reports whether the loop for gen
// should exit.
func (w *Worker) stopSelf(gen int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running || w.gen != gen {
		return true
	}
	if w.rearm {
		w.rearm = false
		w.log.Debug("start requested during an empty iteration, staying up")
		return false
	}
	w.halt()
	w.log.Info("no email attempts to process, worker stopped")
	return true
}

// beginIteration clears any pending rearm; requests from here on are
// covered by the coming snapshot or block the self-stop.
func (w *Worker) beginIteration(gen int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gen == gen {
		w.rearm = false
	}
}

func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) Status() Status {
	return Status{
		Running:             w.Running(),
		MaxAttempts:         w.cfg.MaxAttempts,
		SecondsBetweenLoops: w.cfg.SecondsBetweenLoops,
	}
}

func (w *Worker) loop(ctx context.Context, gen int) {
	ticker := time.NewTicker(w.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		w.beginIteration(gen)
		n, err := w.Tick(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			w.log.Error("worker iteration failed", zap.Error(err))
		case err == nil && n == 0:
			if w.stopSelf(gen) {
				return
			}
		}
	}
}

// Tick runs one iteration and returns how many eligible attempts it found.
// Per-attempt failures are recorded on the attempts, not returned.
func (w *Worker) Tick(ctx context.Context) (n int, err error) {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()

	start := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			err = fmt.Errorf("worker iteration panicked: %v", r)
		}
	}()

	attempts, err := w.repo.EligibleAttempts(ctx, w.cfg.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("load eligible attempts: %w", err)
	}
	if len(attempts) == 0 {
		return 0, nil
	}
	w.log.Debug("processing attempts", zap.Int("count", len(attempts)))

	b := &batch{w: w, dialErrs: map[string]error{}}
	defer b.release()

	for _, a := range attempts {
		if ctx.Err() != nil {
			w.log.Info("worker stopped mid-iteration", zap.Int("attempt_id", a.ID))
			break
		}
		if err := b.process(ctx, a); err != nil {
			w.log.Warn("attempt not processed",
				zap.Int("attempt_id", a.ID), zap.Int("campaign_id", a.CampaignID), zap.Error(err))
		}
	}
	return len(attempts), nil
}

// batch holds the connection state of one iteration. At most one
// connection is open, for the sender of the attempt being processed.
type batch struct {
	w           *Worker
	sender      string
	client      mailer.Client
	unsubscribe func()
	dialErrs    map[string]error
}

func (b *batch) process(ctx context.Context, a model.EmailAttempt) error {
	w := b.w
	c, err := w.repo.GetCampaignHeader(ctx, a.CampaignID)
	switch {
	case appErrors.IsNotFound(err):
		metrics.AttemptsTotal.WithLabelValues(metrics.OutcomeNoCampaign).Inc()
		_, err := w.record(ctx, a, a.Status, model.AttemptPatch{
			Status:      model.Ptr(model.StatusFailed),
			Attempts:    model.Ptr(w.cfg.MaxAttempts),
			Result:      model.Ptr("Campaign not found"),
			ErrorCode:   model.Ptr(appErrors.CodeNotFound),
			LastAttempt: model.Ptr(w.now()),
		})
		return err
	case err != nil:
		return err
	}

	if c.State == model.CampaignPaused {
		metrics.AttemptsTotal.WithLabelValues(metrics.OutcomePaused).Inc()
		_, err := w.record(ctx, a, a.Status, model.AttemptPatch{Status: model.Ptr(model.StatusPaused)})
		return err
	}

	if err := b.connect(ctx, c.Sender); err != nil {
		metrics.AttemptsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		_, err := w.record(ctx, a, a.Status, model.AttemptPatch{
			Status:      model.Ptr(model.StatusFailed),
			Attempts:    model.Ptr(a.Attempts + 1),
			Result:      model.Ptr(err.Error()),
			ErrorCode:   model.Ptr(appErrors.CodeTransient),
			LastAttempt: model.Ptr(w.now()),
		})
		return err
	}

	msg := &mailer.Message{
		ID:       mailer.NewMessageID(c.Sender),
		From:     c.Sender,
		To:       a.Email,
		Subject:  c.Subject,
		HTMLBody: c.Body,
		TextBody: c.TextBody,
	}
	claimed, err := w.record(ctx, a, a.Status, model.AttemptPatch{
		Status:      model.Ptr(model.StatusInProgress),
		Attempts:    model.Ptr(a.Attempts + 1),
		LastAttempt: model.Ptr(w.now()),
		MessageID:   model.Ptr(msg.ID),
	})
	if err != nil {
		return err
	}
	if !claimed {
		w.log.Info("attempt changed before send, skipped", zap.Int("attempt_id", a.ID), zap.String("email", a.Email))
		return nil
	}

	err = b.client.Send(context.WithoutCancel(ctx), msg)
	var rej *appErrors.RejectionError
	switch {
	case err == nil:
		metrics.AttemptsTotal.WithLabelValues(metrics.OutcomeSent).Inc()
		return nil
	case errors.As(err, &rej):
		metrics.AttemptsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		w.log.Info("message rejected", zap.Int("attempt_id", a.ID), zap.String("email", a.Email), zap.Error(err))
		// normally settled by the event handlers already
		_, err := w.record(ctx, a, model.StatusInProgress, *rejected(stageReason(rej.Stage), rej.Message))
		return err
	}

	w.log.Warn("failed to send email", zap.Int("attempt_id", a.ID), zap.String("email", a.Email), zap.Error(err))
	metrics.AttemptsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
	if !b.client.IsConnected() {
		b.release()
	}
	_, err = w.record(ctx, a, model.StatusInProgress, model.AttemptPatch{
		Status:      model.Ptr(model.StatusFailed),
		Result:      model.Ptr(err.Error()),
		ErrorCode:   model.Ptr(appErrors.CodeTransient),
		LastAttempt: model.Ptr(w.now()),
	})
	return err
}

// connect makes sure a live connection for sender is open. A sender whose
// relay failed once is not dialled again in the same iteration.
func (b *batch) connect(ctx context.Context, sender string) error {
	if b.client != nil && b.sender == sender && b.client.IsConnected() {
		return nil
	}
	b.release()
	if err, ok := b.dialErrs[sender]; ok {
		return err
	}

	ep := mailer.EndpointFor(b.w.smtp, sender)
	client, err := b.w.dialer.Dial(ctx, ep)
	if err != nil {
		metrics.ConnectionFailures.WithLabelValues(ep.Host).Inc()
		b.w.log.Warn("failed to open smtp connection",
			zap.String("sender", sender), zap.String("relay", ep.Addr()), zap.Error(err))
		b.dialErrs[sender] = err
		return err
	}
	b.sender = sender
	b.client = client
	b.unsubscribe = client.Subscribe(b.w.handleEvent(context.WithoutCancel(ctx)))
	return nil
}

func (b *batch) release() {
	if b.client == nil {
		return
	}
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	if err := b.client.Close(); err != nil {
		b.w.log.Debug("close smtp connection", zap.String("sender", b.sender), zap.Error(err))
	}
	b.client, b.unsubscribe, b.sender = nil, nil, ""
}

// record writes p onto a if the stored attempt is still in status from, so a
// pause or removal that happened in between wins. It reports whether the
// write happened and notifies subscribers when it did. A stop request must
// not leave the attempt half written, so ctx cancellation is ignored.
func (w *Worker) record(ctx context.Context, a model.EmailAttempt, from model.EmailStatus, p model.AttemptPatch) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	written := false
	cur, err := w.repo.ResolveAttempt(ctx, a.ID, func(cur model.EmailAttempt) *model.AttemptPatch {
		if cur.Status != from {
			return nil
		}
		written = true
		return &p
	})
	switch {
	case appErrors.IsNotFound(err):
		w.log.Debug("attempt removed while processing", zap.Int("attempt_id", a.ID))
		return false, nil
	case err != nil:
		return false, err
	case !written:
		w.log.Debug("attempt status moved, write skipped",
			zap.Int("attempt_id", a.ID), zap.Stringer("expected", from), zap.Stringer("status", cur.Status))
		return false, nil
	}
	w.notify(ctx, a.CampaignID)
	return true, nil
}

// notify tells subscribers about campaignID without letting a slow
// transport hold up delivery.
func (w *Worker) notify(ctx context.Context, campaignID int) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	w.notifier.CampaignChanged(ctx, campaignID)
}
