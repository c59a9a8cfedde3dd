// Package notify pushes campaign snapshots to subscribers whenever a
// campaign or one of its attempts changes.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/mailqueue-backend/internal/errors"
	"github.com/unclebandit/mailqueue-backend/internal/metrics"
	"github.com/unclebandit/mailqueue-backend/internal/model"
)

// Logical topics. Payloads are JSON with camelCase field names.
const (
	TopicCampaignUpdated  = "campaignUpdated"
	TopicCampaignsUpdated = "campaignsUpdated"
)

// Publisher delivers a payload on a topic to one transport.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Snapshots is the read side Fanout needs from the repository.
type Snapshots interface {
	GetCampaign(ctx context.Context, id int) (*model.Campaign, error)
	ListCampaigns(ctx context.Context) ([]model.Campaign, error)
}

// DefaultPublishTimeout bounds a single Publish call.
const DefaultPublishTimeout = 5 * time.Second

// Fanout builds snapshots and hands them to every publisher. Delivery
// failures are logged and counted, never returned.
type Fanout struct {
	snapshots  Snapshots
	publishers []Publisher
	log        *zap.Logger

	// Timeout caps each Publish call. A publisher that does not return in
	// time is counted as failed and the next one is tried.
	Timeout time.Duration
}

func NewFanout(snapshots Snapshots, log *zap.Logger, publishers ...Publisher) *Fanout {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("notify")
	log.Info("notification publishers", zap.String("publishers", describe(publishers)))
	return &Fanout{snapshots: snapshots, publishers: publishers, log: log, Timeout: DefaultPublishTimeout}
}

// CampaignChanged publishes the campaign with its attempts (newest first)
// and then the full campaign list. A campaign that no longer exists only
// gets the list.
func (f *Fanout) CampaignChanged(ctx context.Context, campaignID int) {
	c, err := f.snapshots.GetCampaign(ctx, campaignID)
	switch {
	case err == nil:
		model.SortMostRecentFirst(c.EmailAttempts)
		f.publish(ctx, TopicCampaignUpdated, c)
	case appErrors.IsNotFound(err):
	default:
		f.log.Warn("load campaign snapshot", zap.Int("campaign_id", campaignID), zap.Error(err))
	}
	f.CampaignsChanged(ctx)
}

// CampaignsChanged publishes the campaign list only.
func (f *Fanout) CampaignsChanged(ctx context.Context) {
	list, err := f.snapshots.ListCampaigns(ctx)
	if err != nil {
		f.log.Warn("load campaign list snapshot", zap.Error(err))
		return
	}
	f.publish(ctx, TopicCampaignsUpdated, list)
}

func (f *Fanout) publish(ctx context.Context, topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		f.log.Error("encode snapshot", zap.String("topic", topic), zap.Error(err))
		return
	}
	for _, p := range f.publishers {
		if err := f.deliver(ctx, p, topic, payload); err != nil {
			metrics.NotificationsFailed.WithLabelValues(p.Name()).Inc()
			f.log.Warn("publish snapshot",
				zap.String("publisher", p.Name()), zap.String("topic", topic), zap.Error(err))
		}
	}
}

// deliver runs one Publish under the fanout timeout. Some transports ignore
// ctx, so the call is abandoned rather than waited on once time is up.
func (f *Fanout) deliver(ctx context.Context, p Publisher, topic string, payload []byte) error {
	if f.Timeout <= 0 {
		return p.Publish(ctx, topic, payload)
	}
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Publish(ctx, topic, payload) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ignoreErr wraps a publisher so that err counts as delivered.
type ignoreErr struct {
	Publisher
	err error
}

func (i ignoreErr) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := i.Publisher.Publish(ctx, topic, payload); err != nil && !errors.Is(err, i.err) {
		return err
	}
	return nil
}
