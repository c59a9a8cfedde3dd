// internal/repository/repository.go
package repository

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/mailqueue-backend/internal/errors"
	"github.com/unclebandit/mailqueue-backend/internal/model"
	"github.com/unclebandit/mailqueue-backend/internal/storequeue"
)

// Repository exposes typed campaign and attempt operations. Every call runs
// through a single storequeue, so store reads and writes never interleave.
type Repository struct {
	q *storequeue.Queue[Store]
}

func New(store Store, log *zap.Logger) *Repository {
	return &Repository{q: storequeue.New(store, log)}
}

// ====================== Attempts ======================

func (r *Repository) ListAttempts(ctx context.Context, campaignID int) ([]model.EmailAttempt, error) {
	return storequeue.Submit(ctx, r.q, "list_attempts", func(ctx context.Context, s Store) ([]model.EmailAttempt, error) {
		return s.ListAttempts(ctx, campaignID)
	})
}

func (r *Repository) ListAllAttempts(ctx context.Context) ([]model.EmailAttempt, error) {
	return storequeue.Submit(ctx, r.q, "list_all_attempts", func(ctx context.Context, s Store) ([]model.EmailAttempt, error) {
		return s.ListAllAttempts(ctx)
	})
}

func (r *Repository) EligibleAttempts(ctx context.Context, maxAttempts int) ([]model.EmailAttempt, error) {
	return storequeue.Submit(ctx, r.q, "eligible_attempts", func(ctx context.Context, s Store) ([]model.EmailAttempt, error) {
		return s.EligibleAttempts(ctx, maxAttempts)
	})
}

func (r *Repository) AddAttempt(ctx context.Context, a *model.EmailAttempt) error {
	return storequeue.Exec(ctx, r.q, "add_attempt", func(ctx context.Context, s Store) error {
		return s.InsertAttempt(ctx, a)
	})
}

// AddAttempts registers every address against campaignID inside one queued
// operation. It fails with NotFound before inserting anything if the
// campaign is missing.
func (r *Repository) AddAttempts(ctx context.Context, campaignID int, emails []string) ([]model.EmailAttempt, error) {
	return storequeue.Submit(ctx, r.q, "add_attempts", func(ctx context.Context, s Store) ([]model.EmailAttempt, error) {
		if err := mustExist(ctx, s, campaignID); err != nil {
			return nil, err
		}
		added := make([]model.EmailAttempt, 0, len(emails))
		for _, email := range emails {
			a := model.EmailAttempt{CampaignID: campaignID, Email: email}
			if err := s.InsertAttempt(ctx, &a); err != nil {
				return added, fmt.Errorf("insert attempt for %s: %w", email, err)
			}
			added = append(added, a)
		}
		return added, nil
	})
}

// RemoveAttempt deletes the attempt and returns its recipient address.
func (r *Repository) RemoveAttempt(ctx context.Context, id int) (string, error) {
	return storequeue.Submit(ctx, r.q, "remove_attempt", func(ctx context.Context, s Store) (string, error) {
		return s.DeleteAttempt(ctx, id)
	})
}

// UpdateAttempt overwrites only the non-nil fields of p.
func (r *Repository) UpdateAttempt(ctx context.Context, id int, p model.AttemptPatch) error {
	return storequeue.Exec(ctx, r.q, "update_attempt", func(ctx context.Context, s Store) error {
		return s.UpdateAttempt(ctx, id, p)
	})
}

// ResolveAttempt loads the attempt and applies the patch returned by decide,
// all within one queued operation. A nil patch leaves the record untouched.
// The returned attempt reflects the write.
func (r *Repository) ResolveAttempt(ctx context.Context, id int, decide func(model.EmailAttempt) *model.AttemptPatch) (*model.EmailAttempt, error) {
	return storequeue.Submit(ctx, r.q, "resolve_attempt", func(ctx context.Context, s Store) (*model.EmailAttempt, error) {
		a, err := s.GetAttempt(ctx, id)
		if err != nil {
			return nil, err
		}
		return resolve(ctx, s, a, decide)
	})
}

// ResolveByMessageID is ResolveAttempt keyed by the transport message id.
func (r *Repository) ResolveByMessageID(ctx context.Context, messageID string, decide func(model.EmailAttempt) *model.AttemptPatch) (*model.EmailAttempt, error) {
	return storequeue.Submit(ctx, r.q, "resolve_message", func(ctx context.Context, s Store) (*model.EmailAttempt, error) {
		a, err := s.FindAttemptByMessageID(ctx, messageID)
		if err != nil {
			return nil, err
		}
		return resolve(ctx, s, a, decide)
	})
}

// PauseAttempts moves the campaign's Unsent, InProgress and Failed attempts to Paused.
func (r *Repository) PauseAttempts(ctx context.Context, campaignID int) (int, error) {
	return storequeue.Submit(ctx, r.q, "pause_attempts", func(ctx context.Context, s Store) (int, error) {
		return s.PauseAttempts(ctx, campaignID)
	})
}

// ResetPausedAttempts returns the campaign's Paused attempts to Unsent with
// counter, result, error code and message id cleared.
func (r *Repository) ResetPausedAttempts(ctx context.Context, campaignID int) (int, error) {
	return storequeue.Submit(ctx, r.q, "reset_paused_attempts", func(ctx context.Context, s Store) (int, error) {
		return s.ResetPausedAttempts(ctx, campaignID)
	})
}

// ====================== Campaigns ======================

// GetCampaign returns the campaign together with its attempts.
func (r *Repository) GetCampaign(ctx context.Context, id int) (*model.Campaign, error) {
	return storequeue.Submit(ctx, r.q, "get_campaign", func(ctx context.Context, s Store) (*model.Campaign, error) {
		return s.GetCampaign(ctx, id, true)
	})
}

// GetCampaignHeader returns the campaign without loading its attempts.
func (r *Repository) GetCampaignHeader(ctx context.Context, id int) (*model.Campaign, error) {
	return storequeue.Submit(ctx, r.q, "get_campaign_header", func(ctx context.Context, s Store) (*model.Campaign, error) {
		return s.GetCampaign(ctx, id, false)
	})
}

func (r *Repository) ListCampaigns(ctx context.Context) ([]model.Campaign, error) {
	return storequeue.Submit(ctx, r.q, "list_campaigns", func(ctx context.Context, s Store) ([]model.Campaign, error) {
		return s.ListCampaigns(ctx)
	})
}

func (r *Repository) CampaignExists(ctx context.Context, id int) (bool, error) {
	return storequeue.Submit(ctx, r.q, "campaign_exists", func(ctx context.Context, s Store) (bool, error) {
		return s.CampaignExists(ctx, id)
	})
}

// AddCampaign stores c, deriving the plain-text body when none was supplied.
func (r *Repository) AddCampaign(ctx context.Context, c *model.Campaign) error {
	if c.TextBody == "" {
		c.TextBody = model.PlainText(c.Body)
	}
	return storequeue.Exec(ctx, r.q, "add_campaign", func(ctx context.Context, s Store) error {
		return s.InsertCampaign(ctx, c)
	})
}

// UpdateCampaign applies p and bumps the updated timestamp. A new body
// without an explicit text body recomputes the text body.
func (r *Repository) UpdateCampaign(ctx context.Context, id int, p model.CampaignPatch) error {
	if p.Body != nil && p.TextBody == nil {
		p.TextBody = model.Ptr(model.PlainText(*p.Body))
	}
	return storequeue.Exec(ctx, r.q, "update_campaign", func(ctx context.Context, s Store) error {
		return s.UpdateCampaign(ctx, id, p)
	})
}

func (r *Repository) RemoveCampaign(ctx context.Context, id int) error {
	return storequeue.Exec(ctx, r.q, "remove_campaign", func(ctx context.Context, s Store) error {
		return s.DeleteCampaign(ctx, id)
	})
}

// ToggleCampaignPause flips the campaign between Running and Paused and
// returns the new state.
func (r *Repository) ToggleCampaignPause(ctx context.Context, id int) (model.CampaignState, error) {
	return storequeue.Submit(ctx, r.q, "toggle_campaign_pause", func(ctx context.Context, s Store) (model.CampaignState, error) {
		c, err := s.GetCampaign(ctx, id, false)
		if err != nil {
			return 0, err
		}
		next := c.State.Toggle()
		if err := s.UpdateCampaign(ctx, id, model.CampaignPatch{State: &next}); err != nil {
			return 0, err
		}
		return next, nil
	})
}

func mustExist(ctx context.Context, s Store, campaignID int) error {
	ok, err := s.CampaignExists(ctx, campaignID)
	if err != nil {
		return err
	}
	if !ok {
		return appErrors.NewCampaignNotFound(campaignID)
	}
	return nil
}

func resolve(ctx context.Context, s Store, a *model.EmailAttempt, decide func(model.EmailAttempt) *model.AttemptPatch) (*model.EmailAttempt, error) {
	p := decide(*a)
	if p == nil {
		return a, nil
	}
	if err := s.UpdateAttempt(ctx, a.ID, *p); err != nil {
		return nil, err
	}
	p.Apply(a)
	return a, nil
}
