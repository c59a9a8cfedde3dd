// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/unclebandit/mailqueue-backend/internal/config"
	appErrors "github.com/unclebandit/mailqueue-backend/internal/errors"
	"github.com/unclebandit/mailqueue-backend/internal/model"
	"github.com/unclebandit/mailqueue-backend/internal/repository"
)

// CampaignService validates operator requests, applies them through the
// repository and keeps the delivery worker and subscribers informed.
type CampaignService struct {
	repo      *repository.Repository
	worker    *Worker
	notifier  Notifier
	autoStart bool
	validate  *validator.Validate
	log       *zap.Logger
}

func NewCampaignService(repo *repository.Repository, worker *Worker, notifier Notifier, cfg config.WorkerConfig, log *zap.Logger) *CampaignService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CampaignService{
		repo:      repo,
		worker:    worker,
		notifier:  notifier,
		autoStart: cfg.AutoStart,
		validate:  newValidator(),
		log:       log.Named("campaigns"),
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *CampaignService) check(v any) error {
	err := s.validate.Struct(v)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &appErrors.ValidationError{Field: fe.Field(), Message: describeTag(fe)}
	}
	return err
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return fmt.Sprintf("%q is not a valid email address", fe.Value())
	}
	return "failed " + fe.Tag() + " validation"
}

// ====================== Queue control ======================

func (s *CampaignService) StartQueue() bool { return s.worker.Start() }

func (s *CampaignService) StopQueue() bool { return s.worker.Stop() }

func (s *CampaignService) QueueStatus() Status { return s.worker.Status() }

func (s *CampaignService) kick() {
	if s.autoStart {
		s.worker.Start()
	}
}

// ====================== Campaigns ======================

func (s *CampaignService) ListCampaigns(ctx context.Context) ([]model.Campaign, error) {
	return s.repo.ListCampaigns(ctx)
}

// GetCampaign returns the campaign with its attempts, most recent first.
func (s *CampaignService) GetCampaign(ctx context.Context, id int) (*model.Campaign, error) {
	c, err := s.repo.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	model.SortMostRecentFirst(c.EmailAttempts)
	return c, nil
}

// CreateCampaign stores a new campaign in the Running state.
func (s *CampaignService) CreateCampaign(ctx context.Context, c *model.Campaign) error {
	c.Sender = strings.TrimSpace(c.Sender)
	if err := s.check(c); err != nil {
		return err
	}
	c.ID = 0
	c.State = model.CampaignRunning
	c.EmailAttempts = nil
	if err := s.repo.AddCampaign(ctx, c); err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	s.log.Info("campaign created", zap.Int("campaign_id", c.ID), zap.String("sender", c.Sender))
	s.notifier.CampaignChanged(ctx, c.ID)
	return nil
}

// UpdateCampaign applies a partial update. The lifecycle state only changes
// through TogglePause so attempts are paused and resumed with it.
func (s *CampaignService) UpdateCampaign(ctx context.Context, id int, p model.CampaignPatch) error {
	if p.State != nil {
		return &appErrors.ValidationError{Field: "state", Message: "use the pause endpoint to change the campaign state"}
	}
	if p.Empty() {
		return &appErrors.ValidationError{Field: "body", Message: "no fields to update"}
	}
	for field, v := range map[string]*string{"name": p.Name, "subject": p.Subject, "sender": p.Sender, "body": p.Body} {
		if v != nil && strings.TrimSpace(*v) == "" {
			return &appErrors.ValidationError{Field: field, Message: "must not be empty"}
		}
	}
	if err := s.check(p); err != nil {
		return err
	}
	if err := s.repo.UpdateCampaign(ctx, id, p); err != nil {
		return err
	}
	s.notifier.CampaignChanged(ctx, id)
	return nil
}

// RemoveCampaign deletes the campaign and all of its attempts.
func (s *CampaignService) RemoveCampaign(ctx context.Context, id int) error {
	if err := s.repo.RemoveCampaign(ctx, id); err != nil {
		return err
	}
	s.log.Info("campaign removed", zap.Int("campaign_id", id))
	s.notifier.CampaignsChanged(ctx)
	return nil
}

// TogglePause flips the campaign between Running and Paused. Pausing parks
// its pending attempts; resuming puts parked attempts back in the queue
// with their counters cleared.
func (s *CampaignService) TogglePause(ctx context.Context, id int) (model.CampaignState, error) {
	state, err := s.repo.ToggleCampaignPause(ctx, id)
	if err != nil {
		return 0, err
	}

	if state == model.CampaignPaused {
		n, err := s.repo.PauseAttempts(ctx, id)
		if err != nil {
			return state, fmt.Errorf("pause attempts: %w", err)
		}
		s.log.Info("campaign paused", zap.Int("campaign_id", id), zap.Int("attempts", n))
	} else {
		n, err := s.repo.ResetPausedAttempts(ctx, id)
		if err != nil {
			return state, fmt.Errorf("resume attempts: %w", err)
		}
		s.log.Info("campaign resumed", zap.Int("campaign_id", id), zap.Int("attempts", n))
		if n > 0 {
			s.kick()
		}
	}
	s.notifier.CampaignChanged(ctx, id)
	return state, nil
}

// ====================== Attempts ======================

func (s *CampaignService) ListAllAttempts(ctx context.Context) ([]model.EmailAttempt, error) {
	return s.repo.ListAllAttempts(ctx)
}

func (s *CampaignService) ListAttempts(ctx context.Context, campaignID int) ([]model.EmailAttempt, error) {
	ok, err := s.repo.CampaignExists(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, appErrors.NewCampaignNotFound(campaignID)
	}
	return s.repo.ListAttempts(ctx, campaignID)
}

// AddAttempts registers recipients on a campaign. Every address is checked
// before anything is stored.
func (s *CampaignService) AddAttempts(ctx context.Context, campaignID int, emails []string) ([]model.EmailAttempt, error) {
	if len(emails) == 0 {
		return nil, &appErrors.ValidationError{Field: "emails", Message: "at least one address is required"}
	}
	clean := make([]string, 0, len(emails))
	for _, e := range emails {
		e = strings.TrimSpace(e)
		if err := s.validate.Var(e, "required,email"); err != nil {
			return nil, &appErrors.ValidationError{Field: "emails", Message: fmt.Sprintf("%q is not a valid email address", e)}
		}
		clean = append(clean, e)
	}

	added, err := s.repo.AddAttempts(ctx, campaignID, clean)
	if err != nil {
		return nil, err
	}
	s.log.Info("attempts added", zap.Int("campaign_id", campaignID), zap.Int("count", len(added)))
	s.notifier.CampaignChanged(ctx, campaignID)
	s.kick()
	return added, nil
}

// RemoveAttempt deletes one attempt and returns its recipient address.
func (s *CampaignService) RemoveAttempt(ctx context.Context, id int) (string, error) {
	email, err := s.repo.RemoveAttempt(ctx, id)
	if err != nil {
		return "", err
	}
	s.notifier.CampaignsChanged(ctx)
	return email, nil
}
