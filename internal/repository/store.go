// internal/repository/store.go
package repository

import (
	"context"

	"github.com/unclebandit/mailqueue-backend/internal/model"
)

// Store is the raw persistence handle. Implementations need not be safe for
// concurrent use; Repository serializes every call through a storequeue.
type Store interface {
	// Attempts
	ListAttempts(ctx context.Context, campaignID int) ([]model.EmailAttempt, error)
	ListAllAttempts(ctx context.Context) ([]model.EmailAttempt, error)
	EligibleAttempts(ctx context.Context, maxAttempts int) ([]model.EmailAttempt, error)
	GetAttempt(ctx context.Context, id int) (*model.EmailAttempt, error)
	FindAttemptByMessageID(ctx context.Context, messageID string) (*model.EmailAttempt, error)
	InsertAttempt(ctx context.Context, a *model.EmailAttempt) error
	UpdateAttempt(ctx context.Context, id int, p model.AttemptPatch) error
	DeleteAttempt(ctx context.Context, id int) (string, error)
	PauseAttempts(ctx context.Context, campaignID int) (int, error)
	ResetPausedAttempts(ctx context.Context, campaignID int) (int, error)

	// Campaigns
	GetCampaign(ctx context.Context, id int, withAttempts bool) (*model.Campaign, error)
	ListCampaigns(ctx context.Context) ([]model.Campaign, error)
	CampaignExists(ctx context.Context, id int) (bool, error)
	InsertCampaign(ctx context.Context, c *model.Campaign) error
	UpdateCampaign(ctx context.Context, id int, p model.CampaignPatch) error
	DeleteCampaign(ctx context.Context, id int) error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
