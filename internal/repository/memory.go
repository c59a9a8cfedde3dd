package repository

import (
	"context"
	"sort"
	"time"

	appErrors "github.com/unclebandit/mailqueue-backend/internal/errors"
	"github.com/unclebandit/mailqueue-backend/internal/model"
)

// MemoryStore is a map-backed Store for development and tests. It is not
// safe for concurrent use on its own; wrap it in a Repository.
type MemoryStore struct {
	campaigns      map[int]*model.Campaign
	attempts       map[int]*model.EmailAttempt
	nextCampaignID int
	nextAttemptID  int

	Now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns: map[int]*model.Campaign{},
		attempts:  map[int]*model.EmailAttempt{},
		Now:       time.Now,
	}
}

func cloneAttempt(a *model.EmailAttempt) model.EmailAttempt {
	out := *a
	if a.Result != nil {
		out.Result = model.Ptr(*a.Result)
	}
	if a.LastAttempt != nil {
		out.LastAttempt = model.Ptr(*a.LastAttempt)
	}
	if a.MessageID != nil {
		out.MessageID = model.Ptr(*a.MessageID)
	}
	return out
}

// sortedAttempts returns copies of the attempts matching keep, ordered by campaign then id.
func (s *MemoryStore) sortedAttempts(keep func(*model.EmailAttempt) bool) []model.EmailAttempt {
	out := []model.EmailAttempt{}
	for _, a := range s.attempts {
		if keep(a) {
			out = append(out, cloneAttempt(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CampaignID != out[j].CampaignID {
			return out[i].CampaignID < out[j].CampaignID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ====================== Attempts ======================

func (s *MemoryStore) ListAttempts(_ context.Context, campaignID int) ([]model.EmailAttempt, error) {
	return s.sortedAttempts(func(a *model.EmailAttempt) bool { return a.CampaignID == campaignID }), nil
}

func (s *MemoryStore) ListAllAttempts(_ context.Context) ([]model.EmailAttempt, error) {
	return s.sortedAttempts(func(*model.EmailAttempt) bool { return true }), nil
}

func (s *MemoryStore) EligibleAttempts(_ context.Context, maxAttempts int) ([]model.EmailAttempt, error) {
	return s.sortedAttempts(func(a *model.EmailAttempt) bool { return a.Eligible(maxAttempts) }), nil
}

func (s *MemoryStore) GetAttempt(_ context.Context, id int) (*model.EmailAttempt, error) {
	a, ok := s.attempts[id]
	if !ok {
		return nil, appErrors.NewAttemptNotFound(id)
	}
	out := cloneAttempt(a)
	return &out, nil
}

func (s *MemoryStore) FindAttemptByMessageID(_ context.Context, messageID string) (*model.EmailAttempt, error) {
	for _, a := range s.attempts {
		if a.MessageID != nil && *a.MessageID == messageID {
			out := cloneAttempt(a)
			return &out, nil
		}
	}
	return nil, appErrors.NewAttemptNotFound(messageID)
}

func (s *MemoryStore) InsertAttempt(_ context.Context, a *model.EmailAttempt) error {
	if _, ok := s.campaigns[a.CampaignID]; !ok {
		return appErrors.NewCampaignNotFound(a.CampaignID)
	}
	s.nextAttemptID++
	a.ID = s.nextAttemptID
	a.Status = model.StatusUnsent
	a.Attempts = 0
	a.Result = nil
	a.ErrorCode = appErrors.CodeNone
	a.CreatedAt = s.Now()
	a.LastAttempt = nil
	a.MessageID = nil
	stored := cloneAttempt(a)
	s.attempts[a.ID] = &stored
	return nil
}

func (s *MemoryStore) UpdateAttempt(_ context.Context, id int, p model.AttemptPatch) error {
	a, ok := s.attempts[id]
	if !ok {
		return appErrors.NewAttemptNotFound(id)
	}
	p.Apply(a)
	*a = cloneAttempt(a)
	return nil
}

func (s *MemoryStore) DeleteAttempt(_ context.Context, id int) (string, error) {
	a, ok := s.attempts[id]
	if !ok {
		return "", appErrors.NewAttemptNotFound(id)
	}
	delete(s.attempts, id)
	return a.Email, nil
}

func (s *MemoryStore) PauseAttempts(_ context.Context, campaignID int) (int, error) {
	n := 0
	for _, a := range s.attempts {
		if a.CampaignID != campaignID {
			continue
		}
		switch a.Status {
		case model.StatusUnsent, model.StatusInProgress, model.StatusFailed:
			a.Status = model.StatusPaused
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ResetPausedAttempts(_ context.Context, campaignID int) (int, error) {
	n := 0
	for _, a := range s.attempts {
		if a.CampaignID != campaignID || a.Status != model.StatusPaused {
			continue
		}
		a.Status = model.StatusUnsent
		a.Attempts = 0
		a.Result = nil
		a.ErrorCode = appErrors.CodeNone
		a.MessageID = nil
		n++
	}
	return n, nil
}

// ====================== Campaigns ======================

func (s *MemoryStore) GetCampaign(ctx context.Context, id int, withAttempts bool) (*model.Campaign, error) {
	c, ok := s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	out := *c
	out.EmailAttempts = nil
	out.EmailCount = 0
	if withAttempts {
		out.EmailAttempts, _ = s.ListAttempts(ctx, id)
		out.EmailCount = len(out.EmailAttempts)
	}
	return &out, nil
}

func (s *MemoryStore) ListCampaigns(_ context.Context) ([]model.Campaign, error) {
	counts := map[int]int{}
	for _, a := range s.attempts {
		counts[a.CampaignID]++
	}
	out := make([]model.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		cp := *c
		cp.EmailAttempts = nil
		cp.EmailCount = counts[c.ID]
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CampaignExists(_ context.Context, id int) (bool, error) {
	_, ok := s.campaigns[id]
	return ok, nil
}

func (s *MemoryStore) InsertCampaign(_ context.Context, c *model.Campaign) error {
	s.nextCampaignID++
	now := s.Now()
	c.ID = s.nextCampaignID
	c.CreatedAt = now
	c.UpdatedAt = now
	stored := *c
	stored.EmailAttempts = nil
	stored.EmailCount = 0
	s.campaigns[c.ID] = &stored
	return nil
}

func (s *MemoryStore) UpdateCampaign(_ context.Context, id int, p model.CampaignPatch) error {
	c, ok := s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	p.Apply(c)
	c.UpdatedAt = s.Now()
	return nil
}

// DeleteCampaign removes the campaign and every attempt it owns.
func (s *MemoryStore) DeleteCampaign(_ context.Context, id int) error {
	if _, ok := s.campaigns[id]; !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	delete(s.campaigns, id)
	for aid, a := range s.attempts {
		if a.CampaignID == id {
			delete(s.attempts, aid)
		}
	}
	return nil
}
