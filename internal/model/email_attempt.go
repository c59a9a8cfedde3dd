// internal/model/email_attempt.go
package model

import (
	"sort"
	"time"
)

// EmailStatus is persisted as a small integer.
type EmailStatus int16

const (
	StatusUnsent     EmailStatus = 0
	StatusInProgress EmailStatus = 1
	StatusSent       EmailStatus = 2
	StatusFailed     EmailStatus = 3
	StatusPaused     EmailStatus = 4
)

func (s EmailStatus) String() string {
	switch s {
	case StatusUnsent:
		return "unsent"
	case StatusInProgress:
		return "in_progress"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	case StatusPaused:
		return "paused"
	}
	return "unknown"
}

type EmailAttempt struct {
	ID          int         `db:"id" json:"id"`
	CampaignID  int         `db:"campaign_id" json:"campaignId"`
	Email       string      `db:"email" json:"email"`
	Status      EmailStatus `db:"status" json:"status"`
	Attempts    int         `db:"attempts" json:"attempts"`
	Result      *string     `db:"result" json:"result"`
	ErrorCode   int         `db:"error_code" json:"errorCode"`
	CreatedAt   time.Time   `db:"created_at" json:"created"`
	LastAttempt *time.Time  `db:"last_attempt" json:"lastAttempt"`
	MessageID   *string     `db:"message_id" json:"messageId"`
}

// Eligible reports whether the worker should pick the attempt up.
func (a EmailAttempt) Eligible(maxAttempts int) bool {
	return a.Status == StatusUnsent || (a.Status == StatusFailed && a.Attempts < maxAttempts)
}

// AttemptPatch carries a partial update; nil fields are left untouched.
// Attempts never lowers the stored counter.
type AttemptPatch struct {
	Status      *EmailStatus
	Attempts    *int
	Result      *string
	ErrorCode   *int
	LastAttempt *time.Time
	MessageID   *string
}

// Apply copies the non-nil fields of p onto a.
func (p AttemptPatch) Apply(a *EmailAttempt) {
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.Attempts != nil && *p.Attempts > a.Attempts {
		a.Attempts = *p.Attempts
	}
	if p.Result != nil {
		a.Result = p.Result
	}
	if p.ErrorCode != nil {
		a.ErrorCode = *p.ErrorCode
	}
	if p.LastAttempt != nil {
		a.LastAttempt = p.LastAttempt
	}
	if p.MessageID != nil {
		a.MessageID = p.MessageID
	}
}

// Ptr returns a pointer to v; handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// SortMostRecentFirst orders attempts by last activity, newest first. An
// attempt never tried counts from its creation time.
func SortMostRecentFirst(attempts []EmailAttempt) {
	sort.SliceStable(attempts, func(i, j int) bool {
		ti, tj := attempts[i].lastActivity(), attempts[j].lastActivity()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return attempts[i].ID > attempts[j].ID
	})
}

func (a EmailAttempt) lastActivity() time.Time {
	if a.LastAttempt != nil {
		return *a.LastAttempt
	}
	return a.CreatedAt
}
