// internal/model/campaign.go
package model

import (
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// CampaignState is persisted as a small integer.
type CampaignState int16

const (
	CampaignRunning CampaignState = 0
	CampaignPaused  CampaignState = 1
)

func (s CampaignState) String() string {
	switch s {
	case CampaignRunning:
		return "running"
	case CampaignPaused:
		return "paused"
	}
	return "unknown"
}

// Toggle returns the opposite lifecycle state.
func (s CampaignState) Toggle() CampaignState {
	if s == CampaignPaused {
		return CampaignRunning
	}
	return CampaignPaused
}

type Campaign struct {
	ID            int            `db:"id" json:"id"`
	Name          string         `db:"name" json:"name" validate:"required"`
	Subject       string         `db:"subject" json:"subject" validate:"required"`
	Sender        string         `db:"sender" json:"sender" validate:"required,email"`
	Body          string         `db:"body" json:"body" validate:"required"`
	TextBody      string         `db:"text_body" json:"textBody"`
	State         CampaignState  `db:"state" json:"state"`
	CreatedAt     time.Time      `db:"created_at" json:"created"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated"`
	EmailCount    int            `db:"-" json:"emailCount"`
	EmailAttempts []EmailAttempt `db:"-" json:"emailAttempts"`
}

// CampaignPatch carries a partial update; nil fields are left untouched.
type CampaignPatch struct {
	Name     *string        `json:"name,omitempty"`
	Subject  *string        `json:"subject,omitempty"`
	Sender   *string        `json:"sender,omitempty" validate:"omitempty,email"`
	Body     *string        `json:"body,omitempty"`
	TextBody *string        `json:"textBody,omitempty"`
	State    *CampaignState `json:"state,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p CampaignPatch) Empty() bool {
	return p.Name == nil && p.Subject == nil && p.Sender == nil &&
		p.Body == nil && p.TextBody == nil && p.State == nil
}

// Apply copies the non-nil fields of p onto c.
func (p CampaignPatch) Apply(c *Campaign) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Subject != nil {
		c.Subject = *p.Subject
	}
	if p.Sender != nil {
		c.Sender = *p.Sender
	}
	if p.Body != nil {
		c.Body = *p.Body
	}
	if p.TextBody != nil {
		c.TextBody = *p.TextBody
	}
	if p.State != nil {
		c.State = *p.State
	}
}

// PlainText strips markup from an HTML body, keeping text content and
// turning block-level boundaries into line breaks.
func PlainText(body string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(body))
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return collapseLines(b.String())
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Script, atom.Style, atom.Head:
				if tt == html.StartTagToken {
					skip++
				}
			case atom.Br, atom.P, atom.Div, atom.Li, atom.Tr, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Script, atom.Style, atom.Head:
				if skip > 0 {
					skip--
				}
			case atom.P, atom.Div, atom.Li, atom.Tr, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				b.WriteByte('\n')
			}
		}
	}
}

func collapseLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.Join(strings.Fields(l), " ")
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
