package domain

import (
	"reflect"
	"slices"
	"time"
)

// SessionSummary is the denormalized read model of a session, kept equal to
// SessionAggregate.ToSummary() as of the last committed event.
type SessionSummary struct {
	ID                string         `json:"id"`
	Status            Status         `json:"status"`
	Config            map[string]any `json:"config,omitempty"`
	Permissions       []string       `json:"permissions,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	ExpiresAt         *time.Time     `json:"expiresAt,omitempty"`
	TerminatedAt      *time.Time     `json:"terminatedAt,omitempty"`
	TerminationReason string         `json:"terminationReason,omitempty"`
	UpdatedAt         time.Time      `json:"updatedAt"`
	Version           int64          `json:"version"`
	ComputeCount      int            `json:"computeCount"`
}

// IsExpired reports whether the session's expiry has passed at now. A nil expiry never passes.
func (s *SessionSummary) IsExpired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// IsLive reports whether the session is active and unexpired at now.
func (s *SessionSummary) IsLive(now time.Time) bool {
	return s.Status == StatusActive && !s.IsExpired(now)
}

// Equal compares two summaries field by field, treating timestamps by instant.
func (s *SessionSummary) Equal(o *SessionSummary) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.ID == o.ID &&
		s.Status == o.Status &&
		s.TerminationReason == o.TerminationReason &&
		s.Version == o.Version &&
		s.ComputeCount == o.ComputeCount &&
		s.CreatedAt.Equal(o.CreatedAt) &&
		s.UpdatedAt.Equal(o.UpdatedAt) &&
		timePtrEqual(s.ExpiresAt, o.ExpiresAt) &&
		timePtrEqual(s.TerminatedAt, o.TerminatedAt) &&
		slices.Equal(s.Permissions, o.Permissions) &&
		configEqual(s.Config, o.Config)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func configEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
