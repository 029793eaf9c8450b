package domain

import (
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
)

// ParseStatus returns the Status for s, or false if s is not a known status.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusActive, StatusTerminated:
		return Status(s), true
	default:
		return "", false
	}
}

// SessionAggregate is the current state of one session, derived only by folding its events.
// No field is assigned outside the apply methods below.
type SessionAggregate struct {
	ID                string
	Status            Status
	Config            map[string]any
	Permissions       []string
	CreatedAt         time.Time
	ExpiresAt         *time.Time
	TerminatedAt      *time.Time
	TerminationReason string
	UpdatedAt         time.Time
	Version           int64
	ComputeResources  []string
}

// Rebuild replays events (oldest first) into a new aggregate.
func Rebuild(events []Event) (*SessionAggregate, error) {
	if len(events) == 0 {
		return nil, invalidStream("", 0, "empty stream")
	}
	a := &SessionAggregate{}
	for _, e := range events {
		if err := a.Apply(e); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Apply folds a single event into the aggregate. The event must carry the next version.
func (a *SessionAggregate) Apply(e Event) error {
	if e.Version != a.Version+1 {
		return invalidStream(e.AggregateID, e.Version, "expected version %d", a.Version+1)
	}
	if a.Version > 0 && e.AggregateID != a.ID {
		return invalidStream(e.AggregateID, e.Version, "event belongs to aggregate %s", a.ID)
	}
	if err := Visit(e.Payload, &applier{agg: a, event: e}); err != nil {
		return err
	}
	a.Version = e.Version
	a.UpdatedAt = e.OccurredAt
	return nil
}

// IsTerminated reports whether the aggregate reached its terminal state.
func (a *SessionAggregate) IsTerminated() bool {
	return a.Status == StatusTerminated
}

// HasCompute reports whether resourceID is currently attached.
func (a *SessionAggregate) HasCompute(resourceID string) bool {
	return slices.Contains(a.ComputeResources, resourceID)
}

// ToSummary returns the projection row for the aggregate's current state.
func (a *SessionAggregate) ToSummary() *SessionSummary {
	return &SessionSummary{
		ID:                a.ID,
		Status:            a.Status,
		Config:            maps.Clone(a.Config),
		Permissions:       slices.Clone(a.Permissions),
		CreatedAt:         a.CreatedAt,
		ExpiresAt:         cloneTime(a.ExpiresAt),
		TerminatedAt:      cloneTime(a.TerminatedAt),
		TerminationReason: a.TerminationReason,
		UpdatedAt:         a.UpdatedAt,
		Version:           a.Version,
		ComputeCount:      len(a.ComputeResources),
	}
}

// applier holds the per-variant transition rules. It must stay free of clocks and I/O.
type applier struct {
	agg   *SessionAggregate
	event Event
}

func (p *applier) VisitSessionStarted(ev SessionStarted) error {
	if p.agg.Version != 0 {
		return invalidStream(p.event.AggregateID, p.event.Version, "SessionStarted after stream start")
	}
	p.agg.ID = p.event.AggregateID
	p.agg.Status = StatusActive
	p.agg.Config = maps.Clone(ev.Config)
	p.agg.Permissions = slices.Clone(ev.Permissions)
	p.agg.CreatedAt = p.event.OccurredAt
	p.agg.ExpiresAt = cloneTime(ev.ExpiresAt)
	return nil
}

func (p *applier) VisitSessionRenewed(ev SessionRenewed) error {
	if err := p.requireActive(); err != nil {
		return err
	}
	p.agg.ExpiresAt = cloneTime(ev.NewExpiresAt)
	return nil
}

func (p *applier) VisitSessionTerminated(ev SessionTerminated) error {
	if err := p.requireActive(); err != nil {
		return err
	}
	at := p.event.OccurredAt
	p.agg.Status = StatusTerminated
	p.agg.TerminatedAt = &at
	p.agg.TerminationReason = ev.Reason
	return nil
}

func (p *applier) VisitComputeAttached(ev ComputeAttached) error {
	if err := p.requireActive(); err != nil {
		return err
	}
	if p.agg.HasCompute(ev.ResourceID) {
		return invalidStream(p.event.AggregateID, p.event.Version, "resource %s attached twice", ev.ResourceID)
	}
	p.agg.ComputeResources = append(slices.Clone(p.agg.ComputeResources), ev.ResourceID)
	return nil
}

func (p *applier) VisitComputeReleased(ev ComputeReleased) error {
	if p.agg.Version == 0 {
		return invalidStream(p.event.AggregateID, p.event.Version, "ComputeReleased before SessionStarted")
	}
	i := slices.Index(p.agg.ComputeResources, ev.ResourceID)
	if i < 0 {
		return invalidStream(p.event.AggregateID, p.event.Version, "resource %s released but not attached", ev.ResourceID)
	}
	p.agg.ComputeResources = slices.Delete(slices.Clone(p.agg.ComputeResources), i, i+1)
	return nil
}

func (p *applier) requireActive() error {
	switch {
	case p.agg.Version == 0:
		return invalidStream(p.event.AggregateID, p.event.Version, "%s before SessionStarted", p.event.Type())
	case p.agg.Status != StatusActive:
		return invalidStream(p.event.AggregateID, p.event.Version, "%s on %s session", p.event.Type(), p.agg.Status)
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
