package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// AggregateType names the kind of aggregate an event stream belongs to.
type AggregateType string

// AggregateTypeSession is the only aggregate kind stored today.
const AggregateTypeSession AggregateType = "Session"

// EventType is the persisted discriminator of a payload variant.
type EventType string

const (
	EventSessionStarted    EventType = "SessionStarted"
	EventSessionRenewed    EventType = "SessionRenewed"
	EventSessionTerminated EventType = "SessionTerminated"
	EventComputeAttached   EventType = "ComputeAttached"
	EventComputeReleased   EventType = "ComputeReleased"
)

// Event is an immutable fact in an aggregate's stream. ID, Version and OccurredAt are
// assigned by the event store at append time.
type Event struct {
	ID            string
	AggregateID   string
	AggregateType AggregateType
	Version       int64
	Payload       Payload
	OccurredAt    time.Time
}

// Type returns the discriminator of the event's payload.
func (e Event) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// Payload is the closed set of event variants. The unexported accept method seals the set
// to this package; adding a variant means adding a PayloadVisitor method, which breaks every
// consumer until it handles the new kind.
type Payload interface {
	EventType() EventType
	accept(v PayloadVisitor) error
}

// PayloadVisitor dispatches over every payload variant.
type PayloadVisitor interface {
	VisitSessionStarted(SessionStarted) error
	VisitSessionRenewed(SessionRenewed) error
	VisitSessionTerminated(SessionTerminated) error
	VisitComputeAttached(ComputeAttached) error
	VisitComputeReleased(ComputeReleased) error
}

// Visit dispatches p to the matching visitor method.
func Visit(p Payload, v PayloadVisitor) error {
	if p == nil {
		return fmt.Errorf("%w: nil payload", ErrInvalidArgument)
	}
	return p.accept(v)
}

// SessionStarted opens a session stream. It must be version 1.
type SessionStarted struct {
	Config      map[string]any `json:"config,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
	ExpiresAt   *time.Time     `json:"expiresAt,omitempty"`
}

// SessionRenewed replaces the session's expiry.
type SessionRenewed struct {
	NewExpiresAt *time.Time `json:"newExpiresAt,omitempty"`
}

// SessionTerminated closes the session.
type SessionTerminated struct {
	Reason string `json:"reason,omitempty"`
}

// ComputeAttached associates a provider resource with the session.
type ComputeAttached struct {
	ResourceID string `json:"resourceId"`
}

// ComputeReleased removes a provider resource from the session.
type ComputeReleased struct {
	ResourceID string `json:"resourceId"`
}

func (SessionStarted) EventType() EventType    { return EventSessionStarted }
func (SessionRenewed) EventType() EventType    { return EventSessionRenewed }
func (SessionTerminated) EventType() EventType { return EventSessionTerminated }
func (ComputeAttached) EventType() EventType   { return EventComputeAttached }
func (ComputeReleased) EventType() EventType   { return EventComputeReleased }

func (p SessionStarted) accept(v PayloadVisitor) error    { return v.VisitSessionStarted(p) }
func (p SessionRenewed) accept(v PayloadVisitor) error    { return v.VisitSessionRenewed(p) }
func (p SessionTerminated) accept(v PayloadVisitor) error { return v.VisitSessionTerminated(p) }
func (p ComputeAttached) accept(v PayloadVisitor) error   { return v.VisitComputeAttached(p) }
func (p ComputeReleased) accept(v PayloadVisitor) error   { return v.VisitComputeReleased(p) }

// EncodePayload serializes p for storage and returns its discriminator.
func EncodePayload(p Payload) (EventType, []byte, error) {
	if p == nil {
		return "", nil, fmt.Errorf("%w: nil payload", ErrInvalidArgument)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s payload: %w", p.EventType(), err)
	}
	return p.EventType(), raw, nil
}

// DecodePayload turns a stored (type, blob) pair back into its variant. Unknown types are rejected.
func DecodePayload(t EventType, raw []byte) (Payload, error) {
	switch t {
	case EventSessionStarted:
		return decodeAs[SessionStarted](t, raw)
	case EventSessionRenewed:
		return decodeAs[SessionRenewed](t, raw)
	case EventSessionTerminated:
		return decodeAs[SessionTerminated](t, raw)
	case EventComputeAttached:
		return decodeAs[ComputeAttached](t, raw)
	case EventComputeReleased:
		return decodeAs[ComputeReleased](t, raw)
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidStream, t)
	}
}

func decodeAs[P Payload](t EventType, raw []byte) (Payload, error) {
	var p P
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: decode %s payload: %v", ErrInvalidStream, t, err)
		}
	}
	return p, nil
}
