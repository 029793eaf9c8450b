// Package telemetry carries session lifecycle records and operation metrics out of the
// request path.
package telemetry

import (
	"context"
	"time"
)

// Lifecycle record types.
const (
	TypeSessionStarted    = "session.started"
	TypeSessionRenewed    = "session.renewed"
	TypeSessionTerminated = "session.terminated"
	TypeComputeAttached   = "session.compute_attached"
	TypeComputeReleased   = "session.compute_released"
	TypeProjectionRepair  = "session.projection_repaired"
	TypeInvalidStream     = "session.invalid_stream"
)

// SessionEvent is a lifecycle record for one committed change or anomaly.
type SessionEvent struct {
	SessionID  string
	Type       string
	Version    int64
	OccurredAt time.Time
	// Attributes are flat string pairs, e.g. reason or resource ids.
	Attributes map[string]string
	// Severe marks records that need operator attention.
	Severe bool
}

// EventEmitter emits lifecycle records (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *SessionEvent) error
}
