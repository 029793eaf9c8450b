package service

import (
	"slices"
	"strings"

	"session-control-plane/backend/internal/session/domain"
	"session-control-plane/backend/internal/telemetry"
)

// emitLifecycle sends one record per committed event. Records are built from the committed
// payloads and the resulting state, so they never describe a change that was rolled back.
func (s *Service) emitLifecycle(committed []domain.Event, state *domain.SessionAggregate) {
	if s.emitter == nil {
		return
	}
	for _, e := range committed {
		rec := &lifecycleRecord{state: state}
		if err := domain.Visit(e.Payload, rec); err != nil {
			continue
		}
		telemetry.EmitAsync(s.emitter, &telemetry.SessionEvent{
			SessionID:  e.AggregateID,
			Type:       rec.kind,
			Version:    e.Version,
			OccurredAt: e.OccurredAt,
			Attributes: rec.attrs,
		})
	}
}

// lifecycleRecord maps a payload to a telemetry record type and attributes.
type lifecycleRecord struct {
	state *domain.SessionAggregate
	kind  string
	attrs map[string]string
}

func (r *lifecycleRecord) VisitSessionStarted(p domain.SessionStarted) error {
	r.kind = telemetry.TypeSessionStarted
	r.attrs = map[string]string{"permissions": strings.Join(p.Permissions, ",")}
	if p.ExpiresAt != nil {
		r.attrs["expires_at"] = p.ExpiresAt.UTC().Format(timeFormat)
	}
	return nil
}

func (r *lifecycleRecord) VisitSessionRenewed(p domain.SessionRenewed) error {
	r.kind = telemetry.TypeSessionRenewed
	r.attrs = map[string]string{}
	if p.NewExpiresAt != nil {
		r.attrs["expires_at"] = p.NewExpiresAt.UTC().Format(timeFormat)
	}
	return nil
}

// VisitSessionTerminated lists the resources still attached so downstream cleanup can release them.
func (r *lifecycleRecord) VisitSessionTerminated(p domain.SessionTerminated) error {
	r.kind = telemetry.TypeSessionTerminated
	compute := slices.Clone(r.state.ComputeResources)
	slices.Sort(compute)
	r.attrs = map[string]string{
		"reason":            p.Reason,
		"compute_resources": strings.Join(compute, ","),
	}
	return nil
}

func (r *lifecycleRecord) VisitComputeAttached(p domain.ComputeAttached) error {
	r.kind = telemetry.TypeComputeAttached
	r.attrs = map[string]string{"resource_id": p.ResourceID}
	return nil
}

func (r *lifecycleRecord) VisitComputeReleased(p domain.ComputeReleased) error {
	r.kind = telemetry.TypeComputeReleased
	r.attrs = map[string]string{"resource_id": p.ResourceID}
	return nil
}

const timeFormat = "2006-01-02T15:04:05.000000Z07:00"
