package domain

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

var t0 = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func ev(version int64, at time.Duration, p Payload) Event {
	return Event{
		ID:            "e-" + string(rune('0'+version)),
		AggregateID:   "s-1",
		AggregateType: AggregateTypeSession,
		Version:       version,
		Payload:       p,
		OccurredAt:    t0.Add(at),
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func lifecycleStream() []Event {
	return []Event{
		ev(1, 0, SessionStarted{Config: map[string]any{"image": "ubuntu"}, Permissions: []string{"session:read"}, ExpiresAt: timePtr(t0.Add(time.Hour))}),
		ev(2, time.Minute, ComputeAttached{ResourceID: "vm-1"}),
		ev(3, 2*time.Minute, SessionRenewed{NewExpiresAt: timePtr(t0.Add(2 * time.Hour))}),
		ev(4, 3*time.Minute, SessionTerminated{Reason: "cleanup"}),
	}
}

func TestRebuild_Lifecycle(t *testing.T) {
	agg, err := Rebuild(lifecycleStream())
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if agg.ID != "s-1" {
		t.Errorf("ID = %q, want %q", agg.ID, "s-1")
	}
	if agg.Status != StatusTerminated {
		t.Errorf("Status = %q, want %q", agg.Status, StatusTerminated)
	}
	if !agg.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want %v", agg.CreatedAt, t0)
	}
	if agg.ExpiresAt == nil || !agg.ExpiresAt.Equal(t0.Add(2*time.Hour)) {
		t.Errorf("ExpiresAt = %v, want %v", agg.ExpiresAt, t0.Add(2*time.Hour))
	}
	if agg.TerminatedAt == nil || !agg.TerminatedAt.Equal(t0.Add(3*time.Minute)) {
		t.Errorf("TerminatedAt = %v, want %v", agg.TerminatedAt, t0.Add(3*time.Minute))
	}
	if !agg.UpdatedAt.Equal(t0.Add(3 * time.Minute)) {
		t.Errorf("UpdatedAt = %v, want last event time", agg.UpdatedAt)
	}
	if agg.Version != 4 {
		t.Errorf("Version = %d, want 4", agg.Version)
	}
	if agg.TerminationReason != "cleanup" {
		t.Errorf("TerminationReason = %q, want %q", agg.TerminationReason, "cleanup")
	}
	if len(agg.ComputeResources) != 1 || agg.ComputeResources[0] != "vm-1" {
		t.Errorf("ComputeResources = %v, want [vm-1]", agg.ComputeResources)
	}
}

func TestRebuild_Deterministic(t *testing.T) {
	stream := lifecycleStream()
	a, err := Rebuild(stream)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	b, err := Rebuild(stream)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("replays differ:\n%+v\n%+v", a, b)
	}
	if !a.ToSummary().Equal(b.ToSummary()) {
		t.Error("summaries of identical replays differ")
	}
}

func TestRebuild_InvalidStreams(t *testing.T) {
	started := SessionStarted{ExpiresAt: timePtr(t0.Add(time.Hour))}
	tests := []struct {
		name   string
		events []Event
	}{
		{"empty", nil},
		{"renew before start", []Event{ev(1, 0, SessionRenewed{NewExpiresAt: timePtr(t0)})}},
		{"terminate before start", []Event{ev(1, 0, SessionTerminated{})}},
		{"double start", []Event{ev(1, 0, started), ev(2, time.Second, started)}},
		{"renew after terminate", []Event{ev(1, 0, started), ev(2, time.Second, SessionTerminated{}), ev(3, 2*time.Second, SessionRenewed{})}},
		{"double terminate", []Event{ev(1, 0, started), ev(2, time.Second, SessionTerminated{}), ev(3, 2*time.Second, SessionTerminated{})}},
		{"version gap", []Event{ev(1, 0, started), ev(3, time.Second, SessionRenewed{})}},
		{"first version not 1", []Event{ev(2, 0, started)}},
		{"attach after terminate", []Event{ev(1, 0, started), ev(2, time.Second, SessionTerminated{}), ev(3, 2*time.Second, ComputeAttached{ResourceID: "vm"})}},
		{"release unknown resource", []Event{ev(1, 0, started), ev(2, time.Second, ComputeReleased{ResourceID: "vm"})}},
		{"attach twice", []Event{ev(1, 0, started), ev(2, time.Second, ComputeAttached{ResourceID: "vm"}), ev(3, 2*time.Second, ComputeAttached{ResourceID: "vm"})}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Rebuild(tc.events)
			if !errors.Is(err, ErrInvalidStream) {
				t.Fatalf("Rebuild err = %v, want ErrInvalidStream", err)
			}
			var ise *InvalidStreamError
			if !errors.As(err, &ise) {
				t.Fatalf("Rebuild err = %T, want *InvalidStreamError", err)
			}
		})
	}
}

func TestRebuild_ReleaseAfterTerminate(t *testing.T) {
	events := []Event{
		ev(1, 0, SessionStarted{}),
		ev(2, time.Second, ComputeAttached{ResourceID: "vm-1"}),
		ev(3, 2*time.Second, SessionTerminated{Reason: "done"}),
		ev(4, 3*time.Second, ComputeReleased{ResourceID: "vm-1"}),
	}
	agg, err := Rebuild(events)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if got := agg.ToSummary().ComputeCount; got != 0 {
		t.Errorf("ComputeCount = %d, want 0", got)
	}
	if agg.Status != StatusTerminated {
		t.Errorf("Status = %q, want terminated", agg.Status)
	}
}

func TestApply_DoesNotAliasPayload(t *testing.T) {
	cfg := map[string]any{"region": "eu"}
	agg, err := Rebuild([]Event{ev(1, 0, SessionStarted{Config: cfg})})
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	cfg["region"] = "us"
	if agg.Config["region"] != "eu" {
		t.Errorf("aggregate config mutated through payload: %v", agg.Config)
	}
}

func TestToSummary(t *testing.T) {
	agg, err := Rebuild(lifecycleStream()[:3])
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	s := agg.ToSummary()
	if s.Status != StatusActive || s.ComputeCount != 1 || s.Version != 3 {
		t.Errorf("summary = %+v", s)
	}
	if !s.IsLive(t0.Add(time.Hour)) {
		t.Error("session should be live before expiry")
	}
	if s.IsLive(t0.Add(2 * time.Hour)) {
		t.Error("session should not be live at expiry")
	}
}

func TestSummaryEqual_TimeLocation(t *testing.T) {
	a := &SessionSummary{ID: "s", CreatedAt: t0, UpdatedAt: t0, ExpiresAt: timePtr(t0)}
	b := &SessionSummary{ID: "s", CreatedAt: t0.In(time.FixedZone("x", 3600)), UpdatedAt: t0, ExpiresAt: timePtr(t0.Local())}
	if !a.Equal(b) {
		t.Error("summaries differing only by time location should be equal")
	}
	b.ExpiresAt = nil
	if a.Equal(b) {
		t.Error("nil vs non-nil expiry should differ")
	}
}

func TestDecodePayload(t *testing.T) {
	typ, raw, err := EncodePayload(SessionStarted{Config: map[string]any{"cpu": 2}, Permissions: []string{"a"}})
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	if typ != EventSessionStarted {
		t.Errorf("type = %q, want %q", typ, EventSessionStarted)
	}
	p, err := DecodePayload(typ, raw)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	started, ok := p.(SessionStarted)
	if !ok {
		t.Fatalf("payload = %T, want SessionStarted", p)
	}
	if started.Config["cpu"] != float64(2) {
		t.Errorf("config cpu = %v, want 2", started.Config["cpu"])
	}

	if _, err := DecodePayload("SessionPaused", []byte(`{}`)); !errors.Is(err, ErrInvalidStream) {
		t.Errorf("unknown type err = %v, want ErrInvalidStream", err)
	}
	if _, err := DecodePayload(EventSessionRenewed, []byte(`{`)); !errors.Is(err, ErrInvalidStream) {
		t.Errorf("corrupt payload err = %v, want ErrInvalidStream", err)
	}
}
