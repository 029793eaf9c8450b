package otel

import (
	"context"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"session-control-plane/backend/internal/telemetry"
)

// recordCapture stores the last Record passed to Emit for assertion.
type recordCapture struct {
	rec   otellog.Record
	count int
}

func (r *recordCapture) Emit(_ context.Context, rec otellog.Record) {
	r.rec = rec
	r.count++
}

func attrs(rec otellog.Record) map[string]string {
	out := make(map[string]string)
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		if kv.Value.Kind() == otellog.KindInt64 {
			out[kv.Key] = "int"
			return true
		}
		out[kv.Key] = kv.Value.AsString()
		return true
	})
	return out
}

func TestNewEventEmitter_NilProvider_ReturnsNoop(t *testing.T) {
	em := NewEventEmitter(nil)
	if err := em.Emit(context.Background(), &telemetry.SessionEvent{SessionID: "s1"}); err != nil {
		t.Errorf("noop Emit: %v", err)
	}
}

func TestNewEventEmitter_WithProvider(t *testing.T) {
	provider := sdklog.NewLoggerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()
	em := NewEventEmitter(provider)
	if err := em.Emit(context.Background(), nil); err != nil {
		t.Errorf("Emit(nil): %v", err)
	}
	if err := em.Emit(context.Background(), &telemetry.SessionEvent{SessionID: "s1", Type: telemetry.TypeSessionStarted}); err != nil {
		t.Errorf("Emit: %v", err)
	}
}

func TestEmit_RecordMapping(t *testing.T) {
	c := &recordCapture{}
	em := NewEventEmitterWithLogger(c)
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	err := em.Emit(context.Background(), &telemetry.SessionEvent{
		SessionID:  "s1",
		Type:       telemetry.TypeSessionTerminated,
		Version:    4,
		OccurredAt: at,
		Attributes: map[string]string{"reason": "user", "attached_compute": "vm-1,vm-2"},
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if c.count != 1 {
		t.Fatalf("records = %d, want 1", c.count)
	}
	if !c.rec.Timestamp().Equal(at) {
		t.Errorf("timestamp = %v, want %v", c.rec.Timestamp(), at)
	}
	if c.rec.EventName() != telemetry.TypeSessionTerminated {
		t.Errorf("event name = %q", c.rec.EventName())
	}
	if c.rec.Severity() != otellog.SeverityInfo {
		t.Errorf("severity = %v, want info", c.rec.Severity())
	}
	got := attrs(c.rec)
	want := map[string]string{
		"session_id":       "s1",
		"event_type":       telemetry.TypeSessionTerminated,
		"version":          "int",
		"reason":           "user",
		"attached_compute": "vm-1,vm-2",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("attr %s = %q, want %q", k, got[k], v)
		}
	}
}

func TestEmit_SevereAndZeroTime(t *testing.T) {
	c := &recordCapture{}
	em := NewEventEmitterWithLogger(c)
	before := time.Now().Add(-time.Second)
	if err := em.Emit(context.Background(), &telemetry.SessionEvent{SessionID: "s1", Type: telemetry.TypeInvalidStream, Severe: true}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if c.rec.Severity() != otellog.SeverityError {
		t.Errorf("severity = %v, want error", c.rec.Severity())
	}
	if c.rec.Timestamp().Before(before) {
		t.Errorf("zero OccurredAt should default to now, got %v", c.rec.Timestamp())
	}
}
