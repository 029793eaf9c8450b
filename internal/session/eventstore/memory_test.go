package eventstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"session-control-plane/backend/internal/session/domain"
	"session-control-plane/backend/internal/session/eventstore"
	"session-control-plane/backend/internal/session/eventstore/eventstoretest"
)

func TestMemoryStore(t *testing.T) {
	eventstoretest.RunStoreTests(t, func(t *testing.T) eventstore.Store {
		return eventstore.NewMemoryStore(nil)
	})
}

func TestMemoryStore_UsesClock(t *testing.T) {
	at := time.Date(2026, 10, 15, 12, 0, 0, 123456789, time.UTC)
	s := eventstore.NewMemoryStore(func() time.Time { return at })
	events, err := s.Append(context.Background(), "s-1", domain.AggregateTypeSession, 0, domain.SessionStarted{})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	want := at.Truncate(time.Microsecond)
	if !events[0].OccurredAt.Equal(want) {
		t.Errorf("OccurredAt = %v, want %v", events[0].OccurredAt, want)
	}
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	s := eventstore.NewMemoryStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Append(ctx, "s-1", domain.AggregateTypeSession, 0, domain.SessionStarted{})
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Errorf("Append err = %v, want ErrStoreUnavailable", err)
	}
	if _, err := s.Load(ctx, "s-1"); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Errorf("Load err = %v, want ErrStoreUnavailable", err)
	}
}
