// Package eventstoretest holds a behavioral suite every eventstore.Store must pass.
package eventstoretest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"session-control-plane/backend/internal/session/domain"
	"session-control-plane/backend/internal/session/eventstore"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) eventstore.Store

// RunStoreTests exercises append, load, optimistic concurrency, and id paging.
func RunStoreTests(t *testing.T, newStore Factory) {
	t.Run("AppendAndLoad", func(t *testing.T) { testAppendAndLoad(t, newStore(t)) })
	t.Run("LoadUnknown", func(t *testing.T) { testLoadUnknown(t, newStore(t)) })
	t.Run("StaleExpectedVersion", func(t *testing.T) { testStaleExpectedVersion(t, newStore(t)) })
	t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrentAppends(t, newStore(t)) })
	t.Run("AggregateIDs", func(t *testing.T) { testAggregateIDs(t, newStore(t)) })
	t.Run("InvalidArguments", func(t *testing.T) { testInvalidArguments(t, newStore(t)) })
}

func expiry(d time.Duration) *time.Time {
	t := time.Now().UTC().Add(d).Truncate(time.Microsecond)
	return &t
}

func testAppendAndLoad(t *testing.T, s eventstore.Store) {
	ctx := context.Background()
	id := uuid.NewString()

	first, err := s.Append(ctx, id, domain.AggregateTypeSession, 0,
		domain.SessionStarted{Config: map[string]any{"image": "go"}, ExpiresAt: expiry(time.Hour)})
	if err != nil {
		t.Fatalf("Append start: %v", err)
	}
	if len(first) != 1 || first[0].Version != 1 || first[0].ID == "" || first[0].OccurredAt.IsZero() {
		t.Fatalf("committed = %+v, want one event at version 1 with id and time", first)
	}
	more, err := s.Append(ctx, id, domain.AggregateTypeSession, 1,
		domain.SessionRenewed{NewExpiresAt: expiry(2 * time.Hour)},
		domain.SessionTerminated{Reason: "done"})
	if err != nil {
		t.Fatalf("Append renew+terminate: %v", err)
	}
	if len(more) != 2 || more[0].Version != 2 || more[1].Version != 3 {
		t.Fatalf("committed versions = %+v, want 2,3", more)
	}

	events, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Load len = %d, want 3", len(events))
	}
	wantTypes := []domain.EventType{domain.EventSessionStarted, domain.EventSessionRenewed, domain.EventSessionTerminated}
	for i, e := range events {
		if e.Version != int64(i+1) {
			t.Errorf("events[%d].Version = %d, want %d", i, e.Version, i+1)
		}
		if e.Type() != wantTypes[i] {
			t.Errorf("events[%d].Type = %q, want %q", i, e.Type(), wantTypes[i])
		}
		if e.AggregateID != id || e.AggregateType != domain.AggregateTypeSession {
			t.Errorf("events[%d] identity = %s/%s", i, e.AggregateType, e.AggregateID)
		}
	}
	if !events[0].OccurredAt.Equal(first[0].OccurredAt) {
		t.Errorf("loaded OccurredAt = %v, committed %v", events[0].OccurredAt, first[0].OccurredAt)
	}

	a, err := domain.Rebuild(events)
	if err != nil {
		t.Fatalf("Rebuild loaded stream: %v", err)
	}
	if a.Status != domain.StatusTerminated || a.Config["image"] != "go" {
		t.Errorf("rebuilt aggregate = %+v", a)
	}
}

func testLoadUnknown(t *testing.T, s eventstore.Store) {
	events, err := s.Load(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Load unknown len = %d, want 0", len(events))
	}
}

func testStaleExpectedVersion(t *testing.T, s eventstore.Store) {
	ctx := context.Background()
	id := uuid.NewString()
	if _, err := s.Append(ctx, id, domain.AggregateTypeSession, 0, domain.SessionStarted{}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	for _, expected := range []int64{0, 2, 5} {
		_, err := s.Append(ctx, id, domain.AggregateTypeSession, expected, domain.SessionTerminated{})
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			t.Errorf("Append at expected %d: err = %v, want ErrConcurrencyConflict", expected, err)
		}
	}
	events, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("rejected appends wrote events: len = %d, want 1", len(events))
	}
}

func testConcurrentAppends(t *testing.T, s eventstore.Store) {
	ctx := context.Background()
	id := uuid.NewString()
	if _, err := s.Append(ctx, id, domain.AggregateTypeSession, 0, domain.SessionStarted{}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Append(ctx, id, domain.AggregateTypeSession, 1, domain.SessionRenewed{NewExpiresAt: expiry(time.Hour)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrConcurrencyConflict):
				conflicts++
			default:
				t.Errorf("Append: unexpected error %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if ok != 1 || conflicts != writers-1 {
		t.Errorf("successes = %d conflicts = %d, want 1 and %d", ok, conflicts, writers-1)
	}
	events, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Load len = %d, want 2", len(events))
	}
}

func testAggregateIDs(t *testing.T, s eventstore.Store) {
	ctx := context.Background()
	prefix := uuid.NewString()
	ids := []string{prefix + "-a", prefix + "-b", prefix + "-c"}
	for _, id := range ids {
		if _, err := s.Append(ctx, id, domain.AggregateTypeSession, 0, domain.SessionStarted{}); err != nil {
			t.Fatalf("Append %s: %v", id, err)
		}
	}
	page, err := s.AggregateIDs(ctx, domain.AggregateTypeSession, prefix, 2)
	if err != nil {
		t.Fatalf("AggregateIDs: %v", err)
	}
	if len(page) != 2 || page[0] != ids[0] || page[1] != ids[1] {
		t.Fatalf("page 1 = %v, want %v", page, ids[:2])
	}
	page, err = s.AggregateIDs(ctx, domain.AggregateTypeSession, page[1], 2)
	if err != nil {
		t.Fatalf("AggregateIDs: %v", err)
	}
	if len(page) == 0 || page[0] != ids[2] {
		t.Fatalf("page 2 = %v, want to start with %s", page, ids[2])
	}
}

func testInvalidArguments(t *testing.T, s eventstore.Store) {
	ctx := context.Background()
	if _, err := s.Append(ctx, "", domain.AggregateTypeSession, 0, domain.SessionStarted{}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("empty id: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := s.Append(ctx, uuid.NewString(), domain.AggregateTypeSession, 0); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("no payloads: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := s.Append(ctx, uuid.NewString(), domain.AggregateTypeSession, -1, domain.SessionStarted{}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("negative version: err = %v, want ErrInvalidArgument", err)
	}
}
