// Package projectiontest holds a behavioral suite every projection.Repository must pass.
package projectiontest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"session-control-plane/backend/internal/session/domain"
	"session-control-plane/backend/internal/session/projection"
)

// Factory returns an empty repository isolated from other subtests.
type Factory func(t *testing.T) projection.Repository

// RunRepositoryTests exercises upsert, the version guard, and listing.
func RunRepositoryTests(t *testing.T, newRepo Factory) {
	t.Run("UpsertAndGet", func(t *testing.T) { testUpsertAndGet(t, newRepo(t)) })
	t.Run("GetUnknown", func(t *testing.T) { testGetUnknown(t, newRepo(t)) })
	t.Run("VersionNeverRegresses", func(t *testing.T) { testVersionNeverRegresses(t, newRepo(t)) })
	t.Run("ListActive", func(t *testing.T) { testListActive(t, newRepo(t)) })
	t.Run("ListByStatus", func(t *testing.T) { testListByStatus(t, newRepo(t)) })
	t.Run("ListOrderSubMillisecond", func(t *testing.T) { testListOrderSubMillisecond(t, newRepo(t)) })
	t.Run("InvalidSummary", func(t *testing.T) { testInvalidSummary(t, newRepo(t)) })
}

var base = time.Date(2026, 1, 2, 3, 4, 5, 123456000, time.UTC)

func summary(id string, created time.Time, status domain.Status, expires *time.Time, version int64) *domain.SessionSummary {
	s := &domain.SessionSummary{
		ID:          id,
		Status:      status,
		Config:      map[string]any{"image": "go", "cpus": float64(2)},
		Permissions: []string{"session:read", "session:renew"},
		CreatedAt:   created,
		ExpiresAt:   expires,
		UpdatedAt:   created.Add(time.Duration(version) * time.Second),
		Version:     version,
	}
	if status == domain.StatusTerminated {
		at := s.UpdatedAt
		s.TerminatedAt = &at
		s.TerminationReason = "done"
	}
	return s
}

func ptr(t time.Time) *time.Time { return &t }

func testUpsertAndGet(t *testing.T, r projection.Repository) {
	ctx := context.Background()
	want := summary(uuid.NewString(), base, domain.StatusActive, ptr(base.Add(time.Hour)), 1)
	want.ComputeCount = 2
	if err := r.Upsert(ctx, want); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := r.Get(ctx, want.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("Get = %+v, want %+v", got, want)
	}

	next := summary(want.ID, base, domain.StatusTerminated, ptr(base.Add(time.Hour)), 2)
	if err := r.Upsert(ctx, next); err != nil {
		t.Fatalf("Upsert newer: %v", err)
	}
	got, err = r.Get(ctx, want.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Equal(next) {
		t.Errorf("Get after update = %+v, want %+v", got, next)
	}
}

func testGetUnknown(t *testing.T, r projection.Repository) {
	_, err := r.Get(context.Background(), uuid.NewString())
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("Get unknown err = %v, want ErrSessionNotFound", err)
	}
}

func testVersionNeverRegresses(t *testing.T, r projection.Repository) {
	ctx := context.Background()
	id := uuid.NewString()
	newer := summary(id, base, domain.StatusTerminated, nil, 3)
	if err := r.Upsert(ctx, newer); err != nil {
		t.Fatalf("Upsert v3: %v", err)
	}
	if err := r.Upsert(ctx, summary(id, base, domain.StatusActive, nil, 2)); err != nil {
		t.Fatalf("Upsert v2: %v", err)
	}
	got, err := r.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != 3 || got.Status != domain.StatusTerminated {
		t.Errorf("stored version %d status %s, want 3 terminated", got.Version, got.Status)
	}
	// Replaying the same version is accepted.
	if err := r.Upsert(ctx, newer); err != nil {
		t.Errorf("Upsert same version: %v", err)
	}
	active := domain.StatusActive
	list, err := r.List(ctx, projection.ListFilter{Status: &active})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, s := range list {
		if s.ID == id {
			t.Errorf("stale upsert moved %s back into the active list", id)
		}
	}
}

func testListActive(t *testing.T, r projection.Repository) {
	ctx := context.Background()
	now := base.Add(10 * time.Minute)
	older := summary(uuid.NewString(), base, domain.StatusActive, ptr(base.Add(time.Hour)), 1)
	newer := summary(uuid.NewString(), base.Add(time.Minute), domain.StatusActive, nil, 1)
	expired := summary(uuid.NewString(), base.Add(2*time.Minute), domain.StatusActive, ptr(base.Add(5*time.Minute)), 1)
	ended := summary(uuid.NewString(), base.Add(3*time.Minute), domain.StatusTerminated, ptr(base.Add(time.Hour)), 2)
	for _, s := range []*domain.SessionSummary{older, newer, expired, ended} {
		if err := r.Upsert(ctx, s); err != nil {
			t.Fatalf("Upsert %s: %v", s.ID, err)
		}
	}

	got, err := r.ListActive(ctx, now, 10, 0)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(got) != 2 || got[0].ID != newer.ID || got[1].ID != older.ID {
		t.Fatalf("ListActive = %v, want [%s %s]", ids(got), newer.ID, older.ID)
	}

	got, err = r.ListActive(ctx, now, 1, 1)
	if err != nil {
		t.Fatalf("ListActive page: %v", err)
	}
	if len(got) != 1 || got[0].ID != older.ID {
		t.Errorf("ListActive(limit 1, offset 1) = %v, want [%s]", ids(got), older.ID)
	}

	got, err = r.ListActive(ctx, base.Add(2*time.Hour), 10, 0)
	if err != nil {
		t.Fatalf("ListActive later: %v", err)
	}
	if len(got) != 1 || got[0].ID != newer.ID {
		t.Errorf("ListActive after expiry = %v, want [%s]", ids(got), newer.ID)
	}
}

func testListByStatus(t *testing.T, r projection.Repository) {
	ctx := context.Background()
	a := summary(uuid.NewString(), base, domain.StatusActive, nil, 1)
	b := summary(uuid.NewString(), base.Add(time.Second), domain.StatusTerminated, nil, 2)
	c := summary(uuid.NewString(), base.Add(2*time.Second), domain.StatusActive, nil, 1)
	for _, s := range []*domain.SessionSummary{a, b, c} {
		if err := r.Upsert(ctx, s); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	all, err := r.List(ctx, projection.ListFilter{Limit: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].ID != c.ID || all[1].ID != b.ID || all[2].ID != a.ID {
		t.Errorf("List all = %v, want [%s %s %s]", ids(all), c.ID, b.ID, a.ID)
	}

	terminated := domain.StatusTerminated
	got, err := r.List(ctx, projection.ListFilter{Status: &terminated})
	if err != nil {
		t.Fatalf("List terminated: %v", err)
	}
	if len(got) != 1 || got[0].ID != b.ID {
		t.Errorf("List terminated = %v, want [%s]", ids(got), b.ID)
	}

	got, err = r.List(ctx, projection.ListFilter{Limit: 10, Offset: 5})
	if err != nil {
		t.Fatalf("List past end: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("List past end = %v, want empty", ids(got))
	}
}

func testListOrderSubMillisecond(t *testing.T, r projection.Repository) {
	ctx := context.Background()
	// Same millisecond, and the newer session has the smaller id.
	older := summary("ffffffff-0000-4000-8000-000000000000", base, domain.StatusActive, nil, 1)
	newer := summary("00000000-0000-4000-8000-000000000000", base.Add(200*time.Microsecond), domain.StatusActive, nil, 1)
	for _, s := range []*domain.SessionSummary{older, newer} {
		if err := r.Upsert(ctx, s); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	got, err := r.List(ctx, projection.ListFilter{Limit: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].ID != newer.ID || got[1].ID != older.ID {
		t.Errorf("List = %v, want [%s %s]", ids(got), newer.ID, older.ID)
	}
}

func testInvalidSummary(t *testing.T, r projection.Repository) {
	ctx := context.Background()
	if err := r.Upsert(ctx, &domain.SessionSummary{Version: 1}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("missing id: err = %v, want ErrInvalidArgument", err)
	}
	if err := r.Upsert(ctx, &domain.SessionSummary{ID: uuid.NewString()}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("zero version: err = %v, want ErrInvalidArgument", err)
	}
}

func ids(list []*domain.SessionSummary) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}
