package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"session-control-plane/backend/internal/session/domain"
	"session-control-plane/backend/internal/session/eventstore"
	"session-control-plane/backend/internal/session/projection"
	"session-control-plane/backend/internal/telemetry"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTokens struct {
	calls atomic.Int32
	err   error
	clock func() time.Time
}

func (f *fakeTokens) Issue(sessionID string, permissions []string) (string, time.Time, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", time.Time{}, f.err
	}
	return fmt.Sprintf("token-%s-%d", sessionID, f.calls.Load()), f.clock().Add(time.Hour), nil
}

type recordingEmitter struct {
	ch chan *telemetry.SessionEvent
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{ch: make(chan *telemetry.SessionEvent, 64)}
}

func (r *recordingEmitter) Emit(_ context.Context, e *telemetry.SessionEvent) error {
	r.ch <- e
	return nil
}

// next waits for a record of the given type, discarding others.
func (r *recordingEmitter) next(t *testing.T, kind string) *telemetry.SessionEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-r.ch:
			if e.Type == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s record emitted", kind)
			return nil
		}
	}
}

// flakyRepository fails the first failures upserts, then delegates.
type flakyRepository struct {
	projection.Repository
	failures atomic.Int32
	attempts atomic.Int32
}

func (f *flakyRepository) Upsert(ctx context.Context, s *domain.SessionSummary) error {
	f.attempts.Add(1)
	if f.failures.Add(-1) >= 0 {
		return fmt.Errorf("%w: connection reset", domain.ErrStoreUnavailable)
	}
	return f.Repository.Upsert(ctx, s)
}

// barrierStore holds the first n Loads until all n have arrived, so concurrent callers
// observe the same version.
type barrierStore struct {
	eventstore.Store
	n       int32
	arrived atomic.Int32
	release chan struct{}
}

func newBarrierStore(inner eventstore.Store, n int32) *barrierStore {
	return &barrierStore{Store: inner, n: n, release: make(chan struct{})}
}

func (b *barrierStore) Load(ctx context.Context, id string) ([]domain.Event, error) {
	events, err := b.Store.Load(ctx, id)
	switch k := b.arrived.Add(1); {
	case k < b.n:
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case k == b.n:
		close(b.release)
	}
	return events, err
}

// blockingStore never answers until the context ends.
type blockingStore struct {
	eventstore.Store
}

func (blockingStore) Load(ctx context.Context, _ string) ([]domain.Event, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, ctx.Err())
}

// countingStore counts appends.
type countingStore struct {
	eventstore.Store
	appends atomic.Int32
}

func (c *countingStore) Append(ctx context.Context, id string, typ domain.AggregateType, expected int64, payloads ...domain.Payload) ([]domain.Event, error) {
	c.appends.Add(1)
	return c.Store.Append(ctx, id, typ, expected, payloads...)
}

type fixture struct {
	svc       *Service
	events    *eventstore.MemoryStore
	summaries *projection.MemoryRepository
	tokens    *fakeTokens
	emitter   *recordingEmitter
	clock     *fakeClock
}

type fixtureOption func(*Config, *Deps)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	clock := newFakeClock()
	f := &fixture{
		events:    eventstore.NewMemoryStore(clock.Now),
		summaries: projection.NewMemoryRepository(),
		tokens:    &fakeTokens{clock: clock.Now},
		emitter:   newRecordingEmitter(),
		clock:     clock,
	}
	cfg := Config{
		DefaultTTL:           time.Hour,
		MaxTTL:               24 * time.Hour,
		DefaultPermissions:   []string{"session:read", "session:renew"},
		GrantablePermissions: []string{"session:read", "session:renew", "session:terminate", "compute:manage"},
		OperationTimeout:     2 * time.Second,
		ConflictRetries:      1,
		ProjectionRetries:    2,
		ProjectionBackoff:    time.Millisecond,
	}
	deps := Deps{
		Events:    f.events,
		Summaries: f.summaries,
		Tokens:    f.tokens,
		Emitter:   f.emitter,
		Clock:     clock.Now,
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	svc, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) start(t *testing.T) *domain.SessionSummary {
	t.Helper()
	g, err := f.svc.StartSession(context.Background(), StartParams{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	return g.Summary
}

func (f *fixture) stream(t *testing.T, id string) []domain.Event {
	t.Helper()
	events, err := f.events.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return events
}

func requireErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("error = %v, want %v", err, want)
	}
}
