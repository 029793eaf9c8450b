package eventstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"session-control-plane/backend/internal/session/domain"
)

type storedEvent struct {
	id            string
	aggregateType domain.AggregateType
	eventType     domain.EventType
	version       int64
	payload       []byte
	event         domain.Event
}

// MemoryStore is an in-process Store for development and tests. Payloads go through the same
// encode/decode boundary as the SQL store so replays behave identically.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]storedEvent
	clock   Clock
}

// NewMemoryStore returns an empty MemoryStore. clock may be nil (wall clock).
func NewMemoryStore(clock Clock) *MemoryStore {
	return &MemoryStore{streams: make(map[string][]storedEvent), clock: clock}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, aggregateID string, aggregateType domain.AggregateType, expectedVersion int64, payloads ...domain.Payload) ([]domain.Event, error) {
	if err := validateAppend(aggregateID, expectedVersion, payloads); err != nil {
		return nil, err
	}
	rows := make([]storedEvent, 0, len(payloads))
	for _, p := range payloads {
		t, raw, err := domain.EncodePayload(p)
		if err != nil {
			return nil, err
		}
		rows = append(rows, storedEvent{aggregateType: aggregateType, eventType: t, payload: raw})
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stream := s.streams[aggregateID]
	if int64(len(stream)) != expectedVersion {
		return nil, fmt.Errorf("%w: aggregate %s at version %d, expected %d", domain.ErrConcurrencyConflict, aggregateID, len(stream), expectedVersion)
	}
	at := stamp(s.clock)
	committed := make([]domain.Event, 0, len(rows))
	for i := range rows {
		rows[i].id = uuid.New().String()
		rows[i].version = expectedVersion + int64(i) + 1
		e, err := rows[i].decode(aggregateID, at)
		if err != nil {
			return nil, err
		}
		rows[i].event = e
		committed = append(committed, e)
	}
	s.streams[aggregateID] = append(stream, rows...)
	return committed, nil
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, aggregateID string) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream := s.streams[aggregateID]
	out := make([]domain.Event, len(stream))
	for i, r := range stream {
		out[i] = r.event
	}
	return out, nil
}

// AggregateIDs implements Store.
func (s *MemoryStore) AggregateIDs(ctx context.Context, aggregateType domain.AggregateType, afterID string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.streams))
	for id, stream := range s.streams {
		if len(stream) > 0 && stream[0].aggregateType == aggregateType && id > afterID {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r storedEvent) decode(aggregateID string, at time.Time) (domain.Event, error) {
	p, err := domain.DecodePayload(r.eventType, r.payload)
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		ID:            r.id,
		AggregateID:   aggregateID,
		AggregateType: r.aggregateType,
		Version:       r.version,
		Payload:       p,
		OccurredAt:    at,
	}, nil
}

func validateAppend(aggregateID string, expectedVersion int64, payloads []domain.Payload) error {
	if aggregateID == "" {
		return fmt.Errorf("%w: aggregate id required", domain.ErrInvalidArgument)
	}
	if expectedVersion < 0 {
		return fmt.Errorf("%w: negative expected version", domain.ErrInvalidArgument)
	}
	if len(payloads) == 0 {
		return fmt.Errorf("%w: no events to append", domain.ErrInvalidArgument)
	}
	return nil
}
