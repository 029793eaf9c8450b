// Package eventstore is the append-only log of session domain events.
//
// The store assigns event ids, versions, and occurrence timestamps. Appends are guarded by
// an expected version: when the caller's view of the stream is stale, nothing is written
// and domain.ErrConcurrencyConflict is returned.
package eventstore

import (
	"context"
	"time"

	"session-control-plane/backend/internal/session/domain"
)

// Store persists and loads event streams keyed by aggregate id.
type Store interface {
	// Append writes payloads as versions expectedVersion+1.. for aggregateID and returns the
	// committed events. Returns domain.ErrConcurrencyConflict when the stream's latest version
	// is not expectedVersion, and a wrapped domain.ErrStoreUnavailable on backend failures.
	Append(ctx context.Context, aggregateID string, aggregateType domain.AggregateType, expectedVersion int64, payloads ...domain.Payload) ([]domain.Event, error)
	// Load returns the full stream for aggregateID, oldest first. An unknown id yields an empty slice.
	Load(ctx context.Context, aggregateID string) ([]domain.Event, error)
	// AggregateIDs returns up to limit aggregate ids of the given type greater than afterID, ascending.
	AggregateIDs(ctx context.Context, aggregateType domain.AggregateType, afterID string, limit int) ([]string, error)
}

// Clock returns the append timestamp. Stores truncate it to microseconds, the precision Postgres keeps.
type Clock func() time.Time

func stamp(c Clock) time.Time {
	if c == nil {
		c = time.Now
	}
	return c().UTC().Truncate(time.Microsecond)
}
