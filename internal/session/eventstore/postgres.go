package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"session-control-plane/backend/internal/db"
	"session-control-plane/backend/internal/session/domain"
)

// PostgresStore is the durable Store backed by the session_events table.
// The (aggregate_id, version) unique constraint backs the expected-version check when two
// writers pass it concurrently.
type PostgresStore struct {
	db    *sql.DB
	tx    *sql.Tx
	clock Clock
}

// NewPostgresStore returns a store that opens its own transaction per Append.
func NewPostgresStore(conn *sql.DB, clock Clock) *PostgresStore {
	return &PostgresStore{db: conn, clock: clock}
}

// NewPostgresStoreTx returns a store bound to an existing transaction; the caller commits.
func NewPostgresStoreTx(tx *sql.Tx, clock Clock) *PostgresStore {
	return &PostgresStore{tx: tx, clock: clock}
}

func (s *PostgresStore) querier() db.Querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, aggregateID string, aggregateType domain.AggregateType, expectedVersion int64, payloads ...domain.Payload) ([]domain.Event, error) {
	if err := validateAppend(aggregateID, expectedVersion, payloads); err != nil {
		return nil, err
	}
	var committed []domain.Event
	run := func(q db.Querier) error {
		var err error
		committed, err = s.appendWith(ctx, q, aggregateID, aggregateType, expectedVersion, payloads)
		return err
	}
	var err error
	if s.tx != nil {
		err = run(s.tx)
	} else {
		err = db.WithTx(ctx, s.db, func(tx *sql.Tx) error { return run(tx) })
	}
	if err != nil {
		return nil, classify(err)
	}
	return committed, nil
}

func (s *PostgresStore) appendWith(ctx context.Context, q db.Querier, aggregateID string, aggregateType domain.AggregateType, expectedVersion int64, payloads []domain.Payload) ([]domain.Event, error) {
	var current int64
	if err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM session_events WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&current); err != nil {
		return nil, err
	}
	if current != expectedVersion {
		return nil, fmt.Errorf("%w: aggregate %s at version %d, expected %d", domain.ErrConcurrencyConflict, aggregateID, current, expectedVersion)
	}

	at := stamp(s.clock)
	out := make([]domain.Event, 0, len(payloads))
	for i, p := range payloads {
		t, raw, err := domain.EncodePayload(p)
		if err != nil {
			return nil, err
		}
		e := domain.Event{
			ID:            uuid.New().String(),
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			Version:       expectedVersion + int64(i) + 1,
			Payload:       p,
			OccurredAt:    at,
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO session_events (id, aggregate_id, aggregate_type, type, version, payload, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.ID, e.AggregateID, string(e.AggregateType), string(t), e.Version, string(raw), e.OccurredAt,
		); err != nil {
			return nil, err
		}
		// Return the decoded form so callers see exactly what a later Load yields.
		if e.Payload, err = domain.DecodePayload(t, raw); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, aggregateID string) ([]domain.Event, error) {
	rows, err := s.querier().QueryContext(ctx, `
		SELECT id, aggregate_id, aggregate_type, type, version, payload, occurred_at
		FROM session_events
		WHERE aggregate_id = $1
		ORDER BY version ASC`,
		aggregateID,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := make([]domain.Event, 0)
	for rows.Next() {
		var (
			e             domain.Event
			aggregateType string
			eventType     string
			payload       []byte
			occurredAt    time.Time
		)
		if err := rows.Scan(&e.ID, &e.AggregateID, &aggregateType, &eventType, &e.Version, &payload, &occurredAt); err != nil {
			return nil, classify(err)
		}
		e.AggregateType = domain.AggregateType(aggregateType)
		e.OccurredAt = occurredAt.UTC()
		if e.Payload, err = domain.DecodePayload(domain.EventType(eventType), payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// AggregateIDs implements Store.
func (s *PostgresStore) AggregateIDs(ctx context.Context, aggregateType domain.AggregateType, afterID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.querier().QueryContext(ctx, `
		SELECT DISTINCT aggregate_id
		FROM session_events
		WHERE aggregate_type = $1 AND aggregate_id > $2
		ORDER BY aggregate_id ASC
		LIMIT $3`,
		string(aggregateType), afterID, limit,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return ids, nil
}

// classify keeps domain errors as they are and maps driver failures onto the store taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrConcurrencyConflict),
		errors.Is(err, domain.ErrInvalidStream),
		errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrStoreUnavailable):
		return err
	case db.IsUniqueViolation(err):
		return fmt.Errorf("%w: concurrent append: %v", domain.ErrConcurrencyConflict, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
}
