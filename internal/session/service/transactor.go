package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"session-control-plane/backend/internal/db"
	"session-control-plane/backend/internal/session/domain"
	"session-control-plane/backend/internal/session/eventstore"
	"session-control-plane/backend/internal/session/projection"
)

// SQLTransactor commits event appends and projection upserts in one Postgres transaction.
type SQLTransactor struct {
	conn  *sql.DB
	clock eventstore.Clock
}

// NewSQLTransactor returns a Transactor over conn. clock stamps appended events.
func NewSQLTransactor(conn *sql.DB, clock eventstore.Clock) *SQLTransactor {
	return &SQLTransactor{conn: conn, clock: clock}
}

// WithinTx implements Transactor. Domain errors from fn pass through; anything else is
// reported as domain.ErrStoreUnavailable.
func (t *SQLTransactor) WithinTx(ctx context.Context, fn func(eventstore.Store, projection.Repository) error) error {
	err := db.WithTx(ctx, t.conn, func(tx *sql.Tx) error {
		return fn(eventstore.NewPostgresStoreTx(tx, t.clock), projection.NewPostgresRepositoryTx(tx))
	})
	if err == nil || isDomainError(err) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}

func isDomainError(err error) bool {
	for _, target := range []error{
		domain.ErrConcurrencyConflict,
		domain.ErrStoreUnavailable,
		domain.ErrInvalidStream,
		domain.ErrInvalidArgument,
		domain.ErrSessionNotFound,
		domain.ErrSessionAlreadyTerminated,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
