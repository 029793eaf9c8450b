// Package projection holds the denormalized session read model.
//
// Every implementation applies upserts with a no-regress guard: a summary whose Version is
// lower than the stored one is ignored, so replaying events at least once is safe.
package projection

import (
	"context"
	"fmt"
	"time"

	"session-control-plane/backend/internal/session/domain"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Repository reads and writes session summaries.
type Repository interface {
	// Upsert stores s unless a summary with a higher version is already present.
	Upsert(ctx context.Context, s *domain.SessionSummary) error
	// Get returns the summary for id, or domain.ErrSessionNotFound.
	Get(ctx context.Context, id string) (*domain.SessionSummary, error)
	// ListActive returns active sessions that have not expired at now, newest first.
	ListActive(ctx context.Context, now time.Time, limit, offset int) ([]*domain.SessionSummary, error)
	// List returns sessions matching f, newest first.
	List(ctx context.Context, f ListFilter) ([]*domain.SessionSummary, error)
}

// ListFilter narrows List. A nil Status returns every session.
type ListFilter struct {
	Status *domain.Status
	Limit  int
	Offset int
}

func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func validateUpsert(s *domain.SessionSummary) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("%w: summary id required", domain.ErrInvalidArgument)
	}
	if s.Version < 1 {
		return fmt.Errorf("%w: summary version must be positive", domain.ErrInvalidArgument)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
}
