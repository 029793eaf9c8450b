package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"session-control-plane/backend/internal/session/domain"
)

// MemoryRepository keeps summaries in process. Values are copied through JSON on the way in
// and out so callers never share maps with the repository.
type MemoryRepository struct {
	mu   sync.RWMutex
	rows map[string][]byte
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string][]byte)}
}

// Upsert implements Repository.
func (r *MemoryRepository) Upsert(ctx context.Context, s *domain.SessionSummary) error {
	if err := validateUpsert(s); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return unavailable("upsert", err)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("%w: encode summary: %v", domain.ErrInvalidArgument, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.rows[s.ID]; ok {
		old, err := decodeSummary(cur)
		if err != nil {
			return err
		}
		if old.Version > s.Version {
			return nil
		}
	}
	r.rows[s.ID] = raw
	return nil
}

// Get implements Repository.
func (r *MemoryRepository) Get(ctx context.Context, id string) (*domain.SessionSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("get", err)
	}
	r.mu.RLock()
	raw, ok := r.rows[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return decodeSummary(raw)
}

// ListActive implements Repository.
func (r *MemoryRepository) ListActive(ctx context.Context, now time.Time, limit, offset int) ([]*domain.SessionSummary, error) {
	return r.list(ctx, limit, offset, func(s *domain.SessionSummary) bool { return s.IsLive(now) })
}

// List implements Repository.
func (r *MemoryRepository) List(ctx context.Context, f ListFilter) ([]*domain.SessionSummary, error) {
	return r.list(ctx, f.Limit, f.Offset, func(s *domain.SessionSummary) bool {
		return f.Status == nil || s.Status == *f.Status
	})
}

func (r *MemoryRepository) list(ctx context.Context, limit, offset int, keep func(*domain.SessionSummary) bool) ([]*domain.SessionSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	limit, offset = page(limit, offset)
	r.mu.RLock()
	all := make([]*domain.SessionSummary, 0, len(r.rows))
	for _, raw := range r.rows {
		s, err := decodeSummary(raw)
		if err != nil {
			r.mu.RUnlock()
			return nil, err
		}
		if keep(s) {
			all = append(all, s)
		}
	}
	r.mu.RUnlock()
	sortNewestFirst(all)
	if offset >= len(all) {
		return []*domain.SessionSummary{}, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func sortNewestFirst(list []*domain.SessionSummary) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID > list[j].ID
	})
}

func decodeSummary(raw []byte) (*domain.SessionSummary, error) {
	var s domain.SessionSummary
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: decode summary: %v", domain.ErrStoreUnavailable, err)
	}
	return &s, nil
}
