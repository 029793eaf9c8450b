package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"session-control-plane/backend/internal/db"
	"session-control-plane/backend/internal/session/domain"
)

const summaryColumns = `id, status, config, permissions, created_at, expires_at, terminated_at,
	termination_reason, updated_at, version, compute_count`

// PostgresRepository stores summaries in the session_summaries table.
type PostgresRepository struct {
	q db.Querier
}

// NewPostgresRepository returns a repository that uses the given pool.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{q: conn}
}

// NewPostgresRepositoryTx returns a repository bound to tx, so an upsert commits with the
// events appended in the same transaction.
func NewPostgresRepositoryTx(tx *sql.Tx) *PostgresRepository {
	return &PostgresRepository{q: tx}
}

// Upsert implements Repository. The WHERE clause on the conflict branch is the version guard.
func (r *PostgresRepository) Upsert(ctx context.Context, s *domain.SessionSummary) error {
	if err := validateUpsert(s); err != nil {
		return err
	}
	config, err := json.Marshal(nonNilConfig(s.Config))
	if err != nil {
		return fmt.Errorf("%w: encode config: %v", domain.ErrInvalidArgument, err)
	}
	perms, err := json.Marshal(nonNilPermissions(s.Permissions))
	if err != nil {
		return fmt.Errorf("%w: encode permissions: %v", domain.ErrInvalidArgument, err)
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO session_summaries (`+summaryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			config = EXCLUDED.config,
			permissions = EXCLUDED.permissions,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			terminated_at = EXCLUDED.terminated_at,
			termination_reason = EXCLUDED.termination_reason,
			updated_at = EXCLUDED.updated_at,
			version = EXCLUDED.version,
			compute_count = EXCLUDED.compute_count
		WHERE session_summaries.version <= EXCLUDED.version`,
		s.ID, string(s.Status), string(config), string(perms), s.CreatedAt.UTC(),
		timeToNullTime(s.ExpiresAt), timeToNullTime(s.TerminatedAt), s.TerminationReason,
		s.UpdatedAt.UTC(), s.Version, s.ComputeCount,
	)
	if err != nil {
		return unavailable("upsert summary", err)
	}
	return nil
}

// Get implements Repository.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*domain.SessionSummary, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+summaryColumns+` FROM session_summaries WHERE id = $1`, id)
	s, err := scanSummary(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, unavailable("get summary", err)
	}
	return s, nil
}

// ListActive implements Repository.
func (r *PostgresRepository) ListActive(ctx context.Context, now time.Time, limit, offset int) ([]*domain.SessionSummary, error) {
	limit, offset = page(limit, offset)
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+summaryColumns+`
		FROM session_summaries
		WHERE status = $1 AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`,
		string(domain.StatusActive), now.UTC(), limit, offset,
	)
	if err != nil {
		return nil, unavailable("list active summaries", err)
	}
	return collect(rows)
}

// List implements Repository.
func (r *PostgresRepository) List(ctx context.Context, f ListFilter) ([]*domain.SessionSummary, error) {
	limit, offset := page(f.Limit, f.Offset)
	var status sql.NullString
	if f.Status != nil {
		status = sql.NullString{String: string(*f.Status), Valid: true}
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+summaryColumns+`
		FROM session_summaries
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`,
		status, limit, offset,
	)
	if err != nil {
		return nil, unavailable("list summaries", err)
	}
	return collect(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (*domain.SessionSummary, error) {
	var (
		s            domain.SessionSummary
		status       string
		config       []byte
		perms        []byte
		expiresAt    sql.NullTime
		terminatedAt sql.NullTime
	)
	if err := row.Scan(&s.ID, &status, &config, &perms, &s.CreatedAt, &expiresAt, &terminatedAt,
		&s.TerminationReason, &s.UpdatedAt, &s.Version, &s.ComputeCount); err != nil {
		return nil, err
	}
	s.Status = domain.Status(status)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	s.ExpiresAt = nullTimeToPtr(expiresAt)
	s.TerminatedAt = nullTimeToPtr(terminatedAt)
	if err := json.Unmarshal(config, &s.Config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := json.Unmarshal(perms, &s.Permissions); err != nil {
		return nil, fmt.Errorf("decode permissions: %w", err)
	}
	if len(s.Config) == 0 {
		s.Config = nil
	}
	if len(s.Permissions) == 0 {
		s.Permissions = nil
	}
	return &s, nil
}

func collect(rows *sql.Rows) ([]*domain.SessionSummary, error) {
	defer rows.Close()
	out := make([]*domain.SessionSummary, 0)
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, unavailable("scan summary", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list summaries", err)
	}
	return out, nil
}

func nonNilConfig(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilPermissions(p []string) []string {
	if p == nil {
		return []string{}
	}
	return p
}

func timeToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullTimeToPtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time.UTC()
	return &t
}
