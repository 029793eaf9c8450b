// Package service orchestrates the session lifecycle: rebuild the aggregate from the event log,
// validate the transition, append, then bring the projection up to date.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"session-control-plane/backend/internal/session/domain"
	"session-control-plane/backend/internal/session/eventstore"
	"session-control-plane/backend/internal/session/projection"
	"session-control-plane/backend/internal/telemetry"
)

const tracerName = "session-control-plane/session"

// TokenIssuer signs session tokens.
type TokenIssuer interface {
	Issue(sessionID string, permissions []string) (token string, expiresAt time.Time, err error)
}

// Transactor runs fn with an event store and projection repository that commit together.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(events eventstore.Store, summaries projection.Repository) error) error
}

// Config holds the service's tunables.
type Config struct {
	// DefaultTTL applies when a start or renew request carries no TTL.
	DefaultTTL time.Duration
	// MaxTTL bounds requested TTLs; zero means unbounded.
	MaxTTL time.Duration
	// DefaultPermissions are granted when a start request names none.
	DefaultPermissions []string
	// GrantablePermissions restricts what a start request may ask for; empty allows any.
	GrantablePermissions []string
	// OperationTimeout bounds each operation end to end.
	OperationTimeout time.Duration
	// ConflictRetries is how many times a mutation is rebuilt and retried after a version conflict.
	ConflictRetries int
	// ProjectionRetries is how many extra upsert attempts are made when no Transactor is set.
	ProjectionRetries int
	// ProjectionBackoff is the pause between upsert attempts, multiplied by the attempt number.
	ProjectionBackoff time.Duration
}

// Deps holds the service's collaborators. Events, Summaries and Tokens are required.
type Deps struct {
	Events    eventstore.Store
	Summaries projection.Repository
	// Transactor, when set, commits appends and upserts atomically. Events and Summaries are
	// still used for reads.
	Transactor Transactor
	Tokens     TokenIssuer
	// Emitter receives lifecycle records after commit. Optional.
	Emitter telemetry.EventEmitter
	// Instruments records counters. Optional.
	Instruments *telemetry.Instruments
	// Tracer defaults to the global tracer provider.
	Tracer trace.Tracer
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Service implements the session lifecycle operations.
type Service struct {
	cfg         Config
	events      eventstore.Store
	summaries   projection.Repository
	tx          Transactor
	tokens      TokenIssuer
	emitter     telemetry.EventEmitter
	instruments *telemetry.Instruments
	tracer      trace.Tracer
	now         func() time.Time
}

// Grant is the result of starting or renewing a session.
type Grant struct {
	Summary        *domain.SessionSummary
	Token          string
	TokenExpiresAt time.Time
}

// StartParams describes a new session. A zero TTL uses the default; nil Permissions use the defaults.
type StartParams struct {
	Config      map[string]any
	TTL         time.Duration
	Permissions []string
}

// New returns a Service. Missing optional dependencies get no-op or default implementations.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Events == nil || deps.Summaries == nil || deps.Tokens == nil {
		return nil, errors.New("session service: events, summaries and tokens are required")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.MaxTTL > 0 && cfg.MaxTTL < cfg.DefaultTTL {
		return nil, fmt.Errorf("session service: max ttl %v below default ttl %v", cfg.MaxTTL, cfg.DefaultTTL)
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}
	if cfg.ConflictRetries < 0 {
		cfg.ConflictRetries = 0
	}
	if cfg.ProjectionRetries < 0 {
		cfg.ProjectionRetries = 0
	}
	if cfg.ProjectionBackoff <= 0 {
		cfg.ProjectionBackoff = 50 * time.Millisecond
	}
	s := &Service{
		cfg:         cfg,
		events:      deps.Events,
		summaries:   deps.Summaries,
		tx:          deps.Transactor,
		tokens:      deps.Tokens,
		emitter:     deps.Emitter,
		instruments: deps.Instruments,
		tracer:      deps.Tracer,
		now:         deps.Clock,
	}
	if s.instruments == nil {
		s.instruments = telemetry.NoopInstruments()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// StartSession appends SessionStarted for a new id, writes the projection and issues a token.
func (s *Service) StartSession(ctx context.Context, p StartParams) (*Grant, error) {
	ctx, span, cancel := s.begin(ctx, "StartSession")
	defer cancel()

	ttl, err := s.resolveTTL(p.TTL)
	if err != nil {
		return nil, s.end(span, err)
	}
	perms, err := s.resolvePermissions(p.Permissions)
	if err != nil {
		return nil, s.end(span, err)
	}
	id := uuid.New().String()
	span.SetAttributes(attribute.String("session.id", id))
	expiresAt := s.clock().Add(ttl)
	agg, err := s.commit(ctx, "start", nil, id, domain.SessionStarted{
		Config:      p.Config,
		Permissions: perms,
		ExpiresAt:   &expiresAt,
	})
	if err != nil {
		return nil, s.end(span, err)
	}
	grant, err := s.grant(agg)
	return grant, s.end(span, err)
}

// RenewSession moves the session's expiry to now + ttl (or the default). Version conflicts are
// retried by rebuilding, up to ConflictRetries times.
func (s *Service) RenewSession(ctx context.Context, id string, ttl time.Duration) (*Grant, error) {
	ctx, span, cancel := s.begin(ctx, "RenewSession", attribute.String("session.id", id))
	defer cancel()

	ttl, err := s.resolveTTL(ttl)
	if err != nil {
		return nil, s.end(span, err)
	}
	agg, err := s.mutate(ctx, "renew", id, func(a *domain.SessionAggregate) ([]domain.Payload, error) {
		if a.IsTerminated() {
			return nil, domain.ErrSessionAlreadyTerminated
		}
		expiresAt := s.clock().Add(ttl)
		return []domain.Payload{domain.SessionRenewed{NewExpiresAt: &expiresAt}}, nil
	})
	if err != nil {
		return nil, s.end(span, err)
	}
	grant, err := s.grant(agg)
	return grant, s.end(span, err)
}

// TerminateSession closes the session. Terminating a terminated session succeeds without
// appending anything.
func (s *Service) TerminateSession(ctx context.Context, id, reason string) (*domain.SessionSummary, error) {
	ctx, span, cancel := s.begin(ctx, "TerminateSession", attribute.String("session.id", id))
	defer cancel()

	agg, err := s.mutate(ctx, "terminate", id, func(a *domain.SessionAggregate) ([]domain.Payload, error) {
		if a.IsTerminated() {
			return nil, nil
		}
		return []domain.Payload{domain.SessionTerminated{Reason: strings.TrimSpace(reason)}}, nil
	})
	if err != nil {
		return nil, s.end(span, err)
	}
	return agg.ToSummary(), s.end(span, nil)
}

// AttachCompute records that resourceID now depends on the session.
func (s *Service) AttachCompute(ctx context.Context, id, resourceID string) (*domain.SessionSummary, error) {
	ctx, span, cancel := s.begin(ctx, "AttachCompute", attribute.String("session.id", id), attribute.String("compute.resource_id", resourceID))
	defer cancel()

	if strings.TrimSpace(resourceID) == "" {
		return nil, s.end(span, fmt.Errorf("%w: resource id required", domain.ErrInvalidArgument))
	}
	agg, err := s.mutate(ctx, "attach_compute", id, func(a *domain.SessionAggregate) ([]domain.Payload, error) {
		switch {
		case a.IsTerminated():
			return nil, domain.ErrSessionAlreadyTerminated
		case a.HasCompute(resourceID):
			return nil, domain.ErrComputeAlreadyAttached
		}
		return []domain.Payload{domain.ComputeAttached{ResourceID: resourceID}}, nil
	})
	if err != nil {
		return nil, s.end(span, err)
	}
	return agg.ToSummary(), s.end(span, nil)
}

// ReleaseCompute records that resourceID no longer depends on the session. Releasing a
// resource that is not attached is a no-op. Allowed after termination.
func (s *Service) ReleaseCompute(ctx context.Context, id, resourceID string) (*domain.SessionSummary, error) {
	ctx, span, cancel := s.begin(ctx, "ReleaseCompute", attribute.String("session.id", id), attribute.String("compute.resource_id", resourceID))
	defer cancel()

	agg, err := s.mutate(ctx, "release_compute", id, func(a *domain.SessionAggregate) ([]domain.Payload, error) {
		if !a.HasCompute(resourceID) {
			return nil, nil
		}
		return []domain.Payload{domain.ComputeReleased{ResourceID: resourceID}}, nil
	})
	if err != nil {
		return nil, s.end(span, err)
	}
	return agg.ToSummary(), s.end(span, nil)
}

// GetSession reads the projection.
func (s *Service) GetSession(ctx context.Context, id string) (*domain.SessionSummary, error) {
	ctx, span, cancel := s.begin(ctx, "GetSession", attribute.String("session.id", id))
	defer cancel()
	sum, err := s.summaries.Get(ctx, id)
	return sum, s.end(span, err)
}

// ListSessions reads the projection newest first. Listing active sessions excludes those whose
// expiry has passed.
func (s *Service) ListSessions(ctx context.Context, status *domain.Status, limit, offset int) ([]*domain.SessionSummary, error) {
	ctx, span, cancel := s.begin(ctx, "ListSessions")
	defer cancel()
	var (
		list []*domain.SessionSummary
		err  error
	)
	if status != nil && *status == domain.StatusActive {
		list, err = s.summaries.ListActive(ctx, s.now(), limit, offset)
	} else {
		list, err = s.summaries.List(ctx, projection.ListFilter{Status: status, Limit: limit, Offset: offset})
	}
	return list, s.end(span, err)
}

// Replay rebuilds the aggregate from the event log, bypassing the projection.
func (s *Service) Replay(ctx context.Context, id string) (*domain.SessionAggregate, error) {
	ctx, span, cancel := s.begin(ctx, "Replay", attribute.String("session.id", id))
	defer cancel()
	agg, err := s.rebuild(ctx, id)
	return agg, s.end(span, err)
}

// mutate runs the rebuild, decide, commit cycle. decide returning no payloads ends the
// operation successfully with the current state.
func (s *Service) mutate(ctx context.Context, op, id string, decide func(*domain.SessionAggregate) ([]domain.Payload, error)) (*domain.SessionAggregate, error) {
	for attempt := 0; ; attempt++ {
		agg, err := s.rebuild(ctx, id)
		if err != nil {
			return nil, err
		}
		payloads, err := decide(agg)
		if err != nil {
			return nil, err
		}
		if len(payloads) == 0 {
			return agg, nil
		}
		next, err := s.commit(ctx, op, agg, id, payloads...)
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			telemetry.Add(ctx, s.instruments.Conflicts, 1, op)
			if attempt < s.cfg.ConflictRetries {
				continue
			}
		}
		return next, err
	}
}

// rebuild loads and folds the stream for id.
func (s *Service) rebuild(ctx context.Context, id string) (*domain.SessionAggregate, error) {
	if id == "" {
		return nil, domain.ErrSessionNotFound
	}
	events, err := s.events.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, domain.ErrSessionNotFound
	}
	agg, err := domain.Rebuild(events)
	if err != nil {
		s.reportInvalidStream(id, err)
		return nil, err
	}
	return agg, nil
}

// commit appends payloads at agg's version (0 for a new stream), folds the committed events
// into a copy of agg and writes the projection.
func (s *Service) commit(ctx context.Context, op string, agg *domain.SessionAggregate, id string, payloads ...domain.Payload) (*domain.SessionAggregate, error) {
	next := &domain.SessionAggregate{}
	if agg != nil {
		c := *agg
		next = &c
	}
	expected := next.Version
	var committed []domain.Event
	apply := func(events eventstore.Store) error {
		var err error
		committed, err = events.Append(ctx, id, domain.AggregateTypeSession, expected, payloads...)
		if err != nil {
			return err
		}
		for _, e := range committed {
			if err := next.Apply(e); err != nil {
				s.reportInvalidStream(id, err)
				return err
			}
		}
		return nil
	}

	if s.tx != nil {
		err := s.tx.WithinTx(ctx, func(events eventstore.Store, summaries projection.Repository) error {
			if err := apply(events); err != nil {
				return err
			}
			return summaries.Upsert(ctx, next.ToSummary())
		})
		if err != nil {
			return nil, err
		}
	} else {
		if err := apply(s.events); err != nil {
			return nil, err
		}
		if err := s.upsertWithRetry(ctx, op, next.ToSummary()); err != nil {
			return nil, err
		}
	}

	telemetry.Add(ctx, s.instruments.EventsAppended, int64(len(committed)), op)
	s.emitLifecycle(committed, next)
	return next, nil
}

// upsertWithRetry writes the projection when it lives outside the event store's transaction.
// A failure after the append has committed is returned; the reconciler repairs the drift.
func (s *Service) upsertWithRetry(ctx context.Context, op string, sum *domain.SessionSummary) error {
	err := s.summaries.Upsert(ctx, sum)
	for attempt := 1; err != nil && attempt <= s.cfg.ProjectionRetries; attempt++ {
		if !sleep(ctx, time.Duration(attempt)*s.cfg.ProjectionBackoff) {
			err = errors.Join(err, ctx.Err())
			break
		}
		err = s.summaries.Upsert(ctx, sum)
	}
	if err == nil {
		return nil
	}
	telemetry.Add(ctx, s.instruments.ProjectionErrors, 1, op)
	log.Printf("session: projection upsert for %s at version %d failed after commit: %v", sum.ID, sum.Version, err)
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: projection upsert: %v", domain.ErrStoreUnavailable, err)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Service) grant(agg *domain.SessionAggregate) (*Grant, error) {
	token, exp, err := s.tokens.Issue(agg.ID, agg.Permissions)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &Grant{Summary: agg.ToSummary(), Token: token, TokenExpiresAt: exp}, nil
}

func (s *Service) resolveTTL(ttl time.Duration) (time.Duration, error) {
	switch {
	case ttl < 0:
		return 0, fmt.Errorf("%w: must be positive", domain.ErrInvalidTTL)
	case ttl == 0:
		return s.cfg.DefaultTTL, nil
	case s.cfg.MaxTTL > 0 && ttl > s.cfg.MaxTTL:
		return 0, fmt.Errorf("%w: %v exceeds maximum %v", domain.ErrInvalidTTL, ttl, s.cfg.MaxTTL)
	}
	return ttl, nil
}

func (s *Service) resolvePermissions(requested []string) ([]string, error) {
	if requested == nil {
		return slices.Clone(s.cfg.DefaultPermissions), nil
	}
	out := make([]string, 0, len(requested))
	for _, p := range requested {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("%w: empty permission", domain.ErrInvalidArgument)
		}
		if len(s.cfg.GrantablePermissions) > 0 && !slices.Contains(s.cfg.GrantablePermissions, p) {
			return nil, fmt.Errorf("%w: %s", domain.ErrPermissionNotGrantable, p)
		}
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// clock returns now in UTC at the precision the stores keep.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) begin(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	ctx, span := s.tracer.Start(ctx, "session."+name, trace.WithAttributes(attrs...))
	return ctx, span, func() {
		span.End()
		cancel()
	}
}

func (s *Service) end(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Service) reportInvalidStream(id string, err error) {
	log.Printf("session: INVALID EVENT STREAM for %s: %v", id, err)
	telemetry.EmitAsync(s.emitter, &telemetry.SessionEvent{
		SessionID:  id,
		Type:       telemetry.TypeInvalidStream,
		OccurredAt: s.now().UTC(),
		Attributes: map[string]string{"error": err.Error()},
		Severe:     true,
	})
}
