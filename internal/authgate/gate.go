// Package authgate turns a bearer token into a Principal. A token is accepted only when its
// signature and claims verify and the session it names is live in the projection.
package authgate

import (
	"context"
	"errors"
	"log"
	"slices"
	"time"

	"session-control-plane/backend/internal/policy/engine"
	"session-control-plane/backend/internal/security"
	"session-control-plane/backend/internal/session/domain"
	"session-control-plane/backend/internal/telemetry"
)

var (
	// ErrUnauthorized means no live session backs the request.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the session lacks the required permission.
	ErrForbidden = errors.New("forbidden")
)

// TokenValidator verifies token signatures and claims.
type TokenValidator interface {
	Validate(token string) (*security.SessionClaims, error)
}

// SessionLookup reads the session projection.
type SessionLookup interface {
	Get(ctx context.Context, id string) (*domain.SessionSummary, error)
}

// Principal is the authenticated caller.
type Principal struct {
	SessionID string
	// Permissions is the grant recorded on the session's projection row, not the token claims.
	Permissions []string
	// ExpiresAt is the session's expiry at authentication time; nil means no expiry.
	ExpiresAt *time.Time
}

// Has reports whether the principal carries permission verbatim.
func (p Principal) Has(permission string) bool {
	return slices.Contains(p.Permissions, permission)
}

// Gate authenticates and authorizes requests.
type Gate struct {
	tokens      TokenValidator
	sessions    SessionLookup
	policy      engine.Evaluator
	instruments *telemetry.Instruments
	now         func() time.Time
}

// New returns a Gate. instruments may be nil.
func New(tokens TokenValidator, sessions SessionLookup, policy engine.Evaluator, instruments *telemetry.Instruments) *Gate {
	if instruments == nil {
		instruments = telemetry.NoopInstruments()
	}
	return &Gate{tokens: tokens, sessions: sessions, policy: policy, instruments: instruments, now: time.Now}
}

// WithClock replaces the clock used for expiry checks.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Authenticate validates token and checks that its session is active and unexpired. The
// projection is not consulted when the token itself is invalid. Permissions come from the
// projection so that they always match the session's recorded grant.
func (g *Gate) Authenticate(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, g.reject(ctx, "missing")
	}
	claims, err := g.tokens.Validate(token)
	if err != nil {
		return Principal{}, g.reject(ctx, "token")
	}
	sum, err := g.sessions.Get(ctx, claims.SessionID)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return Principal{}, g.reject(ctx, "unknown_session")
	case err != nil:
		log.Printf("authgate: session lookup for %s failed: %v", claims.SessionID, err)
		return Principal{}, g.reject(ctx, "lookup")
	case sum.Status != domain.StatusActive:
		return Principal{}, g.reject(ctx, "terminated")
	case sum.IsExpired(g.now()):
		return Principal{}, g.reject(ctx, "expired")
	}
	return Principal{
		SessionID:   sum.ID,
		Permissions: slices.Clone(sum.Permissions),
		ExpiresAt:   sum.ExpiresAt,
	}, nil
}

// Authorize checks that p holds permission for collection-level operations.
func (g *Gate) Authorize(ctx context.Context, p Principal, permission string) error {
	return g.AuthorizeTarget(ctx, p, permission, "")
}

// AuthorizeTarget checks that p holds permission for an operation on targetSessionID.
// Evaluation errors deny.
func (g *Gate) AuthorizeTarget(ctx context.Context, p Principal, permission, targetSessionID string) error {
	ok, err := g.policy.Allow(ctx, engine.Request{
		SessionID:       p.SessionID,
		Permissions:     p.Permissions,
		Required:        permission,
		TargetSessionID: targetSessionID,
	})
	if err != nil {
		log.Printf("authgate: policy evaluation for %s failed: %v", p.SessionID, err)
		telemetry.Add(ctx, g.instruments.AuthRejections, 1, "policy_error")
		return ErrForbidden
	}
	if !ok {
		telemetry.Add(ctx, g.instruments.AuthRejections, 1, "forbidden")
		return ErrForbidden
	}
	return nil
}

func (g *Gate) reject(ctx context.Context, reason string) error {
	telemetry.Add(ctx, g.instruments.AuthRejections, 1, reason)
	return ErrUnauthorized
}
