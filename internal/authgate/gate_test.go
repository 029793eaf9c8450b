package authgate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"session-control-plane/backend/internal/policy/engine"
	"session-control-plane/backend/internal/security"
	"session-control-plane/backend/internal/session/domain"
)

type fakeLookup struct {
	sessions map[string]*domain.SessionSummary
	err      error
	calls    atomic.Int32
}

func (f *fakeLookup) Get(_ context.Context, id string) (*domain.SessionSummary, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s, nil
}

type errEvaluator struct{}

func (errEvaluator) Allow(context.Context, engine.Request) (bool, error) {
	return false, errors.New("policy unavailable")
}

func setup(t *testing.T) (*Gate, *security.TokenProvider, *fakeLookup) {
	t.Helper()
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	policy, err := engine.NewOPAEvaluator(context.Background())
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Minute)
	lookup := &fakeLookup{sessions: map[string]*domain.SessionSummary{
		"live":       {ID: "live", Status: domain.StatusActive, Permissions: []string{"session:read"}, ExpiresAt: &future, Version: 1},
		"open-ended": {ID: "open-ended", Status: domain.StatusActive, Version: 1},
		"expired":    {ID: "expired", Status: domain.StatusActive, ExpiresAt: &past, Version: 1},
		"ended":      {ID: "ended", Status: domain.StatusTerminated, ExpiresAt: &future, Version: 2},
	}}
	return New(tokens, lookup, policy, nil), tokens, lookup
}

func issue(t *testing.T, tokens *security.TokenProvider, sessionID string, perms ...string) string {
	t.Helper()
	tok, _, err := tokens.Issue(sessionID, perms)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func TestAuthenticate_LiveSession(t *testing.T) {
	gate, tokens, _ := setup(t)
	// Token claims are not trusted for permissions; the projection's grant wins.
	p, err := gate.Authenticate(context.Background(), issue(t, tokens, "live", "session:read", "sessions:admin"))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.SessionID != "live" || !p.Has("session:read") || p.Has("sessions:admin") {
		t.Errorf("principal = %+v", p)
	}

	if _, err := gate.Authenticate(context.Background(), issue(t, tokens, "open-ended")); err != nil {
		t.Errorf("session without expiry rejected: %v", err)
	}
}

func TestAuthenticate_Rejections(t *testing.T) {
	gate, tokens, lookup := setup(t)
	valid := issue(t, tokens, "live")
	tampered := valid[:len(valid)-4] + "AAAA"
	if tampered == valid {
		tampered = valid[:len(valid)-4] + "BBBB"
	}

	tests := []struct {
		name        string
		token       string
		wantLookups int32
	}{
		{"empty token", "", 0},
		{"garbage", "not-a-jwt", 0},
		{"tampered signature", tampered, 0},
		{"unknown session", issue(t, tokens, "nope"), 1},
		{"expired session", issue(t, tokens, "expired"), 1},
		{"terminated session", issue(t, tokens, "ended"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup.calls.Store(0)
			_, err := gate.Authenticate(context.Background(), tt.token)
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("err = %v, want ErrUnauthorized", err)
			}
			if got := lookup.calls.Load(); got != tt.wantLookups {
				t.Errorf("projection lookups = %d, want %d", got, tt.wantLookups)
			}
		})
	}
}

func TestAuthenticate_ExpiryUsesGateClock(t *testing.T) {
	gate, tokens, _ := setup(t)
	gate.WithClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	_, err := gate.Authenticate(context.Background(), issue(t, tokens, "live"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized once the session expired", err)
	}
}

func TestAuthenticate_StoreFailureRejects(t *testing.T) {
	gate, tokens, lookup := setup(t)
	lookup.err = fmt.Errorf("%w: timeout", domain.ErrStoreUnavailable)
	_, err := gate.Authenticate(context.Background(), issue(t, tokens, "live"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthorize(t *testing.T) {
	gate, _, _ := setup(t)
	ctx := context.Background()
	p := Principal{SessionID: "s1", Permissions: []string{"session:read", "compute:*"}}
	admin := Principal{SessionID: "root", Permissions: []string{"session:read", "sessions:admin"}}

	tests := []struct {
		name   string
		p      Principal
		perm   string
		target string
		want   error
	}{
		{"held", p, "session:read", "", nil},
		{"wildcard", p, "compute:manage", "s1", nil},
		{"missing", p, "session:terminate", "", ErrForbidden},
		{"own session", p, "session:read", "s1", nil},
		{"other session", p, "session:read", "s2", ErrForbidden},
		{"admin on other session", admin, "session:read", "s2", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := gate.AuthorizeTarget(ctx, tt.p, tt.perm, tt.target)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if err := gate.Authorize(ctx, p, "session:read"); err != nil {
		t.Errorf("Authorize: %v", err)
	}
}

func TestAuthorize_EvaluatorErrorDenies(t *testing.T) {
	tokens, _ := security.NewTestTokenProvider()
	gate := New(tokens, &fakeLookup{}, errEvaluator{}, nil)
	err := gate.Authorize(context.Background(), Principal{SessionID: "s", Permissions: []string{"*"}}, "session:read")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestPrincipalContext(t *testing.T) {
	if _, ok := PrincipalFrom(context.Background()); ok {
		t.Fatal("empty context has a principal")
	}
	ctx := WithPrincipal(context.Background(), Principal{SessionID: "s1"})
	p, ok := PrincipalFrom(ctx)
	if !ok || p.SessionID != "s1" {
		t.Fatalf("PrincipalFrom = %+v, %v", p, ok)
	}
}
