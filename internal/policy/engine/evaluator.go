package engine

import "context"

// Request is the input to a permission decision.
type Request struct {
	// SessionID is the authenticated session.
	SessionID string
	// Permissions are the capabilities carried by the session's token.
	Permissions []string
	// Required is the capability the operation needs.
	Required string
	// TargetSessionID is the session the operation acts on; empty for collection routes.
	TargetSessionID string
}

// Evaluator decides whether a request is permitted. Errors mean no decision was reached and
// callers must deny.
type Evaluator interface {
	Allow(ctx context.Context, req Request) (bool, error)
}
