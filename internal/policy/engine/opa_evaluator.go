package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const (
	policyQuery = "data.sessions.authz.allow"

	// PermissionAdmin lets a session act on sessions other than its own.
	PermissionAdmin = "sessions:admin"
)

// Default policy: the required permission must be held exactly or through a wildcard ("*" or
// "prefix:*"), and per-session operations must target the caller's own session unless the
// caller holds sessions:admin.
const defaultRegoPolicy = `package sessions.authz

default allow := false

granted if {
	some p in input.permissions
	p == input.required
}

granted if {
	"*" in input.permissions
}

granted if {
	some p in input.permissions
	endswith(p, ":*")
	startswith(input.required, trim_suffix(p, "*"))
}

scoped if {
	input.target_session_id == ""
}

scoped if {
	input.target_session_id == input.session_id
}

scoped if {
	"sessions:admin" in input.permissions
}

scoped if {
	"*" in input.permissions
}

allow if {
	granted
	scoped
}
`

// OPAEvaluator evaluates permission requests with a prepared Rego query.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles the built-in permission policy.
func NewOPAEvaluator(ctx context.Context) (*OPAEvaluator, error) {
	return NewOPAEvaluatorFromSource(ctx, defaultRegoPolicy)
}

// NewOPAEvaluatorFromFile compiles the policy at path. An empty path uses the built-in policy.
// The policy must define data.sessions.authz.allow.
func NewOPAEvaluatorFromFile(ctx context.Context, path string) (*OPAEvaluator, error) {
	if path == "" {
		return NewOPAEvaluator(ctx)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return NewOPAEvaluatorFromSource(ctx, string(src))
}

// NewOPAEvaluatorFromSource compiles the given Rego module.
func NewOPAEvaluatorFromSource(ctx context.Context, src string) (*OPAEvaluator, error) {
	compiler, err := ast.CompileModules(map[string]string{"authz.rego": src})
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	q, err := rego.New(
		rego.Query(policyQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy: %w", err)
	}
	return &OPAEvaluator{query: q}, nil
}

// Allow implements Evaluator. An undefined or non-boolean result denies.
func (e *OPAEvaluator) Allow(ctx context.Context, req Request) (bool, error) {
	perms := req.Permissions
	if perms == nil {
		perms = []string{}
	}
	input := map[string]interface{}{
		"session_id":        req.SessionID,
		"permissions":       perms,
		"required":          req.Required,
		"target_session_id": req.TargetSessionID,
	}
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("eval policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	return ok && allowed, nil
}

// HealthCheck evaluates a known grant and a known denial against the loaded policy.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	ok, err := e.Allow(ctx, Request{SessionID: "health", Permissions: []string{"session:read"}, Required: "session:read", TargetSessionID: "health"})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("policy denied a held permission")
	}
	ok, err = e.Allow(ctx, Request{SessionID: "health", Required: "session:read"})
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("policy allowed a missing permission")
	}
	return nil
}
