package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOPAEvaluator_HealthCheck(t *testing.T) {
	ctx := context.Background()
	e, err := NewOPAEvaluator(ctx)
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	if err := e.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestOPAEvaluator_Allow(t *testing.T) {
	ctx := context.Background()
	e, err := NewOPAEvaluator(ctx)
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	tests := []struct {
		name string
		req  Request
		want bool
	}{
		{"exact permission own session", Request{SessionID: "s1", Permissions: []string{"session:read"}, Required: "session:read", TargetSessionID: "s1"}, true},
		{"missing permission", Request{SessionID: "s1", Permissions: []string{"session:read"}, Required: "session:terminate", TargetSessionID: "s1"}, false},
		{"no permissions", Request{SessionID: "s1", Required: "session:read"}, false},
		{"prefix wildcard", Request{SessionID: "s1", Permissions: []string{"session:*"}, Required: "session:renew", TargetSessionID: "s1"}, true},
		{"prefix wildcard does not cross namespaces", Request{SessionID: "s1", Permissions: []string{"session:*"}, Required: "sessions:list"}, false},
		{"global wildcard", Request{SessionID: "s1", Permissions: []string{"*"}, Required: "compute:manage", TargetSessionID: "s2"}, true},
		{"other session denied", Request{SessionID: "s1", Permissions: []string{"session:read"}, Required: "session:read", TargetSessionID: "s2"}, false},
		{"other session with admin", Request{SessionID: "s1", Permissions: []string{"session:read", PermissionAdmin}, Required: "session:read", TargetSessionID: "s2"}, true},
		{"admin alone grants nothing", Request{SessionID: "s1", Permissions: []string{PermissionAdmin}, Required: "session:read", TargetSessionID: "s2"}, false},
		{"collection route", Request{SessionID: "s1", Permissions: []string{"sessions:list"}, Required: "sessions:list"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Allow(ctx, tt.req)
			if err != nil {
				t.Fatalf("Allow: %v", err)
			}
			if got != tt.want {
				t.Errorf("Allow = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewOPAEvaluatorFromSource_Invalid(t *testing.T) {
	if _, err := NewOPAEvaluatorFromSource(context.Background(), "package broken\nallow if {"); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestNewOPAEvaluatorFromFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "authz.rego")
	policy := "package sessions.authz\n\ndefault allow := false\n\nallow if {\n\tinput.required == \"session:read\"\n}\n"
	if err := os.WriteFile(path, []byte(policy), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	e, err := NewOPAEvaluatorFromFile(ctx, path)
	if err != nil {
		t.Fatalf("NewOPAEvaluatorFromFile: %v", err)
	}
	ok, err := e.Allow(ctx, Request{Required: "session:read"})
	if err != nil || !ok {
		t.Errorf("custom policy read: ok=%v err=%v", ok, err)
	}
	ok, err = e.Allow(ctx, Request{Permissions: []string{"*"}, Required: "session:renew"})
	if err != nil || ok {
		t.Errorf("custom policy renew: ok=%v err=%v", ok, err)
	}

	if _, err := NewOPAEvaluatorFromFile(ctx, filepath.Join(t.TempDir(), "missing.rego")); err == nil {
		t.Error("missing file: want error")
	}
	if _, err := NewOPAEvaluatorFromFile(ctx, ""); err != nil {
		t.Errorf("empty path should use built-in policy: %v", err)
	}
}

func TestOPAEvaluator_UndefinedDenies(t *testing.T) {
	ctx := context.Background()
	e, err := NewOPAEvaluatorFromSource(ctx, "package sessions.authz\n\nallow if {\n\tinput.required == \"never\"\n}\n")
	if err != nil {
		t.Fatalf("NewOPAEvaluatorFromSource: %v", err)
	}
	ok, err := e.Allow(ctx, Request{Required: "session:read"})
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Error("undefined allow should deny")
	}
}
