// Package health reports liveness and readiness over HTTP and the standard gRPC health service.
package health

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"session-control-plane/backend/internal/server/httpjson"
)

const checkTimeout = 2 * time.Second

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker is satisfied by the OPA evaluator.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc reports nil when a dependency is usable.
type CheckFunc func(ctx context.Context) error

// Checker runs named readiness checks.
type Checker struct {
	names  []string
	checks map[string]CheckFunc
}

// NewChecker returns a Checker with no checks; it is always ready until checks are added.
func NewChecker() *Checker {
	return &Checker{checks: make(map[string]CheckFunc)}
}

// Add registers fn under name. A nil fn is ignored.
func (c *Checker) Add(name string, fn CheckFunc) *Checker {
	if fn == nil {
		return c
	}
	if _, ok := c.checks[name]; !ok {
		c.names = append(c.names, name)
	}
	c.checks[name] = fn
	return c
}

// AddPinger registers a database ping. A nil pinger is ignored.
func (c *Checker) AddPinger(name string, p Pinger) *Checker {
	if p == nil {
		return c
	}
	return c.Add(name, p.PingContext)
}

// AddPolicy registers a policy evaluation check. A nil checker is ignored.
func (c *Checker) AddPolicy(name string, p PolicyChecker) *Checker {
	if p == nil {
		return c
	}
	return c.Add(name, p.HealthCheck)
}

// Check runs every check and returns the failures by name, or nil when all pass.
func (c *Checker) Check(ctx context.Context) map[string]error {
	var failed map[string]error
	for _, name := range c.names {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.checks[name](cctx)
		cancel()
		if err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[name] = err
		}
	}
	return failed
}

// Err joins the failures of one Check run.
func (c *Checker) Err(ctx context.Context) error {
	var errs []error
	for name, err := range c.Check(ctx) {
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return errors.Join(errs...)
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Liveness answers 200 while the process is serving.
func Liveness(w http.ResponseWriter, _ *http.Request) {
	httpjson.Write(w, http.StatusOK, readiness{Status: "ok"})
}

// Readiness answers 200 when every check passes and 503 otherwise. Failure details are
// logged; the body only names the failing checks.
func (c *Checker) Readiness(w http.ResponseWriter, r *http.Request) {
	failed := c.Check(r.Context())
	if len(failed) == 0 {
		httpjson.Write(w, http.StatusOK, readiness{Status: "ready"})
		return
	}
	body := readiness{Status: "not ready", Checks: make(map[string]string, len(failed))}
	for name, err := range failed {
		log.Printf("health: %s not ready: %v", name, err)
		body.Checks[name] = "failing"
	}
	httpjson.Write(w, http.StatusServiceUnavailable, body)
}

// Watch runs the checks every interval and mirrors the result into the gRPC health server
// for the overall ("") service. It returns when ctx is done.
func (c *Checker) Watch(ctx context.Context, hs *grpchealth.Server, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st := healthpb.HealthCheckResponse_SERVING
		if len(c.Check(ctx)) > 0 {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", st)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
