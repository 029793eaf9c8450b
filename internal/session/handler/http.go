// Package handler exposes the session service over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"session-control-plane/backend/internal/server/httpjson"
	"session-control-plane/backend/internal/server/middleware"
	"session-control-plane/backend/internal/session/domain"
	"session-control-plane/backend/internal/session/service"
)

const maxBodyBytes = 1 << 20

// Permissions checked by the routes.
const (
	PermRead      = "session:read"
	PermRenew     = "session:renew"
	PermTerminate = "session:terminate"
	PermList      = "sessions:list"
	PermCompute   = "compute:manage"
)

// Sessions is the subset of service.Service the handlers call.
type Sessions interface {
	StartSession(ctx context.Context, p service.StartParams) (*service.Grant, error)
	RenewSession(ctx context.Context, id string, ttl time.Duration) (*service.Grant, error)
	TerminateSession(ctx context.Context, id, reason string) (*domain.SessionSummary, error)
	AttachCompute(ctx context.Context, id, resourceID string) (*domain.SessionSummary, error)
	ReleaseCompute(ctx context.Context, id, resourceID string) (*domain.SessionSummary, error)
	GetSession(ctx context.Context, id string) (*domain.SessionSummary, error)
	ListSessions(ctx context.Context, status *domain.Status, limit, offset int) ([]*domain.SessionSummary, error)
}

// Handler serves the /sessions routes.
type Handler struct {
	sessions Sessions
}

// New returns a Handler.
func New(sessions Sessions) *Handler {
	return &Handler{sessions: sessions}
}

// Register adds the session routes to mux. Creation is public; everything else goes through auth.
func (h *Handler) Register(mux *http.ServeMux, auth *middleware.Auth) {
	mux.HandleFunc("POST /sessions", h.start)
	mux.Handle("GET /sessions", auth.Protect(PermList, "", http.HandlerFunc(h.list)))
	mux.Handle("GET /sessions/{id}", auth.Protect(PermRead, "id", http.HandlerFunc(h.get)))
	mux.Handle("POST /sessions/{id}/renew", auth.Protect(PermRenew, "id", http.HandlerFunc(h.renew)))
	mux.Handle("POST /sessions/{id}/terminate", auth.Protect(PermTerminate, "id", http.HandlerFunc(h.terminate)))
	mux.Handle("POST /sessions/{id}/compute", auth.Protect(PermCompute, "id", http.HandlerFunc(h.attachCompute)))
	mux.Handle("DELETE /sessions/{id}/compute/{resourceId}", auth.Protect(PermCompute, "id", http.HandlerFunc(h.releaseCompute)))
}

type startRequest struct {
	Config      map[string]any `json:"config"`
	ExpiresIn   *int64         `json:"expiresIn"`
	Permissions []string       `json:"permissions"`
}

type renewRequest struct {
	ExpiresIn *int64 `json:"expiresIn"`
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

type computeRequest struct {
	ResourceID string `json:"resourceId"`
}

type grantResponse struct {
	ID             string        `json:"id"`
	Status         domain.Status `json:"status"`
	ExpiresAt      *time.Time    `json:"expiresAt,omitempty"`
	Token          string        `json:"token"`
	TokenExpiresAt time.Time     `json:"tokenExpiresAt"`
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decode(w, r, &req) {
		return
	}
	ttl, ok := ttlFrom(w, req.ExpiresIn)
	if !ok {
		return
	}
	g, err := h.sessions.StartSession(r.Context(), service.StartParams{
		Config:      req.Config,
		TTL:         ttl,
		Permissions: req.Permissions,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusCreated, toGrantResponse(g))
}

func (h *Handler) renew(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if !decode(w, r, &req) {
		return
	}
	ttl, ok := ttlFrom(w, req.ExpiresIn)
	if !ok {
		return
	}
	g, err := h.sessions.RenewSession(r.Context(), r.PathValue("id"), ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, toGrantResponse(g))
}

func (h *Handler) terminate(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if !decode(w, r, &req) {
		return
	}
	sum, err := h.sessions.TerminateSession(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, sum)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	sum, err := h.sessions.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, sum)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var status *domain.Status
	if raw := q.Get("status"); raw != "" {
		st, ok := domain.ParseStatus(raw)
		if !ok {
			httpjson.Error(w, http.StatusBadRequest, "invalid status")
			return
		}
		status = &st
	}
	limit, ok := intParam(w, q.Get("limit"), "limit")
	if !ok {
		return
	}
	offset, ok := intParam(w, q.Get("offset"), "offset")
	if !ok {
		return
	}
	list, err := h.sessions.ListSessions(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*domain.SessionSummary{}
	}
	httpjson.Write(w, http.StatusOK, list)
}

func (h *Handler) attachCompute(w http.ResponseWriter, r *http.Request) {
	var req computeRequest
	if !decode(w, r, &req) {
		return
	}
	sum, err := h.sessions.AttachCompute(r.Context(), r.PathValue("id"), req.ResourceID)
	if err != nil {
		writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, sum)
}

func (h *Handler) releaseCompute(w http.ResponseWriter, r *http.Request) {
	sum, err := h.sessions.ReleaseCompute(r.Context(), r.PathValue("id"), r.PathValue("resourceId"))
	if err != nil {
		writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, sum)
}

func toGrantResponse(g *service.Grant) grantResponse {
	return grantResponse{
		ID:             g.Summary.ID,
		Status:         g.Summary.Status,
		ExpiresAt:      g.Summary.ExpiresAt,
		Token:          g.Token,
		TokenExpiresAt: g.TokenExpiresAt,
	}
}

// decode reads an optional JSON body into v. An empty body leaves v zero.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	httpjson.Error(w, http.StatusBadRequest, "invalid request body")
	return false
}

// ttlFrom converts an optional expiresIn in seconds. Absent means the service default.
func ttlFrom(w http.ResponseWriter, seconds *int64) (time.Duration, bool) {
	if seconds == nil {
		return 0, true
	}
	if *seconds <= 0 || *seconds > int64(1<<62/time.Second) {
		httpjson.Error(w, http.StatusBadRequest, domain.ErrInvalidTTL.Error())
		return 0, false
	}
	return time.Duration(*seconds) * time.Second, true
}

func intParam(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		httpjson.Error(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return n, true
}

// writeError maps service errors to a status and a fixed message. Details stay in the log.
func writeError(w http.ResponseWriter, err error) {
	status, msg := StatusFor(err)
	if status >= http.StatusInternalServerError {
		log.Printf("session handler: %v", err)
	}
	httpjson.Error(w, status, msg)
}

// StatusFor returns the HTTP status and client-facing message for err.
func StatusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.msg
		}
	}
	return http.StatusInternalServerError, "internal error"
}

var errorMappings = []struct {
	err    error
	status int
	msg    string
}{
	{domain.ErrSessionNotFound, http.StatusNotFound, "session not found"},
	{domain.ErrSessionAlreadyTerminated, http.StatusConflict, "session already terminated"},
	{domain.ErrComputeAlreadyAttached, http.StatusConflict, "compute resource already attached"},
	{domain.ErrConcurrencyConflict, http.StatusConflict, "session was modified concurrently, retry"},
	{domain.ErrInvalidTTL, http.StatusBadRequest, "invalid session ttl"},
	{domain.ErrPermissionNotGrantable, http.StatusBadRequest, "permission not grantable"},
	{domain.ErrInvalidArgument, http.StatusBadRequest, "invalid argument"},
	{domain.ErrInvalidStream, http.StatusInternalServerError, "internal error"},
	{domain.ErrStoreUnavailable, http.StatusServiceUnavailable, "service unavailable"},
}
