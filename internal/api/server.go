package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mojtabashariatzade/adder-repo/internal/config"
	"github.com/mojtabashariatzade/adder-repo/internal/controller"
	"github.com/mojtabashariatzade/adder-repo/internal/models"
	"github.com/mojtabashariatzade/adder-repo/internal/queue"
	"github.com/mojtabashariatzade/adder-repo/internal/ratelimit"
	"github.com/mojtabashariatzade/adder-repo/internal/store"
	"github.com/mojtabashariatzade/adder-repo/internal/telemetry"
)

// Server wires HTTP handlers for the intake API. Runs are persisted and
// queued here; the orchestrator process executes them.
type Server struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.RunQueue
	limiter *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.RunQueue, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/runs", s.handleCreateRun)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Post("/runs/{id}/cancel", s.handleCancelRun)

	r.Post("/accounts", s.handleCreateAccount)
	r.Get("/accounts", s.handleListAccounts)
	r.Post("/accounts/{id}/unblock", s.handleUnblock)
	r.Get("/accounts/{id}/audit", s.handleAudit)

	r.Get("/dlq", s.handleDLQ)
	return r
}

type createRunRequest struct {
	Group        string     `json:"group"`
	Members      []string   `json:"members"`
	StartAt      *time.Time `json:"start_at"`
	DelaySeconds int        `json:"delay_seconds"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Group == "" {
		http.Error(w, "group is required", http.StatusBadRequest)
		return
	}
	if len(req.Members) == 0 {
		http.Error(w, "members is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+clientFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	startAt := time.Now()
	if req.StartAt != nil {
		startAt = *req.StartAt
	}
	if req.DelaySeconds > 0 {
		startAt = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	run := controller.NewRun(req.Group, req.Members)
	if err := s.store.SaveRun(r.Context(), run); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.queue.Enqueue(r.Context(), run.ID, startAt); err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.BacklogDepth.Inc()

	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context(), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// drop it from the intake pipeline if still queued, and flag it for the
	// orchestrator in case it is already executing
	if err := s.queue.Remove(r.Context(), id); err != nil {
		http.Error(w, "failed to remove queued run", http.StatusInternalServerError)
		return
	}
	if err := s.queue.RequestCancel(r.Context(), id); err != nil {
		http.Error(w, "failed to flag cancellation", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

type createAccountRequest struct {
	Phone  string `json:"phone"`
	Status string `json:"status"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Phone == "" {
		http.Error(w, "phone is required", http.StatusBadRequest)
		return
	}
	status := req.Status
	if status == "" {
		status = models.AccountActive
	}
	switch status {
	case models.AccountActive, models.AccountUnverified:
	default:
		http.Error(w, fmt.Sprintf("cannot create account with status %q", status), http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	acct := models.Account{
		ID:        uuid.NewString(),
		Phone:     req.Phone,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveAccount(r.Context(), acct); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = s.store.AppendAudit(r.Context(), acct.ID, "registered", "phone "+acct.Phone)
	writeJSON(w, http.StatusCreated, acct)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

// handleUnblock queues an operator unblock request. The orchestrator owns
// the live registry and applies it before the next run.
func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.RequestUnblock(r.Context(), id); err != nil {
		http.Error(w, "failed to queue unblock", http.StatusInternalServerError)
		return
	}
	_ = s.store.AppendAudit(r.Context(), id, "unblock_requested", "requested via API")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "unblock_requested"})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := s.store.RecentAudit(r.Context(), id, 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleDLQ returns dead-lettered task IDs.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
