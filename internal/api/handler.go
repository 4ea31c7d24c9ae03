package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/auth"
	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/felipepmaragno/adventure-engine/internal/generation"
	"github.com/felipepmaragno/adventure-engine/internal/metrics"
	"github.com/felipepmaragno/adventure-engine/internal/progress"
	"github.com/felipepmaragno/adventure-engine/internal/ratelimit"
	"github.com/felipepmaragno/adventure-engine/internal/registry"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	version          = "0.3.0"
	defaultPipeline  = "adventure"
	maxRequestBytes  = 64 << 10
	defaultHeartbeat = 15 * time.Second
)

type Generations interface {
	Generate(ctx context.Context, req generation.GenerateRequest) (*domain.GenerationRun, error)
	Get(ctx context.Context, userID, runID string) (*domain.GenerationRun, error)
	List(ctx context.Context, userID string, limit int) ([]*domain.GenerationRun, error)
	Cancel(ctx context.Context, userID, runID string) error
	Active() int
}

type CreditBalances interface {
	Balance(ctx context.Context, userID string) (*domain.CreditBalance, error)
}

type PipelineLister interface {
	List() []domain.PipelineSpec
}

type BreakerStates interface {
	States() map[string]string
}

type SnapshotSource interface {
	Snapshot() *registry.Snapshot
}

type HandlerConfig struct {
	Generations Generations
	Credits     CreditBalances
	Pipelines   PipelineLister
	Progress    *progress.Hub
	Auth        *auth.Middleware
	RateLimiter ratelimit.RateLimiter
	Breakers    BreakerStates
	Snapshots   SnapshotSource
	Checkers    []HealthChecker
	Heartbeat   time.Duration
}

type Handler struct {
	generations Generations
	credits     CreditBalances
	pipelines   PipelineLister
	progress    *progress.Hub
	auth        *auth.Middleware
	rateLimiter ratelimit.RateLimiter
	breakers    BreakerStates
	snapshots   SnapshotSource
	heartbeat   time.Duration
	mux         *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	h := &Handler{
		generations: cfg.Generations,
		credits:     cfg.Credits,
		pipelines:   cfg.Pipelines,
		progress:    cfg.Progress,
		auth:        cfg.Auth,
		rateLimiter: cfg.RateLimiter,
		breakers:    cfg.Breakers,
		snapshots:   cfg.Snapshots,
		heartbeat:   heartbeat,
		mux:         http.NewServeMux(),
	}

	h.mux.Handle("POST /v1/generations", h.user(auth.PermissionGenerate, h.handleCreateGeneration))
	h.mux.Handle("GET /v1/generations", h.user(auth.PermissionReadRuns, h.handleListGenerations))
	h.mux.Handle("GET /v1/generations/{id}", h.user(auth.PermissionReadRuns, h.handleGetGeneration))
	h.mux.Handle("DELETE /v1/generations/{id}", h.user(auth.PermissionGenerate, h.handleCancelGeneration))
	h.mux.Handle("GET /v1/progress", h.auth.Require(auth.PermissionReadRuns, h.handleProgress))
	h.mux.Handle("GET /v1/credits", h.user(auth.PermissionReadCredits, h.handleCredits))
	h.mux.Handle("GET /v1/pipelines", h.user(auth.PermissionReadRuns, h.handleListPipelines))
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, 5*time.Second))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// user authenticates, checks permission and applies the caller's rate limit.
func (h *Handler) user(permission auth.Permission, next http.HandlerFunc) http.Handler {
	return h.auth.Require(permission, func(w http.ResponseWriter, r *http.Request) {
		p, _ := auth.PrincipalFromContext(r.Context())
		if p.User == nil {
			writeError(w, http.StatusForbidden, "forbidden", "user API key required", "")
			return
		}

		if h.rateLimiter != nil {
			allowed, remaining, resetAt, err := h.rateLimiter.Allow(r.Context(), p.User.ID, p.User.RateLimitRPM)
			if err != nil {
				slog.Error("rate limiter error", "error", err, "user_id", p.User.ID)
				writeError(w, http.StatusInternalServerError, string(domain.KindInternal), "internal error", "")
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(p.User.RateLimitRPM))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))

			if !allowed {
				metrics.RecordRateLimitHit(p.User.ID)
				slog.Warn("rate limit exceeded", "user_id", p.User.ID)
				writeError(w, http.StatusTooManyRequests, "rate_limit_error", "rate limit exceeded", "")
				return
			}
		}

		next(w, r)
	})
}

type CreateGenerationRequest struct {
	Pipeline string `json:"pipeline"`
	Prompt   string `json:"prompt"`
	Async    bool   `json:"async,omitempty"`
}

type CreateGenerationResponse struct {
	RunID         string           `json:"run_id"`
	Status        domain.RunStatus `json:"status"`
	Pipeline      string           `json:"pipeline"`
	ReservationID string           `json:"reservation_id"`
}

func (h *Handler) handleCreateGeneration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := principalUser(r)

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	var req CreateGenerationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", "")
		return
	}
	if req.Pipeline == "" {
		req.Pipeline = defaultPipeline
	}

	run, err := h.generations.Generate(ctx, generation.GenerateRequest{
		UserID:   user.ID,
		Pipeline: req.Pipeline,
		Prompt:   req.Prompt,
		Async:    req.Async,

		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		status, kind := classify(err)
		slog.Warn("generation rejected",
			"request_id", requestID,
			"user_id", user.ID,
			"pipeline", req.Pipeline,
			"error_kind", kind,
			"error", err,
		)
		writeError(w, status, kind, errorMessage(status, err), "")
		return
	}

	slog.Info("generation accepted",
		"request_id", requestID,
		"user_id", user.ID,
		"run_id", run.ID,
		"pipeline", run.PipelineID,
		"async", req.Async,
	)

	w.Header().Set("Location", "/v1/generations/"+run.ID)
	writeJSON(w, http.StatusAccepted, CreateGenerationResponse{
		RunID:         run.ID,
		Status:        run.Status,
		Pipeline:      run.PipelineID,
		ReservationID: run.ReservationID,
	})
}

func (h *Handler) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	user := principalUser(r)

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit", "")
			return
		}
		limit = min(n, 100)
	}

	runs, err := h.generations.List(r.Context(), user.ID, limit)
	if err != nil {
		slog.Error("failed to list runs", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, string(domain.KindInternal), "failed to list generations", "")
		return
	}
	if runs == nil {
		runs = []*domain.GenerationRun{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"generations": runs,
		"count":       len(runs),
	})
}

func (h *Handler) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	user := principalUser(r)
	id := r.PathValue("id")

	run, err := h.generations.Get(r.Context(), user.ID, id)
	if err != nil {
		status, kind := classify(err)
		writeError(w, status, kind, errorMessage(status, err), id)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleCancelGeneration(w http.ResponseWriter, r *http.Request) {
	user := principalUser(r)
	id := r.PathValue("id")

	if err := h.generations.Cancel(r.Context(), user.ID, id); err != nil {
		status, kind := classify(err)
		writeError(w, status, kind, errorMessage(status, err), id)
		return
	}

	slog.Info("generation cancel requested", "user_id", user.ID, "run_id", id)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": id,
		"status": "cancelling",
	})
}

// handleProgress streams the caller's progress events as server-sent events.
// A newer connection from the same user ends this one.
func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, _ := auth.PrincipalFromContext(ctx)
	if p.User == nil {
		writeError(w, http.StatusForbidden, "forbidden", "user API key required", "")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, string(domain.KindInternal), "streaming not supported", "")
		return
	}

	sub := h.progress.Subscribe(p.User.ID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	slog.Debug("progress stream opened", "user_id", p.User.ID)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				fmt.Fprint(w, "event: superseded\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()

		case <-ctx.Done():
			slog.Debug("progress stream closed", "user_id", p.User.ID)
			return
		}
	}
}

type CreditsResponse struct {
	Tier      string `json:"tier"`
	Period    string `json:"period"`
	Allowance int64  `json:"allowance"`
	Committed int64  `json:"committed"`
	Reserved  int64  `json:"reserved"`
	Available int64  `json:"available"`
}

func (h *Handler) handleCredits(w http.ResponseWriter, r *http.Request) {
	user := principalUser(r)

	bal, err := h.credits.Balance(r.Context(), user.ID)
	if err != nil {
		slog.Error("failed to read balance", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, string(domain.KindInternal), "failed to read credits", "")
		return
	}

	writeJSON(w, http.StatusOK, CreditsResponse{
		Tier:      user.Tier,
		Period:    bal.Period,
		Allowance: bal.Allowance,
		Committed: bal.Committed,
		Reserved:  bal.Reserved,
		Available: bal.Available,
	})
}

type pipelineSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	CreditCost  int64    `json:"credit_cost"`
	Steps       []string `json:"steps"`
}

func (h *Handler) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	specs := h.pipelines.List()
	out := make([]pipelineSummary, 0, len(specs))
	for _, p := range specs {
		steps := make([]string, len(p.Steps))
		for i, s := range p.Steps {
			steps[i] = s.Name
		}
		out = append(out, pipelineSummary{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			CreditCost:  p.CreditCost,
			Steps:       steps,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   out,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	breakers := map[string]string{}
	if h.breakers != nil {
		breakers = h.breakers.States()
	}

	status := "healthy"
	for _, state := range breakers {
		if state == "open" {
			status = "degraded"
			break
		}
	}

	resp := map[string]interface{}{
		"status":           status,
		"version":          version,
		"circuit_breakers": breakers,
		"active_runs":      h.generations.Active(),
	}
	if h.snapshots != nil {
		snap := h.snapshots.Snapshot()
		resp["registry"] = map[string]interface{}{
			"version":   snap.Version(),
			"providers": len(snap.Providers()),
			"models":    len(snap.Models()),
		}
		if len(snap.Providers()) == 0 {
			resp["status"] = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func principalUser(r *http.Request) *domain.User {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p.User
}

// classify maps service errors onto an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInsufficientCredits):
		return http.StatusPaymentRequired, string(domain.KindInsufficientCredits)
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, domain.ErrPipelineNotFound), errors.Is(err, domain.ErrRunNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, string(domain.KindOf(err))
	}
}

func errorMessage(status int, err error) string {
	if status >= http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message, correlationID string) {
	body := map[string]interface{}{
		"message": message,
		"type":    errType,
		"code":    status,
	}
	if correlationID != "" {
		body["correlation_id"] = correlationID
	}
	writeJSON(w, status, map[string]interface{}{"error": body})
}
