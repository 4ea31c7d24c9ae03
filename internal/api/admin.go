package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/auth"
	"github.com/felipepmaragno/adventure-engine/internal/cost"
	"github.com/felipepmaragno/adventure-engine/internal/crypto"
	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/felipepmaragno/adventure-engine/internal/registry"
	"github.com/felipepmaragno/adventure-engine/internal/repository"
	"github.com/google/uuid"
)

type CatalogRegistry interface {
	Snapshot() *registry.Snapshot
	Refresh(ctx context.Context) (*registry.Snapshot, error)
}

type AdminConfig struct {
	Auth     *auth.Middleware
	Usage    cost.Tracker
	Registry CatalogRegistry
	Breakers BreakerStates
	Users    repository.UserRepository
	// DefaultTier is assigned to users created without one.
	DefaultTier string
}

type AdminHandler struct {
	usage       cost.Tracker
	registry    CatalogRegistry
	breakers    BreakerStates
	users       repository.UserRepository
	defaultTier string
	mux         *http.ServeMux
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	h := &AdminHandler{
		usage:       cfg.Usage,
		registry:    cfg.Registry,
		breakers:    cfg.Breakers,
		users:       cfg.Users,
		defaultTier: cfg.DefaultTier,
		mux:         http.NewServeMux(),
	}
	if h.defaultTier == "" {
		h.defaultTier = "free"
	}

	h.mux.Handle("GET /admin/usage", cfg.Auth.Require(auth.PermissionReadUsage, h.usageReport))
	h.mux.Handle("GET /admin/providers", cfg.Auth.Require(auth.PermissionManageCatalog, h.listProviders))
	h.mux.Handle("POST /admin/providers/reload", cfg.Auth.Require(auth.PermissionManageCatalog, h.reloadProviders))
	h.mux.Handle("POST /admin/users", cfg.Auth.Require(auth.PermissionManageUsers, h.createUser))
	h.mux.Handle("GET /admin/users/{id}", cfg.Auth.Require(auth.PermissionManageUsers, h.getUser))
	h.mux.Handle("POST /admin/users/{id}/rotate-key", cfg.Auth.Require(auth.PermissionManageUsers, h.rotateAPIKey))

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type providerUsage struct {
	Provider     string  `json:"provider"`
	Attempts     int     `json:"attempts"`
	Failures     int     `json:"failures"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Images       int     `json:"images"`
	CostUSD      float64 `json:"cost_usd"`
}

// usageReport lists usage log entries for one user, or every user when
// user_id is empty, since the given RFC 3339 time (default: 30 days).
func (h *AdminHandler) usageReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := r.URL.Query().Get("user_id")

	since := time.Now().AddDate(0, 0, -30)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "since must be RFC 3339", "")
			return
		}
		since = t
	}

	entries, err := h.usage.GetUserUsage(ctx, userID, since)
	if err != nil {
		slog.Error("failed to read usage", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, string(domain.KindInternal), "failed to read usage", "")
		return
	}
	if entries == nil {
		entries = []domain.UsageLogEntry{}
	}

	byProvider := make(map[string]*providerUsage)
	var total float64
	for _, e := range entries {
		total += e.CostUSD
		pu, ok := byProvider[e.Provider]
		if !ok {
			pu = &providerUsage{Provider: e.Provider}
			byProvider[e.Provider] = pu
		}
		pu.Attempts++
		if !e.Success {
			pu.Failures++
		}
		pu.InputTokens += e.InputTokens
		pu.OutputTokens += e.OutputTokens
		pu.Images += e.Images
		pu.CostUSD += e.CostUSD
	}

	providers := make([]providerUsage, 0, len(byProvider))
	for _, pu := range byProvider {
		providers = append(providers, *pu)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i].Provider < providers[j].Provider })

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":        userID,
		"since":          since.UTC().Format(time.RFC3339),
		"entries":        entries,
		"count":          len(entries),
		"total_cost_usd": total,
		"providers":      providers,
	})
}

type providerView struct {
	domain.Provider
	CircuitBreaker string         `json:"circuit_breaker,omitempty"`
	Models         []domain.Model `json:"models"`
}

func (h *AdminHandler) listProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.catalogView(h.registry.Snapshot()))
}

func (h *AdminHandler) reloadProviders(w http.ResponseWriter, r *http.Request) {
	snap, err := h.registry.Refresh(r.Context())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_catalog", err.Error(), "")
		return
	}

	slog.Info("provider catalog reloaded", "version", snap.Version())
	writeJSON(w, http.StatusOK, h.catalogView(snap))
}

func (h *AdminHandler) catalogView(snap *registry.Snapshot) map[string]interface{} {
	states := map[string]string{}
	if h.breakers != nil {
		states = h.breakers.States()
	}

	models := make(map[string][]domain.Model)
	for _, m := range snap.Models() {
		models[m.ProviderID] = append(models[m.ProviderID], m)
	}

	providers := make([]providerView, 0)
	for _, p := range snap.Providers() {
		pm := models[p.ID]
		if pm == nil {
			pm = []domain.Model{}
		}
		providers = append(providers, providerView{
			Provider:       p,
			CircuitBreaker: states[p.ID],
			Models:         pm,
		})
	}

	return map[string]interface{}{
		"version":   snap.Version(),
		"loaded_at": snap.LoadedAt(),
		"providers": providers,
		"count":     len(providers),
	}
}

type CreateUserRequest struct {
	Name         string `json:"name"`
	Tier         string `json:"tier"`
	RateLimitRPM int    `json:"rate_limit_rpm"`
}

type userView struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Tier         string    `json:"tier"`
	RateLimitRPM int       `json:"rate_limit_rpm"`
	APIKey       string    `json:"api_key,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func viewUser(u *domain.User, apiKey string) userView {
	return userView{
		ID:           u.ID,
		Name:         u.Name,
		Tier:         u.Tier,
		RateLimitRPM: u.RateLimitRPM,
		APIKey:       apiKey,
		CreatedAt:    u.CreatedAt,
	}
}

func (h *AdminHandler) createUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", "")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name is required", "")
		return
	}

	apiKey, err := crypto.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(domain.KindInternal), "failed to generate API key", "")
		return
	}

	now := time.Now()
	user := &domain.User{
		ID:           uuid.New().String(),
		Name:         req.Name,
		APIKeyHash:   crypto.HashAPIKey(apiKey),
		Tier:         req.Tier,
		RateLimitRPM: req.RateLimitRPM,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if user.Tier == "" {
		user.Tier = h.defaultTier
	}
	if user.RateLimitRPM == 0 {
		user.RateLimitRPM = 60
	}

	if err := h.users.Create(ctx, user); err != nil {
		slog.Error("failed to create user", "error", err)
		writeError(w, http.StatusInternalServerError, string(domain.KindInternal), "failed to create user", "")
		return
	}

	slog.Info("user created", "user_id", user.ID, "tier", user.Tier)
	writeJSON(w, http.StatusCreated, viewUser(user, apiKey))
}

func (h *AdminHandler) getUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "user not found", "")
		return
	}
	writeJSON(w, http.StatusOK, viewUser(user, ""))
}

func (h *AdminHandler) rotateAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, err := h.users.GetByID(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "user not found", "")
		return
	}

	apiKey, err := crypto.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(domain.KindInternal), "failed to generate API key", "")
		return
	}
	user.APIKeyHash = crypto.HashAPIKey(apiKey)

	if err := h.users.Update(ctx, user); err != nil {
		slog.Error("failed to rotate API key", "error", err)
		writeError(w, http.StatusInternalServerError, string(domain.KindInternal), "failed to rotate API key", "")
		return
	}

	slog.Info("API key rotated", "user_id", user.ID)
	writeJSON(w, http.StatusOK, map[string]string{"api_key": apiKey})
}
