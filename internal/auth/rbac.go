// Package auth resolves bearer API keys to principals and guards routes by
// permission.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/felipepmaragno/adventure-engine/internal/crypto"
	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/felipepmaragno/adventure-engine/internal/repository"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

type Permission string

const (
	PermissionGenerate      Permission = "generation:write"
	PermissionReadRuns      Permission = "generation:read"
	PermissionReadCredits   Permission = "credits:read"
	PermissionReadUsage     Permission = "usage:read"
	PermissionManageCatalog Permission = "providers:manage"
	PermissionManageUsers   Permission = "users:manage"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionReadUsage,
		PermissionManageCatalog,
		PermissionManageUsers,
	},
	RoleUser: {
		PermissionGenerate,
		PermissionReadRuns,
		PermissionReadCredits,
	},
}

func HasPermission(role Role, permission Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}

// Principal is the caller of a request. User is nil for the operator key.
type Principal struct {
	Role Role
	User *domain.User
}

func (p *Principal) ID() string {
	if p.User == nil {
		return string(p.Role)
	}
	return p.User.ID
}

type Authenticator struct {
	users        repository.UserRepository
	adminKeyHash string
}

// NewAuthenticator accepts the operator key in plain text; an empty key
// disables admin access.
func NewAuthenticator(users repository.UserRepository, adminKey string) *Authenticator {
	a := &Authenticator{users: users}
	if adminKey != "" {
		a.adminKeyHash = crypto.HashAPIKey(adminKey)
	}
	return a
}

func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}

	hash := crypto.HashAPIKey(token)
	if a.adminKeyHash != "" && subtle.ConstantTimeCompare([]byte(hash), []byte(a.adminKeyHash)) == 1 {
		return &Principal{Role: RoleAdmin}, nil
	}

	user, err := a.users.GetByAPIKey(ctx, token)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return &Principal{Role: RoleUser, User: user}, nil
}

type contextKey string

const principalContextKey contextKey = "principal"

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok
}

type Middleware struct {
	auth *Authenticator
}

func NewMiddleware(auth *Authenticator) *Middleware {
	return &Middleware{auth: auth}
}

func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractBearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		p, err := m.auth.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// Require authenticates the request and checks permission in one step.
func (m *Middleware) Require(permission Permission, next http.HandlerFunc) http.Handler {
	return m.RequireAuth(m.RequirePermission(permission)(next))
}

func (m *Middleware) RequirePermission(permission Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			if !HasPermission(p.Role, permission) {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func ExtractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "authentication_error",
			"code":    status,
		},
	})
}
