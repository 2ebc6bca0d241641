// Package identity resolves the calling user from a bearer token and carries
// the user ID and role through the request context.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/zapbridge/internal/domain"
	"github.com/ashureev/zapbridge/internal/store"
)

// ErrUnauthenticated is returned when a token is missing or rejected.
var ErrUnauthenticated = errors.New("unauthenticated")

type contextKey int

const (
	userIDKey contextKey = iota
	roleKey
)

// User is an authenticated caller as reported by the identity provider.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Provider validates access tokens.
type Provider interface {
	Authenticate(ctx context.Context, token string) (*User, error)
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// RoleFromContext extracts the caller's role from the request context.
func RoleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(roleKey).(string); ok {
		return v
	}
	return domain.RoleMember
}

// WithUser returns a context carrying userID and role.
func WithUser(ctx context.Context, userID, role string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, roleKey, role)
}

// HTTPProvider validates tokens against the auth service user endpoint.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPProvider creates a provider for the auth service at baseURL.
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Authenticate resolves token to a user.
func (p *HTTPProvider) Authenticate(ctx context.Context, token string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, fmt.Errorf("create auth request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if p.apiKey != "" {
		req.Header.Set("apikey", p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthenticated
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("auth provider returned status %d", resp.StatusCode)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("decode auth user: %w", err)
	}
	if user.ID == "" {
		return nil, ErrUnauthenticated
	}
	return &user, nil
}

// StaticProvider accepts any request as a fixed user. Used in development.
type StaticProvider struct {
	User User
}

// Authenticate always returns the static user.
func (p StaticProvider) Authenticate(context.Context, string) (*User, error) {
	u := p.User
	return &u, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	// Browsers cannot set headers on websocket upgrades.
	return r.URL.Query().Get("access_token")
}

// ensureProfile loads the caller's profile, creating it on first sight.
func ensureProfile(ctx context.Context, repo store.Repository, user *User, admin bool) (*domain.Profile, error) {
	profile, err := repo.GetProfile(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if profile != nil {
		return profile, nil
	}

	now := time.Now()
	profile = &domain.Profile{
		UserID:    user.ID,
		Email:     user.Email,
		IsAdmin:   admin,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.UpsertProfile(ctx, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// Middleware authenticates each request and injects the user ID and role.
// With devMode set the first-seen profile is created as admin.
func Middleware(provider Provider, repo store.Repository, devMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" && !devMode {
				http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
				return
			}

			user, err := provider.Authenticate(r.Context(), token)
			if errors.Is(err, ErrUnauthenticated) {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			if err != nil {
				slog.Error("Identity provider unavailable", "error", err)
				http.Error(w, `{"error":"identity provider unavailable"}`, http.StatusBadGateway)
				return
			}

			profile, err := ensureProfile(r.Context(), repo, user, devMode)
			if err != nil {
				slog.Error("Failed to load profile", "user_id", user.ID, "error", err)
				http.Error(w, `{"error":"failed to load profile"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user.ID, profile.Role())))
		})
	}
}
