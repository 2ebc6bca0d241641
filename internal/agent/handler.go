package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/zapbridge/internal/domain"
	"github.com/ashureev/zapbridge/internal/identity"
	"github.com/ashureev/zapbridge/internal/policy"
	"github.com/ashureev/zapbridge/internal/store"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// maxInstanceNameLen bounds the key prefixes looked up as instance names.
const maxInstanceNameLen = 64

// InstanceLookup finds instances by name.
type InstanceLookup interface {
	GetInstance(ctx context.Context, name string) (*domain.Instance, error)
}

// Handler serves the chat endpoints.
type Handler struct {
	svc         *Service
	instances   InstanceLookup
	authz       policy.Authorizer
	rateLimiter *RateLimiter
	timeout     time.Duration
}

// NewHandler creates a chat handler.
func NewHandler(svc *Service, instances InstanceLookup, authz policy.Authorizer, limiter *RateLimiter, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Handler{
		svc:         svc,
		instances:   instances,
		authz:       authz,
		rateLimiter: limiter,
		timeout:     timeout,
	}
}

// RegisterRoutes registers chat routes (requires authentication).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/", h.HandleChat)
		r.Get("/{key}/history", h.HandleHistory)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// instanceOwners returns the owners of every instance key may belong to.
// Instance names may contain '-', so each prefix ending before a '-' is a
// candidate name.
func (h *Handler) instanceOwners(ctx context.Context, key string) ([]string, error) {
	var owners []string
	for i := 1; i < len(key) && i <= maxInstanceNameLen; i++ {
		if key[i] != '-' {
			continue
		}
		inst, err := h.instances.GetInstance(ctx, key[:i])
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		owners = append(owners, inst.OwnerID)
	}
	return owners, nil
}

// authorize checks action on the conversation key. A key that belongs to an
// instance requires access to that instance.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, action, key string) bool {
	owners, err := h.instanceOwners(r.Context(), key)
	if err != nil {
		slog.Error("Failed to resolve conversation instance", "conversation_key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve conversation")
		return false
	}
	if len(owners) == 0 {
		owners = []string{""}
	}

	for _, owner := range owners {
		in := policy.Input{
			Role:    identity.RoleFromContext(r.Context()),
			UserID:  identity.UserIDFromContext(r.Context()),
			Action:  action,
			OwnerID: owner,
		}
		allowed, err := h.authz.Allow(r.Context(), in)
		if err != nil {
			slog.Error("Policy evaluation failed", "action", action, "error", err)
			writeError(w, http.StatusInternalServerError, "authorization failed")
			return false
		}
		if !allowed {
			writeError(w, http.StatusForbidden, "forbidden")
			return false
		}
	}
	return true
}

// HandleChat handles POST /api/chat requests.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key, err := req.Key()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.authorize(w, r, policy.ActionChat, key) {
		return
	}

	userID := identity.UserIDFromContext(r.Context())
	if h.rateLimiter != nil && !h.rateLimiter.Allow(userID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	reply, err := h.svc.Chat(ctx, req)
	if errors.Is(err, ErrMissingKey) || errors.Is(err, ErrEmptyMessage) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		slog.Error("Chat failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "chat failed")
		return
	}

	slog.Info("Chat exchange completed",
		"user_id", userID,
		"conversation_key", reply.ConversationKey,
		"outcome", reply.Outcome,
		"turn_count", reply.TurnCount,
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)
	writeJSON(w, http.StatusOK, reply)
}

// HandleHistory handles GET /api/chat/{key}/history requests.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "conversation key is required")
		return
	}
	if !h.authorize(w, r, policy.ActionChatHistory, key) {
		return
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		ConversationKey: key,
		Turns:           h.svc.History(key),
	})
}
