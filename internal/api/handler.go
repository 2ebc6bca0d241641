// Package api provides HTTP handlers for the console API.
//
//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/zapbridge/internal/connector"
	"github.com/ashureev/zapbridge/internal/identity"
	"github.com/ashureev/zapbridge/internal/policy"
)

// Connector is the subset of the messaging connector the handlers use.
type Connector interface {
	CreateInstance(ctx context.Context, req connector.CreateRequest) (*connector.CreatedInstance, error)
	ConnectionState(ctx context.Context, instanceName string) (*connector.ConnectionState, error)
	Connect(ctx context.Context, instanceName string) (*connector.QRCode, error)
	DeleteInstance(ctx context.Context, instanceName string) error
	SendText(ctx context.Context, instanceName, number, text string) error
}

var _ Connector = (*connector.Client)(nil)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// authorize evaluates action for the caller against ownerID and writes a 403
// or 500 when the request must stop.
func authorize(w http.ResponseWriter, r *http.Request, authz policy.Authorizer, action, ownerID string) bool {
	in := policy.Input{
		Role:    identity.RoleFromContext(r.Context()),
		UserID:  identity.UserIDFromContext(r.Context()),
		Action:  action,
		OwnerID: ownerID,
	}
	allowed, err := authz.Allow(r.Context(), in)
	if err != nil {
		slog.Error("Policy evaluation failed", "action", action, "user_id", in.UserID, "error", err)
		Error(w, http.StatusInternalServerError, "authorization failed")
		return false
	}
	if !allowed {
		Error(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

// can is authorize without writing a response.
func can(ctx context.Context, authz policy.Authorizer, action, ownerID string) bool {
	allowed, err := authz.Allow(ctx, policy.Input{
		Role:    identity.RoleFromContext(ctx),
		UserID:  identity.UserIDFromContext(ctx),
		Action:  action,
		OwnerID: ownerID,
	})
	if err != nil {
		slog.Error("Policy evaluation failed", "action", action, "error", err)
		return false
	}
	return allowed
}
