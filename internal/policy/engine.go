// Package policy evaluates authorization decisions with OPA.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/ashureev/zapbridge/internal/domain"
)

// Actions evaluated by the policy.
const (
	ActionInstanceCreate  = "instance:create"
	ActionInstanceDelete  = "instance:delete"
	ActionInstanceListAll = "instance:list_all"
	ActionInstanceRead    = "instance:read"
	ActionInstanceUpdate  = "instance:update"
	ActionInstanceConnect = "instance:connect"
	ActionStatusRead      = "status:read"
	ActionChat            = "chat:send"
	ActionChatHistory     = "chat:history"
)

// Input is the document a decision is made on.
type Input struct {
	Role   string `json:"role"`
	UserID string `json:"user_id"`
	Action string `json:"action"`
	// OwnerID is the owner of the target instance, empty when there is none.
	OwnerID string `json:"owner_id,omitempty"`
}

// Authorizer decides whether an action is allowed.
type Authorizer interface {
	Allow(ctx context.Context, in Input) (bool, error)
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.console.authz.allow"),
		rego.Module("console_authz.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Allow evaluates the policy for in. Anything but a boolean true denies.
func (e *Engine) Allow(ctx context.Context, in Input) (bool, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	return ok && allowed, nil
}

// DefaultPolicy is the built-in console policy.
const DefaultPolicy = `
package console.authz

default allow = false

allow {
	input.role == "` + domain.RoleAdmin + `"
}

# Members act on instances they own.
allow {
	owner_actions[input.action]
	input.owner_id != ""
	input.owner_id == input.user_id
}

# Conversations not tied to an instance are open to any signed-in user.
allow {
	member_actions[input.action]
	input.user_id != ""
	not input.owner_id
}

owner_actions := {
	"` + ActionInstanceRead + `",
	"` + ActionInstanceUpdate + `",
	"` + ActionInstanceConnect + `",
	"` + ActionStatusRead + `",
	"` + ActionChat + `",
	"` + ActionChatHistory + `",
}

member_actions := {
	"` + ActionChat + `",
	"` + ActionChatHistory + `",
}
`
