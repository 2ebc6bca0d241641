// Package agent implements the AI chat surface on top of the conversation
// store, the completion provider and the rule-based fallback.
package agent

import (
	"errors"

	"github.com/ashureev/zapbridge/internal/domain"
)

// ErrMissingKey is returned when a chat request names neither a conversation
// key nor an instance and counterpart to derive one from.
var ErrMissingKey = errors.New("conversation_key or instance and counterpart are required")

// ErrEmptyMessage is returned for a blank chat message.
var ErrEmptyMessage = errors.New("message is required")

// Outcome tags how an exchange terminated.
type Outcome string

const (
	// OutcomeCompleted means the provider produced the reply.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFallback means the provider failed and the rule-based chain replied.
	OutcomeFallback Outcome = "fallback"
)

// ChatRequest represents a chat request.
type ChatRequest struct {
	ConversationKey string `json:"conversation_key,omitempty"`
	Instance        string `json:"instance,omitempty"`
	Counterpart     string `json:"counterpart,omitempty"`
	Message         string `json:"message"`
	SystemPrompt    string `json:"system_prompt,omitempty"`
}

// Key resolves the conversation key of the request.
func (r ChatRequest) Key() (string, error) {
	if r.ConversationKey != "" {
		return r.ConversationKey, nil
	}
	if r.Instance == "" || r.Counterpart == "" {
		return "", ErrMissingKey
	}
	return domain.ConversationKey(r.Instance, r.Counterpart), nil
}

// Reply is the result of one exchange.
type Reply struct {
	ConversationKey string  `json:"conversation_key"`
	Response        string  `json:"response"`
	TurnCount       int     `json:"turn_count"`
	Outcome         Outcome `json:"outcome"`
}

// HistoryResponse is the body of the history endpoint.
type HistoryResponse struct {
	ConversationKey string        `json:"conversation_key"`
	Turns           []domain.Turn `json:"turns"`
}
