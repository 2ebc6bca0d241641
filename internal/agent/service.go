package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ashureev/zapbridge/internal/ai"
	"github.com/ashureev/zapbridge/internal/conversation"
	"github.com/ashureev/zapbridge/internal/domain"
	"github.com/ashureev/zapbridge/internal/fallback"
)

// DefaultSystemPrompt is used when neither the request nor the instance sets one.
const DefaultSystemPrompt = "You are a helpful WhatsApp assistant. Answer briefly and in the user's language."

// Service runs chat exchanges.
type Service struct {
	history       *conversation.Store
	completer     ai.Completer
	defaultPrompt string
	logger        *slog.Logger
}

// NewService creates a chat service. A nil completer makes every exchange
// use the fallback chain.
func NewService(history *conversation.Store, completer ai.Completer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		history:       history,
		completer:     completer,
		defaultPrompt: DefaultSystemPrompt,
		logger:        logger,
	}
}

// Chat appends the user message, asks the provider for a reply over the
// trailing context window and appends exactly one assistant turn. Provider
// failures are answered by the fallback chain and never returned.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (Reply, error) {
	key, err := req.Key()
	if err != nil {
		return Reply{}, err
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return Reply{}, ErrEmptyMessage
	}
	prompt := req.SystemPrompt
	if prompt == "" {
		prompt = s.defaultPrompt
	}

	release := s.history.BeginExchange(key)
	defer release()

	s.history.AppendUserTurn(key, message)
	window := s.history.ContextWindow(key, prompt)

	outcome := OutcomeCompleted
	var text string
	if s.completer != nil {
		text, err = s.completer.Complete(ctx, window)
	} else {
		err = ai.ErrEmptyCompletion
	}
	if err != nil {
		s.logger.Warn("Completion failed, using fallback reply",
			"conversation_key", key,
			"error", err,
		)
		category, reply := fallback.Classify(message)
		s.logger.Debug("Fallback reply selected", "conversation_key", key, "category", category)
		text = reply
		outcome = OutcomeFallback
	}

	s.history.AppendAssistantTurn(key, text)

	return Reply{
		ConversationKey: key,
		Response:        text,
		TurnCount:       s.history.Len(key),
		Outcome:         outcome,
	}, nil
}

// History returns a copy of the stored turns for key.
func (s *Service) History(key string) []domain.Turn {
	return s.history.History(key)
}
