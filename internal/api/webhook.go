package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sourcegraph/conc/pool"
	"github.com/xeipuuv/gojsonschema"

	"github.com/ashureev/zapbridge/internal/agent"
	"github.com/ashureev/zapbridge/internal/domain"
	"github.com/ashureev/zapbridge/internal/store"
	"github.com/ashureev/zapbridge/internal/workflow"
)

const maxWebhookBody = 1 << 20

// Connector event names after normalization.
const (
	eventMessagesUpsert   = "messages.upsert"
	eventConnectionUpdate = "connection.update"
)

// webhookSchema accepts connector event envelopes. Message events must carry
// the sender key.
const webhookSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["event", "data"],
  "properties": {
    "event": {"type": "string", "minLength": 1},
    "instance": {"type": "string"},
    "apikey": {"type": "string"},
    "data": {"type": "object"}
  },
  "if": {
    "properties": {"event": {"enum": ["messages.upsert", "MESSAGES_UPSERT"]}}
  },
  "then": {
    "properties": {
      "data": {
        "type": "object",
        "required": ["key"],
        "properties": {
          "key": {
            "type": "object",
            "required": ["remoteJid"],
            "properties": {
              "remoteJid": {"type": "string", "minLength": 1},
              "fromMe": {"type": "boolean"}
            }
          },
          "pushName": {"type": "string"},
          "message": {"type": "object"}
        }
      }
    }
  }
}`

// Relayer forwards events to a workflow engine.
type Relayer interface {
	Relay(ctx context.Context, webhookURL string, event workflow.Event) error
}

// Chatter runs one chat exchange.
type Chatter interface {
	Chat(ctx context.Context, req agent.ChatRequest) (agent.Reply, error)
}

type webhookEnvelope struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	APIKey   string          `json:"apikey"`
	Data     json.RawMessage `json:"data"`
}

type messageData struct {
	Key struct {
		RemoteJID string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
	} `json:"key"`
	PushName string `json:"pushName"`
	Message  struct {
		Conversation        string `json:"conversation"`
		ExtendedTextMessage struct {
			Text string `json:"text"`
		} `json:"extendedTextMessage"`
	} `json:"message"`
}

func (m messageData) text() string {
	if m.Message.Conversation != "" {
		return m.Message.Conversation
	}
	return m.Message.ExtendedTextMessage.Text
}

// WebhookHandler receives connector events.
type WebhookHandler struct {
	repo      store.Repository
	relay     Relayer
	chat      Chatter
	connector Connector
	statuses  *StatusService
	schema    *gojsonschema.Schema
	replies   *pool.Pool
	timeout   time.Duration
}

// NewWebhookHandler creates a webhook handler. Auto-replies run on a pool of
// at most workers goroutines.
func NewWebhookHandler(
	repo store.Repository,
	relay Relayer,
	chat Chatter,
	conn Connector,
	statuses *StatusService,
	workers int,
	timeout time.Duration,
) (*WebhookHandler, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(webhookSchema))
	if err != nil {
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}
	if workers <= 0 {
		workers = 4
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &WebhookHandler{
		repo:      repo,
		relay:     relay,
		chat:      chat,
		connector: conn,
		statuses:  statuses,
		schema:    schema,
		replies:   pool.New().WithMaxGoroutines(workers),
		timeout:   timeout,
	}, nil
}

// RegisterRoutes registers the webhook route. It must sit outside the
// identity middleware since the connector calls it.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhook/{instance}", h.Receive)
}

// Close waits for in-flight auto-replies. The handler must not receive
// requests afterwards.
func (h *WebhookHandler) Close() {
	h.replies.Wait()
}

func (h *WebhookHandler) validate(body []byte) error {
	result, err := h.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// webhookToken returns the instance token sent with the event. The connector
// puts it in the payload; the apikey header is accepted as well.
func webhookToken(r *http.Request, env webhookEnvelope) string {
	if env.APIKey != "" {
		return env.APIKey
	}
	return r.Header.Get("apikey")
}

// tokenMatches reports whether got is the instance token. Instances created
// without a token accept any caller.
func tokenMatches(want, got string) bool {
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

func normalizeEvent(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", ".")
}

// Receive handles POST /webhook/{instance}.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "instance")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		Error(w, http.StatusBadRequest, "failed to read payload")
		return
	}
	if !json.Valid(body) {
		Error(w, http.StatusBadRequest, "payload is not valid JSON")
		return
	}
	if err := h.validate(body); err != nil {
		slog.Warn("Rejected webhook payload", "instance", name, "error", err)
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		Error(w, http.StatusBadRequest, "invalid payload")
		return
	}

	inst, err := h.repo.GetInstance(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "instance not found")
		return
	}
	if err != nil {
		slog.Error("Failed to load instance", "instance", name, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load instance")
		return
	}
	if !tokenMatches(inst.ConnectorToken, webhookToken(r, env)) {
		slog.Warn("Rejected webhook with invalid instance token", "instance", name)
		Error(w, http.StatusUnauthorized, "invalid instance token")
		return
	}

	event := workflow.Event{
		Instance:   inst.Name,
		Event:      normalizeEvent(env.Event),
		ReceivedAt: time.Now().UTC(),
		Raw:        body,
	}

	var msg messageData
	if event.Event == eventMessagesUpsert {
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			Error(w, http.StatusBadRequest, "invalid message data")
			return
		}
		event.RemoteJID = msg.Key.RemoteJID
		event.PushName = msg.PushName
		event.Text = msg.text()
	}
	if event.Event == eventConnectionUpdate {
		// Next status read goes to the connector instead of the stale snapshot.
		h.statuses.Invalidate(inst.Name)
	}

	relayed := false
	if inst.RelaysToWorkflow() {
		if err := h.relay.Relay(r.Context(), inst.WorkflowWebhookURL, event); err != nil {
			slog.Error("Workflow relay failed", "instance", inst.Name, "event", event.Event, "error", err)
		} else {
			relayed = true
		}
	}

	autoReply := inst.AutoReply &&
		event.Event == eventMessagesUpsert &&
		!msg.Key.FromMe &&
		!strings.HasSuffix(msg.Key.RemoteJID, "@g.us") &&
		strings.TrimSpace(event.Text) != ""
	if autoReply {
		h.replies.Go(func() {
			h.autoReply(inst, msg.Key.RemoteJID, event.Text)
		})
	}

	JSON(w, http.StatusAccepted, map[string]any{
		"status":     "accepted",
		"event":      event.Event,
		"relayed":    relayed,
		"auto_reply": autoReply,
	})
}

func (h *WebhookHandler) autoReply(inst *domain.Instance, remoteJID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	reply, err := h.chat.Chat(ctx, agent.ChatRequest{
		Instance:     inst.Name,
		Counterpart:  remoteJID,
		Message:      text,
		SystemPrompt: inst.SystemPrompt,
	})
	if err != nil {
		slog.Error("Auto-reply chat failed", "instance", inst.Name, "error", err)
		return
	}

	number, _, _ := strings.Cut(remoteJID, "@")
	if err := h.connector.SendText(ctx, inst.Name, number, reply.Response); err != nil {
		slog.Error("Auto-reply send failed",
			"instance", inst.Name,
			"conversation_key", reply.ConversationKey,
			"error", err,
		)
		return
	}
	slog.Info("Auto-reply sent",
		"instance", inst.Name,
		"conversation_key", reply.ConversationKey,
		"outcome", reply.Outcome,
	)
}
