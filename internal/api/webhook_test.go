//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/zapbridge/internal/statuscache"
)

type webhookFixture struct {
	repo    *fakeRepo
	conn    *fakeConnector
	relay   *fakeRelay
	chat    *fakeChat
	cache   *statuscache.Cache
	handler *WebhookHandler
	router  http.Handler
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	f := &webhookFixture{
		repo:  newFakeRepo(),
		conn:  &fakeConnector{state: "open"},
		relay: &fakeRelay{},
		chat:  &fakeChat{},
		cache: statuscache.New(statuscache.DefaultConfig()),
	}
	h, err := NewWebhookHandler(f.repo, f.relay, f.chat, f.conn, NewStatusService(f.cache, f.conn), 2, time.Second)
	require.NoError(t, err)
	f.handler = h

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	f.router = r
	return f
}

func (f *webhookFixture) post(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

const inboundMessage = `{
  "event": "messages.upsert",
  "instance": "inst1",
  "apikey": "tok-inst1",
  "data": {
    "key": {"remoteJid": "+1555@s.whatsapp.net", "fromMe": false, "id": "ABC"},
    "pushName": "Ana",
    "message": {"conversation": "oi, qual o preço?"}
  }
}`

func TestWebhookRelaysAndAutoReplies(t *testing.T) {
	f := newWebhookFixture(t)
	inst := ownedInstance("inst1", "alice")
	inst.ConnectorToken = "tok-inst1"
	inst.WorkflowWebhookURL = "https://flows.example/hook"
	inst.AutoReply = true
	inst.SystemPrompt = "be brief"
	f.repo.put(inst)

	rec := f.post("/webhook/inst1", inboundMessage)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"accepted","event":"messages.upsert","relayed":true,"auto_reply":true}`, rec.Body.String())

	f.handler.Close()

	require.Len(t, f.relay.events, 1)
	ev := f.relay.events[0]
	assert.Equal(t, "https://flows.example/hook", f.relay.urls[0])
	assert.Equal(t, "inst1", ev.Instance)
	assert.Equal(t, "+1555@s.whatsapp.net", ev.RemoteJID)
	assert.Equal(t, "Ana", ev.PushName)
	assert.Equal(t, "oi, qual o preço?", ev.Text)

	require.Len(t, f.chat.requests, 1)
	key, err := f.chat.requests[0].Key()
	require.NoError(t, err)
	assert.Equal(t, "inst1-+1555", key)
	assert.Equal(t, "be brief", f.chat.requests[0].SystemPrompt)

	require.Len(t, f.conn.sent, 1)
	assert.Equal(t, sentText{"inst1", "+1555", "auto: oi, qual o preço?"}, f.conn.sent[0])
}

func TestWebhookSkipsOwnMessagesAndRelayFailure(t *testing.T) {
	f := newWebhookFixture(t)
	inst := ownedInstance("inst1", "alice")
	inst.WorkflowWebhookURL = "https://flows.example/hook"
	inst.AutoReply = true
	f.repo.put(inst)
	f.relay.err = errors.New("workflow returned 500")

	body := strings.Replace(inboundMessage, `"fromMe": false`, `"fromMe": true`, 1)
	rec := f.post("/webhook/inst1", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"accepted","event":"messages.upsert","relayed":false,"auto_reply":false}`, rec.Body.String())

	f.handler.Close()
	assert.Empty(t, f.chat.requests)
	assert.Empty(t, f.conn.sent)
}

func TestWebhookValidation(t *testing.T) {
	f := newWebhookFixture(t)
	f.repo.put(ownedInstance("inst1", "alice"))

	assert.Equal(t, http.StatusBadRequest, f.post("/webhook/inst1", `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, f.post("/webhook/inst1", `{"data":{}}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.post("/webhook/inst1", `{"event":"messages.upsert","data":{"key":{}}}`).Code)
	assert.Equal(t, http.StatusNotFound, f.post("/webhook/ghost", inboundMessage).Code)
}

func TestWebhookRejectsWrongToken(t *testing.T) {
	f := newWebhookFixture(t)
	inst := ownedInstance("inst1", "alice")
	inst.ConnectorToken = "other"
	f.repo.put(inst)

	assert.Equal(t, http.StatusUnauthorized, f.post("/webhook/inst1", inboundMessage).Code)
}

func TestWebhookRejectsMissingToken(t *testing.T) {
	f := newWebhookFixture(t)
	inst := ownedInstance("inst1", "alice")
	inst.ConnectorToken = "tok-inst1"
	inst.WorkflowWebhookURL = "https://flows.example/hook"
	inst.AutoReply = true
	f.repo.put(inst)

	body := `{"event":"messages.upsert","data":{"key":{"remoteJid":"+19998887777@s.whatsapp.net"},"message":{"conversation":"spam"}}}`
	rec := f.post("/webhook/inst1", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	f.handler.Close()
	assert.Empty(t, f.relay.events)
	assert.Empty(t, f.chat.requests)
	assert.Empty(t, f.conn.sent)
}

func TestWebhookAcceptsTokenHeader(t *testing.T) {
	f := newWebhookFixture(t)
	inst := ownedInstance("inst1", "alice")
	inst.ConnectorToken = "tok-inst1"
	f.repo.put(inst)

	body := `{"event":"connection.update","data":{"state":"open"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/inst1", strings.NewReader(body))
	req.Header.Set("apikey", "tok-inst1")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestWebhookConnectionUpdateInvalidatesStatus(t *testing.T) {
	f := newWebhookFixture(t)
	f.repo.put(ownedInstance("inst1", "alice"))

	statuses := NewStatusService(f.cache, f.conn)
	_, err := statuses.Status(t.Context(), "inst1")
	require.NoError(t, err)

	rec := f.post("/webhook/inst1", `{"event":"CONNECTION_UPDATE","instance":"inst1","data":{"state":"close"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	_, cached := f.cache.Peek("inst1")
	assert.False(t, cached)
}
