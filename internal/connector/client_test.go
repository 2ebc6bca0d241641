package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL + "/", APIKey: "secret"}, nil)
}

func TestCreateInstance(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/instance/create", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("apikey"))

		var body createPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "inst1", body.InstanceName)
		require.NotNil(t, body.Webhook)
		assert.Equal(t, "https://console.example/webhook/inst1", body.Webhook.URL)

		_, _ = w.Write([]byte(`{"instance":{"instanceName":"inst1","instanceId":"abc","status":"created"},"hash":{"apikey":"tok"}}`))
	})

	got, err := c.CreateInstance(context.Background(), CreateRequest{
		InstanceName: "inst1",
		WebhookURL:   "https://console.example/webhook/inst1",
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", got.InstanceID)
	assert.Equal(t, "tok", got.Token)
	assert.Equal(t, "created", got.Status)
}

func TestParseHashStringForm(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "tok", parseHash(json.RawMessage(`"tok"`)))
	assert.Equal(t, "", parseHash(nil))
}

func TestConnectionState(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instance/connectionState/inst1", r.URL.Path)
		_, _ = w.Write([]byte(`{"instance":{"instanceName":"inst1","state":"open"}}`))
	})

	got, err := c.ConnectionState(context.Background(), "inst1")
	require.NoError(t, err)
	assert.Equal(t, "open", got.State)
	assert.JSONEq(t, `{"instance":{"instanceName":"inst1","state":"open"}}`, string(got.Raw))
}

func TestRateLimitedStatusError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	_, err := c.ConnectionState(context.Background(), "inst1")
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.False(t, IsNotFound(err))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "slow down", se.Body)
}

func TestDeleteMissingInstanceIsNotAnError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		http.NotFound(w, r)
	})

	assert.NoError(t, c.DeleteInstance(context.Background(), "gone"))
}

func TestSendText(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/message/sendText/inst1", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "+1555", body["number"])
		assert.Equal(t, "hi", body["text"])
		w.WriteHeader(http.StatusCreated)
	})

	assert.NoError(t, c.SendText(context.Background(), "inst1", "+1555", "hi"))
}

func TestConnect(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"pairingCode":"WZYEH1YY","code":"2@abc","base64":"data:image/png;base64,xx","count":1}`))
	})

	got, err := c.Connect(context.Background(), "inst1")
	require.NoError(t, err)
	assert.Equal(t, "WZYEH1YY", got.PairingCode)
	assert.Equal(t, 1, got.Count)
}
