package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayPostsEvent(t *testing.T) {
	t.Parallel()

	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("X-N8N-API-KEY"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient("key", time.Second, nil)
	err := c.Relay(context.Background(), srv.URL, Event{
		Instance: "inst1",
		Event:    "messages.upsert",
		Text:     "hello",
		Raw:      json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "inst1", got.Instance)
	assert.Equal(t, "hello", got.Text)
}

func TestRelayNon2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "workflow inactive", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient("", time.Second, nil)
	err := c.Relay(context.Background(), srv.URL, Event{Instance: "inst1", Raw: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
