// Package statusstream pushes instance status snapshots to websocket clients.
package statusstream

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks live status streams per instance.
type Registry struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn // instance -> stream ID -> conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// Register adds a stream for instance.
func (m *Registry) Register(instance, streamID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[instance]; !exists {
		m.active[instance] = make(map[string]*websocket.Conn)
	}
	m.active[instance][streamID] = conn
	slog.Info("Status stream registered", "instance", instance, "stream_id", streamID)
}

// Unregister removes a stream if it is still the registered one.
func (m *Registry) Unregister(instance, streamID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	streams, ok := m.active[instance]
	if !ok {
		return
	}
	if current, exists := streams[streamID]; exists && current == conn {
		delete(streams, streamID)
		if len(streams) == 0 {
			delete(m.active, instance)
		}
		slog.Info("Status stream unregistered", "instance", instance, "stream_id", streamID)
	}
}

// CloseInstance terminates every stream of instance, e.g. after it is deleted.
func (m *Registry) CloseInstance(instance string) {
	m.mu.Lock()
	streams, ok := m.active[instance]
	delete(m.active, instance)
	m.mu.Unlock()

	if !ok {
		return
	}
	for id, conn := range streams {
		_ = conn.Close(websocket.StatusGoingAway, "instance deleted")
		slog.Info("Status stream closed", "instance", instance, "stream_id", id)
	}
}

// Count returns the number of live streams for instance.
func (m *Registry) Count(instance string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[instance])
}

// CloseAll terminates every stream. Used on shutdown since hijacked
// connections outlive http.Server.Shutdown.
func (m *Registry) CloseAll() {
	m.mu.Lock()
	active := m.active
	m.active = make(map[string]map[string]*websocket.Conn)
	m.mu.Unlock()

	for instance, streams := range active {
		for _, conn := range streams {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		slog.Info("Status streams closed", "instance", instance, "count", len(streams))
	}
}
