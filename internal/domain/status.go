package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// ConnectionStatus is the public connection vocabulary of an instance.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// StatusSnapshot is the last known upstream state of an instance.
type StatusSnapshot struct {
	Status    ConnectionStatus `json:"status"`
	Details   json.RawMessage  `json:"details,omitempty"`
	FetchedAt time.Time        `json:"fetched_at"`
}

// NormalizeConnectionState maps a connector state string to the public vocabulary.
func NormalizeConnectionState(state string) ConnectionStatus {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "open", "connected", "online":
		return StatusConnected
	case "connecting", "qr", "pairing", "syncing":
		return StatusConnecting
	default:
		return StatusDisconnected
	}
}
