package mcpserver

import (
	"time"

	"github.com/layerlink/layerlink/internal/relay"
)

// CallOutput is the structured result of a browser call tool.
type CallOutput struct {
	RequestID string `json:"requestId"`
	ElapsedMs int64  `json:"elapsedMs"`
	// Summary counts each top-level array of Payload, e.g. "hitsCount".
	Summary map[string]int `json:"summary,omitempty"`
	Payload map[string]any `json:"payload"`
}

// RelayStatus is the output of get_relay_status.
// Timestamps are RFC 3339 strings.
type RelayStatus struct {
	InstanceID string           `json:"instanceId"`
	PID        int              `json:"pid"`
	StartedAt  string           `json:"startedAt"`
	Active     bool             `json:"active"`
	Version    string           `json:"version,omitempty"`
	Connection ConnectionStatus `json:"connection"`
}

// ConnectionStatus mirrors relay.ConnectionState for tool output.
type ConnectionStatus struct {
	Connected         bool   `json:"connected"`
	Healthy           bool   `json:"healthy"`
	ConnectedAt       string `json:"connectedAt,omitempty"`
	LastActivityAt    string `json:"lastActivityAt,omitempty"`
	IdleSeconds       int64  `json:"idleSeconds"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	PeerID            string `json:"peerId,omitempty"`
	Origin            string `json:"origin,omitempty"`
}

func newRelayStatus(h relay.HealthReport, now time.Time) RelayStatus {
	c := h.Connection
	return RelayStatus{
		InstanceID: h.InstanceID,
		PID:        h.PID,
		StartedAt:  formatTime(time.UnixMilli(h.StartedAt)),
		Active:     h.Active,
		Version:    h.Version,
		Connection: ConnectionStatus{
			Connected:         c.Connected,
			Healthy:           c.Healthy,
			ConnectedAt:       formatTime(c.ConnectedAt),
			LastActivityAt:    formatTime(c.LastActivityAt),
			IdleSeconds:       int64(c.IdleFor(now) / time.Second),
			ReconnectAttempts: c.ReconnectAttempts,
			PeerID:            c.PeerID,
			Origin:            c.Origin,
		},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() || t.UnixMilli() == 0 {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
