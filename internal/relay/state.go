package relay

import "time"

// ConnectionState is the relay's view of its peer link.
type ConnectionState struct {
	Connected bool `json:"connected"`
	// Healthy goes false when no inbound traffic arrived within the
	// inactivity window. It is diagnostic; the link is not closed.
	Healthy           bool      `json:"healthy"`
	LastActivityAt    time.Time `json:"lastActivityAt,omitzero"`
	ConnectedAt       time.Time `json:"connectedAt,omitzero"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	PeerID            string    `json:"peerId,omitempty"`
	Origin            string    `json:"origin,omitempty"`
}

// IdleFor returns how long the link has been without inbound traffic.
func (s ConnectionState) IdleFor(now time.Time) time.Duration {
	if s.LastActivityAt.IsZero() {
		return 0
	}
	return now.Sub(s.LastActivityAt)
}
