// Package protocol defines the relay wire protocol shared by the server and
// the extension-side agent.
//
// # Wire format
//
// Every frame is a single JSON object with a "type" tag:
//
//	{"type": "REQUEST_DATALAYER", "requestId": "...", "timestamp": 1700000000000}
//	{"type": "DATALAYER_RESPONSE", "requestId": "...", "payload": {...}}
//	{"type": "KEEPALIVE_PING", "ts": 1700000000000}
//	{"type": "CONNECTION_ACK", "serverVersion": "...", "serverInstanceId": "...", ...}
//	{"type": "ERROR", "error": "...", "timestamp": 1700000000000}
//
// Timestamps are Unix milliseconds.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is a message type tag. The set of kinds is closed: every kind is
// declared below and both ends switch over them exhaustively.
type Kind string

// Relay control kinds.
const (
	KindKeepalivePing Kind = "KEEPALIVE_PING"
	KindKeepalivePong Kind = "KEEPALIVE_PONG"
	KindConnectionAck Kind = "CONNECTION_ACK"
	KindError         Kind = "ERROR"
)

// Request kinds, server to extension.
const (
	KindRequestDataLayer        Kind = "REQUEST_DATALAYER"
	KindRequestGA4Hits          Kind = "REQUEST_GA4_HITS"
	KindRequestMetaPixelHits    Kind = "REQUEST_META_PIXEL_HITS"
	KindRequestGTMPreviewEvents Kind = "REQUEST_GTM_PREVIEW_EVENTS"
	KindRequestStructuredData   Kind = "REQUEST_STRUCTURED_DATA"
	KindRequestPageMetadata     Kind = "REQUEST_PAGE_METADATA"
	KindRequestCrawlability     Kind = "REQUEST_CRAWLABILITY"
)

// Response kinds, extension to server.
const (
	KindDataLayerResponse        Kind = "DATALAYER_RESPONSE"
	KindGA4HitsResponse          Kind = "GA4_HITS_RESPONSE"
	KindMetaPixelHitsResponse    Kind = "META_PIXEL_HITS_RESPONSE"
	KindGTMPreviewEventsResponse Kind = "GTM_PREVIEW_EVENTS_RESPONSE"
	KindStructuredDataResponse   Kind = "STRUCTURED_DATA_RESPONSE"
	KindPageMetadataResponse     Kind = "PAGE_METADATA_RESPONSE"
	KindCrawlabilityResponse     Kind = "CRAWLABILITY_RESPONSE"
)

// ErrMalformed is returned by Decode for input that is not a typed JSON object.
var ErrMalformed = errors.New("malformed message")

// Message is the envelope for every frame. Fields not used by a kind are omitted.
type Message struct {
	Type      Kind            `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Ts        int64           `json:"ts,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`

	// CONNECTION_ACK fields.
	ServerVersion    string `json:"serverVersion,omitempty"`
	ServerInstanceID string `json:"serverInstanceId,omitempty"`
	ServerStartedAt  int64  `json:"serverStartedAt,omitempty"`
}

// Decode parses a frame. Non-JSON input, non-object JSON and objects without
// a type tag are all ErrMalformed.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return msg, nil
}

// Encode serializes a message.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Now returns the current time in Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// NewRequest builds a server-to-extension request.
func NewRequest(kind Kind, requestID string) Message {
	return Message{Type: kind, RequestID: requestID, Timestamp: Now()}
}

// NewResponse builds an extension-to-server success response.
func NewResponse(kind Kind, requestID string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return Message{Type: kind, RequestID: requestID, Payload: data}, nil
}

// NewErrorResponse builds a response whose payload is {"error": message}.
func NewErrorResponse(kind Kind, requestID, message string) Message {
	data, _ := json.Marshal(map[string]string{"error": message})
	return Message{Type: kind, RequestID: requestID, Payload: data}
}

// NewPing builds a keepalive request.
func NewPing() Message {
	return Message{Type: KindKeepalivePing, Ts: Now()}
}

// NewPong builds a keepalive reply.
func NewPong() Message {
	return Message{Type: KindKeepalivePong, Ts: Now()}
}

// NewError builds the relay's reply to unparsable input.
func NewError(message string) Message {
	return Message{Type: KindError, Error: message, Timestamp: Now()}
}
