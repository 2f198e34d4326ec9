package correlator

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failed call.
type ErrorKind int

const (
	// KindNotLeader: this instance is not the active relay.
	KindNotLeader ErrorKind = iota + 1
	// KindNotConnected: no peer channel is open.
	KindNotConnected
	// KindSendFailed: the request could not be written.
	KindSendFailed
	// KindTimeout: no response within the call's budget.
	KindTimeout
	// KindClosed: the channel closed before a response arrived.
	KindClosed
	// KindTransport: the channel failed before a response arrived.
	KindTransport
	// KindRemote: the extension answered with an error.
	KindRemote
	// KindCanceled: the caller gave up.
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotLeader:
		return "not_leader"
	case KindNotConnected:
		return "not_connected"
	case KindSendFailed:
		return "send_failed"
	case KindTimeout:
		return "timeout"
	case KindClosed:
		return "closed"
	case KindTransport:
		return "transport"
	case KindRemote:
		return "remote"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinels for errors.Is against a *CallError.
var (
	ErrNotLeader    = errors.New("relay is not the active instance")
	ErrNotConnected = errors.New("extension not connected")
	ErrSendFailed   = errors.New("failed to send request")
	ErrTimeout      = errors.New("request timed out")
	ErrClosed       = errors.New("connection closed before response")
	ErrTransport    = errors.New("connection error before response")
	ErrRemote       = errors.New("extension reported an error")
	ErrCanceled     = errors.New("request canceled")
)

var sentinels = map[ErrorKind]error{
	KindNotLeader:    ErrNotLeader,
	KindNotConnected: ErrNotConnected,
	KindSendFailed:   ErrSendFailed,
	KindTimeout:      ErrTimeout,
	KindClosed:       ErrClosed,
	KindTransport:    ErrTransport,
	KindRemote:       ErrRemote,
	KindCanceled:     ErrCanceled,
}

// CallError is the failure of one correlated call.
type CallError struct {
	Kind ErrorKind
	// Call is the call name, e.g. "datalayer".
	Call      string
	RequestID string
	// StaleInstanceID is this instance's id, for KindNotLeader.
	StaleInstanceID string
	// ActiveInstanceID names the relay holding the lock, for KindNotLeader.
	ActiveInstanceID string
	// Budget is the wait budget, for KindTimeout.
	Budget time.Duration
	// Remote is the extension's error string, verbatim, for KindRemote.
	Remote string
	// Cause is the underlying error, if any.
	Cause error
}

func (e *CallError) Error() string {
	switch e.Kind {
	case KindRemote:
		return e.Remote
	case KindNotLeader:
		self := "this relay"
		if e.StaleInstanceID != "" {
			self = "instance " + e.StaleInstanceID
		}
		if e.ActiveInstanceID != "" && e.ActiveInstanceID != e.StaleInstanceID {
			return fmt.Sprintf("%s is no longer active; %s holds leadership, retry against it", self, e.ActiveInstanceID)
		}
		return fmt.Sprintf("%s is no longer active; another instance holds leadership", self)
	case KindNotConnected:
		return "browser extension is not connected to the relay"
	case KindSendFailed:
		return fmt.Sprintf("failed to send %s request to the extension", e.Call)
	case KindTimeout:
		return fmt.Sprintf("%s request timed out after %s", e.Call, e.Budget)
	case KindClosed:
		return fmt.Sprintf("connection closed before %s response", e.Call)
	case KindTransport:
		if e.Cause != nil {
			return fmt.Sprintf("connection error before %s response: %v", e.Call, e.Cause)
		}
		return fmt.Sprintf("connection error before %s response", e.Call)
	case KindCanceled:
		return fmt.Sprintf("%s request canceled", e.Call)
	default:
		return "call failed"
	}
}

// Is matches the sentinel for e's kind.
func (e *CallError) Is(target error) bool {
	return sentinels[e.Kind] == target
}

func (e *CallError) Unwrap() error {
	return e.Cause
}
