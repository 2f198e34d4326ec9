// Package correlator turns the relay's asynchronous message stream into
// blocking request/response calls.
//
// Each call gets a fresh request id and a pending entry registered before the
// request is written, so a fast response can never arrive unmatched. The
// call then waits for the first of: its response, the channel closing, the
// channel failing, its budget elapsing, or the caller's context ending.
package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/layerlink/layerlink/internal/leader"
	"github.com/layerlink/layerlink/internal/logging"
	"github.com/layerlink/layerlink/internal/protocol"
	"github.com/layerlink/layerlink/internal/relay"
)

// Transport is the relay surface a call needs.
type Transport interface {
	Current() relay.Channel
	Send(ch relay.Channel, msg protocol.Message) bool
}

// Leadership reports whether this instance may serve calls and who does.
type Leadership interface {
	IsActive() bool
	Identity() leader.Identity
	Current() (leader.Identity, error)
}

// Result is a successful call.
type Result struct {
	RequestID string
	// Payload is the extension's response payload, unmodified.
	Payload map[string]any
	// Summary counts each top-level array in Payload as "<key>Count".
	Summary map[string]int
	Elapsed time.Duration
}

type pendingCall struct {
	requestID string
	response  protocol.Kind
	createdAt time.Time
	reply     chan protocol.Message
}

// Correlator matches responses to in-flight calls.
type Correlator struct {
	transport Transport
	leader    Leadership
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
}

// New creates a correlator over transport.
func New(transport Transport, lead Leadership) *Correlator {
	return &Correlator{
		transport: transport,
		leader:    lead,
		logger:    logging.Correlator(),
		pending:   make(map[string]*pendingCall),
	}
}

// Pending returns the number of in-flight calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call sends call's request to the current peer and waits for its response.
// Failures are *CallError values.
func (c *Correlator) Call(ctx context.Context, call protocol.Call) (*Result, error) {
	if !c.leader.IsActive() {
		err := &CallError{
			Kind:            KindNotLeader,
			Call:            call.Name,
			StaleInstanceID: c.leader.Identity().InstanceID,
		}
		if cur, lerr := c.leader.Current(); lerr == nil {
			err.ActiveInstanceID = cur.InstanceID
		}
		return nil, err
	}

	ch := c.transport.Current()
	if ch == nil || !ch.IsOpen() {
		return nil, &CallError{Kind: KindNotConnected, Call: call.Name}
	}

	p := &pendingCall{
		requestID: uuid.NewString(),
		response:  call.Response,
		createdAt: time.Now(),
		reply:     make(chan protocol.Message, 1),
	}
	log := logging.WithRequest(c.logger, call.Name, p.requestID)

	c.mu.Lock()
	c.pending[p.requestID] = p
	c.mu.Unlock()
	defer c.remove(p.requestID)

	if !c.transport.Send(ch, protocol.NewRequest(call.Request, p.requestID)) {
		return nil, &CallError{Kind: KindSendFailed, Call: call.Name, RequestID: p.requestID}
	}
	log.Debug("Request sent", "budget", call.Timeout)

	timer := time.NewTimer(call.Timeout)
	defer timer.Stop()

	fail := func(kind ErrorKind, cause error) (*Result, error) {
		// A response already delivered wins over a failure that became
		// ready at the same time.
		select {
		case msg := <-p.reply:
			return c.resolve(call, p, msg)
		default:
		}
		log.Debug("Call failed", "reason", kind.String(), "elapsed", time.Since(p.createdAt))
		return nil, &CallError{
			Kind:      kind,
			Call:      call.Name,
			RequestID: p.requestID,
			Budget:    call.Timeout,
			Cause:     cause,
		}
	}

	select {
	case msg := <-p.reply:
		return c.resolve(call, p, msg)
	case <-ch.Closed():
		return fail(KindClosed, nil)
	case <-ch.Errored():
		return fail(KindTransport, ch.Err())
	case <-timer.C:
		return fail(KindTimeout, nil)
	case <-ctx.Done():
		return fail(KindCanceled, ctx.Err())
	}
}

func (c *Correlator) resolve(call protocol.Call, p *pendingCall, msg protocol.Message) (*Result, error) {
	elapsed := time.Since(p.createdAt)
	payload := map[string]any{}
	if len(msg.Payload) > 0 && string(msg.Payload) != "null" {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return nil, &CallError{
				Kind:      KindTransport,
				Call:      call.Name,
				RequestID: p.requestID,
				Cause:     fmt.Errorf("response payload is not an object: %w", err),
			}
		}
	}
	if remote, ok := payload["error"].(string); ok && remote != "" {
		return nil, &CallError{Kind: KindRemote, Call: call.Name, RequestID: p.requestID, Remote: remote}
	}
	if msg.Error != "" {
		return nil, &CallError{Kind: KindRemote, Call: call.Name, RequestID: p.requestID, Remote: msg.Error}
	}

	c.logger.Debug("Call completed", "call", call.Name, "request_id", p.requestID, "elapsed", elapsed)
	return &Result{
		RequestID: p.requestID,
		Payload:   payload,
		Summary:   Summarize(payload),
		Elapsed:   elapsed,
	}, nil
}

// Deliver routes an inbound response to its pending call. Messages with an
// unknown id, or whose type does not match what the call expects, are
// dropped. It reports whether the message was consumed.
func (c *Correlator) Deliver(msg protocol.Message) bool {
	c.mu.Lock()
	p, ok := c.pending[msg.RequestID]
	if ok && p.response == msg.Type {
		delete(c.pending, msg.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("Dropping response for unknown request",
			"type", msg.Type, "request_id", msg.RequestID)
		return false
	}
	if p.response != msg.Type {
		c.logger.Debug("Dropping response with mismatched type",
			"type", msg.Type, "expected", p.response, "request_id", msg.RequestID)
		return false
	}
	// reply has capacity one and the entry is gone, so this never blocks.
	p.reply <- msg
	return true
}

func (c *Correlator) remove(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// Summarize counts each top-level array of payload.
func Summarize(payload map[string]any) map[string]int {
	summary := make(map[string]int)
	for k, v := range payload {
		if arr, ok := v.([]any); ok {
			summary[k+"Count"] = len(arr)
		}
	}
	return summary
}
