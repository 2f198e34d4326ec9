package relay

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrPeerClosed is returned when writing to a peer that is no longer open.
var ErrPeerClosed = errors.New("peer channel closed")

// Close codes used by the relay.
const (
	// CloseSuperseded is sent to a peer replaced by a newer connection.
	CloseSuperseded = websocket.CloseNormalClosure
	// CloseStepDown tells the peer this relay lost leadership and it
	// should reconnect.
	CloseStepDown = websocket.CloseServiceRestart
)

// Channel is the duplex link a request travels over. Exactly one of Closed
// and Errored is closed when the link ends.
type Channel interface {
	ID() string
	IsOpen() bool
	// Closed is closed on an orderly close.
	Closed() <-chan struct{}
	// Errored is closed when the link fails.
	Errored() <-chan struct{}
	// Err returns the failure after Errored is closed.
	Err() error
	WriteMessage(data []byte) error
}

// Peer is one accepted WebSocket connection.
type Peer struct {
	id          string
	origin      string
	conn        *websocket.Conn
	writeWait   time.Duration
	connectedAt time.Time

	writeMu sync.Mutex
	open    atomic.Bool

	once    sync.Once
	closed  chan struct{}
	errored chan struct{}
	errMu   sync.Mutex
	err     error
}

func newPeer(id, origin string, conn *websocket.Conn, writeWait time.Duration) *Peer {
	p := &Peer{
		id:          id,
		origin:      origin,
		conn:        conn,
		writeWait:   writeWait,
		connectedAt: time.Now(),
		closed:      make(chan struct{}),
		errored:     make(chan struct{}),
	}
	p.open.Store(true)
	return p
}

// ID returns the peer's connection id.
func (p *Peer) ID() string { return p.id }

// Origin returns the Origin header presented on the handshake.
func (p *Peer) Origin() string { return p.origin }

// ConnectedAt returns when the handshake completed.
func (p *Peer) ConnectedAt() time.Time { return p.connectedAt }

// IsOpen reports whether the peer can still be written to.
func (p *Peer) IsOpen() bool { return p.open.Load() }

// Closed implements Channel.
func (p *Peer) Closed() <-chan struct{} { return p.closed }

// Errored implements Channel.
func (p *Peer) Errored() <-chan struct{} { return p.errored }

// Err implements Channel.
func (p *Peer) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// WriteMessage sends one text frame, bounded by the write deadline.
func (p *Peer) WriteMessage(data []byte) error {
	if !p.IsOpen() {
		return ErrPeerClosed
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeWait)); err != nil {
		return err
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		p.terminate(err)
		return err
	}
	return nil
}

// Close sends a close frame with code and reason and tears the connection down.
func (p *Peer) Close(code int, reason string) {
	if p.IsOpen() {
		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(p.writeWait))
		p.writeMu.Unlock()
	}
	_ = p.conn.Close()
	p.terminate(nil)
}

// terminate marks the peer finished. A nil error or an orderly close frame
// resolves Closed; anything else resolves Errored.
func (p *Peer) terminate(err error) {
	p.once.Do(func() {
		p.open.Store(false)
		if err == nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			close(p.closed)
			return
		}
		p.errMu.Lock()
		p.err = fmt.Errorf("peer %s: %w", p.id, err)
		p.errMu.Unlock()
		close(p.errored)
	})
}
