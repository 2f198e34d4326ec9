// Package agent is the extension side of the relay link: it keeps a
// WebSocket connection to the active relay alive, answers its requests
// against the attached tab, and owns the agent's durable state.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/layerlink/layerlink/internal/logging"
	"github.com/layerlink/layerlink/internal/protocol"
)

// ErrMaxReconnectAttempts is reported once the retry cap is exhausted.
var ErrMaxReconnectAttempts = errors.New("max reconnect attempts reached")

// errChannelNotOpen is the heartbeat's liveness failure.
var errChannelNotOpen = errors.New("heartbeat: channel not open")

// ConnState is the manager's connection state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Status is a snapshot for display.
type Status struct {
	State              ConnState
	LastError          string
	LastConnectionTime time.Time
	ReconnectAttempts  int
	// Terminal is set when retries are exhausted; only ForceReconnect resumes.
	Terminal         bool
	ServerInstanceID string
	ServerVersion    string
	ServerStartedAt  int64
}

// RequestHandler answers one relay request.
type RequestHandler interface {
	Handle(ctx context.Context, req protocol.Message) (protocol.Message, bool)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	URL               string
	Origin            string
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MaxAttempts       int
	// Jitter bounds the random part of the reconnect delay. Zero means
	// MaxJitter; negative disables jitter.
	Jitter time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.Jitter == 0 {
		c.Jitter = MaxJitter
	}
}

// link is one established connection and the goroutines serving it.
type link struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	stop    chan struct{}
	once    sync.Once
}

func (l *link) write(msg protocol.Message, timeout time.Duration) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(timeout))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

func (l *link) close(code int, reason string) {
	l.once.Do(func() {
		close(l.stop)
		l.writeMu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		l.writeMu.Unlock()
		_ = l.conn.Close()
	})
}

// Manager maintains the connection to the relay.
type Manager struct {
	cfg     ManagerConfig
	handler RequestHandler
	dialer  *websocket.Dialer
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	status Status
	link   *link
	timer  *time.Timer
	// gen invalidates in-flight dials and timers across Disconnect and
	// ForceReconnect.
	gen  int
	subs map[int]func(Status)
	next int

	onAck func(protocol.Message)
}

// NewManager creates a manager. Nothing happens until Connect.
func NewManager(cfg ManagerConfig, handler RequestHandler) *Manager {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		handler: handler,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		logger: logging.Agent(),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[int]func(Status)),
	}
}

// OnAck sets a callback for CONNECTION_ACK frames.
func (m *Manager) OnAck(fn func(protocol.Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAck = fn
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe registers fn for status changes and returns its cancel func.
// fn is called synchronously and must not block.
func (m *Manager) Subscribe(fn func(Status)) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// notifyLocked snapshots subscribers for delivery after unlocking.
func (m *Manager) notifyLocked() func() {
	st := m.status
	fns := make([]func(Status), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	return func() {
		for _, fn := range fns {
			fn(st)
		}
	}
}

// Connect starts a connection attempt. It is a no-op unless disconnected.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.status.State != StateDisconnected || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.status.State = StateConnecting
	m.status.Terminal = false
	gen := m.gen
	notify := m.notifyLocked()
	m.mu.Unlock()

	notify()
	go m.dial(gen)
}

// ForceReconnect drops any connection, clears the attempt counter and
// connects again.
func (m *Manager) ForceReconnect() {
	m.mu.Lock()
	m.gen++
	m.stopTimerLocked()
	l := m.link
	m.link = nil
	m.status.State = StateDisconnected
	m.status.ReconnectAttempts = 0
	m.status.Terminal = false
	m.status.LastError = ""
	m.mu.Unlock()

	if l != nil {
		l.close(websocket.CloseNormalClosure, "reconnecting")
	}
	m.logger.Info("Forcing reconnect")
	m.Connect()
}

// Disconnect closes the connection and stops reconnecting.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopTimerLocked()
	l := m.link
	m.link = nil
	m.status.State = StateDisconnected
	notify := m.notifyLocked()
	m.mu.Unlock()

	if l != nil {
		l.close(websocket.CloseNormalClosure, "agent disconnect")
	}
	notify()
}

// Close disconnects and cancels in-flight request handling. The manager
// cannot be reused.
func (m *Manager) Close() {
	m.Disconnect()
	m.cancel()
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) dial(gen int) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	if m.cfg.Origin != "" {
		header.Set("Origin", m.cfg.Origin)
	}
	conn, resp, err := m.dialer.DialContext(ctx, m.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		m.failed(gen, err)
		return
	}

	l := &link{conn: conn, stop: make(chan struct{})}
	m.mu.Lock()
	if gen != m.gen || m.status.State != StateConnecting {
		m.mu.Unlock()
		l.close(websocket.CloseNormalClosure, "connection no longer wanted")
		return
	}
	m.link = l
	m.status.State = StateConnected
	m.status.LastConnectionTime = time.Now()
	m.status.ReconnectAttempts = 0
	m.status.LastError = ""
	notify := m.notifyLocked()
	m.mu.Unlock()

	m.logger.Info("Connected to relay", "url", m.cfg.URL)
	notify()

	go m.readLoop(l)
	go m.heartbeat(l)
}

// failed handles a dial error.
func (m *Manager) failed(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.status.State = StateDisconnected
	m.status.LastError = err.Error()
	m.scheduleLocked()
	notify := m.notifyLocked()
	m.mu.Unlock()

	m.logger.Debug("Relay connection attempt failed", "error", err)
	notify()
}

// lost handles the end of an established link.
func (m *Manager) lost(l *link, err error) {
	m.mu.Lock()
	if m.link != l {
		m.mu.Unlock()
		return
	}
	m.link = nil
	m.status.State = StateDisconnected
	m.status.LastError = err.Error()
	normal := websocket.IsCloseError(err, websocket.CloseNormalClosure)
	if !normal {
		m.scheduleLocked()
	}
	notify := m.notifyLocked()
	m.mu.Unlock()

	l.close(websocket.CloseNormalClosure, "")
	if normal {
		m.logger.Info("Relay closed the connection normally, not reconnecting")
	} else {
		m.logger.Warn("Relay connection lost", "error", err)
	}
	notify()
}

// scheduleLocked arms the next reconnect, or gives up at the cap.
func (m *Manager) scheduleLocked() {
	if m.status.ReconnectAttempts >= m.cfg.MaxAttempts {
		m.status.Terminal = true
		m.status.LastError = ErrMaxReconnectAttempts.Error()
		m.logger.Warn("Giving up on relay connection", "attempts", m.status.ReconnectAttempts)
		return
	}
	delay := backoffFloor(m.status.ReconnectAttempts, m.cfg.BackoffBase, m.cfg.BackoffCap) + jitter(m.cfg.Jitter)
	m.status.ReconnectAttempts++
	gen := m.gen
	m.stopTimerLocked()
	m.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		current := gen == m.gen
		m.mu.Unlock()
		if current {
			m.Connect()
		}
	})
	m.logger.Debug("Reconnect scheduled", "delay", delay, "attempt", m.status.ReconnectAttempts)
}

func (m *Manager) readLoop(l *link) {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			m.lost(l, err)
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			m.logger.Debug("Malformed frame from relay", "error", err)
			continue
		}

		switch {
		case msg.Type == protocol.KindConnectionAck:
			m.acked(msg)
		case msg.Type == protocol.KindKeepalivePing:
			if err := l.write(protocol.NewPong(), m.cfg.ConnectTimeout); err != nil {
				m.lost(l, err)
				return
			}
		case msg.Type == protocol.KindKeepalivePong:
		case msg.Type == protocol.KindError:
			m.logger.Warn("Relay reported an error", "error", msg.Error)
		case msg.Type.Class() == protocol.ClassRequest:
			go m.serve(l, msg)
		default:
			m.logger.Debug("Ignoring unexpected message", "type", msg.Type)
		}
	}
}

func (m *Manager) acked(msg protocol.Message) {
	m.mu.Lock()
	m.status.ServerInstanceID = msg.ServerInstanceID
	m.status.ServerVersion = msg.ServerVersion
	m.status.ServerStartedAt = msg.ServerStartedAt
	onAck := m.onAck
	notify := m.notifyLocked()
	m.mu.Unlock()

	m.logger.Info("Relay acknowledged connection",
		"server_instance_id", msg.ServerInstanceID,
		"server_version", msg.ServerVersion)
	if onAck != nil {
		onAck(msg)
	}
	notify()
}

func (m *Manager) serve(l *link, req protocol.Message) {
	if m.handler == nil {
		return
	}
	resp, ok := m.handler.Handle(m.ctx, req)
	if !ok {
		return
	}
	if err := l.write(resp, m.cfg.ConnectTimeout); err != nil {
		m.logger.Warn("Failed to send response", "type", resp.Type, "request_id", resp.RequestID, "error", err)
	}
}

// heartbeat pings on a fixed period. A tick that finds the link gone is a
// connection failure.
func (m *Manager) heartbeat(l *link) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			m.mu.Lock()
			current := m.link == l
			m.mu.Unlock()
			if current {
				m.lost(l, errChannelNotOpen)
			}
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			current := m.link == l
			m.mu.Unlock()
			if !current {
				return
			}
			if err := l.write(protocol.NewPing(), m.cfg.ConnectTimeout); err != nil {
				m.lost(l, fmt.Errorf("%w: %v", errChannelNotOpen, err))
				return
			}
		}
	}
}
