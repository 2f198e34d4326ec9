// Package relay is the local WebSocket endpoint the browser extension keeps
// connected to. It holds at most one peer at a time, answers keepalives,
// rejects malformed frames with an ERROR reply, and hands every response
// frame to the correlator.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/layerlink/layerlink/internal/leader"
	"github.com/layerlink/layerlink/internal/logging"
	"github.com/layerlink/layerlink/internal/protocol"
)

// Leadership is the view of the instance registry the relay needs.
type Leadership interface {
	IsActive() bool
	Identity() leader.Identity
}

// Config configures a Server.
type Config struct {
	// Addr is the host:port to listen on.
	Addr    string
	Version string

	HealthCheckInterval time.Duration
	InactivityTimeout   time.Duration
	WriteTimeout        time.Duration

	// HandshakeRate and HandshakeBurst bound upgrade attempts.
	HandshakeRate  float64
	HandshakeBurst int

	AllowedOrigins []string
	MaxMessageSize int64
}

// DefaultConfig returns relay defaults for addr.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:                addr,
		HealthCheckInterval: 30 * time.Second,
		InactivityTimeout:   60 * time.Second,
		WriteTimeout:        10 * time.Second,
		HandshakeRate:       5,
		HandshakeBurst:      10,
		MaxMessageSize:      16 << 20,
	}
}

// Server is the relay endpoint.
type Server struct {
	cfg      Config
	leader   Leadership
	origins  *originChecker
	upgrader websocket.Upgrader
	limiter  *rate.Limiter
	logger   *slog.Logger

	handlerMu sync.RWMutex
	handler   func(protocol.Message)

	mu          sync.RWMutex
	current     *Peer
	state       ConnectionState
	httpServer  *http.Server
	steppedDown bool

	healthStop chan struct{}
	healthOnce sync.Once
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewServer creates a relay bound to the given leadership view.
func NewServer(cfg Config, lead Leadership) *Server {
	def := DefaultConfig(cfg.Addr)
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = def.InactivityTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.HandshakeRate <= 0 {
		cfg.HandshakeRate = def.HandshakeRate
	}
	if cfg.HandshakeBurst <= 0 {
		cfg.HandshakeBurst = def.HandshakeBurst
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	s := &Server{
		cfg:        cfg,
		leader:     lead,
		origins:    newOriginChecker(cfg.AllowedOrigins),
		limiter:    rate.NewLimiter(rate.Limit(cfg.HandshakeRate), cfg.HandshakeBurst),
		logger:     logging.Relay(),
		healthStop: make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.origins.CheckOrigin,
	}
	return s
}

// OnMessage sets the sink for response frames. It is called on the peer's
// read goroutine and must not block.
func (s *Server) OnMessage(fn func(protocol.Message)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handler = fn
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", s.handleUpgrade)
	r.Get("/health", s.handleHealth)
	return r
}

// Start listens on the configured address and serves until Stop or StepDown.
// The health check loop starts with it.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("relay listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve runs the relay on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	if s.steppedDown {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.New("relay has stepped down")
	}
	s.httpServer = srv
	s.mu.Unlock()

	s.StartHealthCheck()

	s.logger.Info("Relay listening", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Relay server stopped", "error", err)
		}
	}()
	return nil
}

// StartHealthCheck runs the periodic health evaluation until Stop.
func (s *Server) StartHealthCheck() {
	s.healthOnce.Do(func() {
		s.wg.Add(1)
		go s.healthLoop()
	})
}

// Stop closes the listener, the current peer, and the health loop.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	peer := s.current
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.healthStop) })

	if peer != nil {
		peer.Close(websocket.CloseGoingAway, "relay shutting down")
	}
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

// StepDown releases the port and tells the peer to reconnect, after another
// instance took leadership. The server keeps its state for status queries.
func (s *Server) StepDown(newOwner leader.Identity) {
	s.mu.Lock()
	if s.steppedDown {
		s.mu.Unlock()
		return
	}
	s.steppedDown = true
	srv := s.httpServer
	s.httpServer = nil
	peer := s.current
	s.mu.Unlock()

	s.logger.Warn("Stepping down, another relay is active",
		"new_instance_id", newOwner.InstanceID,
		"new_pid", newOwner.PID)

	if peer != nil {
		peer.Close(CloseStepDown, "relay leadership moved")
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Debug("Relay shutdown after step-down", "error", err)
		}
	}
}

// SteppedDown reports whether StepDown ran.
func (s *Server) SteppedDown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.steppedDown
}

// Current returns the current peer, or nil.
func (s *Server) Current() Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	return s.current
}

// State returns a snapshot of the connection state.
func (s *Server) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Send writes msg to ch and refreshes the link's activity time. It returns
// false, without raising, when this instance is not the active relay, ch is
// not open, or the write fails.
func (s *Server) Send(ch Channel, msg protocol.Message) bool {
	if !s.leader.IsActive() {
		s.logger.Debug("Dropping send, relay not active", "type", msg.Type)
		return false
	}
	if ch == nil || !ch.IsOpen() {
		s.logger.Debug("Dropping send, channel not open", "type", msg.Type)
		return false
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Warn("Failed to encode message", "type", msg.Type, "error", err)
		return false
	}
	if err := ch.WriteMessage(data); err != nil {
		s.logger.Warn("Failed to send message",
			"type", msg.Type, "peer_id", ch.ID(), "error", err)
		return false
	}

	s.mu.Lock()
	if s.current != nil && Channel(s.current) == ch {
		s.state.LastActivityAt = time.Now()
	}
	s.mu.Unlock()
	return true
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		s.logger.Warn("Handshake rate limit exceeded", "remote_addr", r.RemoteAddr)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	origin := r.Header.Get("Origin")
	if ok, reason := s.origins.check(origin); !ok {
		s.logger.Warn("Rejected relay connection", "origin", origin, "reason", reason)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	peer := newPeer(uuid.NewString(), origin, conn, s.cfg.WriteTimeout)
	s.accept(peer)
	s.readLoop(peer)
}

// accept makes peer the current peer, displacing any previous one.
func (s *Server) accept(peer *Peer) {
	now := time.Now()
	s.mu.Lock()
	prev := s.current
	s.current = peer
	s.state = ConnectionState{
		Connected:      true,
		Healthy:        true,
		LastActivityAt: now,
		ConnectedAt:    now,
		PeerID:         peer.ID(),
		Origin:         peer.Origin(),
	}
	s.mu.Unlock()

	log := logging.WithPeer(s.logger, peer.ID(), peer.Origin())
	if prev != nil {
		log.Info("Replacing previous peer", "previous_peer_id", prev.ID())
		prev.Close(CloseSuperseded, "superseded by a newer connection")
	}
	log.Info("Peer connected")

	id := s.leader.Identity()
	ack := protocol.Message{
		Type:             protocol.KindConnectionAck,
		ServerVersion:    s.cfg.Version,
		ServerInstanceID: id.InstanceID,
		ServerStartedAt:  id.StartedAt,
		Timestamp:        protocol.Now(),
	}
	s.write(peer, ack)
}

func (s *Server) readLoop(peer *Peer) {
	log := logging.WithPeer(s.logger, peer.ID(), peer.Origin())
	for {
		_, data, err := peer.conn.ReadMessage()
		if err != nil {
			peer.terminate(err)
			s.release(peer, err)
			return
		}
		s.touch(peer)

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Debug("Malformed frame", "error", err, "size", len(data))
			s.write(peer, protocol.NewError("Invalid message format"))
			continue
		}

		switch msg.Type {
		case protocol.KindKeepalivePing:
			s.write(peer, protocol.NewPong())
		case protocol.KindKeepalivePong:
		default:
			if msg.Type.Class() != protocol.ClassResponse {
				log.Debug("Ignoring unexpected message type", "type", msg.Type)
				continue
			}
			s.handlerMu.RLock()
			h := s.handler
			s.handlerMu.RUnlock()
			if h != nil {
				h(msg)
			}
		}
	}
}

// write sends a relay-generated control frame, bypassing the leadership
// check so keepalives and errors are answered on any live link.
func (s *Server) write(peer *Peer, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	if err := peer.WriteMessage(data); err != nil {
		s.logger.Debug("Failed to write control frame",
			"type", msg.Type, "peer_id", peer.ID(), "error", err)
	}
}

// touch records inbound activity. Only the current peer updates state.
func (s *Server) touch(peer *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != peer {
		return
	}
	s.state.LastActivityAt = time.Now()
	s.state.Healthy = true
}

// release clears the connection if peer is still the current one.
func (s *Server) release(peer *Peer, err error) {
	s.mu.Lock()
	isCurrent := s.current == peer
	if isCurrent {
		s.current = nil
		s.state.Connected = false
		s.state.Healthy = false
		s.state.PeerID = ""
		s.state.Origin = ""
		s.state.ReconnectAttempts++
	}
	s.mu.Unlock()

	log := logging.WithPeer(s.logger, peer.ID(), peer.Origin())
	if !isCurrent {
		log.Debug("Stale peer closed", "error", err)
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Info("Peer disconnected")
	} else {
		log.Warn("Peer connection lost", "error", err)
	}
}

func (s *Server) healthLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.healthStop:
			return
		case now := <-ticker.C:
			s.checkHealth(now)
		}
	}
}

// checkHealth flips Healthy to false when the current link has been idle
// longer than the inactivity window. The link stays open.
func (s *Server) checkHealth(now time.Time) {
	s.mu.Lock()
	if s.current == nil || !s.state.Healthy {
		s.mu.Unlock()
		return
	}
	idle := s.state.IdleFor(now)
	if idle <= s.cfg.InactivityTimeout {
		s.mu.Unlock()
		return
	}
	s.state.Healthy = false
	peerID := s.state.PeerID
	s.mu.Unlock()

	s.logger.Warn("Peer connection unhealthy, no recent activity",
		"peer_id", peerID, "idle", idle.Round(time.Second))
}

// HealthReport is the body served on /health.
type HealthReport struct {
	InstanceID string          `json:"instanceId"`
	PID        int             `json:"pid"`
	StartedAt  int64           `json:"startedAt"`
	Active     bool            `json:"active"`
	Version    string          `json:"version,omitempty"`
	Connection ConnectionState `json:"connection"`
}

// Health builds the current health report.
func (s *Server) Health() HealthReport {
	id := s.leader.Identity()
	return HealthReport{
		InstanceID: id.InstanceID,
		PID:        id.PID,
		StartedAt:  id.StartedAt,
		Active:     s.leader.IsActive() && !s.SteppedDown(),
		Version:    s.cfg.Version,
		Connection: s.State(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Health()); err != nil {
		s.logger.Debug("Failed to write health report", "error", err)
	}
}
