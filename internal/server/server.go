// Package server wires the transport, session, spatial and audit
// packages into the programmatic command surface an embedding game
// server consumes, and owns the two long-running goroutines (network
// loop and audibility tick) plus the shutdown sequence.
package server

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/posvox/voiceserver/internal/audit"
	"github.com/posvox/voiceserver/internal/session"
	"github.com/posvox/voiceserver/internal/spatial"
	"github.com/posvox/voiceserver/internal/transport"
	"github.com/posvox/voiceserver/internal/wire"
)

// Config bundles everything New needs.
type Config struct {
	Addr                 string
	UpgradePath          string
	CertValidity         time.Duration
	CertHostname         string
	MaxClients           int
	Version              session.Version
	VoiceServerID        string
	VoiceChannelID       uint16
	VoiceChannelPassword string
	AuditDBPath          string // ":memory:" or empty disables persistence to disk but still records events
	HandshakeRateLimit   float64
	HandshakeRateBurst   int
	ShutdownDrain        time.Duration // 0 means the production default
}

// Server is the top-level orchestrator: the host-facing command surface
// plus the network and tick goroutines. serverMu is always acquired
// before the table's own lock, never after.
type Server struct {
	serverMu sync.Mutex // guards host existence
	host     *transport.Host

	table      *spatial.Table
	engine     *spatial.Engine
	controller *session.Controller
	auditLog   *audit.Log

	cfg Config

	runningMu sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New generates a TLS certificate, opens the WebTransport listener, and
// wires the session controller and audibility engine around a shared
// client table. The listener accepts sessions at once and the host queues
// their events, but the network loop and audibility tick do not run until
// Start is called.
func New(cfg Config) (*Server, error) {
	if cfg.MaxClients <= 0 || cfg.MaxClients > spatial.MaxClients {
		cfg.MaxClients = defaultMaxClients
	}
	if cfg.UpgradePath == "" {
		cfg.UpgradePath = defaultUpgradePath
	}

	tlsConfig, fingerprint, err := transport.GenerateTLSConfig(cfg.CertValidity, cfg.CertHostname)
	if err != nil {
		return nil, fmt.Errorf("server: generate tls config: %w", err)
	}
	log.Printf("[server] TLS certificate fingerprint: %s", fingerprint)

	host, err := transport.ListenAndServe(cfg.Addr, cfg.UpgradePath, tlsConfig, cfg.MaxClients)
	if err != nil {
		return nil, fmt.Errorf("server: listen: %w", err)
	}

	auditPath := cfg.AuditDBPath
	if auditPath == "" {
		auditPath = ":memory:"
	}
	auditLog, err := audit.Open(auditPath)
	if err != nil {
		host.Shutdown(0)
		return nil, fmt.Errorf("server: open audit log: %w", err)
	}

	table := spatial.NewTable()
	s := &Server{host: host, table: table, auditLog: auditLog, cfg: cfg}

	s.engine = spatial.NewEngine(table, s)

	backend := session.VoiceBackendInfo{
		ServerUniqueIdentifier: cfg.VoiceServerID,
		ChannelID:              cfg.VoiceChannelID,
		ChannelPassword:        cfg.VoiceChannelPassword,
	}
	cb := session.Callbacks{
		Connected:    func(gameID uint16) { auditLog.Record(gameID, audit.EventConnected, "") },
		Rejected:     func(gameID uint16, code uint8) { auditLog.Record(gameID, audit.EventRejected, fmt.Sprintf("status=%d", code)) },
		Disconnected: func(gameID uint16) { auditLog.Record(gameID, audit.EventDisconnected, "") },
	}
	s.controller = session.NewController(host, table, cfg.Version, backend, cb,
		rateLimitOrDefault(cfg.HandshakeRateLimit), burstOrDefault(cfg.HandshakeRateBurst))

	return s, nil
}

func rateLimitOrDefault(v float64) rate.Limit {
	if v <= 0 {
		return rate.Limit(handshakeRateLimit)
	}
	return rate.Limit(v)
}

func burstOrDefault(v int) int {
	if v <= 0 {
		return handshakeRateBurst
	}
	return v
}

// Start launches the network and tick goroutines and returns
// immediately.
func (s *Server) Start(ctx context.Context) {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.controller.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.engine.Run(runCtx)
	}()
}

// IsRunning reports whether Start has been called and Close has not.
func (s *Server) IsRunning() bool {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	return s.running
}

// Close stops accepting new work, shuts the transport host down (closing
// every peer's session) and waits the drain window for a graceful flush,
// then joins both goroutines, drains pending host callbacks and closes the
// audit log.
func (s *Server) Close() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.runningMu.Unlock()

	if cancel != nil {
		cancel()
	}

	drain := s.cfg.ShutdownDrain
	if drain <= 0 {
		drain = shutdownDrain
	}
	s.serverMu.Lock()
	s.host.Shutdown(drain)
	s.serverMu.Unlock()

	s.wg.Wait()
	s.controller.Close()
	s.auditLog.Close()
}

// --- Sink implementation: the audibility engine calls these after
// releasing the table's write lock, one listener at a time, so a slow
// send never blocks tick recomputation for other listeners. ---

// SendUpdate implements spatial.Sink: the added/removed delta always
// travels reliably, because the client's view of who it knows about must
// not desync on packet loss.
func (s *Server) SendUpdate(gameID uint16, pkt wire.UpdatePacket) {
	peer, ok := s.controller.PeerForGameID(gameID)
	if !ok {
		return
	}
	data, err := wire.EncodeUpdatePacket(pkt)
	if err != nil {
		log.Printf("[server] encode UpdatePacket for %d: %v", gameID, err)
		return
	}
	if err := s.host.Send(context.Background(), peer, wire.ChannelUpdate, data, true); err != nil {
		log.Printf("[server] send UpdatePacket to %d: %v", gameID, err)
	}
}

// SendPosition implements spatial.Sink: positions travel on the
// unreliable datagram path since the next tick supersedes any lost
// packet.
func (s *Server) SendPosition(gameID uint16, pkt wire.PositionPacket) {
	peer, ok := s.controller.PeerForGameID(gameID)
	if !ok {
		return
	}
	data := wire.EncodePositionPacket(pkt)
	if err := s.host.Send(context.Background(), peer, wire.ChannelUpdate, data, false); err != nil {
		log.Printf("[server] send PositionPacket to %d: %v", gameID, err)
	}
}

// Stats satisfies internal/metrics.TransportStats and internal/adminapi's
// TransportStats interfaces.
func (s *Server) Stats() (sends, bytes uint64) { return s.host.Stats() }

// PeerCount satisfies internal/adminapi's TransportStats interface.
func (s *Server) PeerCount() int { return s.host.PeerCount() }

// Table exposes the client table for internal/adminapi and
// internal/metrics, which only need its read-only ClientTable/
// ClientCounter surface.
func (s *Server) Table() *spatial.Table { return s.table }

// AuditLog exposes the audit log for an admin surface that wants to show
// recent lifecycle events.
func (s *Server) AuditLog() *audit.Log { return s.auditLog }

// Controller exposes the session controller for callback registration.
func (s *Server) Controller() *session.Controller { return s.controller }

// --- Callback registration. These delegate directly to the session
// controller's mutex-guarded setters so a host may call them from any
// thread at any time, before or after Start. ---

// RegisterConnectingCallback sets the synchronous accept/reject gate.
func (s *Server) RegisterConnectingCallback(fn func(gameID uint16, uniqueIdentity string) bool) {
	s.controller.RegisterConnectingCallback(fn)
}

// RegisterConnectedCallback sets the fire-and-forget connected hook.
// The audit-log recording installed by New keeps running alongside it.
func (s *Server) RegisterConnectedCallback(fn func(gameID uint16)) {
	s.controller.RegisterConnectedCallback(func(gameID uint16) {
		s.auditLog.Record(gameID, audit.EventConnected, "")
		fn(gameID)
	})
}

// RegisterRejectedCallback sets the fire-and-forget rejected hook.
// The audit-log recording installed by New keeps running alongside it.
func (s *Server) RegisterRejectedCallback(fn func(gameID uint16, statusCode uint8)) {
	s.controller.RegisterRejectedCallback(func(gameID uint16, statusCode uint8) {
		s.auditLog.Record(gameID, audit.EventRejected, fmt.Sprintf("status=%d", statusCode))
		fn(gameID, statusCode)
	})
}

// RegisterDisconnectedCallback sets the fire-and-forget disconnected
// hook. The audit-log recording installed by New keeps running alongside
// it.
func (s *Server) RegisterDisconnectedCallback(fn func(gameID uint16)) {
	s.controller.RegisterDisconnectedCallback(func(gameID uint16) {
		s.auditLog.Record(gameID, audit.EventDisconnected, "")
		fn(gameID)
	})
}

// RegisterTalkingChangedCallback sets the talking-state hook.
func (s *Server) RegisterTalkingChangedCallback(fn func(gameID uint16, talking bool)) {
	s.controller.RegisterTalkingChangedCallback(fn)
}

// RegisterMicMuteChangedCallback sets the microphone-mute hook.
func (s *Server) RegisterMicMuteChangedCallback(fn func(gameID uint16, muted bool)) {
	s.controller.RegisterMicMuteChangedCallback(fn)
}

// RegisterSpeakersMuteChangedCallback sets the speakers-mute hook.
func (s *Server) RegisterSpeakersMuteChangedCallback(fn func(gameID uint16, muted bool)) {
	s.controller.RegisterSpeakersMuteChangedCallback(fn)
}
