// Package session drives the per-peer connection state machine: protocol
// negotiation, handshake authorization, status diffing, and disconnect
// handling.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/posvox/voiceserver/internal/spatial"
	"github.com/posvox/voiceserver/internal/transport"
	"github.com/posvox/voiceserver/internal/wire"
)

// VoiceBackendInfo is the voice-chat backend's coordinates, sent back in
// every HandshakeResponse so clients can join the right channel.
type VoiceBackendInfo struct {
	ServerUniqueIdentifier string
	ChannelID              uint16
	ChannelPassword        string
}

// Version identifies this side's protocol version and the minimum it
// requires of the other side.
type Version struct {
	Major, Minor               uint8
	MinimumMajor, MinimumMinor uint8
}

// Controller drives the per-peer state machine: a client record exists
// for a raw connection only once the handshake gate accepts it. The
// controller keeps no per-peer record of version negotiation, so a
// handshake is processed whether or not a ProtocolPacket preceded it.
type Controller struct {
	host    *transport.Host
	table   *spatial.Table
	version Version
	backend VoiceBackendInfo
	cb      Callbacks
	async   *asyncDispatcher

	cbMu sync.RWMutex // registration may happen on any caller thread

	peerMu     sync.Mutex // guards the peer<->gameID bookkeeping maps
	peerToGame map[*transport.Peer]uint16
	gameToPeer map[uint16]*transport.Peer

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	rateLimit rate.Limit
	rateBurst int
}

// NewController wires a session controller around an already-running
// transport Host and a shared client table. rateLimit/rateBurst bound
// handshake attempts per remote address; pass 0 to disable throttling
// entirely (used by tests).
func NewController(host *transport.Host, table *spatial.Table, version Version, backend VoiceBackendInfo, cb Callbacks, rateLimit rate.Limit, rateBurst int) *Controller {
	return &Controller{
		host:       host,
		table:      table,
		version:    version,
		backend:    backend,
		cb:         cb,
		async:      newAsyncDispatcher(asyncDispatcherWorkers, 256),
		peerToGame: make(map[*transport.Peer]uint16),
		gameToPeer: make(map[uint16]*transport.Peer),
		limiters:   make(map[string]*rate.Limiter),
		rateLimit:  rateLimit,
		rateBurst:  rateBurst,
	}
}

func (c *Controller) allowHandshake(peer *transport.Peer) bool {
	if c.rateLimit <= 0 {
		return true
	}
	addr := c.host.AddressOf(peer)
	c.limiterMu.Lock()
	lim, ok := c.limiters[addr]
	if !ok {
		lim = rate.NewLimiter(c.rateLimit, c.rateBurst)
		c.limiters[addr] = lim
	}
	c.limiterMu.Unlock()
	return lim.Allow()
}

// Run services transport events until ctx is cancelled. It is the only
// goroutine that touches the transport event queue.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		ev, ok := c.host.Service(time.Millisecond)
		if !ok {
			continue
		}
		c.handleEvent(ctx, ev)
	}
}

// Close drains the async callback dispatcher, guaranteeing every
// in-flight non-gate callback finishes before returning.
func (c *Controller) Close() {
	c.async.close()
}

func (c *Controller) handleEvent(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnect:
		// No client record is created on raw connect; that waits for a
		// completed handshake.
	case transport.EventDisconnect:
		c.handleDisconnect(ev.Peer)
	case transport.EventReceive:
		c.handleReceive(ctx, ev.Peer, ev.Channel, ev.Payload)
	case transport.EventError:
		log.Printf("[session] transport error: %v", ev.Err)
	}
}

func (c *Controller) handleReceive(ctx context.Context, peer *transport.Peer, ch wire.Channel, payload []byte) {
	switch ch {
	case wire.ChannelProtocol:
		c.handleProtocol(ctx, peer, payload)
	case wire.ChannelHandshake:
		c.handleHandshake(ctx, peer, payload)
	case wire.ChannelStatus:
		c.handleStatus(peer, payload)
	default:
		log.Printf("[session] dropping receive on unknown channel %d from %s", ch, c.host.AddressOf(peer))
	}
}

func (c *Controller) handleProtocol(ctx context.Context, peer *transport.Peer, payload []byte) {
	p, err := wire.DecodeProtocolPacket(payload)
	if err != nil {
		log.Printf("[session] decode ProtocolPacket from %s: %v", c.host.AddressOf(peer), err)
		return
	}

	clientAcceptable := p.VersionMajor == c.version.MinimumMajor && p.VersionMinor >= c.version.MinimumMinor
	serverAcceptable := c.version.Major == p.MinimumVersionMajor && c.version.Minor >= p.MinimumVersionMinor

	if !clientAcceptable || !serverAcceptable {
		resp := wire.ProtocolResponse{
			StatusCode:   wire.StatusOutdatedProtocolVersion,
			VersionMajor: c.version.Major,
			VersionMinor: c.version.Minor,
		}
		c.send(ctx, peer, wire.ChannelProtocol, wire.EncodeProtocolResponse(resp))
		code := wire.DisconnectOutdatedServer
		if !clientAcceptable {
			code = wire.DisconnectOutdatedClient
		}
		c.host.DisconnectLater(peer, code)
		return
	}

	resp := wire.ProtocolResponse{StatusCode: wire.StatusOK, VersionMajor: c.version.Major, VersionMinor: c.version.Minor}
	c.send(ctx, peer, wire.ChannelProtocol, wire.EncodeProtocolResponse(resp))
}

func (c *Controller) handleHandshake(ctx context.Context, peer *transport.Peer, payload []byte) {
	if !c.allowHandshake(peer) {
		c.host.Disconnect(peer, wire.DisconnectRejectedByHost)
		return
	}

	p, err := wire.DecodeHandshakePacket(payload)
	if err != nil {
		log.Printf("[session] decode HandshakePacket from %s: %v", c.host.AddressOf(peer), err)
		return
	}

	if p.StatusCode != wire.StatusOK {
		c.host.Disconnect(peer, wire.DisconnectDefault)
		c.dispatchRejected(p.GameID, p.StatusCode)
		return
	}

	if p.TeamspeakID == 0 {
		resp := wire.HandshakeResponse{
			StatusCode:                      wire.StatusOK,
			Reason:                          "OK",
			TeamspeakServerUniqueIdentifier: c.backend.ServerUniqueIdentifier,
			ChannelID:                       c.backend.ChannelID,
			ChannelPassword:                 c.backend.ChannelPassword,
		}
		data, err := wire.EncodeHandshakeResponse(resp)
		if err != nil {
			log.Printf("[session] encode HandshakeResponse: %v", err)
			return
		}
		c.send(ctx, peer, wire.ChannelHandshake, data)
		return
	}

	// A second handshake against an already-used game_id is rejected
	// here without consulting the host. Like the !accepted branch below,
	// this is a gate rejection, not a bad incoming status — the Rejected
	// callback does not fire for it.
	if _, exists := c.table.Get(p.GameID); exists {
		c.host.Disconnect(peer, wire.DisconnectRejectedByHost)
		return
	}

	cb := c.callbacks()
	accepted := cb.Connecting != nil && cb.Connecting(p.GameID, p.TeamspeakClientUniqueIdentity)
	if !accepted {
		c.host.Disconnect(peer, wire.DisconnectRejectedByHost)
		return
	}

	client := spatial.NewClient(p.GameID, p.TeamspeakID, p.TeamspeakClientUniqueIdentity)
	client.Connected = true
	if err := c.table.Add(client); err != nil {
		log.Printf("[session] add client %d: %v", p.GameID, err)
		c.host.Disconnect(peer, wire.DisconnectRejectedByHost)
		c.dispatchRejected(p.GameID, wire.StatusRejected)
		return
	}

	c.peerMu.Lock()
	c.peerToGame[peer] = p.GameID
	c.gameToPeer[p.GameID] = peer
	c.peerMu.Unlock()

	resp := wire.HandshakeResponse{
		StatusCode:                      wire.StatusOK,
		Reason:                          "OK",
		TeamspeakServerUniqueIdentifier: c.backend.ServerUniqueIdentifier,
		ChannelID:                       c.backend.ChannelID,
		ChannelPassword:                 c.backend.ChannelPassword,
	}
	data, err := wire.EncodeHandshakeResponse(resp)
	if err == nil {
		c.send(ctx, peer, wire.ChannelHandshake, data)
	}

	gameID := p.GameID
	if cb.Connected != nil {
		c.async.submit(func() { cb.Connected(gameID) })
	}
}

func (c *Controller) handleStatus(peer *transport.Peer, payload []byte) {
	c.peerMu.Lock()
	gameID, ok := c.peerToGame[peer]
	c.peerMu.Unlock()
	if !ok {
		log.Printf("[session] status packet from unassociated peer %s", c.host.AddressOf(peer))
		return
	}

	p, err := wire.DecodeStatusPacket(payload)
	if err != nil {
		log.Printf("[session] decode StatusPacket: %v", err)
		return
	}

	diff, err := c.table.UpdateStatus(gameID, p.Talking, p.MicrophoneMuted, p.SpeakersMuted)
	if err != nil {
		log.Printf("[session] status update for unknown client %d", gameID)
		return
	}

	cb := c.callbacks()
	// All three fire from one submitted unit so the worker pool cannot
	// reorder them: always talking, then mic, then speakers.
	c.async.submit(func() {
		if diff.TalkingChanged && cb.TalkingChanged != nil {
			cb.TalkingChanged(gameID, diff.Talking)
		}
		if diff.MicChanged && cb.MicMuteChanged != nil {
			cb.MicMuteChanged(gameID, diff.MicMuted)
		}
		if diff.SpeakersChanged && cb.SpeakersMuteChanged != nil {
			cb.SpeakersMuteChanged(gameID, diff.SpeakersMuted)
		}
	})
}

func (c *Controller) handleDisconnect(peer *transport.Peer) {
	c.peerMu.Lock()
	gameID, ok := c.peerToGame[peer]
	delete(c.peerToGame, peer)
	if ok {
		delete(c.gameToPeer, gameID)
	}
	c.peerMu.Unlock()
	if !ok {
		return
	}

	c.table.Remove(gameID)
	cb := c.callbacks()
	if cb.Disconnected != nil {
		c.async.submit(func() { cb.Disconnected(gameID) })
	}
}

func (c *Controller) dispatchRejected(gameID uint16, statusCode uint8) {
	cb := c.callbacks()
	if cb.Rejected != nil {
		c.async.submit(func() { cb.Rejected(gameID, statusCode) })
	}
}

// ForceRemove forcefully removes a client, equivalent to a disconnect.
// If a transport peer is associated with gameID, closing it lets the
// normal disconnect event path perform the table removal and fire the
// Disconnected callback exactly once. Synthetic clients with no
// transport peer (e.g. the sim bot) are removed directly.
func (c *Controller) ForceRemove(gameID uint16) bool {
	if peer, ok := c.PeerForGameID(gameID); ok {
		c.host.Disconnect(peer, wire.DisconnectDefault)
		return true
	}
	removed := c.table.Remove(gameID)
	if removed == nil {
		return false
	}
	cb := c.callbacks()
	if cb.Disconnected != nil {
		c.async.submit(func() { cb.Disconnected(gameID) })
	}
	return true
}

// PeerForGameID returns the transport peer associated with gameID, if
// any — used by the command surface (internal/server) to route
// forceful-removal disconnects.
func (c *Controller) PeerForGameID(gameID uint16) (*transport.Peer, bool) {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	p, ok := c.gameToPeer[gameID]
	return p, ok
}

func (c *Controller) send(ctx context.Context, peer *transport.Peer, ch wire.Channel, payload []byte) {
	// Control-channel responses always travel reliably; only position
	// traffic may use the lossy datagram path.
	if err := c.host.Send(ctx, peer, ch, payload, true); err != nil {
		log.Printf("[session] send on channel %d to %s: %v", ch, c.host.AddressOf(peer), err)
	}
}
