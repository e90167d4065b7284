// Package transport provides a channelised, connection-oriented datagram
// service over WebTransport: reliable bidirectional streams carry the
// ordered control channels, and WebTransport datagrams carry loss-
// tolerant position traffic.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/posvox/voiceserver/internal/wire"
)

// MaxFrameSize bounds a single reliable-stream frame to guard against a
// misbehaving peer claiming an unbounded length prefix.
const MaxFrameSize = 64 * 1024

// EventKind classifies one Service() result.
type EventKind int

const (
	EventNone EventKind = iota
	EventConnect
	EventDisconnect
	EventReceive
	EventError
)

// Event is one occurrence reported by Service.
type Event struct {
	Kind    EventKind
	Peer    *Peer
	Channel wire.Channel
	Payload []byte
	Err     error
}

// Session is the subset of a WebTransport session the core needs. It is
// an interface so internal/transport and internal/session can be tested
// against a fake without a live QUIC connection.
type Session interface {
	AcceptStream(ctx context.Context) (io.ReadWriteCloser, error)
	OpenStream(ctx context.Context) (io.ReadWriteCloser, error)
	SendDatagram([]byte) error
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	CloseWithError(code uint32, reason string) error
	RemoteAddr() string
}

// Peer is an opaque, comparable handle for a connected session.
type Peer struct {
	id      uint64
	session Session

	mu      sync.Mutex
	streams map[wire.Channel]io.ReadWriteCloser
}

func (p *Peer) streamFor(ctx context.Context, ch wire.Channel) (io.ReadWriteCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.streams[ch]; ok {
		return s, nil
	}
	s, err := p.session.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.Write([]byte{byte(ch)}); err != nil {
		s.Close()
		return nil, err
	}
	p.streams[ch] = s
	return s, nil
}

// Host accepts sessions, demultiplexes their reliable streams by leading
// channel-ID byte, reads unreliable datagrams, and exposes everything
// through a single Service loop, so internal/session's controller needs
// no awareness of WebTransport itself.
type Host struct {
	accept  <-chan Session
	stopAcc func()

	maxPeers int

	mu     sync.Mutex
	peers  map[uint64]*Peer
	nextID uint64

	events chan Event

	// Metrics, reset on each Stats call.
	totalSends atomic.Uint64
	totalBytes atomic.Uint64
}

// NewHost wires a Host around an already-listening session source. The
// caller (internal/transport's quic.go, or a test fake) supplies accept
// as a channel of newly established sessions.
func NewHost(accept <-chan Session, stopAccepting func(), maxPeers int) *Host {
	h := &Host{
		accept:   accept,
		stopAcc:  stopAccepting,
		maxPeers: maxPeers,
		peers:    make(map[uint64]*Peer),
		events:   make(chan Event, 256),
	}
	go h.acceptLoop()
	return h
}

func (h *Host) acceptLoop() {
	for sess := range h.accept {
		h.mu.Lock()
		full := len(h.peers) >= h.maxPeers
		h.mu.Unlock()
		if full {
			sess.CloseWithError(uint32(wire.DisconnectRejectedByHost), "server full")
			continue
		}
		h.mu.Lock()
		id := h.nextID
		h.nextID++
		peer := &Peer{id: id, session: sess, streams: make(map[wire.Channel]io.ReadWriteCloser)}
		h.peers[id] = peer
		h.mu.Unlock()

		h.events <- Event{Kind: EventConnect, Peer: peer}
		go h.servePeer(peer)
	}
}

func (h *Host) servePeer(peer *Peer) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.readDatagrams(ctx, peer)

	for {
		stream, err := peer.session.AcceptStream(ctx)
		if err != nil {
			h.removePeer(peer)
			return
		}
		go h.readStream(peer, stream)
	}
}

func (h *Host) readDatagrams(ctx context.Context, peer *Peer) {
	for {
		data, err := peer.session.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		if len(data) < 1 {
			continue
		}
		ch := wire.Channel(data[0])
		h.events <- Event{Kind: EventReceive, Peer: peer, Channel: ch, Payload: data[1:]}
	}
}

func (h *Host) readStream(peer *Peer, stream io.ReadWriteCloser) {
	br := bufio.NewReader(stream)
	chByte, err := br.ReadByte()
	if err != nil {
		return
	}
	ch := wire.Channel(chByte)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			return
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		if n > MaxFrameSize {
			log.Printf("[transport] peer %d: frame of %d bytes exceeds max, dropping connection", peer.id, n)
			return
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(br, payload); err != nil {
			return
		}
		h.events <- Event{Kind: EventReceive, Peer: peer, Channel: ch, Payload: payload}
	}
}

func (h *Host) removePeer(peer *Peer) {
	h.mu.Lock()
	_, existed := h.peers[peer.id]
	delete(h.peers, peer.id)
	h.mu.Unlock()
	if existed {
		h.events <- Event{Kind: EventDisconnect, Peer: peer}
	}
}

// Service blocks up to timeout for the next event. A zero EventKind with
// ok=false indicates the timeout elapsed with nothing to report.
func (h *Host) Service(timeout time.Duration) (Event, bool) {
	select {
	case ev := <-h.events:
		return ev, true
	case <-time.After(timeout):
		return Event{}, false
	}
}

// Send transmits payload to peer on the given channel. reliable selects
// between the length-prefixed stream path and the datagram path; control
// channels always use the stream path, only position traffic rides
// datagrams.
func (h *Host) Send(ctx context.Context, peer *Peer, channel wire.Channel, payload []byte, reliable bool) error {
	h.totalSends.Add(1)
	h.totalBytes.Add(uint64(len(payload)))

	if !reliable {
		framed := make([]byte, 1+len(payload))
		framed[0] = byte(channel)
		copy(framed[1:], payload)
		return peer.session.SendDatagram(framed)
	}

	stream, err := peer.streamFor(ctx, channel)
	if err != nil {
		return fmt.Errorf("transport: open stream for channel %d: %w", channel, err)
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := stream.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = stream.Write(payload)
	return err
}

// Stats returns accumulated send/byte counts since the last call and
// resets them.
func (h *Host) Stats() (sends, bytes uint64) {
	return h.totalSends.Swap(0), h.totalBytes.Swap(0)
}

// PeerCount returns the number of currently connected peers.
func (h *Host) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Disconnect immediately closes peer's session with the given user code.
func (h *Host) Disconnect(peer *Peer, userCode uint16) error {
	err := peer.session.CloseWithError(uint32(userCode), "")
	h.removePeer(peer)
	return err
}

// DisconnectLater closes peer's session after a short flush window, so a
// response written just before (an outdated-version notice) still
// reaches the peer.
func (h *Host) DisconnectLater(peer *Peer, userCode uint16) {
	go func() {
		time.Sleep(200 * time.Millisecond)
		h.Disconnect(peer, userCode)
	}()
}

// AddressOf returns peer's remote address for logging.
func (h *Host) AddressOf(peer *Peer) string {
	return peer.session.RemoteAddr()
}

// Shutdown stops accepting new sessions and closes every connected peer,
// then sleeps for the full drain window so in-flight sends can flush. The
// drain window is
// a parameter so tests don't wait the full production duration.
func (h *Host) Shutdown(drain time.Duration) {
	if h.stopAcc != nil {
		h.stopAcc()
	}
	h.mu.Lock()
	peers := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.session.CloseWithError(0, "server shutting down")
	}
	time.Sleep(drain)
}

// ErrHostClosed names a closed host. No Host method returns it: Send and
// Disconnect issued after Shutdown go straight to the peer's session and
// return whatever error that session reports.
var ErrHostClosed = errors.New("transport: host closed")
