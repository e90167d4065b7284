package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/posvox/voiceserver/internal/spatial"
	"github.com/posvox/voiceserver/internal/transport"
	"github.com/posvox/voiceserver/internal/wire"
)

// fakeSession is a minimal transport.Session double, mirroring the one in
// internal/transport's own tests but kept local since it's unexported
// there.
type fakeSession struct {
	mu        sync.Mutex
	streams   []io.ReadWriteCloser
	dgrams    chan []byte
	closed    chan struct{}
	closeCode uint32
}

func newFakeSession() *fakeSession {
	return &fakeSession{dgrams: make(chan []byte, 8), closed: make(chan struct{})}
}

func (f *fakeSession) AcceptStream(ctx context.Context) (io.ReadWriteCloser, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSession) OpenStream(ctx context.Context) (io.ReadWriteCloser, error) {
	r, w := io.Pipe()
	go io.Copy(io.Discard, r)
	f.mu.Lock()
	f.streams = append(f.streams, struct {
		io.Reader
		io.Writer
		io.Closer
	}{r, w, w})
	f.mu.Unlock()
	return struct {
		io.Reader
		io.Writer
		io.Closer
	}{r, w, w}, nil
}

func (f *fakeSession) SendDatagram(data []byte) error { return nil }

func (f *fakeSession) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case d := <-f.dgrams:
		return d, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeSession) CloseWithError(code uint32, reason string) error {
	f.mu.Lock()
	f.closeCode = code
	f.mu.Unlock()
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeSession) RemoteAddr() string { return "test-peer" }

func newTestController(t *testing.T, cb Callbacks) (*Controller, *transport.Host, *fakeSession) {
	t.Helper()
	accept := make(chan transport.Session, 1)
	host := transport.NewHost(accept, nil, 256)
	sess := newFakeSession()
	accept <- sess

	table := spatial.NewTable()
	version := Version{Major: 1, Minor: 0, MinimumMajor: 1, MinimumMinor: 0}
	backend := VoiceBackendInfo{ServerUniqueIdentifier: "srv-uid", ChannelID: 5, ChannelPassword: "pw"}
	ctrl := NewController(host, table, version, backend, cb, 0, 0)
	return ctrl, host, sess
}

func TestHappyHandshake(t *testing.T) {
	var connectedID uint16
	var connectedCalled = make(chan struct{}, 1)
	cb := Callbacks{
		Connecting: func(gameID uint16, identity string) bool { return true },
		Connected: func(gameID uint16) {
			connectedID = gameID
			connectedCalled <- struct{}{}
		},
	}
	ctrl, host, _ := newTestController(t, cb)
	ctx := context.Background()

	ev, ok := host.Service(time.Second)
	if !ok || ev.Kind != transport.EventConnect {
		t.Fatalf("expected connect event, got %+v ok=%v", ev, ok)
	}
	peer := ev.Peer

	proto := wire.EncodeProtocolPacket(wire.ProtocolPacket{VersionMajor: 1, VersionMinor: 0, MinimumVersionMajor: 1, MinimumVersionMinor: 0})
	ctrl.handleProtocol(ctx, peer, proto)

	hs, err := wire.EncodeHandshakePacket(wire.HandshakePacket{StatusCode: wire.StatusOK, GameID: 7, TeamspeakID: 0})
	if err != nil {
		t.Fatalf("encode handshake: %v", err)
	}
	ctrl.handleHandshake(ctx, peer, hs)

	hs2, err := wire.EncodeHandshakePacket(wire.HandshakePacket{StatusCode: wire.StatusOK, GameID: 7, TeamspeakID: 42, TeamspeakClientUniqueIdentity: "abc"})
	if err != nil {
		t.Fatalf("encode handshake 2: %v", err)
	}
	ctrl.handleHandshake(ctx, peer, hs2)

	select {
	case <-connectedCalled:
	case <-time.After(time.Second):
		t.Fatal("expected Connected callback to fire")
	}
	if connectedID != 7 {
		t.Fatalf("expected connected game id 7, got %d", connectedID)
	}
}

// A Connecting callback returning false is a gate rejection, not a bad
// incoming status: the peer is disconnected with the rejected code and
// the Rejected callback must NOT fire.
func TestConnectingRejectedDoesNotFireCallback(t *testing.T) {
	rejectedCalled := make(chan struct{}, 1)
	cb := Callbacks{
		Connecting: func(gameID uint16, identity string) bool { return false },
		Rejected: func(gameID uint16, statusCode uint8) {
			rejectedCalled <- struct{}{}
		},
	}
	accept := make(chan transport.Session, 1)
	host := transport.NewHost(accept, nil, 256)
	sess := newFakeSession()
	accept <- sess
	table := spatial.NewTable()
	version := Version{Major: 1, Minor: 0, MinimumMajor: 1, MinimumMinor: 0}
	ctrl := NewController(host, table, version, VoiceBackendInfo{}, cb, 0, 0)

	ev, _ := host.Service(time.Second)
	peer := ev.Peer

	hs, err := wire.EncodeHandshakePacket(wire.HandshakePacket{StatusCode: wire.StatusOK, GameID: 9, TeamspeakID: 42})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ctrl.handleHandshake(context.Background(), peer, hs)

	ev2, ok := host.Service(time.Second)
	if !ok || ev2.Kind != transport.EventDisconnect {
		t.Fatalf("expected disconnect event, got %+v ok=%v", ev2, ok)
	}
	select {
	case <-rejectedCalled:
		t.Fatal("expected Rejected callback NOT to fire on a connecting-callback rejection")
	case <-time.After(100 * time.Millisecond):
	}
	if _, exists := table.Get(9); exists {
		t.Fatal("expected no client record created on rejection")
	}
}

// A handshake arriving with a non-OK status code is the bad-incoming-
// status branch: immediate disconnect with the default code, and the
// Rejected callback fires — distinct from the Connecting gate above.
func TestBadHandshakeStatusFiresRejected(t *testing.T) {
	var rejectedCode uint8
	rejectedCalled := make(chan struct{}, 1)
	cb := Callbacks{
		Rejected: func(gameID uint16, statusCode uint8) {
			rejectedCode = statusCode
			rejectedCalled <- struct{}{}
		},
	}
	accept := make(chan transport.Session, 1)
	host := transport.NewHost(accept, nil, 256)
	sess := newFakeSession()
	accept <- sess
	table := spatial.NewTable()
	version := Version{Major: 1, Minor: 0, MinimumMajor: 1, MinimumMinor: 0}
	ctrl := NewController(host, table, version, VoiceBackendInfo{}, cb, 0, 0)

	ev, _ := host.Service(time.Second)
	peer := ev.Peer

	hs, err := wire.EncodeHandshakePacket(wire.HandshakePacket{StatusCode: wire.StatusRejected, GameID: 9})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ctrl.handleHandshake(context.Background(), peer, hs)

	select {
	case <-rejectedCalled:
	case <-time.After(time.Second):
		t.Fatal("expected Rejected callback to fire")
	}
	if rejectedCode != wire.StatusRejected {
		t.Fatalf("expected StatusRejected, got %d", rejectedCode)
	}
	if _, exists := table.Get(9); exists {
		t.Fatal("expected no client record created on rejection")
	}
}

func TestOutdatedClientDisconnected(t *testing.T) {
	ctrl, host, sess := newTestController(t, Callbacks{})
	ev, _ := host.Service(time.Second)
	peer := ev.Peer

	// Client at (0,9) min (0,9) against a server at (1,0) min (1,0):
	// both directions are unacceptable, and the client-outdated code
	// must still win.
	proto := wire.EncodeProtocolPacket(wire.ProtocolPacket{VersionMajor: 0, VersionMinor: 9, MinimumVersionMajor: 0, MinimumVersionMinor: 9})
	ctrl.handleProtocol(context.Background(), peer, proto)

	ev2, ok := host.Service(time.Second)
	if !ok || ev2.Kind != transport.EventDisconnect {
		t.Fatalf("expected disconnect event after outdated protocol exchange, got %+v ok=%v", ev2, ok)
	}
	sess.mu.Lock()
	code := sess.closeCode
	sess.mu.Unlock()
	if code != uint32(wire.DisconnectOutdatedClient) {
		t.Fatalf("expected DisconnectOutdatedClient, got %d", code)
	}
}

func TestStatusDiffFiresInOrder(t *testing.T) {
	accept := make(chan transport.Session, 1)
	host := transport.NewHost(accept, nil, 256)
	sess := newFakeSession()
	accept <- sess
	table := spatial.NewTable()
	client := spatial.NewClient(3, 30, "id")
	client.Connected = true
	if err := table.Add(client); err != nil {
		t.Fatalf("add: %v", err)
	}

	var order []string
	var mu sync.Mutex
	done := make(chan struct{}, 3)
	cb := Callbacks{
		TalkingChanged: func(uint16, bool) {
			mu.Lock()
			order = append(order, "talking")
			mu.Unlock()
			done <- struct{}{}
		},
		MicMuteChanged: func(uint16, bool) {
			mu.Lock()
			order = append(order, "mic")
			mu.Unlock()
			done <- struct{}{}
		},
		SpeakersMuteChanged: func(uint16, bool) {
			mu.Lock()
			order = append(order, "speakers")
			mu.Unlock()
			done <- struct{}{}
		},
	}
	ctrl := NewController(host, table, Version{Major: 1, MinimumMajor: 1}, VoiceBackendInfo{}, cb, 0, 0)

	ev, _ := host.Service(time.Second)
	peer := ev.Peer
	ctrl.peerMu.Lock()
	ctrl.peerToGame[peer] = 3
	ctrl.peerMu.Unlock()

	status := wire.EncodeStatusPacket(wire.StatusPacket{Talking: true, MicrophoneMuted: true, SpeakersMuted: true})
	ctrl.handleStatus(peer, status)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for status callbacks")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "talking" || order[1] != "mic" || order[2] != "speakers" {
		t.Fatalf("expected talking,mic,speakers order, got %v", order)
	}
}
