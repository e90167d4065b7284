package transport

import (
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/posvox/voiceserver/internal/wire"
)

// memStream is an in-memory io.ReadWriteCloser pipe used to simulate a
// WebTransport stream without a live QUIC connection.
type memStream struct {
	r io.Reader
	w io.Writer
	c func() error
}

func (m *memStream) Read(p []byte) (int, error)  { return m.r.Read(p) }
func (m *memStream) Write(p []byte) (int, error) { return m.w.Write(p) }
func (m *memStream) Close() error {
	if m.c != nil {
		return m.c()
	}
	return nil
}

func newPipeStream() (*memStream, *memStream) {
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	return &memStream{r: ar, w: bw}, &memStream{r: br, w: aw}
}

// fakeSession is a test double for Session, letting a test script the
// streams a simulated client opens and the datagrams it sends.
type fakeSession struct {
	incomingStreams chan io.ReadWriteCloser
	outgoingStreams chan io.ReadWriteCloser
	incomingDgrams  chan []byte
	closed          chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		incomingStreams: make(chan io.ReadWriteCloser, 8),
		outgoingStreams: make(chan io.ReadWriteCloser, 8),
		incomingDgrams:  make(chan []byte, 8),
		closed:          make(chan struct{}),
	}
}

func (f *fakeSession) AcceptStream(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case s := <-f.incomingStreams:
		return s, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeSession) OpenStream(ctx context.Context) (io.ReadWriteCloser, error) {
	server, client := newPipeStream()
	f.outgoingStreams <- client
	return server, nil
}

func (f *fakeSession) SendDatagram(data []byte) error { return nil }

func (f *fakeSession) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case d := <-f.incomingDgrams:
		return d, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeSession) CloseWithError(code uint32, reason string) error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeSession) RemoteAddr() string { return "test-peer" }

func writeFrame(w io.Writer, channel wire.Channel, payload []byte, withChannelByte bool) {
	if withChannelByte {
		w.Write([]byte{byte(channel)})
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	w.Write(lenBuf[:])
	w.Write(payload)
}

func TestHostConnectAndReceiveOnStream(t *testing.T) {
	accept := make(chan Session, 1)
	host := NewHost(accept, nil, 256)

	sess := newFakeSession()
	accept <- sess

	ev, ok := host.Service(time.Second)
	if !ok || ev.Kind != EventConnect {
		t.Fatalf("expected connect event, got %+v ok=%v", ev, ok)
	}

	serverSide, clientSide := newPipeStream()
	sess.incomingStreams <- serverSide
	go writeFrame(clientSide, wire.ChannelProtocol, []byte{1, 0, 1, 0}, true)

	ev, ok = host.Service(time.Second)
	if !ok || ev.Kind != EventReceive {
		t.Fatalf("expected receive event, got %+v ok=%v", ev, ok)
	}
	if ev.Channel != wire.ChannelProtocol {
		t.Fatalf("expected channel %d, got %d", wire.ChannelProtocol, ev.Channel)
	}
	if len(ev.Payload) != 4 {
		t.Fatalf("expected 4-byte payload, got %d", len(ev.Payload))
	}
}

func TestHostReceiveDatagram(t *testing.T) {
	accept := make(chan Session, 1)
	host := NewHost(accept, nil, 256)

	sess := newFakeSession()
	accept <- sess
	if _, ok := host.Service(time.Second); !ok {
		t.Fatal("expected connect event")
	}

	framed := append([]byte{byte(wire.ChannelUpdate)}, []byte("pos")...)
	sess.incomingDgrams <- framed

	ev, ok := host.Service(time.Second)
	if !ok || ev.Kind != EventReceive {
		t.Fatalf("expected receive event, got %+v ok=%v", ev, ok)
	}
	if ev.Channel != wire.ChannelUpdate || string(ev.Payload) != "pos" {
		t.Fatalf("unexpected datagram event: %+v", ev)
	}
}

func TestHostSendReliableOpensStreamAndFrames(t *testing.T) {
	accept := make(chan Session, 1)
	host := NewHost(accept, nil, 256)

	sess := newFakeSession()
	accept <- sess
	ev, _ := host.Service(time.Second)
	peer := ev.Peer

	// The fake stream is an unbuffered pipe, so Send's writes only
	// complete while this goroutine reads the client side concurrently.
	sendErr := make(chan error, 1)
	go func() {
		sendErr <- host.Send(context.Background(), peer, wire.ChannelHandshake, []byte("hello"), true)
	}()

	clientSide := <-sess.outgoingStreams
	buf := make([]byte, 1)
	if _, err := io.ReadFull(clientSide, buf); err != nil {
		t.Fatalf("read channel byte: %v", err)
	}
	if wire.Channel(buf[0]) != wire.ChannelHandshake {
		t.Fatalf("expected channel byte %d, got %d", wire.ChannelHandshake, buf[0])
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(clientSide, lenBuf[:]); err != nil {
		t.Fatalf("read length prefix: %v", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(clientSide, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("expected payload %q, got %q", "hello", payload)
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestHostDisconnectEmitsEvent(t *testing.T) {
	accept := make(chan Session, 1)
	host := NewHost(accept, nil, 256)

	sess := newFakeSession()
	accept <- sess
	ev, _ := host.Service(time.Second)
	peer := ev.Peer

	if err := host.Disconnect(peer, wire.DisconnectRejectedByHost); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	ev, ok := host.Service(time.Second)
	if !ok || ev.Kind != EventDisconnect {
		t.Fatalf("expected disconnect event, got %+v ok=%v", ev, ok)
	}
}
