package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

// webtransportSession adapts *webtransport.Session to the Session
// interface.
type webtransportSession struct {
	sess *webtransport.Session
}

func (w *webtransportSession) AcceptStream(ctx context.Context) (io.ReadWriteCloser, error) {
	return w.sess.AcceptStream(ctx)
}

func (w *webtransportSession) OpenStream(ctx context.Context) (io.ReadWriteCloser, error) {
	return w.sess.OpenStreamSync(ctx)
}

func (w *webtransportSession) SendDatagram(data []byte) error {
	return w.sess.SendDatagram(data)
}

func (w *webtransportSession) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return w.sess.ReceiveDatagram(ctx)
}

func (w *webtransportSession) CloseWithError(code uint32, reason string) error {
	return w.sess.CloseWithError(webtransport.SessionErrorCode(code), reason)
}

func (w *webtransportSession) RemoteAddr() string {
	return w.sess.RemoteAddr().String()
}

// ListenAndServe starts a WebTransport/HTTP3 server on addr and returns a
// Host that reports connect/receive/disconnect events through Service.
// path is the single HTTP upgrade path the voice protocol is served on
// (all four logical channels multiplex over the one WebTransport session).
// The UDP socket is bound synchronously so an unusable address fails here
// rather than surfacing later as a dead listener.
func ListenAndServe(addr, path string, tlsConfig *tls.Config, maxPeers int) (*Host, error) {
	accept := make(chan Session, 64)

	wtServer := &webtransport.Server{
		H3: &http3.Server{
			Addr:      addr,
			TLSConfig: tlsConfig,
		},
		CheckOrigin: func(_ *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		sess, err := wtServer.Upgrade(w, r)
		if err != nil {
			log.Printf("[transport] webtransport upgrade failed: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		accept <- &webtransportSession{sess: sess}
	})
	wtServer.H3.Handler = mux

	udpConn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}

	go func() {
		if err := wtServer.Serve(udpConn); err != nil {
			log.Printf("[transport] serve: %v", err)
		}
		close(accept)
	}()

	stop := func() {
		wtServer.Close()
		udpConn.Close()
	}

	return NewHost(accept, stop, maxPeers), nil
}
