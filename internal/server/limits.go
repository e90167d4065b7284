package server

import "time"

// shutdownDrain is how long Close waits for peers to flush a graceful
// disconnect before the transport host is torn down.
const shutdownDrain = 3 * time.Second

// defaultMaxClients caps the client table.
const defaultMaxClients = 256

// handshakeRateLimit bounds handshake attempts per remote address to
// absorb a burst of reconnecting or misbehaving clients.
const handshakeRateLimit = 5 // attempts per second

const handshakeRateBurst = 10

// defaultUpgradePath is the single HTTP path the WebTransport session is
// negotiated on; all four logical channels then multiplex over it.
const defaultUpgradePath = "/voice"
