// Command voxserver runs the positional voice coordination server: a
// WebTransport listener, a 20Hz audibility engine, and a read-only admin
// HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/posvox/voiceserver/internal/adminapi"
	"github.com/posvox/voiceserver/internal/audit"
	"github.com/posvox/voiceserver/internal/metrics"
	"github.com/posvox/voiceserver/internal/server"
	"github.com/posvox/voiceserver/internal/session"
)

const versionString = "0.1.0"

func openAuditForCLI(path string) (*audit.Log, error) {
	if path == "" {
		path = "voxserver-audit.db"
	}
	return audit.Open(path)
}

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], "voxserver-audit.db") {
			return
		}
	}

	addr := flag.String("addr", ":8443", "WebTransport listen address")
	apiAddr := flag.String("api-addr", ":8080", "admin HTTP API listen address (empty to disable)")
	upgradePath := flag.String("path", "/voice", "HTTP path the WebTransport session upgrades on")
	auditDB := flag.String("audit-db", "voxserver-audit.db", "SQLite audit log path (\":memory:\" to disable persistence)")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	certHostname := flag.String("cert-hostname", "", "hostname for the TLS certificate (defaults to the -addr host)")
	maxClients := flag.Int("max-clients", 256, "maximum concurrent clients")
	versionMajor := flag.Uint("version-major", 1, "protocol major version this server offers")
	versionMinor := flag.Uint("version-minor", 0, "protocol minor version this server offers")
	minClientMajor := flag.Uint("min-client-major", 1, "minimum protocol major version accepted from clients")
	minClientMinor := flag.Uint("min-client-minor", 0, "minimum protocol minor version accepted from clients")
	voiceServerID := flag.String("voice-server-id", "voxserver", "server-unique identifier sent in handshake responses")
	voiceChannelID := flag.Uint("voice-channel-id", 0, "voice backend channel ID sent in handshake responses")
	voiceChannelPassword := flag.String("voice-channel-password", "", "voice backend channel password sent in handshake responses")
	handshakeRateLimit := flag.Float64("handshake-rate-limit", 5, "maximum handshake attempts per second per remote address")
	handshakeRateBurst := flag.Int("handshake-rate-burst", 10, "handshake rate limiter burst size")
	simBotGameID := flag.Uint("simbot-id", 0, "game ID for a synthetic circling client (0 disables)")
	simBotRadius := flag.Float64("simbot-radius", 5, "radius in world units for the synthetic client's path")
	flag.Parse()

	hostname := *certHostname
	if hostname == "" {
		if h, _, err := net.SplitHostPort(*addr); err == nil {
			hostname = h
		}
	}

	cfg := server.Config{
		Addr:         *addr,
		UpgradePath:  *upgradePath,
		CertValidity: *certValidity,
		CertHostname: hostname,
		MaxClients:   *maxClients,
		Version: session.Version{
			Major:        uint8(*versionMajor),
			Minor:        uint8(*versionMinor),
			MinimumMajor: uint8(*minClientMajor),
			MinimumMinor: uint8(*minClientMinor),
		},
		VoiceServerID:        *voiceServerID,
		VoiceChannelID:       uint16(*voiceChannelID),
		VoiceChannelPassword: *voiceChannelPassword,
		AuditDBPath:          *auditDB,
		HandshakeRateLimit:   *handshakeRateLimit,
		HandshakeRateBurst:   *handshakeRateBurst,
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("[voxserver] %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[voxserver] shutting down...")
		cancel()
	}()

	srv.Start(ctx)
	log.Printf("[voxserver] listening on %s%s", *addr, *upgradePath)

	go metrics.Run(ctx, srv.Table(), srv, 5*time.Second)

	if *simBotGameID != 0 {
		go server.RunSimBot(ctx, srv, uint16(*simBotGameID), float32(*simBotRadius), 0.5)
	}

	if *apiAddr != "" {
		api := adminapi.New(srv.Table(), srv)
		go api.Run(ctx, *apiAddr)
		log.Printf("[voxserver] admin API listening on %s", *apiAddr)
	}

	<-ctx.Done()
	srv.Close()
	fmt.Println("[voxserver] stopped")
}
