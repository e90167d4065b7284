// Package metrics logs a periodic one-line summary of client count and
// transport throughput.
package metrics

import (
	"context"
	"log"
	"time"

	"github.com/dustin/go-humanize"
)

// ClientCounter reports the current number of connected clients.
// *spatial.Table satisfies this via its Count method.
type ClientCounter interface {
	Count() int
}

// TransportStats reports accumulated send/byte counts since the last
// call, resetting them — satisfied by *transport.Host.
type TransportStats interface {
	Stats() (sends, bytes uint64)
}

// Run logs a stats line every interval until ctx is cancelled. Silent
// while the server is idle.
func Run(ctx context.Context, clients ClientCounter, transport TransportStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sends, bytes := transport.Stats()
			n := clients.Count()
			if n > 0 || sends > 0 {
				log.Printf("[metrics] clients=%d sends=%d bytes=%s (%s/s)",
					n, sends, humanize.Bytes(bytes),
					humanize.Bytes(uint64(float64(bytes)/interval.Seconds())))
			}
		}
	}
}
