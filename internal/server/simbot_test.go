package server

import (
	"context"
	"testing"
	"time"
)

func TestRunSimBotWalksAndCleansUp(t *testing.T) {
	s := startedTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunSimBot(ctx, s, 50, 5, 3)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	var sawPositionChange bool
	var last float32 = -1
	for time.Now().Before(deadline) {
		c, ok := s.table.Get(50)
		if ok {
			if last >= 0 && c.Position.X != last {
				sawPositionChange = true
				break
			}
			last = c.Position.X
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !sawPositionChange {
		t.Fatal("expected simbot to move over time")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RunSimBot to exit")
	}

	if _, ok := s.table.Get(50); ok {
		t.Fatal("expected simbot client removed after cancel")
	}
}
