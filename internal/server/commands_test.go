package server

import (
	"context"
	"testing"

	"github.com/posvox/voiceserver/internal/spatial"
)

func startedTestServer(t *testing.T) *Server {
	t.Helper()
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.Start(ctx)
	return s
}

func TestSetClientPositionAndPositions(t *testing.T) {
	s := startedTestServer(t)
	addTestClient(t, s, 1)
	addTestClient(t, s, 2)

	if !s.SetClientPosition(1, spatial.Vector3{X: 1, Y: 2, Z: 3}, 90) {
		t.Fatal("expected SetClientPosition to succeed")
	}
	c, ok := s.table.Get(1)
	if !ok || c.Position != (spatial.Vector3{X: 1, Y: 2, Z: 3}) || c.Rotation != 90 {
		t.Fatalf("position not applied: %+v ok=%v", c, ok)
	}

	if !s.SetClientPositions([]spatial.PositionUpdate{
		{GameID: 1, Position: spatial.Vector3{X: 9}},
		{GameID: 2, Position: spatial.Vector3{X: 8}},
	}) {
		t.Fatal("expected SetClientPositions to succeed")
	}
	c1, _ := s.table.Get(1)
	c2, _ := s.table.Get(2)
	if c1.Position.X != 9 || c2.Position.X != 8 {
		t.Fatalf("batch positions not applied: %+v %+v", c1, c2)
	}

	if s.SetClientPosition(99, spatial.Vector3{}, 0) {
		t.Fatal("expected unknown client to fail")
	}
}

func TestSetClientVoiceRangeAndNickname(t *testing.T) {
	s := startedTestServer(t)
	addTestClient(t, s, 1)

	if !s.SetClientVoiceRange(1, 42) {
		t.Fatal("expected voice range update to succeed")
	}
	if !s.SetClientNickname(1, "alice") {
		t.Fatal("expected nickname update to succeed")
	}
	c, _ := s.table.Get(1)
	if c.VoiceRange != 42 || c.Nickname != "alice" {
		t.Fatalf("updates not applied: %+v", c)
	}
}

func TestRelativePositionOverrides(t *testing.T) {
	s := startedTestServer(t)
	addTestClient(t, s, 1)
	addTestClient(t, s, 2)

	if !s.SetRelativePositionForClient(1, 2, spatial.Vector3{X: 5}) {
		t.Fatal("expected override to succeed")
	}
	if !s.ResetRelativePositionForClient(1, 2) {
		t.Fatal("expected reset to succeed")
	}
	if !s.SetRelativePositionForClient(1, 2, spatial.Vector3{X: 5}) {
		t.Fatal("expected re-override to succeed")
	}
	if !s.ResetAllRelativePositions(1) {
		t.Fatal("expected reset-all to succeed")
	}
}

func TestMuteCommands(t *testing.T) {
	s := startedTestServer(t)
	addTestClient(t, s, 1)
	addTestClient(t, s, 2)

	if !s.MuteClientForAll(1, true) {
		t.Fatal("expected MuteClientForAll to succeed")
	}
	c, _ := s.table.Get(1)
	if !c.MutedGlobal {
		t.Fatal("expected MutedGlobal set")
	}

	if !s.MuteClientForClient(1, 2, true) {
		t.Fatal("expected MuteClientForClient to succeed")
	}

	if s.MuteClientForAll(99, true) {
		t.Fatal("expected mute of unknown client to fail")
	}
}

func TestSet3DSettingsAlwaysSucceedsWhileRunning(t *testing.T) {
	s := startedTestServer(t)
	if !s.Set3DSettings(1.5, 0.8) {
		t.Fatal("expected Set3DSettings to succeed")
	}
}

func TestRemoveClientAndRemoveAll(t *testing.T) {
	s := startedTestServer(t)
	addTestClient(t, s, 1)
	addTestClient(t, s, 2)

	if !s.RemoveClient(1) {
		t.Fatal("expected RemoveClient to succeed")
	}
	if s.NumberOfClients() != 1 {
		t.Fatalf("expected 1 client remaining, got %d", s.NumberOfClients())
	}

	if !s.RemoveAllClients() {
		t.Fatal("expected RemoveAllClients to succeed")
	}
	if s.NumberOfClients() != 0 {
		t.Fatalf("expected 0 clients remaining, got %d", s.NumberOfClients())
	}
}

func TestIsClientAccessors(t *testing.T) {
	s := startedTestServer(t)
	addTestClient(t, s, 1)

	if !s.IsClientConnected(1) {
		t.Fatal("expected client 1 to be connected")
	}
	if s.IsClientTalking(1) {
		t.Fatal("expected client 1 to not be talking by default")
	}
	if s.IsClientConnected(99) {
		t.Fatal("expected unknown client to report not connected")
	}
}
