package server

import (
	"fmt"

	"github.com/posvox/voiceserver/internal/audit"
	"github.com/posvox/voiceserver/internal/spatial"
)

// The command surface consumed by the embedding game server. Every
// command returns a boolean success indicator; false means "client or
// target not found" or "server not running".

// SetClientPosition updates one client's position and rotation.
func (s *Server) SetClientPosition(gameID uint16, pos spatial.Vector3, rotation float32) bool {
	if !s.IsRunning() {
		return false
	}
	return s.table.SetPosition(gameID, pos, rotation) == nil
}

// SetClientPositions applies a batch of position updates under one lock
// acquisition.
func (s *Server) SetClientPositions(updates []spatial.PositionUpdate) bool {
	if !s.IsRunning() {
		return false
	}
	s.table.SetPositions(updates)
	return true
}

// SetClientVoiceRange updates how far a client's voice carries.
func (s *Server) SetClientVoiceRange(gameID uint16, r float32) bool {
	if !s.IsRunning() {
		return false
	}
	return s.table.SetVoiceRange(gameID, r) == nil
}

// SetClientNickname updates the nickname sent to listeners that gain
// this client as a speaker.
func (s *Server) SetClientNickname(gameID uint16, name string) bool {
	if !s.IsRunning() {
		return false
	}
	return s.table.SetNickname(gameID, name) == nil
}

// SetRelativePositionForClient pins speakerID at a listener-local
// position for listenerID, forcing it audible regardless of distance or
// mutes.
func (s *Server) SetRelativePositionForClient(listenerID, speakerID uint16, pos spatial.Vector3) bool {
	if !s.IsRunning() {
		return false
	}
	return s.table.SetRelativePosition(listenerID, speakerID, pos) == nil
}

// ResetRelativePositionForClient removes one relative override.
func (s *Server) ResetRelativePositionForClient(listenerID, speakerID uint16) bool {
	if !s.IsRunning() {
		return false
	}
	return s.table.ResetRelativePosition(listenerID, speakerID) == nil
}

// ResetAllRelativePositions removes every override held by listenerID.
func (s *Server) ResetAllRelativePositions(listenerID uint16) bool {
	if !s.IsRunning() {
		return false
	}
	return s.table.ResetAllRelativePositions(listenerID) == nil
}

// MuteClientForAll mutes or unmutes a speaker for everyone, recomputing
// audibility immediately rather than waiting for the next tick.
func (s *Server) MuteClientForAll(gameID uint16, muted bool) bool {
	if !s.IsRunning() {
		return false
	}
	if err := s.engine.MuteClientForAll(gameID, muted); err != nil {
		return false
	}
	s.auditLog.Record(gameID, eventForMuteAll(muted), "")
	return true
}

// MuteClientForClient mutes or unmutes a speaker for a single listener,
// the pairwise analogue of MuteClientForAll.
func (s *Server) MuteClientForClient(speakerID, listenerID uint16, muted bool) bool {
	if !s.IsRunning() {
		return false
	}
	if err := s.engine.MuteClientForClient(speakerID, listenerID, muted); err != nil {
		return false
	}
	s.auditLog.Record(speakerID, audit.EventMutedPair, fmt.Sprintf("listener=%d muted=%t", listenerID, muted))
	return true
}

func eventForMuteAll(muted bool) string {
	if muted {
		return audit.EventMutedAll
	}
	return audit.EventUnmutedAll
}

// Set3DSettings stores the global audio-rendering hints. They are not
// yet propagated to clients.
func (s *Server) Set3DSettings(distanceFactor, rolloffFactor float32) bool {
	if !s.IsRunning() {
		return false
	}
	s.table.Set3DSettings(distanceFactor, rolloffFactor)
	return true
}

// RemoveClient forcefully removes a client, equivalent to a disconnect.
func (s *Server) RemoveClient(gameID uint16) bool {
	if !s.IsRunning() {
		return false
	}
	return s.controller.ForceRemove(gameID)
}

// RemoveAllClients forcefully disconnects every client.
func (s *Server) RemoveAllClients() bool {
	if !s.IsRunning() {
		return false
	}
	for _, c := range s.table.Snapshot() {
		s.controller.ForceRemove(c.GameID)
	}
	return true
}

// NumberOfClients reports the connected client count.
func (s *Server) NumberOfClients() int {
	return s.table.Count()
}

// IsClientConnected reports whether gameID has completed its handshake.
func (s *Server) IsClientConnected(gameID uint16) bool {
	c, ok := s.table.Get(gameID)
	return ok && c.Connected
}

// IsClientTalking reports the client's mirrored talking flag.
func (s *Server) IsClientTalking(gameID uint16) bool {
	c, ok := s.table.Get(gameID)
	return ok && c.Talking
}

// IsClientMicrophoneMuted reports the client's mirrored mic flag.
func (s *Server) IsClientMicrophoneMuted(gameID uint16) bool {
	c, ok := s.table.Get(gameID)
	return ok && c.MicrophoneMuted
}

// IsClientSpeakersMuted reports the client's mirrored speakers flag.
func (s *Server) IsClientSpeakersMuted(gameID uint16) bool {
	c, ok := s.table.Get(gameID)
	return ok && c.SpeakersMuted
}

// IsClientMutedGlobal reports whether the speaker is muted for all.
func (s *Server) IsClientMutedGlobal(gameID uint16) bool {
	c, ok := s.table.Get(gameID)
	return ok && c.MutedGlobal
}
