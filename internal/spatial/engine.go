// Package spatial holds the client state table and the audibility
// engine: the periodically recomputed, per-listener set of audible
// speakers and the delta/position packets it emits.
package spatial

import (
	"context"
	"time"

	"github.com/posvox/voiceserver/internal/wire"
)

// TickRate is the audibility engine's fixed cadence.
const TickRate = 50 * time.Millisecond

// Sink receives the packets the audibility engine emits. Implementations
// must not block significantly — the engine calls Sink methods after
// releasing the table's lock, one listener at a time, so a slow client
// cannot stall the recomputation of others.
type Sink interface {
	SendUpdate(gameID uint16, pkt wire.UpdatePacket)
	SendPosition(gameID uint16, pkt wire.PositionPacket)
}

// Engine runs the periodic per-listener audibility recomputation.
type Engine struct {
	table *Table
	sink  Sink
}

// NewEngine constructs an audibility engine bound to table, emitting
// packets through sink.
func NewEngine(table *Table, sink Sink) *Engine {
	return &Engine{table: table, sink: sink}
}

type pendingSend struct {
	gameID    uint16
	update    *wire.UpdatePacket
	positions *wire.PositionPacket
}

// Run drives the engine at TickRate until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(TickRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Tick performs one recomputation pass: pairwise distance checks gated by
// position_changed, per-listener delta/position packet construction, and
// clearing position_changed on every client. Sends happen after the table
// lock is released.
func (e *Engine) Tick() {
	var pending []pendingSend

	e.table.withWriteLock(func(clients map[uint16]*Client) {
		for lid, listener := range clients {
			for sid, speaker := range clients {
				if sid == lid {
					continue
				}
				if _, overridden := listener.RelativeAudible[sid]; overridden {
					// Override forces audibility regardless of distance
					// or mute; the normal distance check never runs.
					listener.addAudible(sid)
					continue
				}
				if !listener.PositionChanged && !speaker.PositionChanged {
					continue
				}
				audible := false
				if !speaker.MutedGlobal && !listener.isMutedFor(sid) {
					audible = speaker.Position.Distance(listener.Position) < speaker.VoiceRange
				}
				if audible {
					listener.addAudible(sid)
				} else {
					listener.removeAudible(sid)
				}
			}
		}

		for lid, listener := range clients {
			send := e.buildListenerPackets(lid, listener, clients)
			if send != nil {
				pending = append(pending, *send)
			}
		}

		for _, c := range clients {
			c.PositionChanged = false
		}
	})

	for _, p := range pending {
		if p.update != nil {
			e.sink.SendUpdate(p.gameID, *p.update)
		}
		if p.positions != nil {
			e.sink.SendPosition(p.gameID, *p.positions)
		}
	}
}

// buildListenerPackets computes the UpdatePacket/PositionPacket for one
// listener by reconciling its audible set against its known set: audible
// speakers the listener has never been told about become "added" entries
// (and join known); known speakers no longer audible and not overridden
// become "removed" entries (and leave known). Must be called with the
// table's write lock held.
func (e *Engine) buildListenerPackets(lid uint16, listener *Client, clients map[uint16]*Client) *pendingSend {
	var added []wire.SpeakerInfo
	var removed []uint16

	for sid := range listener.Audible {
		if _, known := listener.Known[sid]; known {
			continue
		}
		speaker, ok := clients[sid]
		if !ok {
			continue
		}
		listener.addKnown(sid)
		added = append(added, wire.SpeakerInfo{
			GameID:        speaker.GameID,
			VoiceClientID: speaker.VoiceClientID,
			Nickname:      speaker.Nickname,
			MutedGlobal:   speaker.MutedGlobal,
		})
	}

	var toForget []uint16
	for sid := range listener.Known {
		if _, stillAudible := listener.Audible[sid]; stillAudible {
			continue
		}
		if _, overridden := listener.RelativeAudible[sid]; overridden {
			continue
		}
		removed = append(removed, sid)
		toForget = append(toForget, sid)
	}
	for _, sid := range toForget {
		listener.removeKnown(sid)
	}

	var entries []wire.PositionEntry
	for sid := range listener.Audible {
		if override, ok := listener.RelativeAudible[sid]; ok {
			entries = append(entries, wire.PositionEntry{
				GameID: sid, RelativeOverride: true,
				X: override.X, Y: override.Y, Z: override.Z,
			})
			continue
		}
		speaker, ok := clients[sid]
		if !ok {
			continue
		}
		entries = append(entries, wire.PositionEntry{
			GameID: sid, RelativeOverride: false,
			X: speaker.Position.X, Y: speaker.Position.Y, Z: speaker.Position.Z,
			Rotation: speaker.Rotation,
		})
	}

	if len(added) == 0 && len(removed) == 0 && len(entries) == 0 {
		return nil
	}
	send := &pendingSend{gameID: lid}
	if len(added) > 0 || len(removed) > 0 {
		send.update = &wire.UpdatePacket{Added: added, Removed: removed}
	}
	if len(entries) > 0 {
		send.positions = &wire.PositionPacket{Entries: entries}
	}
	return send
}

// MuteClientForAll recomputes audibility immediately instead of waiting
// up to a tick: muting removes the speaker from every other listener's
// audible set at once; unmuting re-checks distance for every listener on
// the spot.
func (e *Engine) MuteClientForAll(speakerID uint16, muted bool) error {
	var pending []pendingSend
	var notFound bool

	e.table.withWriteLock(func(clients map[uint16]*Client) {
		speaker, ok := clients[speakerID]
		if !ok {
			notFound = true
			return
		}
		speaker.MutedGlobal = muted

		for lid, listener := range clients {
			if lid == speakerID {
				continue
			}
			_, was := listener.Audible[speakerID]
			if _, overridden := listener.RelativeAudible[speakerID]; overridden {
				listener.addAudible(speakerID)
			} else if muted {
				listener.removeAudible(speakerID)
			} else if !listener.isMutedFor(speakerID) {
				if speaker.Position.Distance(listener.Position) < speaker.VoiceRange {
					listener.addAudible(speakerID)
				} else {
					listener.removeAudible(speakerID)
				}
			}
			_, is := listener.Audible[speakerID]
			if was == is {
				continue
			}
			if send := e.buildListenerPackets(lid, listener, clients); send != nil {
				pending = append(pending, *send)
			}
		}
	})

	if notFound {
		return ErrUnknownClient
	}
	for _, p := range pending {
		if p.update != nil {
			e.sink.SendUpdate(p.gameID, *p.update)
		}
		if p.positions != nil {
			e.sink.SendPosition(p.gameID, *p.positions)
		}
	}
	return nil
}

// MuteClientForClient implements the pairwise analogue of
// MuteClientForAll, scoped to a single listener.
func (e *Engine) MuteClientForClient(speakerID, listenerID uint16, muted bool) error {
	var pending []pendingSend
	var notFound bool

	e.table.withWriteLock(func(clients map[uint16]*Client) {
		listener, ok := clients[listenerID]
		if !ok {
			notFound = true
			return
		}
		speaker, ok := clients[speakerID]
		if !ok {
			notFound = true
			return
		}
		if muted {
			listener.MutedFor[speakerID] = struct{}{}
		} else {
			delete(listener.MutedFor, speakerID)
		}

		_, was := listener.Audible[speakerID]
		if _, overridden := listener.RelativeAudible[speakerID]; overridden {
			listener.addAudible(speakerID)
		} else if muted {
			listener.removeAudible(speakerID)
		} else if !speaker.MutedGlobal {
			if speaker.Position.Distance(listener.Position) < speaker.VoiceRange {
				listener.addAudible(speakerID)
			} else {
				listener.removeAudible(speakerID)
			}
		}
		_, is := listener.Audible[speakerID]
		if was == is {
			return
		}
		if send := e.buildListenerPackets(listenerID, listener, clients); send != nil {
			pending = append(pending, *send)
		}
	})

	if notFound {
		return ErrUnknownClient
	}
	for _, p := range pending {
		if p.update != nil {
			e.sink.SendUpdate(p.gameID, *p.update)
		}
		if p.positions != nil {
			e.sink.SendPosition(p.gameID, *p.positions)
		}
	}
	return nil
}
