package spatial

import (
	"errors"
	"sync"
)

// MaxClients is the bounded client table capacity.
const MaxClients = 256

// ErrServerFull is returned when Add is called against a table already at
// MaxClients.
var ErrServerFull = errors.New("spatial: client table full")

// ErrDuplicateGameID is returned when Add is called with a game ID already
// present in the table.
var ErrDuplicateGameID = errors.New("spatial: duplicate game id")

// ErrUnknownClient is returned by every command that targets a game ID
// not present in the table. The command surface reports it as a boolean
// false rather than propagating the error to the host.
var ErrUnknownClient = errors.New("spatial: unknown client")

// Table is the bounded, lock-guarded client table. One RWMutex guards
// the map and every Client record's mutable sets; the session
// controller, the audibility engine, and host commands all go through
// it.
type Table struct {
	mu             sync.RWMutex
	clients        map[uint16]*Client
	distanceFactor float32
	rolloffFactor  float32
}

// NewTable constructs an empty client table.
func NewTable() *Table {
	return &Table{clients: make(map[uint16]*Client)}
}

// Add inserts a new client record. Returns ErrServerFull or
// ErrDuplicateGameID without mutating the table on failure.
func (t *Table) Add(c *Client) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.clients) >= MaxClients {
		return ErrServerFull
	}
	if _, exists := t.clients[c.GameID]; exists {
		return ErrDuplicateGameID
	}
	t.clients[c.GameID] = c
	return nil
}

// Remove deletes gameID from the table and evicts it from every
// surviving client's four per-client sets. Returns the removed client,
// or nil if it was not present.
func (t *Table) Remove(gameID uint16) *Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed, ok := t.clients[gameID]
	if !ok {
		return nil
	}
	delete(t.clients, gameID)
	for _, other := range t.clients {
		other.cleanupKnownClient(gameID)
	}
	return removed
}

// RemoveAll clears the table, returning the removed clients for the
// caller to disconnect/notify.
func (t *Table) RemoveAll() []*Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := make([]*Client, 0, len(t.clients))
	for _, c := range t.clients {
		removed = append(removed, c)
	}
	t.clients = make(map[uint16]*Client)
	return removed
}

// Get returns a copy of the named client, or false if it does not exist.
// The returned Client is a shallow copy: its scalar fields are copied, but
// its MutedFor, Audible, Known and RelativeAudible maps are the table
// record's own maps, so writes to them reach the table. Callers needing
// mutation use the dedicated command methods below.
func (t *Table) Get(gameID uint16) (Client, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.clients[gameID]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// Count returns the number of connected clients.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}

// Snapshot returns a copy of every client record, for admin/metrics use.
func (t *Table) Snapshot() []Client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Client, 0, len(t.clients))
	for _, c := range t.clients {
		out = append(out, *c)
	}
	return out
}

// PositionUpdate is one entry of a batched SetPositions call.
type PositionUpdate struct {
	GameID   uint16
	Position Vector3
	Rotation float32
}

// SetPosition mutates a single client's position/rotation under one lock
// acquisition, setting PositionChanged.
func (t *Table) SetPosition(gameID uint16, pos Vector3, rotation float32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.clients[gameID]
	if !ok {
		return ErrUnknownClient
	}
	c.Position = pos
	c.Rotation = rotation
	c.PositionChanged = true
	return nil
}

// SetPositions applies a batch of position updates under a single lock
// acquisition, avoiding lock churn against the tick's own acquisition.
// Unknown game IDs in the batch are skipped rather than aborting the
// whole batch.
func (t *Table) SetPositions(updates []PositionUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, u := range updates {
		c, ok := t.clients[u.GameID]
		if !ok {
			continue
		}
		c.Position = u.Position
		c.Rotation = u.Rotation
		c.PositionChanged = true
	}
}

// SetVoiceRange mutates a client's voice range.
func (t *Table) SetVoiceRange(gameID uint16, r float32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.clients[gameID]
	if !ok {
		return ErrUnknownClient
	}
	c.VoiceRange = r
	return nil
}

// SetNickname mutates a client's nickname.
func (t *Table) SetNickname(gameID uint16, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.clients[gameID]
	if !ok {
		return ErrUnknownClient
	}
	c.Nickname = name
	return nil
}

// SetRelativePosition inserts or replaces a relative-audibility override.
func (t *Table) SetRelativePosition(listenerID, speakerID uint16, pos Vector3) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.clients[listenerID]
	if !ok {
		return ErrUnknownClient
	}
	if _, ok := t.clients[speakerID]; !ok {
		return ErrUnknownClient
	}
	l.RelativeAudible[speakerID] = pos
	l.addAudible(speakerID)
	return nil
}

// ResetRelativePosition removes one override. It does not, by itself,
// remove the speaker from Audible — the speaker falls out of the set
// once a tick re-evaluates the pair on the next position change, or
// immediately on a mute-triggered recompute.
func (t *Table) ResetRelativePosition(listenerID, speakerID uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.clients[listenerID]
	if !ok {
		return ErrUnknownClient
	}
	delete(l.RelativeAudible, speakerID)
	return nil
}

// ResetAllRelativePositions removes every override held by listenerID.
func (t *Table) ResetAllRelativePositions(listenerID uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.clients[listenerID]
	if !ok {
		return ErrUnknownClient
	}
	l.RelativeAudible = make(map[uint16]Vector3)
	return nil
}

// StatusDiff reports which status fields changed in an UpdateStatus
// call. Callbacks fire in the fixed order talking, then microphone, then
// speakers.
type StatusDiff struct {
	TalkingChanged  bool
	Talking         bool
	MicChanged      bool
	MicMuted        bool
	SpeakersChanged bool
	SpeakersMuted   bool
}

// UpdateStatus mutates a client's mirrored voice-client status flags and
// reports which changed, so the caller can fire callbacks in the
// talking->mic->speakers order without holding the lock while doing so.
func (t *Table) UpdateStatus(gameID uint16, talking, micMuted, speakersMuted bool) (StatusDiff, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.clients[gameID]
	if !ok {
		return StatusDiff{}, ErrUnknownClient
	}
	var diff StatusDiff
	if c.Talking != talking {
		diff.TalkingChanged = true
		diff.Talking = talking
		c.Talking = talking
	}
	if c.MicrophoneMuted != micMuted {
		diff.MicChanged = true
		diff.MicMuted = micMuted
		c.MicrophoneMuted = micMuted
	}
	if c.SpeakersMuted != speakersMuted {
		diff.SpeakersChanged = true
		diff.SpeakersMuted = speakersMuted
		c.SpeakersMuted = speakersMuted
	}
	return diff, nil
}

// Set3DSettings stores the two global audio-rendering hints. They are
// not yet propagated to any packet.
func (t *Table) Set3DSettings(distanceFactor, rolloffFactor float32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.distanceFactor = distanceFactor
	t.rolloffFactor = rolloffFactor
}

// withWriteLock runs fn with the table write-locked. Used by the
// audibility engine for tick recomputation and immediate mute recompute so
// both share one locking entry point.
func (t *Table) withWriteLock(fn func(map[uint16]*Client)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.clients)
}
