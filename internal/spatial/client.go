package spatial

// Client is the per-connected-session record. All mutable state is
// guarded externally by the owning Table's lock; there is no per-client
// mutex.
type Client struct {
	GameID              uint16
	VoiceClientID       uint16
	VoiceUniqueIdentity string
	Nickname            string
	Position            Vector3
	Rotation            float32
	VoiceRange          float32
	PositionChanged     bool
	MutedGlobal         bool
	Connected           bool
	Talking             bool
	MicrophoneMuted     bool
	SpeakersMuted       bool

	// MutedFor is the set of game IDs this client (as listener) has
	// individually muted when viewed as a speaker.
	MutedFor map[uint16]struct{}
	// Audible is the set of speakers this client currently hears.
	Audible map[uint16]struct{}
	// Known is the set of speakers this client has been told about at
	// least once since it joined; a superset of Audible at every tick
	// boundary (an override set between ticks joins Audible first and
	// Known on the next tick).
	Known map[uint16]struct{}
	// RelativeAudible overrides: listed speakers are always audible,
	// rendered at the given listener-local position.
	RelativeAudible map[uint16]Vector3
}

// NewClient constructs a Client with its sets initialised empty.
func NewClient(gameID, voiceClientID uint16, identity string) *Client {
	return &Client{
		GameID:              gameID,
		VoiceClientID:       voiceClientID,
		VoiceUniqueIdentity: identity,
		MutedFor:            make(map[uint16]struct{}),
		Audible:             make(map[uint16]struct{}),
		Known:               make(map[uint16]struct{}),
		RelativeAudible:     make(map[uint16]Vector3),
	}
}

func (c *Client) addAudible(id uint16) {
	if _, ok := c.Audible[id]; ok {
		return
	}
	c.Audible[id] = struct{}{}
}

func (c *Client) removeAudible(id uint16) {
	delete(c.Audible, id)
}

func (c *Client) addKnown(id uint16) {
	if _, ok := c.Known[id]; ok {
		return
	}
	c.Known[id] = struct{}{}
}

func (c *Client) removeKnown(id uint16) {
	delete(c.Known, id)
}

// cleanupKnownClient evicts another client's game ID from all four
// per-client sets. Called for every survivor when a client is removed.
func (c *Client) cleanupKnownClient(otherGameID uint16) {
	delete(c.MutedFor, otherGameID)
	delete(c.Audible, otherGameID)
	delete(c.Known, otherGameID)
	delete(c.RelativeAudible, otherGameID)
}

func (c *Client) isMutedFor(speakerID uint16) bool {
	_, ok := c.MutedFor[speakerID]
	return ok
}

func (c *Client) hasOverride(speakerID uint16) (Vector3, bool) {
	v, ok := c.RelativeAudible[speakerID]
	return v, ok
}
