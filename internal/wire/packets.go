// Package wire implements the binary packet codec for the positional
// voice coordination protocol: little-endian framing for the four logical
// channels the session controller and audibility engine speak over.
package wire

// Channel identifies one of the four logical sub-streams of the transport.
// Channels 1-3 are carried on reliable streams; channel 4 splits across a
// reliable stream (UpdatePacket) and an unreliable datagram path
// (PositionPacket) — see internal/transport.
type Channel uint8

const (
	ChannelProtocol  Channel = 1
	ChannelHandshake Channel = 2
	ChannelStatus    Channel = 3
	ChannelUpdate    Channel = 4
)

// Status codes carried in ProtocolResponse and HandshakeResponse.
const (
	StatusOK                      uint8 = 0
	StatusOutdatedProtocolVersion uint8 = 1
	StatusRejected                uint8 = 2
)

// Disconnect user codes passed to the transport's Disconnect/DisconnectLater.
const (
	DisconnectDefault        uint16 = 0
	DisconnectOutdatedClient uint16 = 1
	DisconnectOutdatedServer uint16 = 2
	DisconnectRejectedByHost uint16 = 3
)

// ProtocolPacket is sent client -> server to negotiate protocol versions.
type ProtocolPacket struct {
	VersionMajor        uint8
	VersionMinor        uint8
	MinimumVersionMajor uint8
	MinimumVersionMinor uint8
}

// ProtocolResponse is sent server -> client after version negotiation.
type ProtocolResponse struct {
	StatusCode   uint8
	VersionMajor uint8
	VersionMinor uint8
}

// HandshakePacket is sent client -> server to authorize a session.
type HandshakePacket struct {
	StatusCode                    uint8
	GameID                        uint16
	TeamspeakID                   uint16
	TeamspeakClientUniqueIdentity string
}

// HandshakeResponse is sent server -> client once a handshake is processed.
type HandshakeResponse struct {
	StatusCode                      uint8
	Reason                          string
	TeamspeakServerUniqueIdentifier string
	ChannelID                       uint16
	ChannelPassword                 string
}

// StatusPacket is sent client -> server whenever mirrored voice-client
// status flags change.
type StatusPacket struct {
	Talking         bool
	MicrophoneMuted bool
	SpeakersMuted   bool
}

// SpeakerInfo carries the metadata needed to introduce a newly audible
// speaker to a listener.
type SpeakerInfo struct {
	GameID        uint16
	VoiceClientID uint16
	Nickname      string
	MutedGlobal   bool
}

// UpdatePacket is sent server -> client: the per-tick audibility delta.
type UpdatePacket struct {
	Added   []SpeakerInfo
	Removed []uint16
}

// PositionEntry describes one audible speaker's position as seen by a
// single listener: either an absolute world position, or — when
// RelativeOverride is set — a listener-local override position that
// ignores distance and mute state entirely.
type PositionEntry struct {
	GameID           uint16
	RelativeOverride bool
	X, Y, Z          float32
	Rotation         float32
}

// PositionPacket is sent server -> client: the current positions of every
// member of the listener's audible set.
type PositionPacket struct {
	Entries []PositionEntry
}
