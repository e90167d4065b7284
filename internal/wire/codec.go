package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrShortBuffer is returned when a decode call runs out of bytes before a
// packet is fully parsed. Callers treat this as a recoverable decode
// failure per the error-handling design: the packet is dropped and logged,
// the peer is not disconnected.
var ErrShortBuffer = errors.New("wire: short buffer")

// ErrStringTooLong is returned when an encode call is asked to frame a
// string longer than the wire format's 16-bit length prefix can carry.
var ErrStringTooLong = errors.New("wire: string exceeds 65535 bytes")

func putString(buf *bytes.Buffer, s string) error {
	if len(s) > 0xFFFF {
		return ErrStringTooLong
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
	return nil
}

func getString(r *bytes.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", fmt.Errorf("%w: string length: %v", ErrShortBuffer, err)
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	strBuf := make([]byte, n)
	if _, err := io.ReadFull(r, strBuf); err != nil {
		return "", fmt.Errorf("%w: string body: %v", ErrShortBuffer, err)
	}
	return string(strBuf), nil
}

func putBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func getBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, fmt.Errorf("%w: bool: %v", ErrShortBuffer, err)
	}
	return b != 0, nil
}

func putFloat32(buf *bytes.Buffer, f float32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
	buf.Write(b[:])
}

func getFloat32(r *bytes.Reader) (float32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: float32: %v", ErrShortBuffer, err)
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b[:])), nil
}

// EncodeProtocolPacket serializes a ProtocolPacket to its wire form.
func EncodeProtocolPacket(p ProtocolPacket) []byte {
	return []byte{p.VersionMajor, p.VersionMinor, p.MinimumVersionMajor, p.MinimumVersionMinor}
}

// DecodeProtocolPacket parses a ProtocolPacket from its wire form.
func DecodeProtocolPacket(data []byte) (ProtocolPacket, error) {
	if len(data) < 4 {
		return ProtocolPacket{}, ErrShortBuffer
	}
	return ProtocolPacket{
		VersionMajor:        data[0],
		VersionMinor:        data[1],
		MinimumVersionMajor: data[2],
		MinimumVersionMinor: data[3],
	}, nil
}

// EncodeProtocolResponse serializes a ProtocolResponse to its wire form.
func EncodeProtocolResponse(p ProtocolResponse) []byte {
	return []byte{p.StatusCode, p.VersionMajor, p.VersionMinor}
}

// DecodeProtocolResponse parses a ProtocolResponse from its wire form.
func DecodeProtocolResponse(data []byte) (ProtocolResponse, error) {
	if len(data) < 3 {
		return ProtocolResponse{}, ErrShortBuffer
	}
	return ProtocolResponse{StatusCode: data[0], VersionMajor: data[1], VersionMinor: data[2]}, nil
}

// EncodeHandshakePacket serializes a HandshakePacket to its wire form.
func EncodeHandshakePacket(p HandshakePacket) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(p.StatusCode)
	var idBuf [4]byte
	binary.LittleEndian.PutUint16(idBuf[0:2], p.GameID)
	binary.LittleEndian.PutUint16(idBuf[2:4], p.TeamspeakID)
	buf.Write(idBuf[:])
	if err := putString(&buf, p.TeamspeakClientUniqueIdentity); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeHandshakePacket parses a HandshakePacket from its wire form.
func DecodeHandshakePacket(data []byte) (HandshakePacket, error) {
	r := bytes.NewReader(data)
	statusCode, err := r.ReadByte()
	if err != nil {
		return HandshakePacket{}, fmt.Errorf("%w: status: %v", ErrShortBuffer, err)
	}
	var idBuf [4]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return HandshakePacket{}, fmt.Errorf("%w: ids: %v", ErrShortBuffer, err)
	}
	identity, err := getString(r)
	if err != nil {
		return HandshakePacket{}, err
	}
	return HandshakePacket{
		StatusCode:                    statusCode,
		GameID:                        binary.LittleEndian.Uint16(idBuf[0:2]),
		TeamspeakID:                   binary.LittleEndian.Uint16(idBuf[2:4]),
		TeamspeakClientUniqueIdentity: identity,
	}, nil
}

// EncodeHandshakeResponse serializes a HandshakeResponse to its wire form.
func EncodeHandshakeResponse(p HandshakeResponse) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(p.StatusCode)
	if err := putString(&buf, p.Reason); err != nil {
		return nil, err
	}
	if err := putString(&buf, p.TeamspeakServerUniqueIdentifier); err != nil {
		return nil, err
	}
	var chanBuf [2]byte
	binary.LittleEndian.PutUint16(chanBuf[:], p.ChannelID)
	buf.Write(chanBuf[:])
	if err := putString(&buf, p.ChannelPassword); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeHandshakeResponse parses a HandshakeResponse from its wire form.
func DecodeHandshakeResponse(data []byte) (HandshakeResponse, error) {
	r := bytes.NewReader(data)
	statusCode, err := r.ReadByte()
	if err != nil {
		return HandshakeResponse{}, fmt.Errorf("%w: status: %v", ErrShortBuffer, err)
	}
	reason, err := getString(r)
	if err != nil {
		return HandshakeResponse{}, err
	}
	serverIdentity, err := getString(r)
	if err != nil {
		return HandshakeResponse{}, err
	}
	var chanBuf [2]byte
	if _, err := io.ReadFull(r, chanBuf[:]); err != nil {
		return HandshakeResponse{}, fmt.Errorf("%w: channel id: %v", ErrShortBuffer, err)
	}
	password, err := getString(r)
	if err != nil {
		return HandshakeResponse{}, err
	}
	return HandshakeResponse{
		StatusCode:                      statusCode,
		Reason:                          reason,
		TeamspeakServerUniqueIdentifier: serverIdentity,
		ChannelID:                       binary.LittleEndian.Uint16(chanBuf[:]),
		ChannelPassword:                 password,
	}, nil
}

// EncodeStatusPacket serializes a StatusPacket to its wire form.
func EncodeStatusPacket(p StatusPacket) []byte {
	var buf bytes.Buffer
	putBool(&buf, p.Talking)
	putBool(&buf, p.MicrophoneMuted)
	putBool(&buf, p.SpeakersMuted)
	return buf.Bytes()
}

// DecodeStatusPacket parses a StatusPacket from its wire form.
func DecodeStatusPacket(data []byte) (StatusPacket, error) {
	if len(data) < 3 {
		return StatusPacket{}, ErrShortBuffer
	}
	return StatusPacket{
		Talking:         data[0] != 0,
		MicrophoneMuted: data[1] != 0,
		SpeakersMuted:   data[2] != 0,
	}, nil
}

// EncodeUpdatePacket serializes an UpdatePacket to its wire form.
func EncodeUpdatePacket(p UpdatePacket) ([]byte, error) {
	var buf bytes.Buffer
	var countBuf [2]byte
	binary.LittleEndian.PutUint16(countBuf[:], uint16(len(p.Added)))
	buf.Write(countBuf[:])
	for _, s := range p.Added {
		var idBuf [4]byte
		binary.LittleEndian.PutUint16(idBuf[0:2], s.GameID)
		binary.LittleEndian.PutUint16(idBuf[2:4], s.VoiceClientID)
		buf.Write(idBuf[:])
		if err := putString(&buf, s.Nickname); err != nil {
			return nil, err
		}
		putBool(&buf, s.MutedGlobal)
	}
	binary.LittleEndian.PutUint16(countBuf[:], uint16(len(p.Removed)))
	buf.Write(countBuf[:])
	for _, id := range p.Removed {
		var idBuf [2]byte
		binary.LittleEndian.PutUint16(idBuf[:], id)
		buf.Write(idBuf[:])
	}
	return buf.Bytes(), nil
}

// DecodeUpdatePacket parses an UpdatePacket from its wire form.
func DecodeUpdatePacket(data []byte) (UpdatePacket, error) {
	r := bytes.NewReader(data)
	addedCount, err := readUint16(r)
	if err != nil {
		return UpdatePacket{}, err
	}
	added := make([]SpeakerInfo, 0, addedCount)
	for i := uint16(0); i < addedCount; i++ {
		var idBuf [4]byte
		if _, err := io.ReadFull(r, idBuf[:]); err != nil {
			return UpdatePacket{}, fmt.Errorf("%w: added[%d] ids: %v", ErrShortBuffer, i, err)
		}
		nickname, err := getString(r)
		if err != nil {
			return UpdatePacket{}, err
		}
		muted, err := getBool(r)
		if err != nil {
			return UpdatePacket{}, err
		}
		added = append(added, SpeakerInfo{
			GameID:        binary.LittleEndian.Uint16(idBuf[0:2]),
			VoiceClientID: binary.LittleEndian.Uint16(idBuf[2:4]),
			Nickname:      nickname,
			MutedGlobal:   muted,
		})
	}
	removedCount, err := readUint16(r)
	if err != nil {
		return UpdatePacket{}, err
	}
	removed := make([]uint16, 0, removedCount)
	for i := uint16(0); i < removedCount; i++ {
		id, err := readUint16(r)
		if err != nil {
			return UpdatePacket{}, fmt.Errorf("%w: removed[%d]: %v", ErrShortBuffer, i, err)
		}
		removed = append(removed, id)
	}
	return UpdatePacket{Added: added, Removed: removed}, nil
}

// EncodePositionPacket serializes a PositionPacket to its wire form.
func EncodePositionPacket(p PositionPacket) []byte {
	var buf bytes.Buffer
	var countBuf [2]byte
	binary.LittleEndian.PutUint16(countBuf[:], uint16(len(p.Entries)))
	buf.Write(countBuf[:])
	for _, e := range p.Entries {
		var idBuf [2]byte
		binary.LittleEndian.PutUint16(idBuf[:], e.GameID)
		buf.Write(idBuf[:])
		putBool(&buf, e.RelativeOverride)
		putFloat32(&buf, e.X)
		putFloat32(&buf, e.Y)
		putFloat32(&buf, e.Z)
		putFloat32(&buf, e.Rotation)
	}
	return buf.Bytes()
}

// DecodePositionPacket parses a PositionPacket from its wire form.
func DecodePositionPacket(data []byte) (PositionPacket, error) {
	r := bytes.NewReader(data)
	count, err := readUint16(r)
	if err != nil {
		return PositionPacket{}, err
	}
	entries := make([]PositionEntry, 0, count)
	for i := uint16(0); i < count; i++ {
		id, err := readUint16(r)
		if err != nil {
			return PositionPacket{}, fmt.Errorf("%w: entry[%d] id: %v", ErrShortBuffer, i, err)
		}
		rel, err := getBool(r)
		if err != nil {
			return PositionPacket{}, err
		}
		x, err := getFloat32(r)
		if err != nil {
			return PositionPacket{}, err
		}
		y, err := getFloat32(r)
		if err != nil {
			return PositionPacket{}, err
		}
		z, err := getFloat32(r)
		if err != nil {
			return PositionPacket{}, err
		}
		rot, err := getFloat32(r)
		if err != nil {
			return PositionPacket{}, err
		}
		entries = append(entries, PositionEntry{
			GameID: id, RelativeOverride: rel, X: x, Y: y, Z: z, Rotation: rot,
		})
	}
	return PositionPacket{Entries: entries}, nil
}

func readUint16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: uint16: %v", ErrShortBuffer, err)
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}
