// Package packet implements the fixed-layout wire header used by every
// datagram of the protocol: an 8-byte MAC, a big-endian packet id, an
// optional big-endian client id, and a combined type+flags byte.
package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/tsproto/tsproto"
)

// PacketType is the closed set of packet kinds, encoded in the low nibble
// of the header's type+flags byte.
type PacketType uint8

const (
	Voice PacketType = iota
	VoiceWhisper
	Command
	CommandLow
	Ping
	Pong
	Ack
	AckLow
	Init
)

func (t PacketType) String() string {
	switch t {
	case Voice:
		return "Voice"
	case VoiceWhisper:
		return "VoiceWhisper"
	case Command:
		return "Command"
	case CommandLow:
		return "CommandLow"
	case Ping:
		return "Ping"
	case Pong:
		return "Pong"
	case Ack:
		return "Ack"
	case AckLow:
		return "AckLow"
	case Init:
		return "Init"
	default:
		return "Unknown"
	}
}

// Valid reports whether t is one of the nine closed variants.
func (t PacketType) Valid() bool {
	return t <= Init
}

// IsVoice reports whether t carries voice audio (as opposed to control
// traffic), used by should_encrypt's voice-encryption gate.
func (t PacketType) IsVoice() bool {
	return t == Voice || t == VoiceWhisper
}

// Flags is the high nibble of the type+flags byte. Bits are orthogonal;
// fragmented is only meaningful on Command/CommandLow, compressed
// additionally on VoiceWhisper (whisper bodies compress but never split).
type Flags uint8

const (
	FlagUnencrypted Flags = 1 << iota
	FlagCompressed
	FlagNewProtocol
	FlagFragmented
)

// ClientHeaderSize and ServerHeaderSize are the two fixed wire sizes; the
// difference is the optional 2-byte CId.
const (
	ClientHeaderSize = 13
	ServerHeaderSize = 11
	macSize          = 8
)

// Header is the fixed small record every datagram carries. CId is non-nil
// exactly on client→server headers.
type Header struct {
	MAC   [macSize]byte
	PID   uint16
	CId   *uint16
	Type  PacketType
	Flags Flags
}

// NewHeader builds a header for packets travelling in the given direction.
// isClient selects whether CId is populated (client→server) or omitted.
func NewHeader(isClient bool, pid uint16, t PacketType) Header {
	h := Header{PID: pid, Type: t}
	if isClient {
		zero := uint16(0)
		h.CId = &zero
	}
	return h
}

// Size returns the wire size of h: 13 bytes if it carries a CId, 11
// otherwise.
func (h Header) Size() int {
	if h.CId != nil {
		return ClientHeaderSize
	}
	return ServerHeaderSize
}

// pType packs Flags (high nibble) and Type (low nibble) into the wire byte.
func (h Header) pType() byte {
	return byte(h.Flags)<<4 | byte(h.Type)&0x0F
}

// WriteMeta produces the bytes that serve as EAX associated data: PID
// big-endian, the optional CId big-endian, and the type+flags byte. This is
// everything in the header after the MAC.
func (h Header) WriteMeta() []byte {
	n := 3
	if h.CId != nil {
		n = 5
	}
	buf := make([]byte, n)
	binary.BigEndian.PutUint16(buf[0:2], h.PID)
	if h.CId != nil {
		binary.BigEndian.PutUint16(buf[2:4], *h.CId)
		buf[4] = h.pType()
	} else {
		buf[2] = h.pType()
	}
	return buf
}

// Marshal serialises the full header: MAC, then WriteMeta's bytes.
func (h Header) Marshal() []byte {
	meta := h.WriteMeta()
	buf := make([]byte, macSize+len(meta))
	copy(buf, h.MAC[:])
	copy(buf[macSize:], meta)
	return buf
}

// Unmarshal parses a header from raw wire bytes. isClient selects whether a
// CId field is expected (client→server headers carry one).
func Unmarshal(data []byte, isClient bool) (Header, error) {
	size := ServerHeaderSize
	if isClient {
		size = ClientHeaderSize
	}
	if len(data) < size {
		return Header{}, fmt.Errorf("parse header: got %d bytes, need %d: %w", len(data), size, tsproto.ErrSerializationShort)
	}

	var h Header
	copy(h.MAC[:], data[:macSize])
	off := macSize
	h.PID = binary.BigEndian.Uint16(data[off : off+2])
	off += 2
	if isClient {
		cid := binary.BigEndian.Uint16(data[off : off+2])
		h.CId = &cid
		off += 2
	}
	pt := data[off]
	h.Type = PacketType(pt & 0x0F)
	h.Flags = Flags(pt >> 4)

	if !h.Type.Valid() {
		return Header{}, fmt.Errorf("parse header: type nibble 0x%x: %w", pt&0x0F, tsproto.ErrMalformedHeader)
	}
	isCommand := h.Type == Command || h.Type == CommandLow
	if h.Flags&FlagFragmented != 0 && !isCommand {
		return Header{}, fmt.Errorf("parse header: fragmented flag on %s: %w", h.Type, tsproto.ErrMalformedHeader)
	}
	if h.Flags&FlagCompressed != 0 && !isCommand && h.Type != VoiceWhisper {
		return Header{}, fmt.Errorf("parse header: compressed flag on %s: %w", h.Type, tsproto.ErrMalformedHeader)
	}
	return h, nil
}

// MustEncrypt reports whether t is required to be encrypted regardless of
// connection state: Command and CommandLow only.
func MustEncrypt(t PacketType) bool {
	return t == Command || t == CommandLow
}

// ShouldEncrypt additionally covers Ack/AckLow, and Voice/VoiceWhisper when
// the connection's voice-encryption flag is set.
func ShouldEncrypt(t PacketType, voiceEncryption bool) bool {
	return MustEncrypt(t) || t == Ack || t == AckLow || (voiceEncryption && t.IsVoice())
}
