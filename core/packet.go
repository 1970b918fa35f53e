package mesh

/*
Packet Codec (C4).

The on-wire record: a fixed 20-byte big-endian header, the MIDI
payload, and an optional forwarding-context extension. Grounded in
src/server.go's AGW socket framing (encoding/binary over a fixed
header, no length-prefixed payload) rather than the teacher's cgo
ax25_pad.go -- that file is a line-for-line C struct transliteration,
not an idiom worth imitating.

Decode never panics on attacker-controlled input: every rejection path
returns an *InvalidPacketError, matching spec.md's "exception-based
decode errors" redesign flag in §9.
*/

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Wire constants (spec.md §6, bit-exact).
const (
	Magic   uint16 = 0x4D49
	Version uint8  = 0x01

	// HeaderLen is the fixed 20-byte header size.
	HeaderLen = 2 + 1 + 1 + 4 + 4 + 2 + 4 + 2
)

// Flag bits within the packet header's single flags byte.
const (
	FlagSysEx      byte = 1 << 0
	FlagReliable   byte = 1 << 1
	FlagFragment   byte = 1 << 2
	FlagHasContext byte = 1 << 3
)

// Packet is the decoded (or about-to-be-encoded) form of a wire
// packet. SourceNodeID/DestNodeID are only populated by
// DecodeWithRegistry, and only when the registry knows the hash; a
// packet decoded without a registry, or with an unknown hash, still
// carries valid SourceHash/DestHash and is fully routable by hash.
type Packet struct {
	Flags      byte
	SourceHash NodeHash
	DestHash   NodeHash
	Sequence   uint16
	Timestamp  uint32
	DeviceID   DeviceID
	Payload    MidiMessage
	Context    *ForwardingContext

	SourceNodeID NodeID
	DestNodeID   NodeID
}

// NewDataPacket builds a Data packet carrying payload. SysEx payloads
// automatically gain the SysEx and Reliable flags (spec.md §4.4).
func NewDataPacket(src, dst NodeHash, deviceID DeviceID, payload MidiMessage) *Packet {
	p := &Packet{SourceHash: src, DestHash: dst, DeviceID: deviceID}
	p.SetPayload(payload)
	return p
}

// NewHeartbeatPacket builds a Heartbeat packet: no payload, no flags.
func NewHeartbeatPacket(src, dst NodeHash) *Packet {
	return &Packet{SourceHash: src, DestHash: dst}
}

// NewAckPacket builds an Ack for ackedSeq, the sequence number of the
// packet being acknowledged, copied verbatim into the new packet's
// sequence field.
func NewAckPacket(src, dst NodeHash, ackedSeq uint16) *Packet {
	return &Packet{SourceHash: src, DestHash: dst, Sequence: ackedSeq}
}

// NewNackPacket builds a Nack for ackedSeq. The Reliable flag is what
// distinguishes a Nack from an Ack on the wire (see reliable.go); both
// are otherwise empty-payload packets carrying the acked sequence.
func NewNackPacket(src, dst NodeHash, ackedSeq uint16) *Packet {
	return &Packet{SourceHash: src, DestHash: dst, Sequence: ackedSeq, Flags: FlagReliable}
}

// SetPayload replaces the packet's MIDI payload, auto-flagging SysEx
// messages as SysEx+Reliable.
func (p *Packet) SetPayload(payload MidiMessage) {
	p.Payload = payload
	if payload.IsSysEx() {
		p.Flags |= FlagSysEx | FlagReliable
	}
}

// AttachContext sets the packet's forwarding context and raises the
// HasContext flag. Flags are the single source of truth for what gets
// encoded, so detaching a context (pass nil) must go through
// DetachContext rather than just nilling the field.
func (p *Packet) AttachContext(ctx *ForwardingContext) {
	p.Context = ctx
	p.Flags |= FlagHasContext
}

// DetachContext clears any forwarding context and the HasContext flag.
func (p *Packet) DetachContext() {
	p.Context = nil
	p.Flags &^= FlagHasContext
}

// IsReliable reports whether the Reliable flag is set.
func (p *Packet) IsReliable() bool { return p.Flags&FlagReliable != 0 }

// UpdateTimestamp stamps the low 32 bits of the current microsecond
// clock. The value is informational (spec.md §4.4); correctness never
// depends on it beyond bounded differences.
func (p *Packet) UpdateTimestamp() {
	p.Timestamp = uint32(time.Now().UnixMicro())
}

// EncodedLen returns the exact number of bytes Encode/EncodeInto will
// produce for the packet's current contents.
func (p *Packet) EncodedLen() int {
	n := HeaderLen + len(p.Payload)
	if p.Flags&FlagHasContext != 0 && p.Context != nil {
		n += p.Context.encodedLen()
	}
	return n
}

// Encode stamps the timestamp and serializes the packet into a freshly
// allocated byte slice.
func (p *Packet) Encode() ([]byte, error) {
	p.UpdateTimestamp()
	buf := make([]byte, p.EncodedLen())
	n, err := p.encodeInto(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// EncodeInto stamps the timestamp and serializes the packet into buf
// without allocating, failing (and writing nothing) if buf is too
// small.
func (p *Packet) EncodeInto(buf []byte) (int, error) {
	p.UpdateTimestamp()
	return p.encodeInto(buf)
}

func (p *Packet) encodeInto(buf []byte) (int, error) {
	need := p.EncodedLen()
	if len(buf) < need {
		return 0, fmt.Errorf("midimesh: encode buffer too small: need %d, have %d", need, len(buf))
	}

	binary.BigEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	buf[3] = p.Flags
	binary.BigEndian.PutUint32(buf[4:8], uint32(p.SourceHash))
	binary.BigEndian.PutUint32(buf[8:12], uint32(p.DestHash))
	binary.BigEndian.PutUint16(buf[12:14], p.Sequence)
	binary.BigEndian.PutUint32(buf[14:18], p.Timestamp)
	binary.BigEndian.PutUint16(buf[18:20], uint16(p.DeviceID))

	off := HeaderLen
	off += copy(buf[off:], p.Payload)

	if p.Flags&FlagHasContext != 0 && p.Context != nil {
		off += copy(buf[off:], p.Context.encode())
	}

	return off, nil
}

// Decode parses raw into a Packet with only hashes populated; it never
// needs a UuidRegistry and is the form used before any registry is
// available.
func Decode(raw []byte) (*Packet, error) {
	return decode(raw, nil)
}

// DecodeWithRegistry parses raw and additionally fills SourceNodeID /
// DestNodeID from reg whenever the corresponding hash is known. An
// unresolvable hash is not itself an error: the packet is still
// returned, hash-only, for the caller to route.
func DecodeWithRegistry(raw []byte, reg *UuidRegistry) (*Packet, error) {
	return decode(raw, reg)
}

func decode(raw []byte, reg *UuidRegistry) (*Packet, error) {
	if len(raw) < HeaderLen {
		return nil, &InvalidPacketError{Reason: ReasonTooShort}
	}
	if binary.BigEndian.Uint16(raw[0:2]) != Magic {
		return nil, &InvalidPacketError{Reason: ReasonBadMagic}
	}
	if raw[2] != Version {
		return nil, &InvalidPacketError{Reason: ReasonUnsupportedVersion}
	}
	flags := raw[3]
	if flags&FlagFragment != 0 {
		// Reserved for future fragmentation support; spec.md §9 leaves
		// this an open question and directs us to reject for now.
		return nil, &InvalidPacketError{Reason: ReasonFragmentUnsupported}
	}

	p := &Packet{
		Flags:      flags,
		SourceHash: NodeHash(binary.BigEndian.Uint32(raw[4:8])),
		DestHash:   NodeHash(binary.BigEndian.Uint32(raw[8:12])),
		Sequence:   binary.BigEndian.Uint16(raw[12:14]),
		Timestamp:  binary.BigEndian.Uint32(raw[14:18]),
		DeviceID:   DeviceID(binary.BigEndian.Uint16(raw[18:20])),
	}

	rest := raw[HeaderLen:]
	if flags&FlagHasContext != 0 {
		payload, ext, err := findExtension(rest)
		if err != nil {
			return nil, err
		}
		ctx, err := decodeForwardingContext(ext)
		if err != nil {
			return nil, err
		}
		p.Payload = payload
		p.Context = ctx
	} else {
		p.Payload = rest
	}

	if reg != nil {
		if id, ok := reg.LookupByHash(p.SourceHash); ok {
			p.SourceNodeID = id
		}
		if id, ok := reg.LookupByHash(p.DestHash); ok {
			p.DestNodeID = id
		}
	}

	return p, nil
}
