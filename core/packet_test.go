package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func drawMidiMessage(t *rapid.T) MidiMessage {
	n := rapid.IntRange(1, 16).Draw(t, "n")
	b := make([]byte, n)
	for i := range b {
		b[i] = rapid.Byte().Draw(t, "byte")
	}
	return MidiMessage(b)
}

// TestPacketRoundTrip is the codec round-trip property spec.md §8
// requires: decode(encode(P)) reproduces every field except timestamp,
// which Encode always overwrites with the current clock.
func TestPacketRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		src := NodeHash(rapid.Uint32().Draw(t, "src"))
		dst := NodeHash(rapid.Uint32().Draw(t, "dst"))
		dev := DeviceID(rapid.Uint16().Draw(t, "dev"))
		msg := drawMidiMessage(t)

		p := NewDataPacket(src, dst, dev, msg)
		p.Sequence = rapid.Uint16().Draw(t, "seq")

		raw, err := p.Encode()
		require.NoError(t, err)

		got, err := Decode(raw)
		require.NoError(t, err)

		assert.Equal(t, p.Flags, got.Flags)
		assert.Equal(t, p.SourceHash, got.SourceHash)
		assert.Equal(t, p.DestHash, got.DestHash)
		assert.Equal(t, p.Sequence, got.Sequence)
		assert.Equal(t, p.DeviceID, got.DeviceID)
		assert.Equal(t, []byte(p.Payload), []byte(got.Payload))
	})
}

func TestPacketRoundTripWithContext(t *testing.T) {
	p := NewDataPacket(1, 2, 3, MidiMessage{0x90, 0x3c, 0x64})
	ctx := NewForwardingContext()
	ctx.Insert(VisitedDevice{Hash: 99, Device: 5})
	ctx.HopCount = 1
	p.AttachContext(ctx)

	raw, err := p.Encode()
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)

	require.NotNil(t, got.Context)
	assert.Equal(t, uint8(1), got.Context.HopCount)
	assert.True(t, got.Context.Contains(VisitedDevice{Hash: 99, Device: 5}))
}

func TestDecodeTooShort(t *testing.T) {
	_, err := Decode(make([]byte, HeaderLen-1))
	require.Error(t, err)

	var ipe *InvalidPacketError
	require.ErrorAs(t, err, &ipe)
	assert.Equal(t, ReasonTooShort, ipe.Reason)
}

func TestDecodeBadMagic(t *testing.T) {
	raw := make([]byte, HeaderLen)
	_, err := Decode(raw)
	require.Error(t, err)

	var ipe *InvalidPacketError
	require.ErrorAs(t, err, &ipe)
	assert.Equal(t, ReasonBadMagic, ipe.Reason)
}

func TestDecodeRejectsFragmentFlag(t *testing.T) {
	p := NewDataPacket(1, 2, 3, MidiMessage{0x90, 0x40, 0x40})
	p.Flags |= FlagFragment

	raw, err := p.Encode()
	require.NoError(t, err)

	_, err = Decode(raw)
	require.Error(t, err)

	var ipe *InvalidPacketError
	require.ErrorAs(t, err, &ipe)
	assert.Equal(t, ReasonFragmentUnsupported, ipe.Reason)
}

func TestSysExAutoFlagsReliable(t *testing.T) {
	p := NewDataPacket(1, 2, 3, MidiMessage{0xF0, 0x7E, 0x00, 0xF7})
	assert.True(t, p.Flags&FlagSysEx != 0)
	assert.True(t, p.IsReliable())
}

func TestNewNackPacketCarriesReliableFlag(t *testing.T) {
	nack := NewNackPacket(1, 2, 42)
	assert.True(t, nack.IsReliable(), "Nack must be distinguishable from Ack by the Reliable flag")

	ack := NewAckPacket(1, 2, 42)
	assert.False(t, ack.IsReliable())
	assert.Equal(t, ack.Sequence, nack.Sequence)
}

func TestDecodeWithRegistryResolvesKnownHashes(t *testing.T) {
	reg := NewUuidRegistry()
	var a, b NodeID
	a[0] = 1
	b[0] = 2
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))

	p := NewDataPacket(a.Hash(), b.Hash(), 1, MidiMessage{0x80, 0x3c, 0x00})
	raw, err := p.Encode()
	require.NoError(t, err)

	got, err := DecodeWithRegistry(raw, reg)
	require.NoError(t, err)
	assert.Equal(t, a, got.SourceNodeID)
	assert.Equal(t, b, got.DestNodeID)
}
