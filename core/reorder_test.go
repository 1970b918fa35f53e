package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqPacket(seq uint16) *Packet {
	p := NewDataPacket(1, 2, 1, MidiMessage{0x90, 0x40, 0x40})
	p.Sequence = seq
	return p
}

func TestReorderBufferDeliversInOrderImmediately(t *testing.T) {
	var delivered []uint16
	buf := NewReorderBuffer(DefaultReorderConfig(), func(p *Packet) {
		delivered = append(delivered, p.Sequence)
	}, nil)

	buf.Receive(1, seqPacket(0))
	buf.Receive(1, seqPacket(1))
	buf.Receive(1, seqPacket(2))

	assert.Equal(t, []uint16{0, 1, 2}, delivered)
}

// TestReorderBufferRestoresOrder is the literal spec.md §8 scenario:
// sequences 10,11,13,14,12 arrive in that order and must be delivered
// as 10,11,12,13,14.
func TestReorderBufferRestoresOrder(t *testing.T) {
	var delivered []uint16
	buf := NewReorderBuffer(DefaultReorderConfig(), func(p *Packet) {
		delivered = append(delivered, p.Sequence)
	}, nil)

	for _, s := range []uint16{10, 11, 13, 14, 12} {
		buf.Receive(1, seqPacket(s))
	}

	assert.Equal(t, []uint16{10, 11, 12, 13, 14}, delivered)
	stats := buf.Stats(1)
	assert.Equal(t, uint64(5), stats.PacketsReceived)
	assert.Equal(t, uint64(5), stats.PacketsDelivered)
	assert.True(t, stats.PacketsReordered >= 2)
}

func TestReorderBufferDropsDuplicateByDefault(t *testing.T) {
	var delivered []uint16
	buf := NewReorderBuffer(DefaultReorderConfig(), func(p *Packet) {
		delivered = append(delivered, p.Sequence)
	}, nil)

	buf.Receive(1, seqPacket(0))
	buf.Receive(1, seqPacket(1))
	buf.Receive(1, seqPacket(0)) // duplicate, already delivered

	assert.Equal(t, []uint16{0, 1}, delivered)
	assert.Equal(t, uint64(1), buf.Stats(1).Duplicates)
}

func TestReorderBufferAllowDuplicatesRedelivers(t *testing.T) {
	cfg := DefaultReorderConfig()
	cfg.AllowDuplicates = true
	var delivered []uint16
	buf := NewReorderBuffer(cfg, func(p *Packet) {
		delivered = append(delivered, p.Sequence)
	}, nil)

	buf.Receive(1, seqPacket(0))
	buf.Receive(1, seqPacket(0))

	assert.Equal(t, []uint16{0, 0}, delivered)
}

func TestReorderBufferSequenceWrapNoGapDetected(t *testing.T) {
	var delivered []uint16
	buf := NewReorderBuffer(DefaultReorderConfig(), func(p *Packet) {
		delivered = append(delivered, p.Sequence)
	}, nil)

	buf.Receive(1, seqPacket(65535))
	buf.Receive(1, seqPacket(0))

	assert.Equal(t, []uint16{65535, 0}, delivered)
	assert.Equal(t, uint64(0), buf.Stats(1).GapsDetected)
}

func TestReorderBufferGapBeyondMaxGapSkipsForward(t *testing.T) {
	cfg := DefaultReorderConfig()
	cfg.MaxGap = 5
	var delivered []uint16
	buf := NewReorderBuffer(cfg, func(p *Packet) {
		delivered = append(delivered, p.Sequence)
	}, nil)

	buf.Receive(1, seqPacket(0))
	buf.Receive(1, seqPacket(100)) // far beyond MaxGap

	assert.Equal(t, []uint16{0, 100}, delivered)
	assert.Equal(t, uint64(1), buf.Stats(1).GapsDetected)
}

func TestReorderBufferCapacityEvictsOldest(t *testing.T) {
	cfg := DefaultReorderConfig()
	cfg.Capacity = 2
	buf := NewReorderBuffer(cfg, func(*Packet) {}, nil)

	buf.Receive(1, seqPacket(0)) // establishes nextExpected=0
	// hold 2,3,4 out of order (1 never arrives), exceeding capacity 2
	buf.Receive(1, seqPacket(2))
	buf.Receive(1, seqPacket(3))
	buf.Receive(1, seqPacket(4))

	stats := buf.Stats(1)
	assert.LessOrEqual(t, stats.CurrentBufferSize, 2)
	assert.True(t, stats.PacketsDropped >= 1)
}

func TestReorderBufferIndependentPerPeer(t *testing.T) {
	var delivered []NodeHash
	buf := NewReorderBuffer(DefaultReorderConfig(), func(p *Packet) {
		delivered = append(delivered, p.SourceHash)
	}, nil)

	a := seqPacket(5)
	a.SourceHash = 1
	b := seqPacket(0)
	b.SourceHash = 2

	buf.Receive(1, a)
	buf.Receive(2, b)

	require.Len(t, delivered, 2)
	assert.ElementsMatch(t, []NodeHash{1, 2}, delivered)
}
