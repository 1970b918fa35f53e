package mesh

/*
Reliable Transport (C6).

Adds sequence-numbered ACK/retry/timeout on top of a UdpTransport for
packets flagged Reliable. A dedicated timer goroutine does bounded work
every 10ms rather than arming one timer per in-flight message -- the
teacher's periodic-scan style (src/dedupe.go's history ring, scanned
rather than timer-per-entry) is the same shape of tradeoff applied here
to retries instead of duplicate suppression.

Wire type disambiguation: spec.md notes packets carry no type byte, so
Ack vs Nack vs Heartbeat is inferred at the application layer from
payload emptiness plus context. This implementation's resolution
(recorded as an Open Question decision in DESIGN.md): an Ack is an
empty-payload packet with the Reliable flag clear; a Nack is an
empty-payload packet with the Reliable flag set. Both carry the acked
sequence number. Only a packet matching a live PendingSend key is
treated as either; an unsolicited empty-payload packet is a Heartbeat.
*/

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// ReliableConfig tunes retry timing. These are configuration
// parameters, not constants (spec.md §4.6).
type ReliableConfig struct {
	BaseTimeout time.Duration
	BackoffStep time.Duration
	MaxRetries  int
}

// DefaultReliableConfig matches spec.md's stated defaults: 100ms base,
// 50ms backoff step, 3 retries (last retry sent ~450ms after the first
// send, failure reported ~700ms after it).
func DefaultReliableConfig() ReliableConfig {
	return ReliableConfig{
		BaseTimeout: 100 * time.Millisecond,
		BackoffStep: 50 * time.Millisecond,
		MaxRetries:  3,
	}
}

func (c ReliableConfig) deadline(sendTime time.Time, retryCount int) time.Time {
	return sendTime.Add(c.BaseTimeout + time.Duration(retryCount)*c.BackoffStep)
}

// PendingSend is the per-message state owned by the reliable layer
// between send and ACK/final-failure.
type PendingSend struct {
	packet     *Packet
	addr       *net.UDPAddr
	peer       NodeHash
	sendTime   time.Time
	retryCount int
	onSuccess  func()
	onFailure  func(error)
}

type pendingKey struct {
	peer NodeHash
	seq  uint16
}

// ReliableStats is a point-in-time snapshot of the reliable layer's
// counters.
type ReliableStats struct {
	ReliableSent   uint64
	ReliableAcked  uint64
	ReliableFailed uint64
	Retries        uint64
	Timeouts       uint64
}

// ReliableTransport wraps a UdpTransport. It holds only a plain
// pointer to its transport (documented as a weak reference in
// spec.md's data model: its lifetime is tied to the router that owns
// both), never taking ownership of the socket itself.
type ReliableTransport struct {
	transport *UdpTransport
	cfg       ReliableConfig
	log       *log.Logger

	nextSequence atomic.Uint32

	mu      sync.Mutex
	pending map[pendingKey]*PendingSend

	stop chan struct{}
	done chan struct{}

	reliableSent   atomic.Uint64
	reliableAcked  atomic.Uint64
	reliableFailed atomic.Uint64
	retries        atomic.Uint64
	timeouts       atomic.Uint64
}

// NewReliableTransport builds a reliable layer over transport. Call
// Start to begin the retry timer.
func NewReliableTransport(transport *UdpTransport, cfg ReliableConfig, logger *log.Logger) *ReliableTransport {
	if logger == nil {
		logger = log.Default()
	}
	return &ReliableTransport{
		transport: transport,
		cfg:       cfg,
		log:       logger.With("component", "reliable"),
		pending:   make(map[pendingKey]*PendingSend),
	}
}

// Start spawns the retry-timer goroutine, firing at least every 10ms.
func (r *ReliableTransport) Start() {
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.timerLoop()
}

// Stop signals the timer goroutine to exit and waits for it to join.
// Outstanding PendingSends are abandoned without invoking their
// continuations; a caller tearing down the transport is expected to be
// tearing down the whole router too.
func (r *ReliableTransport) Stop() {
	if r.stop == nil {
		return
	}
	close(r.stop)
	<-r.done
}

// nextSeq returns the next sequence number, wrapping at 2^16.
func (r *ReliableTransport) nextSeq() uint16 {
	return uint16(r.nextSequence.Add(1))
}

// Send assigns a fresh sequence number, marks the packet Reliable,
// records a PendingSend, and transmits. onSuccess is invoked exactly
// once on ACK; onFailure is invoked exactly once if retries are
// exhausted.
func (r *ReliableTransport) Send(p *Packet, addr *net.UDPAddr, onSuccess func(), onFailure func(error)) error {
	p.Flags |= FlagReliable
	p.Sequence = r.nextSeq()

	ps := &PendingSend{
		packet:    p,
		addr:      addr,
		peer:      p.DestHash,
		sendTime:  time.Now(),
		onSuccess: onSuccess,
		onFailure: onFailure,
	}

	key := pendingKey{peer: p.DestHash, seq: p.Sequence}
	r.mu.Lock()
	r.pending[key] = ps
	r.mu.Unlock()

	r.reliableSent.Add(1)
	if err := r.transport.SendPacket(p, addr); err != nil {
		r.log.Debug("initial reliable send failed, awaiting retry", "err", err, "seq", p.Sequence)
	}
	return nil
}

// HandleIncoming inspects an inbound packet to see whether it is an
// Ack/Nack matching a PendingSend; if so it consumes the packet
// (invoking the success continuation, or retransmitting immediately
// for a Nack) and returns true. Callers should not hand a consumed
// packet on to further MIDI dispatch.
func (r *ReliableTransport) HandleIncoming(p *Packet) bool {
	if len(p.Payload) != 0 {
		return false
	}
	key := pendingKey{peer: p.SourceHash, seq: p.Sequence}

	r.mu.Lock()
	ps, ok := r.pending[key]
	if !ok {
		r.mu.Unlock()
		return false
	}

	if p.Flags&FlagReliable != 0 {
		// Nack: immediate retry, no wait for the timer.
		if ps.retryCount >= r.cfg.MaxRetries {
			delete(r.pending, key)
			r.mu.Unlock()
			r.reliableFailed.Add(1)
			if ps.onFailure != nil {
				ps.onFailure(ErrDeliveryTimeout)
			}
			return true
		}
		ps.retryCount++
		ps.sendTime = time.Now()
		r.mu.Unlock()
		r.retries.Add(1)
		if err := r.transport.SendPacket(ps.packet, ps.addr); err != nil {
			r.log.Debug("nack-triggered retransmit failed", "err", err, "seq", p.Sequence)
		}
		return true
	}

	// Ack.
	delete(r.pending, key)
	r.mu.Unlock()
	r.reliableAcked.Add(1)
	if ps.onSuccess != nil {
		ps.onSuccess()
	}
	return true
}

// Stats returns a snapshot of the reliable layer's counters. Each
// counter is read atomically on its own; they are not read under a
// common lock.
func (r *ReliableTransport) Stats() ReliableStats {
	return ReliableStats{
		ReliableSent:   r.reliableSent.Load(),
		ReliableAcked:  r.reliableAcked.Load(),
		ReliableFailed: r.reliableFailed.Load(),
		Retries:        r.retries.Load(),
		Timeouts:       r.timeouts.Load(),
	}
}

func (r *ReliableTransport) timerLoop() {
	defer close(r.done)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *ReliableTransport) tick() {
	now := time.Now()

	var toRetry []*PendingSend
	var toFail []*PendingSend

	r.mu.Lock()
	for key, ps := range r.pending {
		if now.Before(r.cfg.deadline(ps.sendTime, ps.retryCount)) {
			continue
		}
		if ps.retryCount < r.cfg.MaxRetries {
			ps.retryCount++
			ps.sendTime = now
			toRetry = append(toRetry, ps)
		} else {
			delete(r.pending, key)
			toFail = append(toFail, ps)
		}
	}
	r.mu.Unlock()

	for _, ps := range toRetry {
		r.retries.Add(1)
		if err := r.transport.SendPacket(ps.packet, ps.addr); err != nil {
			r.log.Debug("scheduled retransmit failed", "err", err, "seq", ps.packet.Sequence)
		}
	}
	for _, ps := range toFail {
		r.reliableFailed.Add(1)
		r.timeouts.Add(1)
		if ps.onFailure != nil {
			ps.onFailure(ErrDeliveryTimeout)
		}
	}
}
