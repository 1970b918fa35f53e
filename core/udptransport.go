package mesh

/*
UDP Transport (C5).

Binds one datagram socket, exclusively owned by this UdpTransport, and
runs a dedicated receive goroutine. Grounded in src/server.go's AGW TCP
server (net + encoding/binary, one goroutine per connection reading a
fixed header) adapted to a single shared UDP socket instead of
per-client TCP connections, since a mesh transport has one socket
talking to many peers rather than one socket per peer.
*/

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// MaxDatagramBytes bounds a single read from the socket.
const MaxDatagramBytes = 2048

// PacketHandler is invoked on the receive goroutine for every
// successfully decoded inbound packet. It MUST NOT block: offload any
// real work through a queue (the router does this internally).
type PacketHandler func(p *Packet, addr *net.UDPAddr)

// TransportState is the UdpTransport lifecycle: Stopped -> Running -> Stopped.
type TransportState int32

const (
	StateStopped TransportState = iota
	StateRunning
)

// TransportStats is a snapshot of a UdpTransport's counters, copied out
// of the live atomics one counter at a time rather than handing back
// the atomics themselves. The counters are not read under a common
// lock, so a snapshot taken during traffic may combine values read at
// slightly different moments.
type TransportStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	SendErrors      uint64
	ReceiveErrors   uint64
	InvalidPackets  uint64
}

// UdpTransport exclusively owns one datagram socket and its receive
// goroutine.
type UdpTransport struct {
	log *log.Logger
	reg *UuidRegistry // optional; nil disables NodeID resolution on decode

	conn  *net.UDPConn
	port  int
	state atomic.Int32

	stop     chan struct{}
	done     chan struct{}
	callback atomic.Pointer[PacketHandler]

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	sendErrors      atomic.Uint64
	receiveErrors   atomic.Uint64
	invalidPackets  atomic.Uint64

	mu sync.Mutex
}

// NewUdpTransport binds a UDP socket on port (0 = OS-assigned, to allow
// multiple instances on one host) but does not yet start receiving.
func NewUdpTransport(port int, reg *UuidRegistry, logger *log.Logger) (*UdpTransport, error) {
	if logger == nil {
		logger = log.Default()
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("midimesh: bind udp transport: %w", err)
	}
	actual := conn.LocalAddr().(*net.UDPAddr).Port

	t := &UdpTransport{
		log:  logger.With("component", "udp", "port", actual),
		reg:  reg,
		conn: conn,
		port: actual,
	}
	return t, nil
}

// Port returns the actual bound port (useful after binding to 0).
func (t *UdpTransport) Port() int { return t.port }

// OnPacketReceived registers the callback invoked for every decoded
// inbound packet. Safe to call before or after Start.
func (t *UdpTransport) OnPacketReceived(cb PacketHandler) {
	t.callback.Store(&cb)
}

// Start spawns the receive goroutine. Calling Start twice is a no-op.
func (t *UdpTransport) Start() {
	if !t.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.receiveLoop()
}

// Stop signals the receive goroutine to exit, waits for it to join,
// and closes the socket. Stop drains to a quiescent state quickly
// because the read deadline below bounds how long the goroutine can be
// blocked in a single read.
func (t *UdpTransport) Stop() {
	if !t.state.CompareAndSwap(int32(StateRunning), int32(StateStopped)) {
		return
	}
	close(t.stop)
	<-t.done
	t.conn.Close()
}

// SendPacket serializes p (stamping its timestamp) and writes it to
// addr:port. It returns synchronously; write errors are counted and
// returned, never fatal to the transport.
func (t *UdpTransport) SendPacket(p *Packet, addr *net.UDPAddr) error {
	if TransportState(t.state.Load()) != StateRunning {
		return ErrNotRunning
	}

	buf, err := p.Encode()
	if err != nil {
		return fmt.Errorf("midimesh: encode outbound packet: %w", err)
	}

	n, err := t.conn.WriteToUDP(buf, addr)
	if err != nil {
		t.sendErrors.Add(1)
		return &SendError{Err: err}
	}
	t.packetsSent.Add(1)
	t.bytesSent.Add(uint64(n))
	return nil
}

// Stats returns a snapshot of the transport's counters (see
// TransportStats).
func (t *UdpTransport) Stats() TransportStats {
	return TransportStats{
		PacketsSent:     t.packetsSent.Load(),
		PacketsReceived: t.packetsReceived.Load(),
		BytesSent:       t.bytesSent.Load(),
		BytesReceived:   t.bytesReceived.Load(),
		SendErrors:      t.sendErrors.Load(),
		ReceiveErrors:   t.receiveErrors.Load(),
		InvalidPackets:  t.invalidPackets.Load(),
	}
}

func (t *UdpTransport) receiveLoop() {
	defer close(t.done)
	buf := make([]byte, MaxDatagramBytes)

	for {
		select {
		case <-t.stop:
			return
		default:
		}

		// A short read deadline keeps Stop() responsive without
		// per-message timers.
		_ = t.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-t.stop:
				return
			default:
			}
			t.receiveErrors.Add(1)
			t.log.Warn("udp read error", "err", err)
			time.Sleep(5 * time.Millisecond)
			continue
		}

		t.packetsReceived.Add(1)
		t.bytesReceived.Add(uint64(n))

		p, err := decode(buf[:n], t.reg)
		if err != nil {
			t.invalidPackets.Add(1)
			t.log.Debug("dropped invalid packet", "from", addr, "err", err)
			continue
		}

		if cb := t.callback.Load(); cb != nil {
			(*cb)(p, addr)
		}
	}
}
