package mesh

/*
MIDI Router (C11).

The hot path: every locally-generated MIDI message and every inbound
network packet funnels through one command queue drained by a single
worker goroutine, so routing decisions (which rule fires, which route
resolves, whether a forwarding context already visited a device) never
race each other. Administrative operations (AddPeer, RemovePeer) are
cheap enough to run directly under a lock instead of going through the
queue -- only dispatch decisions need the single-worker serialization
spec.md §4.11.2 calls for.

Loop prevention runs in two layers: RuleEngine.AddRule (C10) rejects
obviously cyclic local configuration at add-time, and the forwarding
context carried on every packet (C4/context.go) catches cycles that
span multiple independently-configured nodes, which no single node's
rule table could see coming.
*/

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// LocalOutFunc delivers a routed MIDI message to a local device's
// output (e.g. an ALSA/CoreMIDI sink owned by the caller). It must not
// block the router's worker goroutine for long.
type LocalOutFunc func(id DeviceID, msg MidiMessage)

// RouterConfig tunes the router's queue and heartbeat behavior.
type RouterConfig struct {
	// QueueCapacity bounds how many pending dispatch commands may be
	// buffered before LocalMidiIn/onPacketReceived start dropping work.
	QueueCapacity int
	// HeartbeatInterval is how often a Heartbeat packet is sent to
	// every known peer. Zero disables heartbeating.
	HeartbeatInterval time.Duration
}

// DefaultRouterConfig matches spec.md §4.11's stated defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		QueueCapacity:     256,
		HeartbeatInterval: 2 * time.Second,
	}
}

// RouterStats is a point-in-time snapshot of the router's counters.
// spec.md §4.11.2/§4.11.3 call out LoopsDetected and MessagesDropped as
// counters distinct from the catch-all RoutingErrors: a detected loop
// increments both LoopsDetected and MessagesDropped, a hop-limit drop
// increments only MessagesDropped, and every other routing failure
// (unknown device, no route, no peer address, send failure, full
// queue) increments only RoutingErrors.
type RouterStats struct {
	MessagesRouted     uint64
	RoutingErrors      uint64
	LoopsDetected      uint64
	MessagesDropped    uint64
	HeartbeatsSent     uint64
	HeartbeatsReceived uint64
	QueueDepth         int
}

// Router ties together identity, the device registry, the routing
// table, the rule engine, and a transport pair into the single
// component that actually moves MIDI.
type Router struct {
	self     NodeID
	selfHash NodeHash

	devices   *DeviceRegistry
	routes    *RoutingTable
	rules     *RuleEngine
	reg       *UuidRegistry
	transport *UdpTransport
	reliable  *ReliableTransport
	localOut  LocalOutFunc
	log       *log.Logger
	cfg       RouterConfig

	mu        sync.RWMutex
	peerAddrs map[NodeHash]*net.UDPAddr

	cmds chan func()
	stop chan struct{}
	done chan struct{}

	messagesRouted     atomic.Uint64
	routingErrors      atomic.Uint64
	loopsDetected      atomic.Uint64
	messagesDropped    atomic.Uint64
	heartbeatsSent     atomic.Uint64
	heartbeatsReceived atomic.Uint64
}

// NewRouter wires a Router over an already-constructed transport and
// reliable layer. Starting and stopping the transport and reliable
// layer themselves remains the caller's responsibility: the router
// borrows them, it doesn't own their lifecycle.
func NewRouter(
	identity *NodeIdentity,
	devices *DeviceRegistry,
	routes *RoutingTable,
	rules *RuleEngine,
	reg *UuidRegistry,
	transport *UdpTransport,
	reliable *ReliableTransport,
	localOut LocalOutFunc,
	cfg RouterConfig,
	logger *log.Logger,
) *Router {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	r := &Router{
		self:      identity.ID(),
		selfHash:  identity.ID().Hash(),
		devices:   devices,
		routes:    routes,
		rules:     rules,
		reg:       reg,
		transport: transport,
		reliable:  reliable,
		localOut:  localOut,
		cfg:       cfg,
		log:       logger.With("component", "router"),
		peerAddrs: make(map[NodeHash]*net.UDPAddr),
	}
	transport.OnPacketReceived(r.onPacketReceived)
	return r
}

// Start spawns the worker goroutine and, if configured, the heartbeat
// ticker.
func (r *Router) Start() {
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.cmds = make(chan func(), r.cfg.QueueCapacity)
	go r.worker()
	if r.cfg.HeartbeatInterval > 0 {
		go r.heartbeatLoop()
	}
}

// Stop signals the worker to drain and exit, then waits for it.
func (r *Router) Stop() {
	if r.stop == nil {
		return
	}
	close(r.stop)
	<-r.done
}

func (r *Router) worker() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			for {
				select {
				case cmd := <-r.cmds:
					cmd()
				default:
					return
				}
			}
		case cmd := <-r.cmds:
			cmd()
		}
	}
}

// enqueue submits cmd to the worker queue, dropping (and counting as a
// routing error) if the queue is full rather than blocking the caller
// -- LocalMidiIn/onPacketReceived callers include the transport's
// receive goroutine, which must never block.
func (r *Router) enqueue(cmd func()) {
	select {
	case r.cmds <- cmd:
	default:
		r.routingErrors.Add(1)
		r.log.Warn("router command queue full, dropping")
	}
}

// AddPeer records addr as the UDP endpoint for node and registers its
// NodeID/NodeHash mapping. Administrative, so it bypasses the command
// queue.
func (r *Router) AddPeer(node NodeID, addr *net.UDPAddr) error {
	if err := r.reg.Register(node); err != nil {
		return err
	}
	r.mu.Lock()
	r.peerAddrs[node.Hash()] = addr
	r.mu.Unlock()
	return nil
}

// RemovePeer forgets node's address, registry entry, devices, and
// routes.
func (r *Router) RemovePeer(node NodeID) {
	r.mu.Lock()
	delete(r.peerAddrs, node.Hash())
	r.mu.Unlock()
	r.reg.Forget(node)
	r.devices.ForgetNode(node)
	r.routes.ReplaceNodeRoutes(node, nil)
}

func (r *Router) peerAddr(node NodeID) (*net.UDPAddr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.peerAddrs[node.Hash()]
	return addr, ok
}

// Stats returns a snapshot of the router's counters. Each counter is
// read atomically on its own; they are not read under a common lock.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		MessagesRouted:     r.messagesRouted.Load(),
		RoutingErrors:      r.routingErrors.Load(),
		LoopsDetected:      r.loopsDetected.Load(),
		MessagesDropped:    r.messagesDropped.Load(),
		HeartbeatsSent:     r.heartbeatsSent.Load(),
		HeartbeatsReceived: r.heartbeatsReceived.Load(),
		QueueDepth:         len(r.cmds),
	}
}

// LocalMidiIn is called by the local MIDI input side (not modeled in
// this package) whenever a message arrives from a local device. It
// enqueues a dispatch command and returns immediately. When no rule for
// the device matches msg and the device's own route is Local, msg is
// handed to that device's local output instead.
func (r *Router) LocalMidiIn(id DeviceID, msg MidiMessage) {
	origin := DeviceKey{Owner: r.self, ID: id}
	r.enqueue(func() {
		for _, rule := range r.rules.RulesFor(origin) {
			if rule.Matches(msg) {
				r.continueForwarding(origin, msg, nil)
				return
			}
		}
		if route, ok := r.routes.Lookup(id); ok && route.Kind == RouteLocal && r.localOut != nil {
			r.localOut(id, msg)
			r.messagesRouted.Add(1)
		}
	})
}

// onPacketReceived is the UdpTransport callback; it must not block, so
// it only enqueues.
func (r *Router) onPacketReceived(p *Packet, addr *net.UDPAddr) {
	r.enqueue(func() {
		r.handleNetworkPacket(p, addr)
	})
}

// handleNetworkPacket implements spec.md §4.11.2's dispatch for
// inbound packets and §4.11.6's failure semantics.
func (r *Router) handleNetworkPacket(p *Packet, addr *net.UDPAddr) {
	r.mu.Lock()
	r.peerAddrs[p.SourceHash] = addr
	r.mu.Unlock()

	if r.reliable.HandleIncoming(p) {
		return
	}

	if len(p.Payload) == 0 {
		r.heartbeatsReceived.Add(1)
		return
	}

	// A context already at the hop budget arrived "for free" beyond what
	// any sender should have produced (see continueForwarding's own hop check);
	// drop rather than deliver or extend it further.
	if p.Context != nil && int(p.Context.HopCount) >= MaxHops {
		r.messagesDropped.Add(1)
		r.log.Debug("dropping packet, hop limit exceeded", "device", p.DeviceID)
		return
	}

	key := DeviceKey{Owner: r.self, ID: p.DeviceID}
	dev, ok := r.devices.Get(key)
	if !ok || !dev.Local {
		r.routingErrors.Add(1)
		if p.IsReliable() {
			nack := NewNackPacket(r.selfHash, p.SourceHash, p.Sequence)
			if err := r.transport.SendPacket(nack, addr); err != nil {
				r.log.Debug("could not send nack for unknown device", "err", err)
			}
		}
		return
	}

	if r.localOut != nil {
		r.localOut(p.DeviceID, p.Payload)
	}
	r.messagesRouted.Add(1)
	r.continueForwarding(key, p.Payload, p.Context)
}

// continueForwarding applies origin's forwarding rules to msg. ctxIn is
// the context the message carried on arrival at origin (nil for a
// freshly locally-originated message, meaning "no hops taken yet").
//
// Per rule, the candidate destination is checked against ctxIn *before*
// any context is built for that hop: a destination already present
// means this exact edge would revisit a device the message has already
// reached, so that one candidate is dropped while sibling rules still
// get their chance. This catches cycles that span multiple nodes'
// independently-configured rule tables one hop after the revisit
// becomes detectable (a tight two-node ping-pong is stopped on its
// third attempted hop, never reaching the wire) -- the local add-time
// check in RuleEngine.AddRule is what prevents the obvious single-node
// cases outright.
func (r *Router) continueForwarding(origin DeviceKey, msg MidiMessage, ctxIn *ForwardingContext) {
	for _, rule := range r.rules.RulesFor(origin) {
		if !rule.Matches(msg) {
			continue
		}

		visit := VisitedDevice{Hash: rule.Dest.Owner.Hash(), Device: rule.Dest.ID}
		if ctxIn != nil && ctxIn.Contains(visit) {
			r.loopsDetected.Add(1)
			r.messagesDropped.Add(1)
			r.log.Debug("dropping packet, loop detected", "device", rule.Dest)
			continue
		}

		next := ctxIn.Clone()
		next.Insert(visit)
		next.HopCount++
		if int(next.HopCount) > MaxHops {
			r.messagesDropped.Add(1)
			r.log.Debug("dropping packet, hop limit exceeded", "device", rule.Dest)
			continue
		}

		r.deliver(rule.Dest, msg, next)
	}
}

// deliver resolves dest's route and either hands msg to the local
// output (continuing any further rule chain from dest) or sends it on
// to the owning remote node.
func (r *Router) deliver(dest DeviceKey, msg MidiMessage, ctx *ForwardingContext) {
	route, ok := r.routes.Lookup(dest.ID)
	if !ok {
		r.routingErrors.Add(1)
		r.log.Debug("dropping packet, no route", "device", dest)
		return
	}

	switch route.Kind {
	case RouteLocal:
		if r.localOut != nil {
			r.localOut(dest.ID, msg)
		}
		r.messagesRouted.Add(1)
		r.continueForwarding(dest, msg, ctx)
	case RouteRemote:
		r.sendRemote(dest, route.RemoteNode, msg, ctx)
	}
}

func (r *Router) sendRemote(dest DeviceKey, node NodeID, msg MidiMessage, ctx *ForwardingContext) {
	addr, ok := r.peerAddr(node)
	if !ok {
		r.routingErrors.Add(1)
		r.log.Debug("dropping packet, no known address for peer", "node", node)
		return
	}

	p := NewDataPacket(r.selfHash, node.Hash(), dest.ID, msg)
	p.AttachContext(ctx)

	if p.IsReliable() {
		if err := r.reliable.Send(p, addr, func() {}, func(err error) {
			r.routingErrors.Add(1)
			r.log.Warn("reliable forward failed", "device", dest, "err", err)
		}); err != nil {
			r.routingErrors.Add(1)
			r.log.Warn("could not start reliable forward", "device", dest, "err", err)
			return
		}
	} else {
		// Unreliable sends are fire-and-forget: spec.md §4.11.6 directs
		// no retry here, only a counted error.
		if err := r.transport.SendPacket(p, addr); err != nil {
			r.routingErrors.Add(1)
			r.log.Debug("unreliable forward failed", "device", dest, "err", err)
		}
	}
	r.messagesRouted.Add(1)
}

func (r *Router) heartbeatLoop() {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sendHeartbeats()
		}
	}
}

func (r *Router) sendHeartbeats() {
	r.mu.RLock()
	addrs := make(map[NodeHash]*net.UDPAddr, len(r.peerAddrs))
	for hash, addr := range r.peerAddrs {
		addrs[hash] = addr
	}
	r.mu.RUnlock()

	for hash, addr := range addrs {
		hb := NewHeartbeatPacket(r.selfHash, hash)
		if err := r.transport.SendPacket(hb, addr); err != nil {
			r.log.Debug("heartbeat send failed", "peer", hash, "err", err)
			continue
		}
		r.heartbeatsSent.Add(1)
	}
}
