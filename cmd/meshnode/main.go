package main

/*
meshnode is a minimal demonstration binary wiring the mesh networking
core together: one node identity (persistent when --identity-dir is
given, otherwise ephemeral), one UDP transport, the reliable layer,
the device registry and routing table, a rule engine optionally
loaded from a YAML file, and the router that ties it all together.
The reorder buffer is not wired in: inbound packets go from the
transport straight to the router.

It does not talk to any real MIDI hardware -- that integration is
deliberately left to a caller of this package (spec.md's Non-goals
exclude the MIDI driver layer). What it demonstrates is the wiring
order every real embedding of this core needs to follow.
*/

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	mesh "github.com/kb9vor/midimesh/core"
)

func main() {
	var (
		port        = pflag.IntP("port", "p", 0, "UDP port to bind (0 = OS-assigned).")
		identityDir = pflag.StringP("identity-dir", "i", "", "Directory to persist this node's identity across restarts. Empty means ephemeral.")
		peers       = pflag.StringSliceP("peer", "r", nil, "Peer address in host:port form; repeatable.")
		ruleFile    = pflag.StringP("rules", "R", "", "YAML forwarding rule file to load at startup.")
		verbose     = pflag.BoolP("verbose", "v", false, "Enable debug logging.")
		help        = pflag.BoolP("help", "h", false, "Display help text.")
	)

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "meshnode - a peer-to-peer MIDI-over-UDP mesh node.\n\n")
		fmt.Fprintf(os.Stderr, "Usage: meshnode [options]\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(1)
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	if err := run(*port, *identityDir, *peers, *ruleFile, logger); err != nil {
		logger.Fatal("meshnode exited with error", "err", err)
	}
}

func run(port int, identityDir string, peerAddrs []string, ruleFile string, logger *log.Logger) error {
	var identity *mesh.NodeIdentity
	var err error
	var instanceDir *mesh.InstanceDirectory
	if identityDir != "" {
		identity, instanceDir, err = openPersistentNode(identityDir, logger)
		if err != nil {
			return err
		}
		defer instanceDir.Close()
	} else {
		identity, err = mesh.NewEphemeralIdentity(logger)
		if err != nil {
			return fmt.Errorf("create identity: %w", err)
		}
	}
	logger.Info("node identity ready", "node", identity.ID(), "name", identity.Name())

	reg := mesh.NewUuidRegistry()
	if err := reg.Register(identity.ID()); err != nil {
		return fmt.Errorf("register own identity: %w", err)
	}

	devices := mesh.NewDeviceRegistry(identity.ID(), logger)
	routes := mesh.NewRoutingTable()
	rules := mesh.NewRuleEngine()

	// An instance directory means a persistent identity, so this node
	// can also survive a restart without rediscovering every peer
	// device over the (out-of-scope) discovery protocol: load whatever
	// device snapshot the previous run left behind, and save one again
	// on the way out. Ephemeral identities have no scratch directory to
	// keep this in, so they skip it entirely.
	if instanceDir != nil {
		snapshotPath := instanceDir.StateFile("devices.yaml")
		loadDeviceSnapshot(devices, snapshotPath, logger)
		defer saveDeviceSnapshot(devices, snapshotPath, logger)
	}

	if ruleFile != "" {
		raw, err := os.ReadFile(ruleFile)
		if err != nil {
			return fmt.Errorf("read rule file: %w", err)
		}
		if err := rules.ImportYAML(raw); err != nil {
			return fmt.Errorf("load rule file: %w", err)
		}
	}

	transport, err := mesh.NewUdpTransport(port, reg, logger)
	if err != nil {
		return fmt.Errorf("bind transport: %w", err)
	}
	logger.Info("bound udp transport", "port", transport.Port())

	reliable := mesh.NewReliableTransport(transport, mesh.DefaultReliableConfig(), logger)

	localOut := func(id mesh.DeviceID, msg mesh.MidiMessage) {
		logger.Debug("local delivery", "device", id, "bytes", len(msg))
	}

	router := mesh.NewRouter(identity, devices, routes, rules, reg, transport, reliable, localOut, mesh.DefaultRouterConfig(), logger)

	transport.Start()
	defer transport.Stop()
	reliable.Start()
	defer reliable.Stop()
	router.Start()
	defer router.Stop()

	for _, spec := range peerAddrs {
		if err := addPeerByAddr(router, reg, spec); err != nil {
			logger.Warn("could not add peer", "peer", spec, "err", err)
		}
	}

	logger.Info("meshnode running", "port", transport.Port())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")
	return nil
}

func openPersistentNode(dir string, logger *log.Logger) (*mesh.NodeIdentity, *mesh.InstanceDirectory, error) {
	identity, err := mesh.NewPersistentIdentity(dir, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create identity: %w", err)
	}

	instanceDir, err := mesh.NewInstanceDirectory(identity.ID(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	return identity, instanceDir, nil
}

// loadDeviceSnapshot restores devices from a previous run's snapshot
// file, if one exists. A missing file (first run) is not an error; a
// present-but-unreadable or unparsable one is logged and skipped
// rather than aborting startup, the same "don't crash on bad
// persisted state" policy NewPersistentIdentity applies to node-id.
func loadDeviceSnapshot(devices *mesh.DeviceRegistry, path string, logger *log.Logger) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("could not read device snapshot", "path", path, "err", err)
		}
		return
	}
	var entries []mesh.DeviceSnapshot
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		logger.Warn("could not parse device snapshot", "path", path, "err", err)
		return
	}
	devices.LoadSnapshot(entries)
	logger.Info("restored device snapshot", "path", path, "count", len(entries))
}

// saveDeviceSnapshot persists the current device registry to path so
// the next run of this binary can restore it via loadDeviceSnapshot
// without rediscovering every peer device over the network.
func saveDeviceSnapshot(devices *mesh.DeviceRegistry, path string, logger *log.Logger) {
	raw, err := yaml.Marshal(devices.Snapshot())
	if err != nil {
		logger.Warn("could not marshal device snapshot", "err", err)
		return
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		logger.Warn("could not write device snapshot", "path", path, "err", err)
	}
}

// addPeerByAddr resolves spec as host:port, derives a placeholder
// NodeID from it (real deployments would exchange identities via a
// handshake; this demonstration binary has no such handshake), and
// registers the peer with the router.
func addPeerByAddr(router *mesh.Router, reg *mesh.UuidRegistry, spec string) error {
	addr, err := net.ResolveUDPAddr("udp", spec)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", spec, err)
	}

	placeholder := placeholderNodeID(spec)
	return router.AddPeer(placeholder, addr)
}

// placeholderNodeID derives a stable, deterministic (but not secret)
// 128-bit value from an address string purely so repeated runs of
// this demonstration binary agree on the same id for the same peer.
// Production embedders are expected to learn real peer NodeIDs from a
// handshake rather than deriving them from the transport address.
func placeholderNodeID(spec string) mesh.NodeID {
	var id mesh.NodeID
	h := strings.TrimSpace(spec)
	for i := range id {
		id[i] = h[i%len(h)]
	}
	return id
}
