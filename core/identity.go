package mesh

/*
Node Identity (C1).

Every running process gets exactly one NodeID for its lifetime. The id
is either freshly random (NewEphemeralIdentity) or loaded from/persisted
to a config directory (NewPersistentIdentity). Earlier branches of this
code kept identity as a package-level singleton set up by init(); that
made multi-instance tests order-dependent on teardown and is why
NodeIdentity is an ordinary value now, constructed explicitly and passed
down by the application entry point.
*/

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
)

// NodeID is a 128-bit identifier, stable for the life of a NodeIdentity.
type NodeID [16]byte

// NilNodeID is the all-zero id; it is never a valid node identity.
var NilNodeID NodeID

// String renders the canonical lowercase-hex form of the id.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// IsNil reports whether id is the all-zero null id.
func (id NodeID) IsNil() bool {
	return id == NilNodeID
}

// ParseNodeID parses the canonical hex string form produced by String.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return id, fmt.Errorf("midimesh: parse node id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("midimesh: parse node id: want %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// NodeHash is the lossy 32-bit compressed form of a NodeID used on the
// wire. Two distinct NodeIDs can fold to the same NodeHash; detecting
// that is the UuidRegistry's job (C3), not this type's.
type NodeHash uint32

// Hash XOR-folds the two 64-bit halves of id together, then folds the
// resulting 64 bits down to 32 by XORing its own halves.
func (id NodeID) Hash() NodeHash {
	var hi, lo uint64
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(id[i])
	}
	for i := 8; i < 16; i++ {
		lo = lo<<8 | uint64(id[i])
	}
	folded := hi ^ lo
	return NodeHash(uint32(folded>>32) ^ uint32(folded))
}

// DeviceID identifies a MIDI endpoint within its owning node. 0 is
// reserved to mean "unassigned".
type DeviceID uint16

// UnassignedDeviceID is the reserved value meaning "allocate one for me".
const UnassignedDeviceID DeviceID = 0

// DeviceKey globally identifies a MIDI endpoint: the node that owns it
// plus the id it was assigned within that node.
type DeviceKey struct {
	Owner NodeID
	ID    DeviceID
}

func (k DeviceKey) String() string {
	return fmt.Sprintf("%s/%d", k.Owner, k.ID)
}

// NodeIdentity owns this process's NodeID and derived display name.
// It is an ordinary value: construct one in main() and pass it down,
// rather than reaching for a package-level global.
type NodeIdentity struct {
	id       NodeID
	name     string
	dir      string
	log      *log.Logger
	hostname func() (string, error)
}

// NewEphemeralIdentity generates a fresh random NodeID that is never
// written to disk.
func NewEphemeralIdentity(logger *log.Logger) (*NodeIdentity, error) {
	id, err := randomNodeID()
	if err != nil {
		return nil, fmt.Errorf("midimesh: generate node id: %w", err)
	}
	return newIdentity(id, "", logger)
}

// NewPersistentIdentity loads the NodeID from configDir/node-id if it
// exists and parses to a non-null id; otherwise it generates one and
// writes it there. Persistence failures are logged, never fatal: the
// process keeps the ephemeral id it already generated rather than
// crashing on a read-only filesystem or missing directory.
func NewPersistentIdentity(configDir string, logger *log.Logger) (*NodeIdentity, error) {
	if logger == nil {
		logger = log.Default()
	}
	path := filepath.Join(configDir, "node-id")

	if raw, err := os.ReadFile(path); err == nil {
		if id, perr := ParseNodeID(string(raw)); perr == nil && !id.IsNil() {
			return newIdentity(id, configDir, logger)
		} else if perr != nil {
			logger.Warn("ignoring unparsable persisted node id", "path", path, "err", perr)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.Warn("could not read persisted node id", "path", path, "err", err)
	}

	id, err := randomNodeID()
	if err != nil {
		return nil, fmt.Errorf("midimesh: generate node id: %w", err)
	}
	identity, err := newIdentity(id, configDir, logger)
	if err != nil {
		return nil, err
	}
	identity.persist()
	return identity, nil
}

// Regenerate replaces the current NodeID with a fresh random one and
// re-persists it (if this identity is persistent). Used for hash
// collision recovery and in tests that need a known-distinct identity.
func (n *NodeIdentity) Regenerate() error {
	id, err := randomNodeID()
	if err != nil {
		return fmt.Errorf("midimesh: generate node id: %w", err)
	}
	n.id = id
	n.name = deriveName(id, n.hostname)
	n.persist()
	return nil
}

// ID returns the process's stable NodeID.
func (n *NodeIdentity) ID() NodeID { return n.id }

// Name returns the human-readable derived node name.
func (n *NodeIdentity) Name() string { return n.name }

func newIdentity(id NodeID, dir string, logger *log.Logger) (*NodeIdentity, error) {
	if logger == nil {
		logger = log.Default()
	}
	n := &NodeIdentity{
		id:       id,
		dir:      dir,
		log:      logger,
		hostname: os.Hostname,
	}
	n.name = deriveName(id, n.hostname)
	return n, nil
}

func (n *NodeIdentity) persist() {
	if n.dir == "" {
		return
	}
	if err := os.MkdirAll(n.dir, 0o755); err != nil {
		n.log.Warn("could not create config dir for node id", "dir", n.dir, "err", err)
		return
	}
	path := filepath.Join(n.dir, "node-id")
	if err := os.WriteFile(path, []byte(n.id.String()), 0o644); err != nil {
		n.log.Warn("could not persist node id", "path", path, "err", err)
	}
}

func randomNodeID() (NodeID, error) {
	var id NodeID
	for {
		if _, err := rand.Read(id[:]); err != nil {
			return NilNodeID, err
		}
		if !id.IsNil() {
			return id, nil
		}
	}
}

// deriveName builds "<sanitized-hostname>-<first 8 hex chars of id>",
// sanitizing the hostname by lower-casing it, replacing spaces and
// underscores with '-', and truncating to 20 characters.
func deriveName(id NodeID, hostnameFn func() (string, error)) string {
	host := "unknown-host"
	if hostnameFn != nil {
		if h, err := hostnameFn(); err == nil && h != "" {
			host = h
		}
	}
	return sanitizeHostname(host) + "-" + id.String()[:8]
}

func sanitizeHostname(host string) string {
	host = strings.ToLower(host)
	host = strings.Map(func(r rune) rune {
		if r == ' ' || r == '_' {
			return '-'
		}
		return r
	}, host)
	if len(host) > 20 {
		host = host[:20]
	}
	return host
}
