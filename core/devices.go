package mesh

/*
Device Registry (C8).

Catalog of every MIDI endpoint known to this node: the ones it owns
locally, and the ones it has learned about from peers. All mutations
are serialized under a single lock; read accessors return snapshots so
callers never hold a reference into live state.
*/

import (
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Device is one catalog entry.
type Device struct {
	Key      DeviceKey
	Name     string
	IsInput  bool
	IsOutput bool
	Local    bool
	LastSeen time.Time
}

// DeviceRegistry holds every local and learned-remote device. self is
// the owner used for local registrations.
type DeviceRegistry struct {
	self NodeID
	log  *log.Logger

	mu      sync.RWMutex
	devices map[DeviceKey]*Device
}

// NewDeviceRegistry returns an empty registry owned by self.
func NewDeviceRegistry(self NodeID, logger *log.Logger) *DeviceRegistry {
	if logger == nil {
		logger = log.Default()
	}
	return &DeviceRegistry{
		self:    self,
		log:     logger.With("component", "devices"),
		devices: make(map[DeviceKey]*Device),
	}
}

// RegisterLocal adds or updates a device owned by this node. Passing
// UnassignedDeviceID allocates the next free id (scanning from 1,
// skipping ids already in use by this node). It fails with
// ErrDeviceIdInUse if the requested id is already occupied by an entry
// that isn't itself local, and ErrNoFreeDeviceID if id space is
// exhausted during allocation.
func (r *DeviceRegistry) RegisterLocal(id DeviceID, name string, isInput, isOutput bool) (DeviceKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == UnassignedDeviceID {
		allocated, err := r.allocateLocked()
		if err != nil {
			return DeviceKey{}, err
		}
		id = allocated
	}

	key := DeviceKey{Owner: r.self, ID: id}
	if existing, ok := r.devices[key]; ok {
		if !existing.Local {
			return DeviceKey{}, ErrDeviceIdInUse
		}
		existing.Name = name
		existing.IsInput = isInput
		existing.IsOutput = isOutput
		existing.LastSeen = time.Now()
		return key, nil
	}

	r.devices[key] = &Device{
		Key: key, Name: name, IsInput: isInput, IsOutput: isOutput,
		Local: true, LastSeen: time.Now(),
	}
	return key, nil
}

func (r *DeviceRegistry) allocateLocked() (DeviceID, error) {
	for id := DeviceID(1); id != UnassignedDeviceID; id++ {
		key := DeviceKey{Owner: r.self, ID: id}
		if _, used := r.devices[key]; !used {
			return id, nil
		}
	}
	return 0, ErrNoFreeDeviceID
}

// RegisterRemote idempotently records a device learned from owner.
// Re-registering the same attributes only refreshes LastSeen.
func (r *DeviceRegistry) RegisterRemote(owner NodeID, id DeviceID, name string, isInput, isOutput bool) DeviceKey {
	key := DeviceKey{Owner: owner, ID: id}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.devices[key]; ok {
		existing.Name = name
		existing.IsInput = isInput
		existing.IsOutput = isOutput
		existing.LastSeen = time.Now()
		return key
	}
	r.devices[key] = &Device{
		Key: key, Name: name, IsInput: isInput, IsOutput: isOutput,
		Local: false, LastSeen: time.Now(),
	}
	return key
}

// ForgetNode removes every device owned by owner, e.g. on peer
// disconnect.
func (r *DeviceRegistry) ForgetNode(owner NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.devices {
		if key.Owner == owner {
			delete(r.devices, key)
		}
	}
}

// Get returns the device at key, if any.
func (r *DeviceRegistry) Get(key DeviceKey) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[key]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// ListLocal returns every device owned by this node, sorted by id.
func (r *DeviceRegistry) ListLocal() []Device {
	return r.list(func(d *Device) bool { return d.Local })
}

// ListRemote returns every learned-remote device.
func (r *DeviceRegistry) ListRemote() []Device {
	return r.list(func(d *Device) bool { return !d.Local })
}

// ListForNode returns every device owned by owner.
func (r *DeviceRegistry) ListForNode(owner NodeID) []Device {
	return r.list(func(d *Device) bool { return d.Key.Owner == owner })
}

func (r *DeviceRegistry) list(keep func(*Device) bool) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		if keep(d) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Owner != out[j].Key.Owner {
			return out[i].Key.Owner.String() < out[j].Key.Owner.String()
		}
		return out[i].Key.ID < out[j].Key.ID
	})
	return out
}

// CountLocal returns the number of locally owned devices.
func (r *DeviceRegistry) CountLocal() int {
	return len(r.ListLocal())
}

// CountRemote returns the number of learned-remote devices.
func (r *DeviceRegistry) CountRemote() int {
	return len(r.ListRemote())
}

// DeviceSnapshot is the serializable form of a Device, used to persist
// the registry across restarts without re-running peer discovery.
type DeviceSnapshot struct {
	Owner    string `yaml:"owner"`
	ID       uint16 `yaml:"id"`
	Name     string `yaml:"name"`
	IsInput  bool   `yaml:"is_input"`
	IsOutput bool   `yaml:"is_output"`
	Local    bool   `yaml:"local"`
}

// Snapshot returns every device as a serializable DTO list, sorted for
// deterministic output.
func (r *DeviceRegistry) Snapshot() []DeviceSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceSnapshot, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, DeviceSnapshot{
			Owner: d.Key.Owner.String(), ID: uint16(d.Key.ID),
			Name: d.Name, IsInput: d.IsInput, IsOutput: d.IsOutput, Local: d.Local,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// LoadSnapshot restores devices from a prior Snapshot, replacing
// whatever was registered for each owner/id pair in the input. Entries
// whose owner string fails to parse are skipped and logged rather than
// aborting the whole load.
func (r *DeviceRegistry) LoadSnapshot(entries []DeviceSnapshot) {
	for _, e := range entries {
		owner, err := ParseNodeID(e.Owner)
		if err != nil {
			r.log.Warn("skipping unparsable device snapshot entry", "owner", e.Owner, "err", err)
			continue
		}
		if owner == r.self {
			if _, err := r.RegisterLocal(DeviceID(e.ID), e.Name, e.IsInput, e.IsOutput); err != nil {
				r.log.Warn("could not restore local device", "id", e.ID, "err", err)
			}
			continue
		}
		r.RegisterRemote(owner, DeviceID(e.ID), e.Name, e.IsInput, e.IsOutput)
	}
}
