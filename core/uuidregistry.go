package mesh

/*
UUID Registry (C3).

Bidirectional NodeID <-> NodeHash map. Needed because packets on the
wire only carry the 32-bit hash; decoding a packet's context extension
back into full NodeIDs requires looking hashes up here. Registration
detects the (non-negligible, 32-bit) hash collision case explicitly
rather than silently overwriting the older entry.
*/

import "sync"

// UuidRegistry is safe for concurrent readers and writers.
type UuidRegistry struct {
	mu        sync.RWMutex
	byHash    map[NodeHash]NodeID
	collision int
}

// NewUuidRegistry returns an empty registry.
func NewUuidRegistry() *UuidRegistry {
	return &UuidRegistry{byHash: make(map[NodeHash]NodeID)}
}

// Register computes id's hash and records the mapping. If a different
// NodeID is already registered under the same hash, Register fails
// with a *HashCollisionError and leaves the existing entry untouched;
// the caller is expected to regenerate one of the two ids.
func (r *UuidRegistry) Register(id NodeID) error {
	h := id.Hash()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byHash[h]; ok && existing != id {
		r.collision++
		return &HashCollisionError{Existing: existing, Incoming: id}
	}
	r.byHash[h] = id
	return nil
}

// LookupByHash returns the NodeID registered for hash, if any.
func (r *UuidRegistry) LookupByHash(hash NodeHash) (NodeID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byHash[hash]
	return id, ok
}

// Forget removes id's entry, if present, freeing its hash for reuse.
func (r *UuidRegistry) Forget(id NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := id.Hash()
	if existing, ok := r.byHash[h]; ok && existing == id {
		delete(r.byHash, h)
	}
}

// Len reports the number of registered ids.
func (r *UuidRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHash)
}

// Collisions reports how many Register calls have failed with a hash
// collision over the registry's lifetime.
func (r *UuidRegistry) Collisions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collision
}
