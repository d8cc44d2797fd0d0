package rts2

import (
	"sync"
)

// -------------------------------------------------------------------------
// Entity Registry — peers known through centrald
// -------------------------------------------------------------------------
//
// Centrald is the single writer: the registry is populated by the
// device/client/registered_as notifications and pruned by
// delete_client. One record per centrald-issued id.

// EntityKind discriminates the record types of the registry.
type EntityKind uint8

const (
	// EntityClient is a monitoring or scripting client.
	EntityClient EntityKind = iota

	// EntityDevice is a peer device driver.
	EntityDevice

	// EntityCentrald is the central server daemon itself.
	EntityCentrald
)

// String returns the human-readable kind name.
func (k EntityKind) String() string {
	switch k {
	case EntityClient:
		return "client"
	case EntityDevice:
		return "device"
	case EntityCentrald:
		return "centrald"
	default:
		return "unknown"
	}
}

// Entity is one record of the registry: a peer known through centrald.
type Entity struct {
	// ID is the centrald-issued integer id.
	ID int

	// Name is the device name or client login.
	Name string

	// Kind discriminates client, device and centrald records.
	Kind EntityKind

	// Type is the device type code (devices only).
	Type int

	// CentraldNum is the centrald partition the entity registered with.
	CentraldNum int

	// Host and Port locate the entity's listener (devices only).
	Host string
	Port int
}

// EntityRegistry maps centrald-issued ids to entity records.
type EntityRegistry struct {
	mu   sync.RWMutex
	byID map[int]Entity
}

// NewEntityRegistry creates an empty registry.
func NewEntityRegistry() *EntityRegistry {
	return &EntityRegistry{byID: make(map[int]Entity)}
}

// Put inserts or replaces the record for e.ID.
func (r *EntityRegistry) Put(e Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[e.ID] = e
}

// Delete removes the record for the given id, if present.
func (r *EntityRegistry) Delete(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// ByID looks up an entity by centrald-issued id.
func (r *EntityRegistry) ByID(id int) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	return e, ok
}

// ByName looks up an entity by name. Device names are unique in a
// running observatory; the first match wins.
func (r *EntityRegistry) ByName(name string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.byID {
		if e.Name == name {
			return e, true
		}
	}
	return Entity{}, false
}

// Snapshot returns a copy of all records.
func (r *EntityRegistry) Snapshot() []Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entity, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e)
	}
	return out
}
