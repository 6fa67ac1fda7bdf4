package ss

import (
	"otpcluster/internal/dclass"
	"otpcluster/internal/wire"
)

// locKey identifies a (parent, zone) location.
type locKey struct {
	Parent uint32
	Zone   uint32
}

// Registry is the SS's object registry: map object id -> state object, plus
// a (parent, zone) reverse index for both "who else is physically at this
// location" (GET_ZONES_OBJECTS) and "which owner channels have declared
// interest in this location" (spec section 9 design note: index owned
// objects by their (parent,zone) interest keys for O(|affected|) fan-out).
type Registry struct {
	catalog dclass.Catalog

	objects    map[uint32]*StateObject
	byLocation map[locKey]map[uint32]struct{} // doId set physically at a location

	// interest mirrors each owner's declared zone interest under a given
	// parent, as reported via OBJECT_GET_ZONES_OBJECTS (spec section
	// 4.2.2/9). interestIndex is its (parent,zone) -> owners reverse index.
	interest      map[uint32]map[wire.Channel]map[uint32]struct{}
	interestIndex map[locKey]map[wire.Channel]struct{}
}

// NewRegistry constructs an empty object registry against catalog.
func NewRegistry(catalog dclass.Catalog) *Registry {
	return &Registry{
		catalog:       catalog,
		objects:       make(map[uint32]*StateObject),
		byLocation:    make(map[locKey]map[uint32]struct{}),
		interest:      make(map[uint32]map[wire.Channel]map[uint32]struct{}),
		interestIndex: make(map[locKey]map[wire.Channel]struct{}),
	}
}

// Get returns the live object for doId.
func (r *Registry) Get(doId uint32) (*StateObject, bool) {
	o, ok := r.objects[doId]
	return o, ok
}

// Exists reports whether doId is currently generated (spec invariant
// I-O1: only one state object per doId at a time).
func (r *Registry) Exists(doId uint32) bool {
	_, ok := r.objects[doId]
	return ok
}

// Insert adds a freshly generated object to the registry and its location
// index. The caller has already verified !Exists(obj.DoId).
func (r *Registry) Insert(obj *StateObject) {
	r.objects[obj.DoId] = obj
	r.addLocation(obj.DoId, obj.ParentId, obj.ZoneId)
}

// Remove deletes doId from the registry and every index it participates
// in, returning the removed object (or nil if it wasn't present).
func (r *Registry) Remove(doId uint32) *StateObject {
	obj, ok := r.objects[doId]
	if !ok {
		return nil
	}
	r.removeLocation(doId, obj.ParentId, obj.ZoneId)
	delete(r.objects, doId)
	if obj.OwnerId != 0 {
		r.clearInterest(obj.ParentId, obj.OwnerId)
	}
	return obj
}

func (r *Registry) addLocation(doId, parent, zone uint32) {
	key := locKey{parent, zone}
	set, ok := r.byLocation[key]
	if !ok {
		set = make(map[uint32]struct{})
		r.byLocation[key] = set
	}
	set[doId] = struct{}{}
}

func (r *Registry) removeLocation(doId, parent, zone uint32) {
	key := locKey{parent, zone}
	if set, ok := r.byLocation[key]; ok {
		delete(set, doId)
		if len(set) == 0 {
			delete(r.byLocation, key)
		}
	}
}

// MoveLocation updates the object's (parent, zone) in both the object and
// the location index; callers must have already decided to move it.
func (r *Registry) MoveLocation(obj *StateObject, newParent, newZone uint32) (oldParent, oldZone uint32) {
	oldParent, oldZone = obj.ParentId, obj.ZoneId
	r.removeLocation(obj.DoId, oldParent, oldZone)
	obj.ParentId, obj.ZoneId = newParent, newZone
	r.addLocation(obj.DoId, newParent, newZone)
	return oldParent, oldZone
}

// ObjectsAt returns the doIds of every object physically located at
// (parent, zone) (used by GET_ZONES_OBJECTS).
func (r *Registry) ObjectsAt(parent, zone uint32) []uint32 {
	set := r.byLocation[locKey{parent, zone}]
	out := make([]uint32, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// RecordInterest replaces the zone-interest set a given owner has declared
// under parent (spec section 4.2.2/9, the CA-mirrored interest oracle the
// SS's fan-out consults). Called when the SS receives
// OBJECT_GET_ZONES_OBJECTS on behalf of owner's own avatar object.
func (r *Registry) RecordInterest(parent uint32, owner wire.Channel, zones map[uint32]struct{}) {
	r.clearInterest(parent, owner)
	if len(zones) == 0 {
		return
	}
	byOwner, ok := r.interest[parent]
	if !ok {
		byOwner = make(map[wire.Channel]map[uint32]struct{})
		r.interest[parent] = byOwner
	}
	byOwner[owner] = zones
	for z := range zones {
		key := locKey{parent, z}
		owners, ok := r.interestIndex[key]
		if !ok {
			owners = make(map[wire.Channel]struct{})
			r.interestIndex[key] = owners
		}
		owners[owner] = struct{}{}
	}
}

func (r *Registry) clearInterest(parent uint32, owner wire.Channel) {
	byOwner, ok := r.interest[parent]
	if !ok {
		return
	}
	zones, ok := byOwner[owner]
	if !ok {
		return
	}
	for z := range zones {
		key := locKey{parent, z}
		if owners, ok := r.interestIndex[key]; ok {
			delete(owners, owner)
			if len(owners) == 0 {
				delete(r.interestIndex, key)
			}
		}
	}
	delete(byOwner, owner)
	if len(byOwner) == 0 {
		delete(r.interest, parent)
	}
}

// ObserversAt returns the owner channels with declared interest in
// (parent, zone) -- the candidate-observer set of spec section 4.2.2.
func (r *Registry) ObserversAt(parent, zone uint32) map[wire.Channel]struct{} {
	return r.interestIndex[locKey{parent, zone}]
}

// ObjectCount reports the number of live objects (for metrics).
func (r *Registry) ObjectCount() int { return len(r.objects) }

// Catalog exposes the registry's class catalog for handlers that need it.
func (r *Registry) Catalog() dclass.Catalog { return r.catalog }
