package protect

import (
	"fmt"
	"sync"
)

// defaultEventRingSize bounds the replica's recent-event ring. Oldest
// events are evicted FIFO on overflow.
const defaultEventRingSize = 512

// lookupRef locates an entity from a derived index: model type plus id.
type lookupRef struct {
	Model ModelType
	ID    string
}

// Replica is the aggregate root of the mirrored object graph: one map
// per model type, the singleton NVR, a bounded ring of recent events,
// and the two derived lookup indexes. A coarse mutex serializes full
// bootstrap replacement against incremental reconciliation.
type Replica struct {
	mu sync.Mutex

	cameras   map[string]*Camera
	lights    map[string]*Light
	sensors   map[string]*Sensor
	doorlocks map[string]*Doorlock
	chimes    map[string]*Chime
	bridges   map[string]*Bridge
	viewers   map[string]*Viewer
	liveviews map[string]*Liveview
	users     map[string]*User
	groups    map[string]*Group
	nvr       *NVR

	events *eventRing

	// idLookup and macLookup are rebuilt from scratch on bootstrap and
	// maintained incrementally on add/remove, always in lockstep with
	// the per-type maps.
	idLookup  map[string]lookupRef
	macLookup map[string]lookupRef

	lastUpdateID string
	authUserID   string

	// includeUnadopted adopts devices into the maps even when another
	// controller owns them.
	includeUnadopted bool
}

// NewReplica creates an empty replica.
func NewReplica(includeUnadopted bool) *Replica {
	r := &Replica{includeUnadopted: includeUnadopted}
	r.reset()

	return r
}

// reset re-initializes every map and index. Caller holds mu (or owns
// the replica exclusively).
func (r *Replica) reset() {
	r.cameras = make(map[string]*Camera)
	r.lights = make(map[string]*Light)
	r.sensors = make(map[string]*Sensor)
	r.doorlocks = make(map[string]*Doorlock)
	r.chimes = make(map[string]*Chime)
	r.bridges = make(map[string]*Bridge)
	r.viewers = make(map[string]*Viewer)
	r.liveviews = make(map[string]*Liveview)
	r.users = make(map[string]*User)
	r.groups = make(map[string]*Group)
	r.nvr = nil
	r.events = newEventRing(defaultEventRingSize)
	r.idLookup = make(map[string]lookupRef)
	r.macLookup = make(map[string]lookupRef)
}

// Mutate clones the live entity, applies fn to the clone, and installs
// the result, all under the replica lock. Local writes take the same
// synchronization as push-driven reconciliation, so neither side can
// observe a half-applied mutation from the other. The returned updated
// entity and pre-mutation snapshot are private copies, safe to read
// without the lock.
func (r *Replica) Mutate(model ModelType, id string, fn func(Entity)) (updated, snapshot Entity, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	live, ok := r.get(model, id)
	if !ok {
		return nil, nil, false
	}

	snapshot = live.Clone()
	next := live.Clone()
	fn(next)
	r.put(next)

	return next.Clone(), snapshot, true
}

// CloneEntity returns a private copy of the live entity for (model, id).
// Callers that intend to mutate and write back start from this copy;
// live entities must never be written outside the replica lock.
func (r *Replica) CloneEntity(model ModelType, id string) (Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.get(model, id)
	if !ok {
		return nil, false
	}

	return e.Clone(), true
}

// Put installs a caller-owned entity under the replica lock.
func (r *Replica) Put(e Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.put(e)
}

// LastUpdateID returns the resume cursor for the push stream.
func (r *Replica) LastUpdateID() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastUpdateID
}

// LoadBootstrap replaces the entire mirrored graph from a full
// bootstrap document. Indexes are rebuilt from scratch; unadopted
// devices are skipped unless configured otherwise.
func (r *Replica) LoadBootstrap(b *Bootstrap) error {
	if b == nil || b.NVR == nil {
		return fmt.Errorf("bootstrap document has no nvr")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.reset()
	r.lastUpdateID = b.LastUpdateID
	r.authUserID = b.AuthUserID
	r.nvr = b.NVR
	r.index(b.NVR)

	for _, c := range b.Cameras {
		r.adopt(c)
	}

	for _, l := range b.Lights {
		r.adopt(l)
	}

	for _, s := range b.Sensors {
		r.adopt(s)
	}

	for _, d := range b.Doorlocks {
		r.adopt(d)
	}

	for _, c := range b.Chimes {
		r.adopt(c)
	}

	for _, br := range b.Bridges {
		r.adopt(br)
	}

	for _, v := range b.Viewers {
		r.adopt(v)
	}

	for _, lv := range b.Liveviews {
		r.put(lv)
	}

	for _, u := range b.Users {
		r.put(u)
	}

	for _, g := range b.Groups {
		r.put(g)
	}

	return nil
}

// adoptable is satisfied by every hardware device entity.
type adoptable interface {
	Entity
	Adopted() bool
}

// adopt inserts a device unless adoption filtering excludes it.
// Caller holds mu.
func (r *Replica) adopt(d adoptable) {
	if !d.Adopted() && !r.includeUnadopted {
		return
	}

	r.put(d)
}

// put inserts an entity into its per-type map and both indexes.
// Caller holds mu.
func (r *Replica) put(e Entity) {
	switch v := e.(type) {
	case *Camera:
		r.cameras[v.ID] = v
	case *Light:
		r.lights[v.ID] = v
	case *Sensor:
		r.sensors[v.ID] = v
	case *Doorlock:
		r.doorlocks[v.ID] = v
	case *Chime:
		r.chimes[v.ID] = v
	case *Bridge:
		r.bridges[v.ID] = v
	case *Viewer:
		r.viewers[v.ID] = v
	case *Liveview:
		r.liveviews[v.ID] = v
	case *User:
		r.users[v.ID] = v
	case *Group:
		r.groups[v.ID] = v
	case *NVR:
		r.nvr = v
	case *Event:
		for _, evicted := range r.events.add(v) {
			r.unindex(evicted)
		}
	}

	r.index(e)
}

// get returns the live entity for (model, id). Caller holds mu.
func (r *Replica) get(model ModelType, id string) (Entity, bool) {
	switch model {
	case ModelCamera:
		e, ok := r.cameras[id]
		return e, ok
	case ModelLight:
		e, ok := r.lights[id]
		return e, ok
	case ModelSensor:
		e, ok := r.sensors[id]
		return e, ok
	case ModelDoorlock:
		e, ok := r.doorlocks[id]
		return e, ok
	case ModelChime:
		e, ok := r.chimes[id]
		return e, ok
	case ModelBridge:
		e, ok := r.bridges[id]
		return e, ok
	case ModelViewer:
		e, ok := r.viewers[id]
		return e, ok
	case ModelLiveview:
		e, ok := r.liveviews[id]
		return e, ok
	case ModelUser:
		e, ok := r.users[id]
		return e, ok
	case ModelGroup:
		e, ok := r.groups[id]
		return e, ok
	case ModelNVR:
		if r.nvr == nil {
			return nil, false
		}

		return r.nvr, true
	case ModelEvent:
		e, ok := r.events.get(id)
		return e, ok
	default:
		return nil, false
	}
}

// remove deletes the entity for (model, id) from its per-type map and
// both indexes, returning the removed entity. Caller holds mu.
func (r *Replica) remove(model ModelType, id string) (Entity, bool) {
	e, ok := r.get(model, id)
	if !ok {
		return nil, false
	}

	switch model {
	case ModelCamera:
		delete(r.cameras, id)
	case ModelLight:
		delete(r.lights, id)
	case ModelSensor:
		delete(r.sensors, id)
	case ModelDoorlock:
		delete(r.doorlocks, id)
	case ModelChime:
		delete(r.chimes, id)
	case ModelBridge:
		delete(r.bridges, id)
	case ModelViewer:
		delete(r.viewers, id)
	case ModelLiveview:
		delete(r.liveviews, id)
	case ModelUser:
		delete(r.users, id)
	case ModelGroup:
		delete(r.groups, id)
	case ModelEvent:
		r.events.remove(id)
	case ModelNVR:
		// The controller itself is never removed by a push message.
		return nil, false
	}

	r.unindex(e)

	return e, true
}

// index records an entity in idLookup and, when it declares a MAC, in
// macLookup. Caller holds mu.
func (r *Replica) index(e Entity) {
	ref := lookupRef{Model: e.Model(), ID: e.EntityID()}
	r.idLookup[e.EntityID()] = ref

	if mac := e.MAC(); mac != "" {
		r.macLookup[NormalizeMAC(mac)] = ref
	}
}

// unindex removes an entity from both indexes. Caller holds mu.
func (r *Replica) unindex(e Entity) {
	delete(r.idLookup, e.EntityID())

	if mac := e.MAC(); mac != "" {
		delete(r.macLookup, NormalizeMAC(mac))
	}
}

// GetCamera returns the mirrored camera with the given id.
func (r *Replica) GetCamera(id string) (*Camera, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.cameras[id]

	return c, ok
}

// GetLight returns the mirrored light with the given id.
func (r *Replica) GetLight(id string) (*Light, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.lights[id]

	return l, ok
}

// GetSensor returns the mirrored sensor with the given id.
func (r *Replica) GetSensor(id string) (*Sensor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sensors[id]

	return s, ok
}

// GetNVR returns the mirrored controller, or nil before bootstrap.
func (r *Replica) GetNVR() *NVR {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.nvr
}

// GetEvent returns an event still held in the recent-event ring.
func (r *Replica) GetEvent(id string) (*Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.events.get(id)
}

// GetEntity returns the live entity for (model, id).
func (r *Replica) GetEntity(model ModelType, id string) (Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.get(model, id)
}

// Lookup resolves any entity by id through the derived index.
func (r *Replica) Lookup(id string) (Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.idLookup[id]
	if !ok {
		return nil, false
	}

	return r.get(ref.Model, ref.ID)
}

// LookupMAC resolves an entity by hardware address. The argument is
// normalized before lookup, so any common MAC formatting works.
func (r *Replica) LookupMAC(mac string) (Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.macLookup[NormalizeMAC(mac)]
	if !ok {
		return nil, false
	}

	return r.get(ref.Model, ref.ID)
}

// AuthUser returns the account the client authenticated as, when it is
// present in the mirrored user set.
func (r *Replica) AuthUser() (*User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[r.authUserID]

	return u, ok
}

// eventRing is a bounded, insertion-ordered FIFO of recent events with
// id access. Not an LRU: reads never reorder entries.
type eventRing struct {
	capacity int
	order    []string
	byID     map[string]*Event
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{
		capacity: capacity,
		byID:     make(map[string]*Event, capacity),
	}
}

// add inserts or replaces an event and returns any evicted events so
// the caller can drop them from the indexes.
func (er *eventRing) add(e *Event) []*Event {
	if _, ok := er.byID[e.ID]; ok {
		// Updated in place; insertion order is unchanged.
		er.byID[e.ID] = e
		return nil
	}

	er.order = append(er.order, e.ID)
	er.byID[e.ID] = e

	var evicted []*Event

	for len(er.order) > er.capacity {
		oldest := er.order[0]
		er.order = er.order[1:]

		if old, ok := er.byID[oldest]; ok {
			evicted = append(evicted, old)
			delete(er.byID, oldest)
		}
	}

	return evicted
}

func (er *eventRing) get(id string) (*Event, bool) {
	e, ok := er.byID[id]
	return e, ok
}

func (er *eventRing) remove(id string) {
	if _, ok := er.byID[id]; !ok {
		return
	}

	delete(er.byID, id)

	for i, oid := range er.order {
		if oid == id {
			er.order = append(er.order[:i], er.order[i+1:]...)
			break
		}
	}
}

func (er *eventRing) len() int { return len(er.byID) }
