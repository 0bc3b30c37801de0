package controlfunction

import (
	"sync"
	"time"

	j1939 "github.com/openfarmnet/j1939stack"
	"github.com/openfarmnet/j1939stack/asyncutil"
	"github.com/openfarmnet/j1939stack/j1939log"
)

// maxExternalCFs bounds the External CF population (spec §9, Open Question
// 3: "this spec sets TTL=30s, capacity=254" — two fewer than the 256 addresses
// of the 8-bit address space, since 0xFE/0xFF are never node addresses).
const maxExternalCFs = 254

// EvictionEvent is published whenever observe_claim finds addr already held
// by a different NAME: the old holder loses the address and any sessions
// addressed to it must be aborted (spec §4.3, §4.5).
type EvictionEvent struct {
	Evicted ControlFunction
	Reason  string
}

// PartnerResolvedEvent is published when a Partnered CF's filter starts or
// stops matching an External CF (spec §4.3: "partner resolution fires a
// listener event").
type PartnerResolvedEvent struct {
	Filter   NameFilter
	Resolved ControlFunction
	Lost     bool
}

type entry struct {
	cf       ControlFunction
	lastSeen time.Time
}

type partnerEntry struct {
	filter   NameFilter
	resolved *uint8 // address of the currently resolved External CF, nil if unresolved
}

// Registry holds the Control Function Registry of spec §4.3: three indices
// (address, NAME, partner filter) kept consistent under a single lock.
// Per spec §5 it is intended to be mutated only by the Network Manager's
// tick thread; the mutex here is defense-in-depth matching the teacher's
// AddressMapper, which guards its own address2node/knownNodes maps the same
// way despite a similar single-writer Run loop.
type Registry struct {
	mu sync.Mutex

	byAddress [256]*entry
	byName    map[j1939.Name]*entry
	partners  []*partnerEntry

	evictions asyncutil.EventDispatcher[EvictionEvent]
	partnerEv asyncutil.EventDispatcher[PartnerResolvedEvent]

	externalCount int
	log           j1939log.Logger
}

// NewRegistry creates an empty registry. logger may be nil; a nop logger is
// used in that case.
func NewRegistry(logger j1939log.Logger) *Registry {
	if logger == nil {
		logger = j1939log.NewNop()
	}
	return &Registry{
		byName: make(map[j1939.Name]*entry),
		log:    logger,
	}
}

// OnEviction registers a listener invoked whenever an address changes hands
// to a different NAME (spec §4.3).
func (r *Registry) OnEviction(fn asyncutil.Listener[EvictionEvent]) asyncutil.Handle {
	return r.evictions.AddListener(fn)
}

// OnPartnerResolved registers a listener invoked whenever a partner filter's
// resolution changes.
func (r *Registry) OnPartnerResolved(fn asyncutil.Listener[PartnerResolvedEvent]) asyncutil.Handle {
	return r.partnerEv.AddListener(fn)
}

// RegisterInternal records name as an Internal CF without yet assigning it
// an address; the Address Claim SM calls back in once address is claimed
// (via ObserveClaim, the same path an externally-observed claim takes).
func (r *Registry) RegisterInternal(name j1939.Name) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return
	}
	r.byName[name] = &entry{cf: ControlFunction{Name: name, Kind: KindInternal}}
}

// ObserveClaim records that addr has been claimed by name (spec §4.3). If
// addr was already held by a different NAME the old holder is evicted and an
// EvictionEvent fires. Internal CFs that have previously called
// RegisterInternal keep their KindInternal tag across the address update;
// anything else is recorded KindExternal.
func (r *Registry) ObserveClaim(addr uint8, name j1939.Name, now time.Time) {
	if addr == j1939.AddressNull || addr == j1939.AddressGlobal {
		return
	}

	r.mu.Lock()

	kind := KindExternal
	if existing, ok := r.byName[name]; ok && existing.cf.Kind == KindInternal {
		kind = KindInternal
	}

	var evicted *ControlFunction
	if holder := r.byAddress[addr]; holder != nil && holder.cf.Name != name {
		evicted = &holder.cf
		r.removeLocked(holder)
	}

	e, known := r.byName[name]
	if known {
		if e.cf.Address != addr {
			if r.byAddress[e.cf.Address] == e {
				r.byAddress[e.cf.Address] = nil
			}
		}
	} else {
		if kind == KindExternal && r.externalCount >= maxExternalCFs {
			r.evictOldestExternalLocked()
		}
		e = &entry{}
		r.byName[name] = e
		if kind == KindExternal {
			r.externalCount++
		}
	}
	e.cf = ControlFunction{Address: addr, Name: name, Kind: kind}
	e.lastSeen = now
	r.byAddress[addr] = e

	partnerEvents := r.reevaluatePartnersLocked()
	r.mu.Unlock()

	if evicted != nil {
		r.evictions.Invoke(EvictionEvent{Evicted: *evicted, Reason: "address claimed by a different NAME"})
	}
	for _, ev := range partnerEvents {
		r.partnerEv.Invoke(ev)
	}
}

// removeLocked detaches e from both indices. Caller holds r.mu.
func (r *Registry) removeLocked(e *entry) {
	delete(r.byName, e.cf.Name)
	if r.byAddress[e.cf.Address] == e {
		r.byAddress[e.cf.Address] = nil
	}
	if e.cf.Kind == KindExternal {
		r.externalCount--
	}
}

// evictOldestExternalLocked drops the External CF with the oldest lastSeen
// to make room under maxExternalCFs. Caller holds r.mu.
func (r *Registry) evictOldestExternalLocked() {
	var oldest *entry
	for _, e := range r.byName {
		if e.cf.Kind != KindExternal {
			continue
		}
		if oldest == nil || e.lastSeen.Before(oldest.lastSeen) {
			oldest = e
		}
	}
	if oldest != nil {
		r.removeLocked(oldest)
	}
}

// Forget removes whatever CF currently holds addr, if any, whatever its
// Kind. The Network Manager's tick reaps stale External CFs through
// ReapExpired, not through Forget.
func (r *Registry) Forget(addr uint8) {
	r.mu.Lock()
	e := r.byAddress[addr]
	if e == nil {
		r.mu.Unlock()
		return
	}
	r.removeLocked(e)
	r.mu.Unlock()
}

// ReapExpired forgets every External CF whose lastSeen is older than
// now.Add(-ttl), returning their addresses.
func (r *Registry) ReapExpired(now time.Time, ttl time.Duration) []uint8 {
	r.mu.Lock()
	cutoff := now.Add(-ttl)
	var stale []*entry
	for _, e := range r.byName {
		if e.cf.Kind == KindExternal && e.lastSeen.Before(cutoff) {
			stale = append(stale, e)
		}
	}
	reaped := make([]uint8, 0, len(stale))
	for _, e := range stale {
		reaped = append(reaped, e.cf.Address)
		r.removeLocked(e)
	}
	r.mu.Unlock()
	return reaped
}

// Lookup returns the CF holding addr, if any.
func (r *Registry) Lookup(addr uint8) (ControlFunction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.byAddress[addr]
	if e == nil {
		return ControlFunction{}, false
	}
	return e.cf, true
}

// LookupByName returns the CF currently using name, if any.
func (r *Registry) LookupByName(name j1939.Name) (ControlFunction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return ControlFunction{}, false
	}
	return e.cf, true
}

// IsAddressFree reports whether addr currently has no holder.
func (r *Registry) IsAddressFree(addr uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byAddress[addr] == nil
}

// ResolvePartner evaluates filter against every known CF (grounded on
// NAME fields, so both Internal and External CFs are eligible) and returns
// the first match.
func (r *Registry) ResolvePartner(filter NameFilter) (ControlFunction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolvePartnerLocked(filter)
}

func (r *Registry) resolvePartnerLocked(filter NameFilter) (ControlFunction, bool) {
	for _, e := range r.byName {
		if filter.Matches(j1939.DecodeName(e.cf.Name)) {
			return e.cf, true
		}
	}
	return ControlFunction{}, false
}

// DeclarePartner registers filter as a standing partner subscription so
// future registry changes re-evaluate it and fire PartnerResolvedEvent on
// change. Returns the CF resolved right now, if any.
func (r *Registry) DeclarePartner(filter NameFilter) (ControlFunction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cf, ok := r.resolvePartnerLocked(filter)
	pe := &partnerEntry{filter: filter}
	if ok {
		addr := cf.Address
		pe.resolved = &addr
	}
	r.partners = append(r.partners, pe)
	return cf, ok
}

// reevaluatePartnersLocked re-resolves every declared partner filter and
// returns the events (fired outside the lock by the caller) for any filter
// whose resolution changed.
func (r *Registry) reevaluatePartnersLocked() []PartnerResolvedEvent {
	var events []PartnerResolvedEvent
	for _, pe := range r.partners {
		cf, ok := r.resolvePartnerLocked(pe.filter)
		switch {
		case ok && pe.resolved == nil:
			addr := cf.Address
			pe.resolved = &addr
			events = append(events, PartnerResolvedEvent{Filter: pe.filter, Resolved: cf})
		case ok && *pe.resolved != cf.Address:
			*pe.resolved = cf.Address
			events = append(events, PartnerResolvedEvent{Filter: pe.filter, Resolved: cf})
		case !ok && pe.resolved != nil:
			pe.resolved = nil
			events = append(events, PartnerResolvedEvent{Filter: pe.filter, Lost: true})
		}
	}
	return events
}
