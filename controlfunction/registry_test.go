package controlfunction

import (
	"testing"
	"time"

	j1939 "github.com/openfarmnet/j1939stack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nameWith(identity uint32, mfg uint16) j1939.Name {
	return j1939.EncodeName(j1939.NameFields{
		IdentityNumber:   identity,
		ManufacturerCode: mfg,
		FunctionCode:     138,
		DeviceClass:      0,
		IndustryGroup:    1,
	})
}

func TestRegistry_observeClaimNewAddress(t *testing.T) {
	r := NewRegistry(nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := nameWith(1, 69)

	r.ObserveClaim(0x1C, n, now)

	cf, ok := r.Lookup(0x1C)
	require.True(t, ok)
	assert.Equal(t, n, cf.Name)
	assert.Equal(t, KindExternal, cf.Kind)

	byName, ok := r.LookupByName(n)
	require.True(t, ok)
	assert.Equal(t, uint8(0x1C), byName.Address)
}

func TestRegistry_observeClaimEvictsPreviousHolder(t *testing.T) {
	r := NewRegistry(nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var evicted []EvictionEvent
	r.OnEviction(func(e EvictionEvent) { evicted = append(evicted, e) })

	first := nameWith(5, 1)
	second := nameWith(1, 1) // the later claim always wins the address; the registry does not itself arbitrate contention (that's addressclaim.go's job)

	r.ObserveClaim(0x1C, first, now)
	r.ObserveClaim(0x1C, second, now.Add(time.Second))

	cf, ok := r.Lookup(0x1C)
	require.True(t, ok)
	assert.Equal(t, second, cf.Name)

	require.Len(t, evicted, 1)
	assert.Equal(t, first, evicted[0].Evicted.Name)

	// The evicted NAME no longer resolves to an address.
	_, ok = r.LookupByName(first)
	assert.False(t, ok)
}

func TestRegistry_internalKindSurvivesReaddress(t *testing.T) {
	r := NewRegistry(nil)
	n := nameWith(9, 2)
	r.RegisterInternal(n)

	now := time.Now()
	r.ObserveClaim(0x20, n, now)

	cf, ok := r.Lookup(0x20)
	require.True(t, ok)
	assert.Equal(t, KindInternal, cf.Kind)
}

func TestRegistry_forgetAndReapExpired(t *testing.T) {
	r := NewRegistry(nil)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	r.ObserveClaim(0x10, nameWith(1, 1), t0)
	r.ObserveClaim(0x11, nameWith(2, 1), t0.Add(29*time.Second))

	reaped := r.ReapExpired(t0.Add(31*time.Second), 30*time.Second)
	assert.Equal(t, []uint8{0x10}, reaped)

	_, ok := r.Lookup(0x10)
	assert.False(t, ok)
	_, ok = r.Lookup(0x11)
	assert.True(t, ok, "not yet past its own TTL window")
}

func TestRegistry_declarePartnerFiresOnResolutionChange(t *testing.T) {
	r := NewRegistry(nil)
	filter := NameFilter{{Field: FieldFunctionCode, Value: 138}}

	var events []PartnerResolvedEvent
	r.OnPartnerResolved(func(e PartnerResolvedEvent) { events = append(events, e) })

	cf, ok := r.DeclarePartner(filter)
	assert.False(t, ok)
	assert.Zero(t, cf)

	now := time.Now()
	r.ObserveClaim(0x30, nameWith(3, 7), now)

	require.Len(t, events, 1)
	assert.False(t, events[0].Lost)
	assert.Equal(t, uint8(0x30), events[0].Resolved.Address)
}

func TestRegistry_resolvePartnerNoMatch(t *testing.T) {
	r := NewRegistry(nil)
	r.ObserveClaim(0x30, nameWith(3, 7), time.Now())

	_, ok := r.ResolvePartner(NameFilter{{Field: FieldFunctionCode, Value: 200}})
	assert.False(t, ok)
}

func TestNameFilter_emptyNeverMatches(t *testing.T) {
	var f NameFilter
	assert.False(t, f.Matches(j1939.NameFields{}))
}
