// Package controlfunction implements the Control Function Registry (spec
// §4.3, C3): the three indices (address, NAME, partner filter) the Network
// Manager consults on every received frame, plus the per-Internal-CF Address
// Claim state machine (spec §4.4, C4) that negotiates a source address.
//
// Grounded on the teacher's addressmapper package: the address-keyed
// busSlot/Node bookkeeping in addressmapper.go maps directly onto Registry's
// byAddress/byName indices, generalized from NMEA2000 device discovery to
// full J1939 address-claim semantics.
package controlfunction

import j1939 "github.com/openfarmnet/j1939stack"

// Kind distinguishes Internal from External ControlFunctions (spec §3). A
// partnered CF has no Kind of its own: it is a NameFilter subscription that
// resolves to an External CF.
type Kind uint8

const (
	// KindInternal is owned by this process and runs an Address Claim SM.
	KindInternal Kind = iota
	// KindExternal was discovered on the bus via an observed Address-Claimed
	// frame; it is evicted after ExternalCFTTL without a fresh claim.
	KindExternal
)

func (k Kind) String() string {
	if k == KindInternal {
		return "internal"
	}
	return "external"
}

// ControlFunction is a J1939 logical node: a NAME and, once claimed, a
// source address (spec §3, GLOSSARY).
type ControlFunction struct {
	Address uint8
	Name    j1939.Name
	Kind    Kind
}

// Field identifies one NAME bit-field a partner filter predicate can match
// against (spec §4.3: "a NAME filter is a conjunction of (field, value)
// predicates over NAME fields").
type Field int

const (
	FieldManufacturerCode Field = iota
	FieldFunctionCode
	FieldDeviceClass
	FieldDeviceClassInstance
	FieldIndustryGroup
	FieldECUInstance
	FieldFunctionInstance
	FieldIdentityNumber
	FieldArbitraryAddressCapable
)

// Predicate is one (field, value) test in a NameFilter.
type Predicate struct {
	Field Field
	Value uint32
}

// NameFilter is a conjunction of predicates used to declare a Partnered CF:
// "I want whichever External CF's NAME matches all of these fields".
type NameFilter []Predicate

// Matches reports whether every predicate in the filter holds for fields.
// An empty filter matches nothing: a partner must name at least one field,
// matching the teacher's validation posture of rejecting empty selectors.
func (f NameFilter) Matches(fields j1939.NameFields) bool {
	if len(f) == 0 {
		return false
	}
	for _, p := range f {
		if !p.matches(fields) {
			return false
		}
	}
	return true
}

func (p Predicate) matches(fields j1939.NameFields) bool {
	switch p.Field {
	case FieldManufacturerCode:
		return uint32(fields.ManufacturerCode) == p.Value
	case FieldFunctionCode:
		return uint32(fields.FunctionCode) == p.Value
	case FieldDeviceClass:
		return uint32(fields.DeviceClass) == p.Value
	case FieldDeviceClassInstance:
		return uint32(fields.DeviceClassInstance) == p.Value
	case FieldIndustryGroup:
		return uint32(fields.IndustryGroup) == p.Value
	case FieldECUInstance:
		return uint32(fields.ECUInstance) == p.Value
	case FieldFunctionInstance:
		return uint32(fields.FunctionInstance) == p.Value
	case FieldIdentityNumber:
		return fields.IdentityNumber == p.Value
	case FieldArbitraryAddressCapable:
		b := uint32(0)
		if fields.ArbitraryAddressCapable {
			b = 1
		}
		return b == p.Value
	default:
		return false
	}
}
