package j1939

// Name is a 64-bit J1939 NAME as it appears on the wire (PGN 0x00EE00
// payload, little-endian). It identifies a control function independent of
// whatever source address that CF currently holds.
type Name uint64

// NameFields is the decoded, human-addressable form of a Name (spec §3).
//
// Bit layout (LSB-first, matching the little-endian wire NAME):
//
//	bits 0-20:  IdentityNumber          (21 bits)
//	bits 21-31: ManufacturerCode        (11 bits)
//	bits 32-34: ECUInstance             (3 bits)
//	bits 35-39: FunctionInstance        (5 bits)
//	bits 40-47: FunctionCode            (8 bits)
//	bit  48:    reserved
//	bits 49-55: DeviceClass             (7 bits)
//	bits 56-59: DeviceClassInstance     (4 bits)
//	bits 60-62: IndustryGroup           (3 bits)
//	bit  63:    ArbitraryAddressCapable (1 bit)
type NameFields struct {
	IdentityNumber          uint32 // 21 bits
	ManufacturerCode        uint16 // 11 bits
	ECUInstance             uint8  // 3 bits
	FunctionInstance        uint8  // 5 bits
	FunctionCode            uint8  // 8 bits
	DeviceClass             uint8  // 7 bits
	DeviceClassInstance     uint8  // 4 bits
	IndustryGroup           uint8  // 3 bits
	ArbitraryAddressCapable bool
}

// EncodeName packs NameFields into the 64-bit wire NAME.
func EncodeName(f NameFields) Name {
	var n uint64
	n |= uint64(f.IdentityNumber) & 0x1FFFFF
	n |= (uint64(f.ManufacturerCode) & 0x7FF) << 21
	n |= (uint64(f.ECUInstance) & 0x7) << 32
	n |= (uint64(f.FunctionInstance) & 0x1F) << 35
	n |= uint64(f.FunctionCode) << 40
	n |= (uint64(f.DeviceClass) & 0x7F) << 49
	n |= (uint64(f.DeviceClassInstance) & 0xF) << 56
	n |= (uint64(f.IndustryGroup) & 0x7) << 60
	if f.ArbitraryAddressCapable {
		n |= 1 << 63
	}
	return Name(n)
}

// DecodeName unpacks a 64-bit wire NAME into NameFields.
func DecodeName(n Name) NameFields {
	v := uint64(n)
	return NameFields{
		IdentityNumber:          uint32(v & 0x1FFFFF),
		ManufacturerCode:        uint16((v >> 21) & 0x7FF),
		ECUInstance:             uint8((v >> 32) & 0x7),
		FunctionInstance:        uint8((v >> 35) & 0x1F),
		FunctionCode:            uint8((v >> 40) & 0xFF),
		DeviceClass:             uint8((v >> 49) & 0x7F),
		DeviceClassInstance:     uint8((v >> 56) & 0xF),
		IndustryGroup:           uint8((v >> 60) & 0x7),
		ArbitraryAddressCapable: (v>>63)&0x1 == 1,
	}
}

// Compare returns a negative number if a < b, zero if equal, positive if a >
// b, using an unsigned numeric comparison of the raw 64-bit NAME. This is
// the total order the address-claim state machine (C4) uses to decide who
// wins contention: the lower NAME always wins (spec §3, §4.4).
func Compare(a, b Name) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
