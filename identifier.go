package j1939

// Package-level constants for the reserved J1939 addresses (spec §3).
const (
	// AddressNull is the placeholder source address a CF uses before it has
	// claimed one (e.g. in a Request for Address Claimed it sends itself).
	AddressNull uint8 = 0xFE
	// AddressGlobal is the broadcast destination address ("everyone").
	AddressGlobal uint8 = 0xFF
	// AddressArbitraryRestart is reserved for arbitrary-capable CFs restarting
	// their claim; the stack never assigns it automatically.
	AddressArbitraryRestart uint8 = 0xFD
)

// Well-known PGNs used directly by the core (spec §6).
const (
	PGNRequest         uint32 = 0x00EA00
	PGNAddressClaimed  uint32 = 0x00EE00
	PGNTPConnManage    uint32 = 0x00EC00
	PGNTPDataTransfer  uint32 = 0x00EB00
	PGNETPConnManage   uint32 = 0x00C800
	PGNETPDataTransfer uint32 = 0x00C700
	// PGNDM13 is Diagnostic Message 13 (Stop Start Broadcast), used by S7.
	PGNDM13 uint32 = 0x00DF00
)

// Priority is a J1939 CAN priority, 0 (highest) through 7 (lowest).
type Priority uint8

// DefaultPriority6 is the priority SAE J1939-21 assigns to most transport
// and address-management traffic.
const DefaultPriority6 Priority = 6

// pf240 is the PDU-format threshold at which a frame is PDU2 (broadcast):
// PDU-format values 0xF0-0xFF mean the PDU-specific byte is a PGN group
// extension rather than a destination address.
const pf240 = 240

// Identifier is a decoded 29-bit extended CAN identifier (spec §3/§4.1).
type Identifier struct {
	Priority    Priority
	PGN         uint32
	Source      uint8
	Destination uint8
	// IsPDU2 is true when the frame is a PDU2 (broadcast) frame, i.e. the
	// PDU-format byte is >= 240. PDU2 frames have no destination address;
	// Destination is always AddressGlobal for them.
	IsPDU2 bool
}

// EncodeIdentifier packs priority/pgn/destination/source into a 29-bit
// extended CAN identifier. Returns ErrInvalidPriority if priority > 7, or
// ErrInvalidPGN if pgn does not fit in 18 bits.
//
// Round-trip law (spec §8, property 1): DecodeIdentifier(EncodeIdentifier(p,
// pgn, da, sa)) reproduces the same (priority, pgn, da-or-global, sa).
func EncodeIdentifier(priority Priority, pgn uint32, destination uint8, source uint8) (uint32, error) {
	if priority > 7 {
		return 0, ErrInvalidPriority
	}
	if pgn > 0x3FFFF {
		return 0, ErrInvalidPGN
	}

	pf := uint8(pgn >> 8)
	var ps uint8
	if pf >= pf240 {
		// PDU2: the low byte of the PGN IS the group extension; the
		// destination argument is not meaningful on the wire.
		ps = uint8(pgn)
	} else {
		ps = destination
	}

	id := uint32(source)
	id |= uint32(ps) << 8
	id |= uint32(pf) << 16
	id |= (pgn >> 16 & 0x3) << 24
	id |= uint32(priority&0x7) << 26
	return id, nil
}

// DecodeIdentifier unpacks a 29-bit extended CAN identifier into its fields.
func DecodeIdentifier(id uint32) Identifier {
	source := uint8(id)
	ps := uint8(id >> 8)
	pf := uint8(id >> 16)
	edp := uint8(id>>24) & 0x3
	priority := Priority(uint8(id>>26) & 0x7)

	pgn := uint32(edp)<<16 | uint32(pf)<<8

	result := Identifier{
		Priority: priority,
		Source:   source,
	}
	if pf >= pf240 {
		result.IsPDU2 = true
		result.PGN = pgn | uint32(ps)
		result.Destination = AddressGlobal
	} else {
		result.PGN = pgn
		result.Destination = ps
	}
	return result
}

// PGNOf is a convenience wrapper that extracts only the PGN from a raw
// 29-bit identifier, without allocating an Identifier.
func PGNOf(id uint32) uint32 {
	return DecodeIdentifier(id).PGN
}
