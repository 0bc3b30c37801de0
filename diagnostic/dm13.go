// Package diagnostic is a minimal DM13 (Stop Start Broadcast) parser. The
// full Diagnostic Message suite (DM1, DM13, ...) is an external collaborator
// the core only hands frames to (out of scope, spec §1); this package is the
// thin sliver scenario S7 exercises: validating and decoding the network
// states field of a DM13 payload.
//
// Grounded on the original source's DiagnosticProtocol::parse_j1939_network_states
// contract (test/dm_13_tests.cpp): it takes a message and an out-parameter,
// returns false for anything but an 8-byte payload. ParseDM13 returns its
// decoded result directly instead of through an out-parameter.
package diagnostic

import (
	"encoding/binary"

	j1939 "github.com/openfarmnet/j1939stack"
)

// NetworkControlState is one network's two-bit control/status code within a
// DM13 payload (SAE J1939-73).
type NetworkControlState uint8

const (
	NetworkShallStop    NetworkControlState = 0
	NetworkShallProceed NetworkControlState = 1
	NetworkReserved     NetworkControlState = 2
	NetworkDontCare     NetworkControlState = 3
)

// NetworkStates is the 32-bit network/broadcast state bitfield carried in
// bytes 0-3 of a DM13 message: 16 two-bit fields, one per SAE-assigned
// network ID, each holding a NetworkControlState.
type NetworkStates uint32

// State returns the control state for networkID (0-15).
func (n NetworkStates) State(networkID int) NetworkControlState {
	shift := uint(networkID%16) * 2
	return NetworkControlState((n >> shift) & 0x3)
}

// ParseDM13 decodes a DM13 (PGN 0x00DF00) payload. DM13 is defined as an
// 8-byte message; any other length is rejected (spec §8, scenario S7: "DLC=8
// parses successfully; same frame with DLC=4 is rejected").
func ParseDM13(data []byte) (NetworkStates, error) {
	if len(data) != 8 {
		return 0, j1939.ErrInvalidArgument
	}
	return NetworkStates(binary.LittleEndian.Uint32(data[0:4])), nil
}
