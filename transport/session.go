// Package transport implements the Transport Protocol (spec §4.5, C5) and
// Extended Transport Protocol (spec §4.6, C6): the session state machines
// that fragment and reassemble application messages too large for a single
// CAN frame.
//
// Grounded on the teacher's fastpacket.go: FastPacketAssembler's
// source+PGN+sequence keyed in-flight table, injectable clock, and
// pool-backed reassembly buffer are the same shape TP/ETP sessions need,
// generalized from NMEA2000 Fast-Packet's fixed 32-frame limit to J1939's
// RTS/CTS windowed transfer and BAM's connectionless broadcast.
package transport

import (
	"time"

	j1939 "github.com/openfarmnet/j1939stack"
	"github.com/openfarmnet/j1939stack/hal"
)

// Timers shared by TP RTS/CTS and ETP RTS/CTS (spec §4.5).
const (
	Tr = 200 * time.Millisecond  // responder's window to answer RTS with CTS
	Th = 500 * time.Millisecond  // hold time, unused directly but reserved for parity with spec's timer list
	T1 = 750 * time.Millisecond  // inter-DT timeout (BAM receiver, RTS/CTS receiver)
	T2 = 1250 * time.Millisecond // CTS wait (opener awaiting next CTS)
	T3 = 1250 * time.Millisecond // EoMA wait (opener awaiting final ack)
	T4 = 1050 * time.Millisecond // hold after EoMA before the session slot may be reused
)

// bamDTInterval is the minimum spacing between BAM DT frames (spec §4.5:
// "at ≥50 ms intervals").
const bamDTInterval = 50 * time.Millisecond

// Key identifies a session in the Network Manager's session table. The
// Manager fills Source and Destination with the two addresses, lower first,
// and leaves PGN zero, so at most one session is open per address pair
// whatever its direction or inner PGN. Destination is BroadcastDestination
// for BAM/inbound-broadcast sessions, which never collide with a
// point-to-point session between the same two addresses.
type Key struct {
	Source      uint8
	Destination uint8
	PGN         uint32
}

// BroadcastDestination marks a Key as belonging to a BAM session.
const BroadcastDestination = j1939.AddressGlobal

// Session is the tagged-variant interface spec §9 calls for in place of the
// original Protocol→TP/ETP/PGNRequest inheritance hierarchy: the Network
// Manager drives every open session — TP or ETP, sender or receiver, BAM or
// RTS/CTS — through these four methods.
type Session interface {
	// Tick advances timers, possibly completing or aborting the session.
	// Returns any frames that should be written to the bus.
	Tick(now time.Time) []hal.Frame
	// HandleFrame processes one CM or DT frame already known to belong to
	// this session (the Network Manager does the PGN/key routing).
	// Returns frames to write, and true if the session is now finished
	// (Done() and Result() are meaningful after this returns true, or after
	// Tick returns with the session finished).
	HandleFrame(now time.Time, ctrl byte, payload []byte) ([]hal.Frame, bool)
	// Done reports whether the session has reached a terminal state.
	Done() bool
	// Result returns the reassembled message (RX sessions only) and the
	// terminal error, if any. Exactly one of {message present, err present,
	// neither (clean TX completion)} holds once Done().
	Result() (*j1939.Message, error)
}

// packetsFor returns how many DT packets are needed to carry size bytes at
// bytesPerPacket each.
func packetsFor(size int, bytesPerPacket int) int {
	n := size / bytesPerPacket
	if size%bytesPerPacket != 0 {
		n++
	}
	return n
}

// buildFrame packs id/data into a hal.Frame, padding to 8 bytes with 0xFF
// per spec §6: "Unused payload bytes shall be 0xFF."
func buildFrame(now time.Time, id uint32, data []byte) hal.Frame {
	var f hal.Frame
	f.Time = now
	f.ID = id
	f.DLC = 8
	for i := range f.Data {
		if i < len(data) {
			f.Data[i] = data[i]
		} else {
			f.Data[i] = 0xFF
		}
	}
	return f
}
