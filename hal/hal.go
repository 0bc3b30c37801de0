// Package hal defines the hardware abstraction boundary the core talks to.
//
// A HAL plug-in is anything that can produce and consume raw 29-bit extended
// CAN frames: socket-CAN, a USB-CAN adapter, an SPI-attached MCP2515, or (in
// tests) an in-memory fake. The core never imports a concrete transport; it
// only depends on the Device interface below.
package hal

import (
	"context"
	"time"
)

// Frame is a single raw CAN frame as it appears on the wire: a 29-bit
// extended identifier and up to 8 data bytes. DLC records how many of Data
// are meaningful; classic CAN never carries more than 8.
type Frame struct {
	// Time is when the frame was read from (or handed to) the bus. Filled by
	// the HAL plug-in on receive; filled by the caller on transmit.
	Time time.Time
	// ID is the 29-bit extended CAN identifier (upper 3 bits unused).
	ID uint32
	// DLC is the number of valid bytes in Data (0-8).
	DLC  uint8
	Data [8]byte
}

// Payload returns the valid portion of Data as a slice.
func (f Frame) Payload() []byte {
	return f.Data[:f.DLC]
}

// Device is the HAL contract (spec §6): open/close the transport, read one
// frame at a time (blocking, cancellable), write one frame at a time.
//
// ReadFrame is the only method expected to block; the core's RX thread is
// the sole caller. WriteFrame and Close may be called from the core's
// TX/tick thread.
type Device interface {
	// Open prepares the transport for reading and writing.
	Open() error
	// Close releases the transport. ReadFrame must return promptly after Close.
	Close() error
	// ReadFrame blocks until a frame is available, ctx is cancelled, or an
	// unrecoverable error occurs.
	ReadFrame(ctx context.Context) (Frame, error)
	// WriteFrame sends a single frame. Returns false (no error) if the
	// underlying transport applied back-pressure and the frame was dropped;
	// returns a non-nil error for unrecoverable transport failures.
	WriteFrame(frame Frame) (bool, error)
}
