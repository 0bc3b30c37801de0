// Package socketcan is a hal.Device plug-in over Linux SocketCAN: a raw
// AF_CAN/SOCK_RAW socket bound to a named interface (can0, vcan0, ...).
package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	canRaw = 1

	// canIDMask is the bitmask selecting bits 0-28 (the CAN identifier) out
	// of the 32-bit field SocketCAN uses for ID plus flags.
	canIDMask = uint32(0x1FFFFFFF)
	// canIDERRFlag is bit 29: ERR error message flag (0 = data frame, 1 = error message).
	canIDERRFlag = uint32(1 << 29)
	// canIDRTRFlag is bit 30: RTR remote transmission request (1 = rtr frame).
	canIDRTRFlag = uint32(1 << 30)
	// canIDEFFFlag is bit 31: EFF extended frame format (0 = standard 11 bit, 1 = extended 29 bit).
	canIDEFFFlag = uint32(1 << 31)
)

// Connection is a bound SocketCAN raw socket.
type Connection struct {
	socketFD int
	timeNow  func() time.Time
}

// NewConnection opens and binds a raw CAN socket to ifName.
func NewConnection(ifName string) (*Connection, error) {
	ifi, err := net.InterfaceByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("bad ifName: %w", err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, canRaw)
	if err != nil {
		return nil, fmt.Errorf("could not create CAN socket: %w", err)
	}

	addr := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err = unix.Bind(fd, addr); err != nil {
		return nil, fmt.Errorf("could not bind CAN socket: %w", err)
	}

	return &Connection{
		socketFD: fd,
		timeNow:  time.Now,
	}, nil
}

func isContinuableSocketErr(err error) bool {
	// EWOULDBLOCK - the socket has SO_RCVTIMEO/SO_SNDTIMEO set and the
	// timeout elapsed with no data/buffer space available.
	// EINTR - a signal interrupted the blocking call.
	return err == syscall.EWOULDBLOCK || err == syscall.EINTR
}

var errReadTimeout = errors.New("socketcan: read timeout")
var errWriteTimeout = errors.New("socketcan: write timeout")

func (i Connection) SetReadTimeout(timeout time.Duration) error {
	return i.setSocketTimeout(unix.SO_RCVTIMEO, timeout)
}

func (i Connection) SetSendTimeout(timeout time.Duration) error {
	return i.setSocketTimeout(unix.SO_SNDTIMEO, timeout)
}

func (i Connection) setSocketTimeout(opt int, timeout time.Duration) error {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	return unix.SetsockoptTimeval(i.socketFD, unix.SOL_SOCKET, opt, &tv)
}

func (i Connection) Close() error {
	return unix.Close(i.socketFD)
}

// SendFrame writes one 29-bit extended-ID frame to the bus.
func (i Connection) SendFrame(id uint32, dlc uint8, data [8]byte) error {
	// can_frame layout: https://github.com/linux-can/can-utils/blob/master/include/linux/can.h
	canFrame := make([]byte, 16)

	canID := (id & canIDMask) | canIDEFFFlag
	binary.LittleEndian.PutUint32(canFrame[0:4], canID)

	canFrame[4] = dlc
	copy(canFrame[8:], data[:dlc])

	_, err := unix.Write(i.socketFD, canFrame)
	if isContinuableSocketErr(err) {
		return errWriteTimeout
	}
	return err
}

// ReadRawFrame blocks (up to the configured SO_RCVTIMEO) for one frame.
func (i Connection) ReadRawFrame() (id uint32, dlc uint8, data [8]byte, t time.Time, err error) {
	canFrame := make([]byte, 16)
	if _, err = unix.Read(i.socketFD, canFrame); err != nil {
		if isContinuableSocketErr(err) {
			err = errReadTimeout
		}
		return
	}
	rawID := binary.LittleEndian.Uint32(canFrame[0:4])
	if rawID&canIDRTRFlag != 0 {
		err = errors.New("socketcan: read CAN remote transmission request frame")
		return
	}
	if rawID&canIDERRFlag != 0 {
		err = errors.New("socketcan: read CAN error message frame")
		return
	}

	id = rawID & canIDMask
	dlc = canFrame[4]
	t = i.timeNow()
	copy(data[:], canFrame[8:8+dlc])
	return
}
