package socketcan

import (
	"context"
	"errors"
	"time"

	"github.com/openfarmnet/j1939stack/hal"
)

// DeviceConfig configures a socketcan hal.Device.
type DeviceConfig struct {
	// InterfaceName is the SocketCAN interface, e.g. "can0" or "vcan0".
	InterfaceName string
	// ReceiveDataTimeout bounds how long ReadFrame will retry an idle bus
	// before giving up and returning an error. Each individual poll blocks
	// at most 50ms so a cancelled context is noticed promptly.
	ReceiveDataTimeout time.Duration
}

// Device implements hal.Device over a SocketCAN raw socket.
type Device struct {
	cfg  DeviceConfig
	conn *Connection

	timeNow func() time.Time
}

// NewDevice builds a Device for cfg.InterfaceName; call Open before use.
func NewDevice(cfg DeviceConfig) *Device {
	if cfg.ReceiveDataTimeout == 0 {
		cfg.ReceiveDataTimeout = 5 * time.Second
	}
	return &Device{
		cfg:     cfg,
		timeNow: time.Now,
	}
}

func (d *Device) Open() error {
	conn, err := NewConnection(d.cfg.InterfaceName)
	if err != nil {
		return err
	}
	d.conn = conn
	return nil
}

func (d *Device) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

func (d *Device) WriteFrame(frame hal.Frame) (bool, error) {
	if err := d.conn.SendFrame(frame.ID, frame.DLC, frame.Data); err != nil {
		if errors.Is(err, errWriteTimeout) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *Device) ReadFrame(ctx context.Context) (hal.Frame, error) {
	start := d.timeNow()
	for {
		select {
		case <-ctx.Done():
			return hal.Frame{}, ctx.Err()
		default:
		}

		if err := d.conn.SetReadTimeout(50 * time.Millisecond); err != nil {
			return hal.Frame{}, err
		}
		id, dlc, data, t, err := d.conn.ReadRawFrame()

		now := d.timeNow()
		if err != nil {
			if errors.Is(err, errReadTimeout) {
				if now.Sub(start) > d.cfg.ReceiveDataTimeout {
					return hal.Frame{}, err
				}
				continue
			}
			return hal.Frame{}, err
		}

		return hal.Frame{Time: t, ID: id, DLC: dlc, Data: data}, nil
	}
}
