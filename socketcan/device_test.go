package socketcan

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// These need a real or virtual CAN interface and are not run by `go test`
// (xTest prefix): sudo ip link add dev vcan0 type vcan && sudo ip link set up vcan0

func xTestConnection_ReadRawFrame(t *testing.T) {
	con, err := NewConnection("vcan0")
	if err != nil {
		assert.NoError(t, err)
		return
	}
	defer con.Close()

	id, dlc, data, _, err := con.ReadRawFrame()
	if err != nil {
		assert.NoError(t, err)
		return
	}
	fmt.Printf("id: %x dlc: %d data: %v\n", id, dlc, data)
}

func xTestDevice_ReadFrame(t *testing.T) {
	dev := NewDevice(DeviceConfig{InterfaceName: "vcan0"})

	if err := dev.Open(); err != nil {
		assert.NoError(t, err)
		return
	}
	defer dev.Close()

	for i := 0; i < 100; i++ {
		f, err := dev.ReadFrame(context.Background())
		if err != nil {
			assert.NoError(t, err)
			return
		}
		fmt.Printf("frame: %+v\n", f)
	}
}
