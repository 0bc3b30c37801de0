package transport

import (
	"testing"
	"time"

	j1939 "github.com/openfarmnet/j1939stack"
	"github.com/openfarmnet/j1939stack/hal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestETP_S6_largeTransferWithDPO implements spec scenario S6: a 10,000-byte
// ETP transfer whose wire sequence includes at least one ETP.CM_DPO with a
// non-zero offset and multiple CTS/DT windows, reassembling to the input.
func TestETP_S6_largeTransferWithDPO(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	payload := sequentialBytesMod(10000)
	const pgn = 0x00FEF3

	sendSess, rtsFrame := NewETPSendSession(now, pgn, 0x10, 0x20, j1939.DefaultPriority6, payload)
	assert.Equal(t, byte(etpRTS), rtsFrame.Data[0])
	assert.Equal(t, uint32(10000), readLE32(rtsFrame.Data[1:5]))
	assert.Equal(t, packetsFor(10000, etpDataBytesPerDT), sendSess.totalPkts)

	recvSess, ctsFrame := NewETPReceiveSession(now, pgn, 0x10, 0x20, j1939.DefaultPriority6, rtsFrame.Data[1:])
	assert.Equal(t, byte(etpCTS), ctsFrame.Data[0])

	var sawNonZeroDPO bool
	var windows int

	nextCTS := ctsFrame
	clock := now

	for !recvSess.Done() {
		windows++
		out, done := feedCM(sendSess, clock, nextCTS)
		require.False(t, done)
		require.NotEmpty(t, out, "CTS must produce at least a DPO frame")

		dpo := out[0]
		require.Equal(t, byte(etpDPO), dpo.Data[0])
		if readLE24(dpo.Data[2:5]) != 0 {
			sawNonZeroDPO = true
		}
		// The receiver takes the window's size and offset from the DPO.
		_, dpoDone := feedCM(recvSess, clock, dpo)
		require.False(t, dpoDone)

		var finishFrames []hal.Frame
		var finished bool
		for _, dt := range out[1:] {
			finishFrames, finished = feedDT(recvSess, clock, dt)
			if finished {
				break
			}
		}

		if finished {
			require.Len(t, finishFrames, 1)
			assert.Equal(t, byte(etpEoMA), finishFrames[0].Data[0])
			_, sendDone := feedCM(sendSess, clock, finishFrames[0])
			assert.True(t, sendDone)
			break
		}

		require.Len(t, finishFrames, 1, "receiver emits the next CTS once its window is consumed")
		nextCTS = finishFrames[0]
	}

	assert.True(t, sawNonZeroDPO, "a 10000-byte transfer must span more than one DPO window")
	assert.Greater(t, windows, 1)

	require.True(t, recvSess.Done())
	msg, err := recvSess.Result()
	require.NoError(t, err)
	assert.Equal(t, payload, msg.Data)

	require.True(t, sendSess.Done())
	_, sendErr := sendSess.Result()
	assert.NoError(t, sendErr)
}

func sequentialBytesMod(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}
