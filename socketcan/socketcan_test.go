package socketcan

import (
	"testing"

	j1939 "github.com/openfarmnet/j1939stack"
	"github.com/stretchr/testify/assert"
)

// TestCANIDMasking confirms the EFF-flagged SocketCAN wire identifier round
// trips to the bare 29-bit J1939 identifier, which package j1939 then
// decodes into priority/PGN/addressing.
func TestCANIDMasking(t *testing.T) {
	var testCases = []struct {
		name           string
		rawID          uint32 // bits 0-28 id, with EFF/RTR/ERR flags set as on the wire
		expectPriority j1939.Priority
		expectPGN      uint32
		expectSource   uint8
		expectDest     uint8
	}{
		{
			name:           "ok, 0F001DA1",
			rawID:          0x0F001DA1 | canIDEFFFlag,
			expectPriority: 3,
			expectPGN:      196608, // 0x30000
			expectDest:     29,     // 0x1D
			expectSource:   161,    // 0xA1
		},
		{
			name:           "ok, 0F0007B8",
			rawID:          0x0F0007B8 | canIDEFFFlag,
			expectPriority: 3,
			expectPGN:      196608,
			expectDest:     7,
			expectSource:   184, // 0xB8
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			masked := tc.rawID & canIDMask
			decoded := j1939.DecodeIdentifier(masked)
			assert.Equal(t, tc.expectPriority, decoded.Priority)
			assert.Equal(t, tc.expectPGN, decoded.PGN)
			assert.Equal(t, tc.expectSource, decoded.Source)
			assert.Equal(t, tc.expectDest, decoded.Destination)
		})
	}
}
