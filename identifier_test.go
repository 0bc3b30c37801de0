package j1939

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeIdentifier(t *testing.T) {
	var testCases = []struct {
		name   string
		id     uint32
		expect Identifier
	}{
		{
			name: "ok, PDU1 addressed, priority 6, request",
			id:   0x18EAFF1C, // prio=6 pf=0xEA ps=0xFF(da) sa=0x1C
			expect: Identifier{
				Priority:    6,
				PGN:         PGNRequest,
				Destination: 0xFF,
				Source:      0x1C,
			},
		},
		{
			name: "ok, PDU2 broadcast, priority 3",
			id:   0x0CF00411, // prio=3 pf=0xF0 ps=0x04 sa=0x11 -> PDU2
			expect: Identifier{
				Priority:    3,
				PGN:         0xF004,
				Destination: AddressGlobal,
				Source:      0x11,
				IsPDU2:      true,
			},
		},
		{
			name: "ok, address claimed broadcast",
			id:   0x18EEFF1C, // pf=0xEE >= 240? no, 0xEE=238 < 240 -> PDU1
			expect: Identifier{
				Priority:    6,
				PGN:         PGNAddressClaimed,
				Destination: 0xFF,
				Source:      0x1C,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := DecodeIdentifier(tc.id)
			assert.Equal(t, tc.expect, got)
		})
	}
}

func TestEncodeIdentifier_roundTrip(t *testing.T) {
	var testCases = []struct {
		name        string
		priority    Priority
		pgn         uint32
		destination uint8
		source      uint8
	}{
		{name: "PDU1 request to global", priority: 6, pgn: PGNRequest, destination: AddressGlobal, source: AddressNull},
		{name: "PDU1 TP.CM addressed", priority: 7, pgn: PGNTPConnManage, destination: 0x80, source: 0x1C},
		{name: "PDU2 broadcast pgn", priority: 3, pgn: 0x1F004, destination: AddressGlobal, source: 0x11},
		{name: "priority zero", priority: 0, pgn: PGNAddressClaimed, destination: AddressGlobal, source: 0x00},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := EncodeIdentifier(tc.priority, tc.pgn, tc.destination, tc.source)
			require.NoError(t, err)

			got := DecodeIdentifier(id)
			assert.Equal(t, tc.priority, got.Priority)
			assert.Equal(t, tc.pgn, got.PGN)
			assert.Equal(t, tc.source, got.Source)
			if !got.IsPDU2 {
				assert.Equal(t, tc.destination, got.Destination)
			}
		})
	}
}

func TestEncodeIdentifier_errors(t *testing.T) {
	_, err := EncodeIdentifier(8, PGNRequest, AddressGlobal, 0x1C)
	assert.ErrorIs(t, err, ErrInvalidPriority)

	_, err = EncodeIdentifier(6, 0x40000, AddressGlobal, 0x1C)
	assert.ErrorIs(t, err, ErrInvalidPGN)
}

func TestPGNOf(t *testing.T) {
	id, err := EncodeIdentifier(6, PGNTPDataTransfer, 0x80, 0x1C)
	require.NoError(t, err)
	assert.Equal(t, PGNTPDataTransfer, PGNOf(id))
}
