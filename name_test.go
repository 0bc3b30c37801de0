package j1939

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestEncodeName_S1 is scenario S1 from spec §8: encode a known field set and
// check both the raw bit positions and the round trip.
func TestEncodeName_S1(t *testing.T) {
	fields := NameFields{
		ArbitraryAddressCapable: true,
		IndustryGroup:           1,
		DeviceClass:             0,
		FunctionCode:            138,
		IdentityNumber:          1,
		ECUInstance:             4,
		FunctionInstance:        0,
		DeviceClassInstance:     0,
		ManufacturerCode:        69,
	}

	n := EncodeName(fields)

	assert.Equal(t, uint64(1), uint64(n)&0x1FFFFF, "low 21 bits must be the identity number")
	assert.Equal(t, uint64(69), (uint64(n)>>21)&0x7FF, "bits 21-31 must be the manufacturer code")
	assert.Equal(t, uint64(1), (uint64(n)>>63)&0x1, "bit 63 must be the arbitrary-address-capable flag")

	assert.Equal(t, fields, DecodeName(n))
}

func TestNameRoundTrip_table(t *testing.T) {
	var testCases = []NameFields{
		{},
		{IdentityNumber: 0x1FFFFF, ManufacturerCode: 0x7FF, ECUInstance: 0x7, FunctionInstance: 0x1F, FunctionCode: 0xFF, DeviceClass: 0x7F, DeviceClassInstance: 0xF, IndustryGroup: 0x7, ArbitraryAddressCapable: true},
		{IdentityNumber: 42, ManufacturerCode: 100, FunctionCode: 10, DeviceClass: 5},
	}

	for i, tc := range testCases {
		n := EncodeName(tc)
		assert.Equal(t, tc, DecodeName(n), "case %d", i)
	}
}

func TestCompare_totalOrder(t *testing.T) {
	low := Name(10)
	high := Name(20)

	assert.Negative(t, Compare(low, high))
	assert.Positive(t, Compare(high, low))
	assert.Zero(t, Compare(low, low))
}

// TestCompare_arbitraryCapableLoses is scenario S3's NAME-ordering half: when
// two NAMEs contend, the numerically lower one wins and keeps its preferred
// address; the higher NAME must yield.
func TestCompare_arbitraryCapableLoses(t *testing.T) {
	nameA := EncodeName(NameFields{IdentityNumber: 1, ManufacturerCode: 1})
	nameB := EncodeName(NameFields{IdentityNumber: 2, ManufacturerCode: 1})

	assert.True(t, Compare(nameA, nameB) < 0, "A has the numerically lower NAME and must win contention over B")
}
