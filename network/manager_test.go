package network

import (
	"testing"
	"time"

	j1939 "github.com/openfarmnet/j1939stack"
	"github.com/openfarmnet/j1939stack/controlfunction"
	"github.com/openfarmnet/j1939stack/hal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nameFor(identity uint32, mfg uint16) j1939.Name {
	return j1939.EncodeName(j1939.NameFields{IdentityNumber: identity, ManufacturerCode: mfg, ArbitraryAddressCapable: true})
}

// drive ticks two managers' frames into each other, simulating a shared bus.
func exchange(t *testing.T, a, b *Manager, now time.Time, rounds int) time.Time {
	t.Helper()
	for i := 0; i < rounds; i++ {
		now = now.Add(10 * time.Millisecond)
		outA := a.Tick(now)
		outB := b.Tick(now)
		for _, f := range outA {
			b.HandleFrame(now, f)
		}
		for _, f := range outB {
			a.HandleFrame(now, f)
		}
	}
	return now
}

// TestManager_roundTripIdentifier feeds one addressed single-frame message to
// HandleFrame and checks that its OnPGN callback sees the PGN, source,
// destination and payload decoded from the identifier.
func TestManager_roundTripIdentifier(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := j1939.DefaultConfig()
	mgr := New(cfg, nil)

	var got j1939.Message
	mgr.OnPGN(0x00EF00, func(msg j1939.Message) { got = msg })

	id, err := j1939.EncodeIdentifier(j1939.DefaultPriority6, 0x00EF00, 0x20, 0x10)
	require.NoError(t, err)
	var f hal.Frame
	f.ID = id
	f.DLC = 8
	copy(f.Data[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})

	mgr.HandleFrame(now, f)
	assert.Equal(t, uint32(0x00EF00), got.PGN)
	assert.Equal(t, uint8(0x10), got.Source)
	assert.Equal(t, uint8(0x20), got.Destination)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, got.Data)
}

// TestManager_addressClaimEndToEnd exercises C7 wiring of C4: registering an
// Internal CF and ticking until it reaches StateAddressClaimed, self-looping
// its own claim frame back in (as a real bus would echo/observe it).
func TestManager_addressClaimEndToEnd(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := j1939.DefaultConfig()
	mgr := New(cfg, nil)

	name := nameFor(1, 100)
	mgr.RegisterInternalCF(name, 0x10, true)

	for i := 0; i < 60; i++ {
		now = now.Add(10 * time.Millisecond)
		frames := mgr.Tick(now)
		for _, f := range frames {
			mgr.HandleFrame(now, f)
		}
		if addr, claimed := mgr.AddressOf(name); claimed {
			assert.Equal(t, uint8(0x10), addr)
			cf, ok := mgr.Registry().LookupByName(name)
			require.True(t, ok)
			assert.Equal(t, controlfunction.KindInternal, cf.Kind)
			return
		}
	}
	t.Fatal("address claim never completed")
}

// TestManager_contentionBetweenTwoManagers wires two independent Managers
// together as if sharing one bus and confirms the lower-NAME Internal CF
// keeps 0x1C while the higher-NAME, arbitrary-capable one relocates.
func TestManager_contentionBetweenTwoManagers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := j1939.DefaultConfig()
	a := New(cfg, nil)
	b := New(cfg, nil)

	lowName := nameFor(1, 1)
	highName := nameFor(2, 1)
	a.RegisterInternalCF(lowName, 0x1C, true)
	b.RegisterInternalCF(highName, 0x1C, true)

	now = exchange(t, a, b, now, 80)

	addrA, claimedA := a.AddressOf(lowName)
	addrB, claimedB := b.AddressOf(highName)
	require.True(t, claimedA)
	require.True(t, claimedB)
	assert.Equal(t, uint8(0x1C), addrA)
	assert.NotEqual(t, uint8(0x1C), addrB)
	assert.GreaterOrEqual(t, addrB, cfg.ArbitraryAddressLow)
	assert.LessOrEqual(t, addrB, cfg.ArbitraryAddressHigh)
	_ = now
}

// TestManager_largeMessageOpensTPSession confirms Send() routes a >8-byte
// payload through a TP session and the receiving Manager dispatches the
// reassembled Message to its registered PGN callback.
func TestManager_largeMessageOpensTPSession(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := j1939.DefaultConfig()
	sender := New(cfg, nil)
	receiver := New(cfg, nil)

	var got *j1939.Message
	receiver.OnPGN(0x00FEF1, func(msg j1939.Message) { m := msg; got = &m })

	payload := make([]byte, 50)
	for i := range payload {
		payload[i] = byte(i)
	}

	go func() {
		err := sender.Send(j1939.Message{PGN: 0x00FEF1, Priority: j1939.DefaultPriority6, Source: 0x10, Destination: 0x20, Data: payload})
		assert.NoError(t, err)
	}()

	for i := 0; i < 50 && got == nil; i++ {
		now = exchange(t, sender, receiver, now, 1)
	}

	require.NotNil(t, got)
	assert.Equal(t, payload, got.Data)
	assert.Equal(t, uint8(0x10), got.Source)
}

// TestManager_evictionAbortsInFlightSession confirms that when the Control
// Function Registry evicts the holder of an address (a contested reclaim),
// any transport session addressed to/from that address is aborted and
// surfaced through OnError rather than left to time out silently.
func TestManager_evictionAbortsInFlightSession(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := j1939.DefaultConfig()
	mgr := New(cfg, nil)

	var errs []error
	mgr.OnError(func(err error) { errs = append(errs, err) })

	nameA := nameFor(1, 1)
	nameB := nameFor(2, 1)
	mgr.Registry().ObserveClaim(0x30, nameA, now)

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- mgr.Send(j1939.Message{PGN: 0x00FEF1, Priority: j1939.DefaultPriority6, Source: 0x40, Destination: 0x30, Data: make([]byte, 50)})
	}()
	now = now.Add(10 * time.Millisecond)
	mgr.Tick(now)
	require.NoError(t, <-resultCh)

	mgr.Registry().ObserveClaim(0x30, nameB, now.Add(time.Millisecond))

	require.NotEmpty(t, errs)
}

// TestManager_partnerWatchTracksReaddress confirms OnPartner keeps
// delivering messages from a partner CF across a mid-session re-resolution
// (the partner's address changes but its NAME, and thus the filter match,
// does not).
func TestManager_partnerWatchTracksReaddress(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := j1939.DefaultConfig()
	mgr := New(cfg, nil)

	partnerName := nameFor(42, 7)
	filter := controlfunction.NameFilter{{Field: controlfunction.FieldIdentityNumber, Value: 42}}

	var received []j1939.Message
	mgr.OnPartner(filter, func(msg j1939.Message) { received = append(received, msg) })

	mgr.Registry().ObserveClaim(0x50, partnerName, now)
	id, _ := j1939.EncodeIdentifier(j1939.DefaultPriority6, 0x00FF00, j1939.AddressGlobal, 0x50)
	var f hal.Frame
	f.ID = id
	f.DLC = 8
	mgr.HandleFrame(now, f)
	require.Len(t, received, 1)

	// Partner re-addresses to 0x51; the same filter should now track it.
	mgr.Registry().ObserveClaim(0x51, partnerName, now.Add(time.Millisecond))
	id2, _ := j1939.EncodeIdentifier(j1939.DefaultPriority6, 0x00FF00, j1939.AddressGlobal, 0x51)
	f.ID = id2
	mgr.HandleFrame(now.Add(time.Millisecond), f)
	require.Len(t, received, 2)

	// Old address no longer delivers.
	f.ID = id
	mgr.HandleFrame(now.Add(2*time.Millisecond), f)
	assert.Len(t, received, 2)
}

// tpRTSFrame builds a raw TP.RTS frame opening a session for pgn between
// source and destination, carrying a payload totalBytes long.
func tpRTSFrame(now time.Time, pgn uint32, source, destination uint8, totalBytes int) hal.Frame {
	totalPkts := (totalBytes + 6) / 7
	body := []byte{16, byte(totalBytes), byte(totalBytes >> 8), byte(totalPkts), 0xFF, byte(pgn), byte(pgn >> 8), byte(pgn >> 16)}
	id, _ := j1939.EncodeIdentifier(j1939.DefaultPriority6, j1939.PGNTPConnManage, destination, source)
	var f hal.Frame
	f.ID = id
	f.DLC = uint8(len(body))
	copy(f.Data[:], body)
	return f
}

// TestManager_duplicateRTSIsAborted confirms a second RTS opener for a tuple
// that already has a live session is answered with TP.Conn_Abort(reason=
// already-in-session) instead of being handed to the open session and
// silently dropped.
func TestManager_duplicateRTSIsAborted(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := j1939.DefaultConfig()
	mgr := New(cfg, nil)

	mgr.HandleFrame(now, tpRTSFrame(now, 0x00FEF1, 0x10, 0x20, 50))
	mgr.HandleFrame(now, tpRTSFrame(now, 0x00FEF1, 0x10, 0x20, 20))

	out := mgr.Tick(now.Add(10 * time.Millisecond))

	var aborts int
	for _, f := range out {
		id := j1939.DecodeIdentifier(f.ID)
		if id.PGN != j1939.PGNTPConnManage || f.DLC == 0 || f.Data[0] != 255 {
			continue
		}
		aborts++
		assert.Equal(t, byte(j1939.AbortAlreadyInSession), f.Data[1])
		assert.Equal(t, uint8(0x20), id.Source)
		assert.Equal(t, uint8(0x10), id.Destination)
	}
	assert.Equal(t, 1, aborts)
}
