package controlfunction

import (
	"math/rand"
	"time"

	j1939 "github.com/openfarmnet/j1939stack"
	"github.com/openfarmnet/j1939stack/j1939log"
)

// State is one state of the per-Internal-CF Address Claim state machine
// (spec §4.4, C4).
type State int

const (
	StateNone State = iota
	StateWaitOutOfAddressClaim
	StateSendRequestForClaim
	StateWaitForClaim
	StateSendPreferredAddress
	StateAddressClaimed
	StateContention
	StateUnableToClaim
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateWaitOutOfAddressClaim:
		return "wait-out-of-address-claim"
	case StateSendRequestForClaim:
		return "send-request-for-claim"
	case StateWaitForClaim:
		return "wait-for-claim"
	case StateSendPreferredAddress:
		return "send-preferred-address"
	case StateAddressClaimed:
		return "address-claimed"
	case StateContention:
		return "contention"
	case StateUnableToClaim:
		return "unable-to-claim"
	default:
		return "unknown"
	}
}

const claimWaitPeriod = 250 * time.Millisecond
const maxDither = 153 * time.Millisecond

// Bus is the narrow sending capability the Address Claim SM needs from the
// Network Manager; it never touches a hal.Device directly (spec §9:
// "Callbacks as interfaces").
type Bus interface {
	SendAddressClaimed(name j1939.Name, address uint8) error
	SendRequestForAddressClaim() error
	SendCannotClaim(name j1939.Name) error
}

// AddressClaim runs the state machine of spec §4.4 for one Internal CF. It
// is driven entirely by Tick and the two RX hooks; it never reads a clock or
// RNG directly so tests can supply both.
type AddressClaim struct {
	name             j1939.Name
	preferred        uint8
	address          uint8
	arbitraryCapable bool
	arbitraryLow     uint8
	arbitraryHigh    uint8

	state    State
	deadline time.Time

	registry *Registry
	bus      Bus
	log      j1939log.Logger

	dither func() time.Duration

	// LastErr is set whenever the SM transitions to UnableToClaim or loses
	// contention; the Network Manager surfaces it via its error listener
	// (spec §7, AddressContentionLost).
	LastErr error
}

// NewAddressClaim creates a state machine for name, seeking preferred first
// and then (if arbitraryCapable) scanning [cfg.ArbitraryAddressLow,
// cfg.ArbitraryAddressHigh] for a free address.
func NewAddressClaim(name j1939.Name, preferred uint8, arbitraryCapable bool, cfg j1939.Config, registry *Registry, bus Bus, log j1939log.Logger) *AddressClaim {
	if log == nil {
		log = j1939log.NewNop()
	}
	registry.RegisterInternal(name)
	return &AddressClaim{
		name:             name,
		preferred:        preferred,
		address:          preferred,
		arbitraryCapable: arbitraryCapable,
		arbitraryLow:     cfg.ArbitraryAddressLow,
		arbitraryHigh:    cfg.ArbitraryAddressHigh,
		state:            StateNone,
		registry:         registry,
		bus:              bus,
		log:              log,
		dither:           func() time.Duration { return time.Duration(rand.Int63n(int64(maxDither) + 1)) },
	}
}

// State returns the SM's current state.
func (a *AddressClaim) State() State { return a.state }

// Address returns the address currently claimed (valid once State() ==
// StateAddressClaimed; otherwise this is the address last attempted).
func (a *AddressClaim) Address() uint8 { return a.address }

// Tick advances timers and drives state transitions that fire on elapsed
// time rather than an RX event (spec §4.4's "On 250 ms elapsed" column).
func (a *AddressClaim) Tick(now time.Time) {
	switch a.state {
	case StateNone:
		a.enterWaitOutOfAddressClaim(now)

	case StateWaitOutOfAddressClaim:
		if !now.Before(a.deadline) {
			a.enterSendRequestForClaim(now)
		}

	case StateSendRequestForClaim:
		// Entry action already fired; the 250ms wait happens in
		// StateWaitForClaim below. A bus with zero per-state latency moves
		// straight there on the same tick.
		a.enterWaitForClaim(now)

	case StateWaitForClaim:
		if !now.Before(a.deadline) {
			a.enterSendPreferredAddress(now)
		}

	case StateSendPreferredAddress:
		a.enterAddressClaimed(now)

	case StateAddressClaimed, StateUnableToClaim:
		// Terminal (modulo contention, which is event-driven) — nothing to
		// do on a bare tick.
	}
}

func (a *AddressClaim) enterWaitOutOfAddressClaim(now time.Time) {
	a.state = StateWaitOutOfAddressClaim
	a.deadline = now.Add(a.dither())
}

func (a *AddressClaim) enterSendRequestForClaim(now time.Time) {
	a.state = StateSendRequestForClaim
	if err := a.bus.SendRequestForAddressClaim(); err != nil {
		a.log.WithFields(j1939log.Fields{"err": err}).Warn("address claim: failed to send request for claim")
	}
}

func (a *AddressClaim) enterWaitForClaim(now time.Time) {
	a.state = StateWaitForClaim
	a.deadline = now.Add(claimWaitPeriod)
}

func (a *AddressClaim) enterSendPreferredAddress(now time.Time) {
	a.state = StateSendPreferredAddress
	if err := a.bus.SendAddressClaimed(a.name, a.address); err != nil {
		a.log.WithFields(j1939log.Fields{"err": err}).Warn("address claim: failed to send claim")
	}
	a.registry.ObserveClaim(a.address, a.name, now)
}

func (a *AddressClaim) enterAddressClaimed(now time.Time) {
	a.state = StateAddressClaimed
}

// HandleRequestForClaim processes an observed Request for PGN
// Address-Claimed (0x00EA00 requesting 0x00EE00): once claimed or
// mid-negotiation, re-announce so late-joining nodes learn our NAME.
func (a *AddressClaim) HandleRequestForClaim(now time.Time) {
	switch a.state {
	case StateSendPreferredAddress, StateAddressClaimed:
		_ = a.bus.SendAddressClaimed(a.name, a.address)
	case StateUnableToClaim:
		_ = a.bus.SendCannotClaim(a.name)
	}
}

// HandleAddressClaimed processes an observed Address-Claimed frame for
// theirAddr/theirName. Only contention-relevant when theirAddr == our
// address and theirName != ours.
func (a *AddressClaim) HandleAddressClaimed(now time.Time, theirAddr uint8, theirName j1939.Name) {
	if theirName == a.name {
		return
	}

	switch a.state {
	case StateWaitForClaim:
		// Just bookkeeping: the registry records the external claim; our own
		// transition still waits for the 250ms deadline.
		return

	case StateSendPreferredAddress, StateAddressClaimed:
		if theirAddr != a.address {
			return
		}
		a.resolveContention(now, theirName)
	}
}

func (a *AddressClaim) resolveContention(now time.Time, theirName j1939.Name) {
	a.state = StateContention
	if j1939.Compare(a.name, theirName) < 0 {
		// We win: reassert our claim, stay AddressClaimed.
		_ = a.bus.SendAddressClaimed(a.name, a.address)
		a.state = StateAddressClaimed
		return
	}

	a.LastErr = &j1939.AddressContentionLostError{PreferredAddress: a.address, Arbitrary: a.arbitraryCapable}
	if !a.arbitraryCapable {
		a.state = StateUnableToClaim
		_ = a.bus.SendCannotClaim(a.name)
		return
	}

	next, ok := a.nextFreeArbitraryAddress()
	if !ok {
		a.LastErr = &j1939.AddressContentionLostError{PreferredAddress: a.address, Arbitrary: false}
		a.state = StateUnableToClaim
		_ = a.bus.SendCannotClaim(a.name)
		return
	}
	a.address = next
	a.enterSendPreferredAddress(now)
}

// nextFreeArbitraryAddress scans [arbitraryLow, arbitraryHigh] for an
// address the registry does not currently show as taken (spec §4.4:
// "Address search order when arbitrary-capable: preferred, then 128…247
// skipping taken addresses").
func (a *AddressClaim) nextFreeArbitraryAddress() (uint8, bool) {
	for addr := int(a.arbitraryLow); addr <= int(a.arbitraryHigh); addr++ {
		if uint8(addr) == a.address {
			continue
		}
		if a.registry.IsAddressFree(uint8(addr)) {
			return uint8(addr), true
		}
	}
	return 0, false
}
