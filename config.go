package j1939

import "time"

// Config is the stack's immutable configuration (spec §6, §9 Design Notes).
//
// The original source kept this as a handful of static fields on
// CANLibConfiguration (only max_transport_protocol_sessions actually had a
// setter); this re-architecture builds a complete, immutable value once at
// construction time and hands it to the Network Manager's constructor. There
// is no mutable package-level configuration anywhere in this module.
type Config struct {
	// MaxTransportSessions is the number of open TP/ETP sessions, inbound
	// and outbound counted together, at which the Network Manager's Send
	// refuses to open another outbound session (default 4). Sessions opened
	// by a peer's RTS or BAM are not checked against it.
	MaxTransportSessions int
	// TickPeriod is how often the Network Manager's periodic update runs:
	// at least 4 Hz, i.e. a period of 250ms or less (default 10ms). Nothing
	// in the module validates it.
	TickPeriod time.Duration
	// TXQueueCapacity bounds the outbound frame queue (default 500).
	TXQueueCapacity int
	// ExternalCFTTL is how long an External control function may go without
	// a fresh Address-Claimed observation before it is reaped (default 30s).
	ExternalCFTTL time.Duration
	// ArbitraryAddressLow and ArbitraryAddressHigh bound the address range an
	// arbitrary-address-capable Internal CF searches when its preferred
	// address is contested (default [128, 247]).
	ArbitraryAddressLow  uint8
	ArbitraryAddressHigh uint8
}

// DefaultConfig returns the spec's §6 default configuration.
func DefaultConfig() Config {
	return Config{
		MaxTransportSessions: 4,
		TickPeriod:           10 * time.Millisecond,
		TXQueueCapacity:      500,
		ExternalCFTTL:        30 * time.Second,
		ArbitraryAddressLow:  128,
		ArbitraryAddressHigh: 247,
	}
}
