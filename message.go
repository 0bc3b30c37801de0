package j1939

import "time"

// Message is a fully classified, reassembled application-layer message
// (spec §3): a PGN plus payload plus addressing, produced either directly
// from a single-frame RX or by a completed TP/ETP session.
type Message struct {
	Time        time.Time
	PGN         uint32
	Priority    Priority
	Source      uint8
	Destination uint8
	Data        []byte
}

// IsBroadcast reports whether this message was addressed to everyone.
func (m Message) IsBroadcast() bool {
	return m.Destination == AddressGlobal
}
