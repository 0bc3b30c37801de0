package transport

import (
	"time"

	j1939 "github.com/openfarmnet/j1939stack"
	"github.com/openfarmnet/j1939stack/hal"
	"github.com/openfarmnet/j1939stack/j1939log"
)

// TP.CM control bytes (spec §6).
const (
	tpRTS   = 16
	tpCTS   = 17
	tpEoMA  = 19
	tpBAM   = 32
	tpAbort = 255
)

// MinSize/MaxSize bound the payload sizes TP handles (spec §4.5: "9-1785
// bytes"). Messages of 8 bytes or fewer go straight to the HAL as a single
// frame and never reach this package.
const (
	MinSize = 9
	MaxSize = 1785
)

const tpDataBytesPerDT = 7
const tpDefaultBurst = 16 // packets granted per CTS window

func writeLE16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func writeLE24(b []byte, v uint32) { b[0] = byte(v); b[1] = byte(v >> 8); b[2] = byte(v >> 16) }
func writePGN(b []byte, pgn uint32) {
	b[0] = byte(pgn)
	b[1] = byte(pgn >> 8)
	b[2] = byte(pgn >> 16)
}
func readLE16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }

// AbortFrame builds a TP.Conn_Abort/ETP.Conn_Abort frame (selected by
// cmPGN) from sa to da, carrying reason and the inner pgn. Exported so
// package network can reject an opener frame for a tuple that already has a
// live session (spec §4.5) without duplicating the wire layout.
func AbortFrame(now time.Time, pgn uint32, sa, da uint8, reason j1939.AbortReason, cmPGN uint32, priority j1939.Priority) hal.Frame {
	id, _ := j1939.EncodeIdentifier(priority, cmPGN, da, sa)
	data := []byte{tpAbort, byte(reason), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	writePGN(data[5:], pgn)
	return buildFrame(now, id, data)
}

// TPSendSession is the opener side of an RTS/CTS point-to-point transfer
// (spec §4.5).
type TPSendSession struct {
	pgn         uint32
	source      uint8
	destination uint8
	priority    j1939.Priority
	data        []byte
	totalPkts   int

	nextToSend int // 1-based index of the next DT packet to send
	deadline   time.Time
	state      tpSendState
	err        error
	log        j1939log.Logger
}

type tpSendState int

const (
	tpSendAwaitingCTS tpSendState = iota
	tpSendAwaitingNextCTSOrEoMA
	tpSendDone
)

// NewTPSendSession opens an RTS/CTS session and returns it along with the
// initial RTS frame to transmit.
func NewTPSendSession(now time.Time, pgn uint32, source, destination uint8, priority j1939.Priority, data []byte, log j1939log.Logger) (*TPSendSession, hal.Frame) {
	if log == nil {
		log = j1939log.NewNop()
	}
	s := &TPSendSession{
		pgn: pgn, source: source, destination: destination, priority: priority,
		data:      data,
		totalPkts: packetsFor(len(data), tpDataBytesPerDT),
		state:     tpSendAwaitingCTS,
		deadline:  now.Add(T2),
		log:       log,
	}
	body := make([]byte, 7)
	writeLE16(body, uint16(len(data)))
	body[2] = byte(s.totalPkts)
	body[3] = 0xFF
	writePGN(body[4:], pgn)
	id, _ := j1939.EncodeIdentifier(priority, j1939.PGNTPConnManage, destination, source)
	frame := buildFrame(now, id, append([]byte{tpRTS}, body...))
	return s, frame
}

func (s *TPSendSession) Done() bool { return s.state == tpSendDone }

func (s *TPSendSession) Result() (*j1939.Message, error) { return nil, s.err }

func (s *TPSendSession) Tick(now time.Time) []hal.Frame {
	if s.state == tpSendDone {
		return nil
	}
	if now.Before(s.deadline) {
		return nil
	}
	s.err = &j1939.SessionTimeoutError{PGN: s.pgn, Timer: "T2/T3"}
	s.state = tpSendDone
	return []hal.Frame{AbortFrame(now, s.pgn, s.source, s.destination, j1939.AbortTimeout, j1939.PGNTPConnManage, s.priority)}
}

func (s *TPSendSession) HandleFrame(now time.Time, ctrl byte, payload []byte) ([]hal.Frame, bool) {
	if s.state == tpSendDone {
		return nil, true
	}
	switch ctrl {
	case tpCTS:
		if s.state != tpSendAwaitingCTS && s.state != tpSendAwaitingNextCTSOrEoMA {
			return nil, false
		}
		numPackets := int(payload[0])
		nextSeq := int(payload[1])
		if numPackets == 0 {
			s.deadline = now.Add(T2)
			return nil, false
		}
		frames := make([]hal.Frame, 0, numPackets)
		id, _ := j1939.EncodeIdentifier(s.priority, j1939.PGNTPDataTransfer, s.destination, s.source)
		for i := 0; i < numPackets && nextSeq+i-1 < s.totalPkts; i++ {
			seq := nextSeq + i
			start := (seq - 1) * tpDataBytesPerDT
			end := start + tpDataBytesPerDT
			if end > len(s.data) {
				end = len(s.data)
			}
			dt := make([]byte, 1, 8)
			dt[0] = byte(seq)
			dt = append(dt, s.data[start:end]...)
			frames = append(frames, buildFrame(now, id, dt))
			s.nextToSend = seq + 1
		}
		s.state = tpSendAwaitingNextCTSOrEoMA
		s.deadline = now.Add(T3)
		return frames, false

	case tpEoMA:
		s.state = tpSendDone
		return nil, true

	case tpAbort:
		s.err = &j1939.SessionAbortError{PGN: s.pgn, Reason: j1939.AbortReason(payload[0])}
		s.state = tpSendDone
		return nil, true
	}
	return nil, false
}

// TPReceiveSession is the target side of an RTS/CTS point-to-point transfer.
type TPReceiveSession struct {
	pgn         uint32
	source      uint8
	destination uint8
	priority    j1939.Priority
	totalSize   int
	totalPkts   int

	buffer    []byte
	received  int
	nextSeq   int
	windowEnd int
	deadline  time.Time
	state     tpRecvState
	err       error
}

type tpRecvState int

const (
	tpRecvAwaitingDT tpRecvState = iota
	tpRecvDone
)

// NewTPReceiveSession handles an inbound CM_RTS and returns the session plus
// the CTS frame granting the first window.
func NewTPReceiveSession(now time.Time, pgn uint32, source, destination uint8, priority j1939.Priority, rtsPayload []byte) (*TPReceiveSession, hal.Frame) {
	totalSize := int(readLE16(rtsPayload[0:2]))
	totalPkts := int(rtsPayload[2])

	s := &TPReceiveSession{
		pgn: pgn, source: source, destination: destination, priority: priority,
		totalSize: totalSize,
		totalPkts: totalPkts,
		buffer:    make([]byte, totalSize),
		nextSeq:   1,
		deadline:  now.Add(T1),
	}
	granted := totalPkts
	if granted > tpDefaultBurst {
		granted = tpDefaultBurst
	}
	s.windowEnd = granted
	body := []byte{tpCTS, byte(granted), 1, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	writePGN(body[5:], pgn)
	id, _ := j1939.EncodeIdentifier(priority, j1939.PGNTPConnManage, source, destination)
	return s, buildFrame(now, id, body)
}

func (s *TPReceiveSession) Done() bool { return s.state == tpRecvDone }

func (s *TPReceiveSession) Result() (*j1939.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.state != tpRecvDone {
		return nil, nil
	}
	return &j1939.Message{
		PGN: s.pgn, Priority: s.priority,
		Source: s.source, Destination: s.destination,
		Data: s.buffer,
	}, nil
}

func (s *TPReceiveSession) Tick(now time.Time) []hal.Frame {
	if s.state == tpRecvDone {
		return nil
	}
	if now.Before(s.deadline) {
		return nil
	}
	s.err = &j1939.SessionTimeoutError{PGN: s.pgn, Timer: "T1"}
	s.state = tpRecvDone
	return []hal.Frame{AbortFrame(now, s.pgn, s.destination, s.source, j1939.AbortTimeout, j1939.PGNTPConnManage, s.priority)}
}

func (s *TPReceiveSession) HandleFrame(now time.Time, ctrl byte, payload []byte) ([]hal.Frame, bool) {
	if s.state == tpRecvDone {
		return nil, true
	}
	// DT frames arrive on PGNTPDataTransfer, not PGNTPConnManage; the
	// Network Manager hands them to HandleFrame with ctrl==0 as a sentinel
	// meaning "this is a DT frame, not a CM frame".
	if ctrl != dtSentinel {
		return nil, false
	}
	seq := int(payload[0])
	if seq != s.nextSeq {
		s.err = &j1939.ProtocolViolationError{PGN: s.pgn, Reason: j1939.AbortBadSequence, Problem: "unexpected DT sequence number"}
		s.state = tpRecvDone
		return []hal.Frame{AbortFrame(now, s.pgn, s.destination, s.source, j1939.AbortBadSequence, j1939.PGNTPConnManage, s.priority)}, true
	}
	start := (seq - 1) * tpDataBytesPerDT
	end := start + tpDataBytesPerDT
	if end > s.totalSize {
		end = s.totalSize
	}
	copy(s.buffer[start:end], payload[1:1+(end-start)])
	s.received++
	s.nextSeq++
	s.deadline = now.Add(T1)

	if s.received == s.totalPkts {
		body := make([]byte, 8)
		body[0] = tpEoMA
		writeLE16(body[1:], uint16(s.totalSize))
		body[3] = byte(s.totalPkts)
		body[4] = 0xFF
		writePGN(body[5:], s.pgn)
		id, _ := j1939.EncodeIdentifier(s.priority, j1939.PGNTPConnManage, s.source, s.destination)
		s.state = tpRecvDone
		return []hal.Frame{buildFrame(now, id, body)}, true
	}
	if seq == s.windowEnd {
		remaining := s.totalPkts - s.received
		granted := remaining
		if granted > tpDefaultBurst {
			granted = tpDefaultBurst
		}
		s.windowEnd = seq + granted
		body := []byte{tpCTS, byte(granted), byte(seq + 1), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
		writePGN(body[5:], s.pgn)
		id, _ := j1939.EncodeIdentifier(s.priority, j1939.PGNTPConnManage, s.source, s.destination)
		return []hal.Frame{buildFrame(now, id, body)}, false
	}
	return nil, false
}

// dtSentinel is the ctrl value the Network Manager passes to HandleFrame to
// signal "this is a TP.DT/ETP.DT frame", since DT frames carry a sequence
// number rather than a control byte in their first position.
const dtSentinel = 0

// TPBAMSendSession broadcasts a BAM transfer: CM_BAM once, then DT frames at
// ≥50ms spacing, with no acknowledgement (spec §4.5).
type TPBAMSendSession struct {
	pgn       uint32
	source    uint8
	priority  j1939.Priority
	data      []byte
	totalPkts int

	nextToSend int
	lastSent   time.Time
	state      tpBAMSendState
}

type tpBAMSendState int

const (
	tpBAMSending tpBAMSendState = iota
	tpBAMSendDone
)

// NewTPBAMSendSession opens a BAM broadcast and returns the initial CM_BAM
// frame.
func NewTPBAMSendSession(now time.Time, pgn uint32, source uint8, priority j1939.Priority, data []byte) (*TPBAMSendSession, hal.Frame) {
	s := &TPBAMSendSession{
		pgn: pgn, source: source, priority: priority,
		data:       data,
		totalPkts:  packetsFor(len(data), tpDataBytesPerDT),
		nextToSend: 1,
		lastSent:   now,
	}
	body := make([]byte, 7)
	writeLE16(body, uint16(len(data)))
	body[2] = byte(s.totalPkts)
	body[3] = 0xFF
	writePGN(body[4:], pgn)
	id, _ := j1939.EncodeIdentifier(priority, j1939.PGNTPConnManage, j1939.AddressGlobal, source)
	return s, buildFrame(now, id, append([]byte{tpBAM}, body...))
}

func (s *TPBAMSendSession) Done() bool                          { return s.state == tpBAMSendDone }
func (s *TPBAMSendSession) Result() (*j1939.Message, error)      { return nil, nil }
func (s *TPBAMSendSession) HandleFrame(time.Time, byte, []byte) ([]hal.Frame, bool) { return nil, s.Done() }

func (s *TPBAMSendSession) Tick(now time.Time) []hal.Frame {
	if s.state == tpBAMSendDone {
		return nil
	}
	if now.Sub(s.lastSent) < bamDTInterval {
		return nil
	}
	seq := s.nextToSend
	start := (seq - 1) * tpDataBytesPerDT
	end := start + tpDataBytesPerDT
	if end > len(s.data) {
		end = len(s.data)
	}
	dt := make([]byte, 1, 8)
	dt[0] = byte(seq)
	dt = append(dt, s.data[start:end]...)
	id, _ := j1939.EncodeIdentifier(s.priority, j1939.PGNTPDataTransfer, j1939.AddressGlobal, s.source)
	frame := buildFrame(now, id, dt)
	s.lastSent = now
	s.nextToSend++
	if s.nextToSend > s.totalPkts {
		s.state = tpBAMSendDone
	}
	return []hal.Frame{frame}
}

// TPBAMReceiveSession passively reassembles a BAM broadcast. A gap of more
// than T1 between DT frames aborts the session silently (spec §4.5: "no
// ACK" means there is no Conn_Abort on the wire for a broadcast timeout).
type TPBAMReceiveSession struct {
	pgn       uint32
	source    uint8
	priority  j1939.Priority
	totalSize int
	totalPkts int

	buffer   []byte
	received int
	nextSeq  int
	deadline time.Time
	state    tpRecvState
	err      error
}

// NewTPBAMReceiveSession handles an inbound CM_BAM frame.
func NewTPBAMReceiveSession(now time.Time, pgn uint32, source uint8, priority j1939.Priority, bamPayload []byte) *TPBAMReceiveSession {
	totalSize := int(readLE16(bamPayload[0:2]))
	totalPkts := int(bamPayload[2])
	return &TPBAMReceiveSession{
		pgn: pgn, source: source, priority: priority,
		totalSize: totalSize,
		totalPkts: totalPkts,
		buffer:    make([]byte, totalSize),
		nextSeq:   1,
		deadline:  now.Add(T1),
	}
}

func (s *TPBAMReceiveSession) Done() bool { return s.state == tpRecvDone }

func (s *TPBAMReceiveSession) Result() (*j1939.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.state != tpRecvDone {
		return nil, nil
	}
	return &j1939.Message{
		PGN: s.pgn, Priority: s.priority,
		Source: s.source, Destination: j1939.AddressGlobal,
		Data: s.buffer,
	}, nil
}

func (s *TPBAMReceiveSession) Tick(now time.Time) []hal.Frame {
	if s.state == tpRecvDone {
		return nil
	}
	if now.Before(s.deadline) {
		return nil
	}
	s.err = &j1939.SessionTimeoutError{PGN: s.pgn, Timer: "T1"}
	s.state = tpRecvDone
	return nil
}

func (s *TPBAMReceiveSession) HandleFrame(now time.Time, ctrl byte, payload []byte) ([]hal.Frame, bool) {
	if s.state == tpRecvDone || ctrl != dtSentinel {
		return nil, s.Done()
	}
	seq := int(payload[0])
	if seq != s.nextSeq {
		// Out-of-order/duplicate BAM DT frames are dropped, not aborted:
		// there is no feedback channel to request retransmission.
		return nil, false
	}
	start := (seq - 1) * tpDataBytesPerDT
	end := start + tpDataBytesPerDT
	if end > s.totalSize {
		end = s.totalSize
	}
	copy(s.buffer[start:end], payload[1:1+(end-start)])
	s.received++
	s.nextSeq++
	s.deadline = now.Add(T1)
	if s.received == s.totalPkts {
		s.state = tpRecvDone
		return nil, true
	}
	return nil, false
}
