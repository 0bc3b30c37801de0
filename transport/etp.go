package transport

import (
	"time"

	j1939 "github.com/openfarmnet/j1939stack"
	"github.com/openfarmnet/j1939stack/hal"
)

// ETP.CM control bytes (spec §6).
const (
	etpRTS   = 20
	etpCTS   = 21
	etpDPO   = 22
	etpEoMA  = 23
	etpAbort = 255
)

// MinSize/MaxSize for ETP (spec §4.6: "1786..117 440 505 bytes").
const (
	ETPMinSize = 1786
	ETPMaxSize = 117440505
)

const etpDataBytesPerDT = 7
const etpDefaultBurst = 16 // DT packets granted per CTS/DPO window

func writeLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func readLE32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func readLE24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// ETPSendSession is the opener side of an ETP transfer.
type ETPSendSession struct {
	pgn         uint32
	source      uint8
	destination uint8
	priority    j1939.Priority
	data        []byte
	totalPkts   int

	windowOffset int // 0-based DT index of the first packet in the current window
	deadline     time.Time
	state        tpSendState
	err          error
}

// NewETPSendSession opens an ETP transfer and returns the initial RTS frame.
func NewETPSendSession(now time.Time, pgn uint32, source, destination uint8, priority j1939.Priority, data []byte) (*ETPSendSession, hal.Frame) {
	s := &ETPSendSession{
		pgn: pgn, source: source, destination: destination, priority: priority,
		data:      data,
		totalPkts: packetsFor(len(data), etpDataBytesPerDT),
		state:     tpSendAwaitingCTS,
		deadline:  now.Add(T2),
	}
	body := make([]byte, 7)
	writeLE32(body, uint32(len(data)))
	writePGN(body[4:], pgn)
	id, _ := j1939.EncodeIdentifier(priority, j1939.PGNETPConnManage, destination, source)
	return s, buildFrame(now, id, append([]byte{etpRTS}, body...))
}

func (s *ETPSendSession) Done() bool { return s.state == tpSendDone }

func (s *ETPSendSession) Result() (*j1939.Message, error) { return nil, s.err }

func (s *ETPSendSession) Tick(now time.Time) []hal.Frame {
	if s.state == tpSendDone {
		return nil
	}
	if now.Before(s.deadline) {
		return nil
	}
	s.err = &j1939.SessionTimeoutError{PGN: s.pgn, Timer: "T2/T3"}
	s.state = tpSendDone
	return []hal.Frame{AbortFrame(now, s.pgn, s.source, s.destination, j1939.AbortTimeout, j1939.PGNETPConnManage, s.priority)}
}

// HandleFrame processes CTS (ctrl==etpCTS) and EoMA/Abort control frames.
// DPO is never received by the sender (it only sends DPO).
func (s *ETPSendSession) HandleFrame(now time.Time, ctrl byte, payload []byte) ([]hal.Frame, bool) {
	if s.state == tpSendDone {
		return nil, true
	}
	switch ctrl {
	case etpCTS:
		if s.state != tpSendAwaitingCTS && s.state != tpSendAwaitingNextCTSOrEoMA {
			return nil, false
		}
		numPackets := int(payload[0])
		nextPacketNumber := int(readLE24(payload[1:4])) // 1-based global DT index
		if numPackets == 0 {
			s.deadline = now.Add(T2)
			return nil, false
		}
		offset := nextPacketNumber - 1
		s.windowOffset = offset

		frames := make([]hal.Frame, 0, numPackets+1)
		dpoBody := make([]byte, 7)
		dpoBody[0] = byte(numPackets)
		writeLE24(dpoBody[1:], uint32(offset))
		writePGN(dpoBody[4:], s.pgn)
		id, _ := j1939.EncodeIdentifier(s.priority, j1939.PGNETPConnManage, s.destination, s.source)
		frames = append(frames, buildFrame(now, id, append([]byte{etpDPO}, dpoBody...)))

		dtID, _ := j1939.EncodeIdentifier(s.priority, j1939.PGNETPDataTransfer, s.destination, s.source)
		for i := 0; i < numPackets && offset+i < s.totalPkts; i++ {
			start := (offset + i) * etpDataBytesPerDT
			end := start + etpDataBytesPerDT
			if end > len(s.data) {
				end = len(s.data)
			}
			dt := make([]byte, 1, 8)
			dt[0] = byte(i + 1) // sequence resets per DPO window
			dt = append(dt, s.data[start:end]...)
			frames = append(frames, buildFrame(now, dtID, dt))
		}
		s.state = tpSendAwaitingNextCTSOrEoMA
		s.deadline = now.Add(T3)
		return frames, false

	case etpEoMA:
		s.state = tpSendDone
		return nil, true

	case etpAbort:
		s.err = &j1939.SessionAbortError{PGN: s.pgn, Reason: j1939.AbortReason(payload[0])}
		s.state = tpSendDone
		return nil, true
	}
	return nil, false
}

// ETPReceiveSession is the target side of an ETP transfer.
type ETPReceiveSession struct {
	pgn         uint32
	source      uint8
	destination uint8
	priority    j1939.Priority
	totalSize   int
	totalPkts   int

	buffer       []byte
	received     int
	windowOffset int // 0-based DT index of the first packet expected in the current DPO window
	windowCount  int
	windowRecv   int
	deadline     time.Time
	state        tpRecvState
	err          error
}

// NewETPReceiveSession handles an inbound ETP.CM_RTS frame.
func NewETPReceiveSession(now time.Time, pgn uint32, source, destination uint8, priority j1939.Priority, rtsPayload []byte) (*ETPReceiveSession, hal.Frame) {
	totalSize := int(readLE32(rtsPayload[0:4]))
	totalPkts := packetsFor(totalSize, etpDataBytesPerDT)

	s := &ETPReceiveSession{
		pgn: pgn, source: source, destination: destination, priority: priority,
		totalSize: totalSize,
		totalPkts: totalPkts,
		buffer:    make([]byte, totalSize),
		deadline:  now.Add(T1),
	}
	granted := totalPkts
	if granted > etpDefaultBurst {
		granted = etpDefaultBurst
	}
	s.windowCount = granted
	body := make([]byte, 7)
	body[0] = byte(granted)
	writeLE24(body[1:], 1) // next packet number, 1-based
	writePGN(body[4:], pgn)
	id, _ := j1939.EncodeIdentifier(priority, j1939.PGNETPConnManage, source, destination)
	return s, buildFrame(now, id, append([]byte{etpCTS}, body...))
}

func (s *ETPReceiveSession) Done() bool { return s.state == tpRecvDone }

func (s *ETPReceiveSession) Result() (*j1939.Message, error) {
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

func (s *ETPReceiveSession) Tick(now time.Time) []hal.Frame {
	if s.state == tpRecvDone {
		return nil
	}
	if now.Before(s.deadline) {
		return nil
	}
	s.err = &j1939.SessionTimeoutError{PGN: s.pgn, Timer: "T1"}
	s.state = tpRecvDone
	return []hal.Frame{AbortFrame(now, s.pgn, s.destination, s.source, j1939.AbortTimeout, j1939.PGNETPConnManage, s.priority)}
}

// HandleFrame processes ETP.CM_DPO (ctrl==etpDPO) and ETP.DT (ctrl==dtSentinel)
// frames.
func (s *ETPReceiveSession) HandleFrame(now time.Time, ctrl byte, payload []byte) ([]hal.Frame, bool) {
	if s.state == tpRecvDone {
		return nil, true
	}
	if ctrl == etpDPO {
		s.windowCount = int(payload[0])
		s.windowOffset = int(readLE24(payload[1:4]))
		s.windowRecv = 0
		s.deadline = now.Add(T1)
		return nil, false
	}
	if ctrl != dtSentinel {
		return nil, false
	}

	seq := int(payload[0]) // 1-based within the current DPO window
	if seq != s.windowRecv+1 {
		s.err = &j1939.ProtocolViolationError{PGN: s.pgn, Reason: j1939.AbortBadSequence, Problem: "unexpected ETP.DT sequence number"}
		s.state = tpRecvDone
		return []hal.Frame{AbortFrame(now, s.pgn, s.destination, s.source, j1939.AbortBadSequence, j1939.PGNETPConnManage, s.priority)}, true
	}
	packetIndex := s.windowOffset + seq - 1
	start := packetIndex * etpDataBytesPerDT
	end := start + etpDataBytesPerDT
	if end > s.totalSize {
		end = s.totalSize
	}
	copy(s.buffer[start:end], payload[1:1+(end-start)])
	s.received++
	s.windowRecv++
	s.deadline = now.Add(T1)

	if s.received == s.totalPkts {
		body := make([]byte, 7)
		writeLE32(body, uint32(s.totalSize))
		writePGN(body[4:], s.pgn)
		id, _ := j1939.EncodeIdentifier(s.priority, j1939.PGNETPConnManage, s.source, s.destination)
		s.state = tpRecvDone
		return []hal.Frame{buildFrame(now, id, append([]byte{etpEoMA}, body...))}, true
	}
	if s.windowRecv == s.windowCount {
		remaining := s.totalPkts - s.received
		granted := remaining
		if granted > etpDefaultBurst {
			granted = etpDefaultBurst
		}
		nextPacketNumber := s.windowOffset + s.windowCount + 1
		body := make([]byte, 7)
		body[0] = byte(granted)
		writeLE24(body[1:], uint32(nextPacketNumber))
		writePGN(body[4:], s.pgn)
		id, _ := j1939.EncodeIdentifier(s.priority, j1939.PGNETPConnManage, s.source, s.destination)
		return []hal.Frame{buildFrame(now, id, append([]byte{etpCTS}, body...))}, false
	}
	return nil, false
}
