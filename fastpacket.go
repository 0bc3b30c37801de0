package j1939

import (
	"sync"
	"time"

	"github.com/openfarmnet/j1939stack/hal"
)

// FastPacketMaxSize is the largest payload a Fast Packet sequence can carry:
// 6 bytes in the first frame plus up to 31 continuation frames of 7 bytes.
const FastPacketMaxSize = 6 + 31*7

// fastPacketSequence accumulates the frames of one in-flight NMEA2000 Fast
// Packet transfer (non-broadcast variant; spec's Non-goals note it is
// acceptable as a thin compatibility layer, not part of the core TP/ETP
// stack).
type fastPacketSequence struct {
	pgn         uint32
	priority    Priority
	source      uint8
	destination uint8

	lastReceivedFrameTime time.Time
	// sequence distinguishes which logical message a frame belongs to: frames
	// from the same source/PGN may interleave across concurrent sequences.
	sequence uint8
	// length is the total payload size, carried in the second byte of frame 0.
	length             uint8
	completeFramesMask uint32

	receivedFramesMask  uint32 // one bit per frame index received so far
	receivedFramesCount uint8
	data                [FastPacketMaxSize]byte
}

// Append folds one frame into the sequence, returning true once every frame
// implied by the length declared in frame 0 has arrived.
func (m *fastPacketSequence) Append(frame hal.Frame) bool {
	if frame.DLC < 2 {
		return false
	}
	payload := frame.Payload()
	sequence := payload[0] >> 5         // top 3 bits: sequence counter (0-7)
	frameNr := payload[0] & 0b0001_1111 // bottom 5 bits: frame index within sequence
	frameMask := uint32(1) << frameNr
	if m.receivedFramesMask&frameMask != 0 { // frame already seen
		return m.completeFramesMask == m.receivedFramesMask
	}
	if m.receivedFramesMask == 0 {
		id := DecodeIdentifier(frame.ID)
		m.pgn = id.PGN
		m.priority = id.Priority
		m.source = id.Source
		m.destination = id.Destination
		m.sequence = sequence
	}
	m.receivedFramesMask |= frameMask
	m.receivedFramesCount++
	m.lastReceivedFrameTime = frame.Time

	if frameNr == 0 {
		m.length = payload[1]

		frameCount := uint8(1)
		if m.length > 6 {
			frameCount += (m.length - 6 + 6) / 7 // ceil((length-6)/7) continuation frames
		}
		m.completeFramesMask = ^(uint32(0xFFFFFFFF) << frameCount)

		copy(m.data[:6], payload[2:])
	} else {
		start := 6 + int(frameNr-1)*7
		end := start + len(payload) - 1
		copy(m.data[start:end], payload[1:])
	}

	return m.completeFramesMask == m.receivedFramesMask
}

func (m *fastPacketSequence) Reset() {
	m.lastReceivedFrameTime = time.Time{}
	m.pgn = 0
	m.priority = 0
	m.source = 0
	m.destination = 0
	m.sequence = 0
	m.length = 0
	m.completeFramesMask = 0
	m.receivedFramesMask = 0
	m.receivedFramesCount = 0
	// data is not cleared; the next caller overwrites exactly m.length bytes.
}

// As builds the reassembled Message from a completed sequence.
func (m *fastPacketSequence) As() Message {
	data := make([]byte, m.length)
	copy(data, m.data[0:m.length])
	return Message{
		Time:        m.lastReceivedFrameTime,
		PGN:         m.pgn,
		Priority:    m.priority,
		Source:      m.source,
		Destination: m.destination,
		Data:        data,
	}
}

// FastPacketAssembler reassembles Fast Packet frames for a configured set of
// PGNs, passing everything else through as a single-frame Message. It is a
// peer of the TP/ETP session machinery in package transport, not a
// replacement for it: a CF that needs Fast Packet compatibility runs frames
// through this before handing the result to the Manager.
type FastPacketAssembler struct {
	pgns       []uint32
	inTransfer []*fastPacketSequence

	now  func() time.Time
	pool *sync.Pool
	lock sync.Mutex
}

// NewFastPacketAssembler builds an assembler that treats a frame's PGN as
// Fast Packet only when it appears in fpPGNs; every other PGN passes through
// as a single frame.
func NewFastPacketAssembler(fpPGNs []uint32) *FastPacketAssembler {
	pool := &sync.Pool{New: func() any { return &fastPacketSequence{} }}
	return &FastPacketAssembler{
		pgns:       append([]uint32{}, fpPGNs...),
		inTransfer: make([]*fastPacketSequence, 0, 10),
		now:        time.Now,
		pool:       pool,
	}
}

func (a *FastPacketAssembler) isFastPacketPGN(pgn uint32) bool {
	for _, p := range a.pgns {
		if p == pgn {
			return true
		}
	}
	return false
}

// Assemble folds frame into to, returning true when to holds a complete
// Message: either because frame's PGN was not configured as Fast Packet, or
// because frame completed an in-flight sequence.
func (a *FastPacketAssembler) Assemble(frame hal.Frame, to *Message) bool {
	a.lock.Lock()
	defer a.lock.Unlock()

	id := DecodeIdentifier(frame.ID)
	if !a.isFastPacketPGN(id.PGN) {
		data := make([]byte, frame.DLC)
		copy(data, frame.Payload())
		*to = Message{Time: frame.Time, PGN: id.PGN, Priority: id.Priority, Source: id.Source, Destination: id.Destination, Data: data}
		return true
	}

	// A sequence is uniquely identified by source+PGN+sequence counter, with
	// a staleness threshold in case a counter is reused by a new transfer
	// before the old one timed out on the wire.
	threshold := a.now().Add(-750 * time.Millisecond)
	sequence := frame.Payload()[0] >> 5

	var fp *fastPacketSequence
	idx := 0
	for i, tmp := range a.inTransfer {
		if tmp.source != id.Source || tmp.pgn != id.PGN || tmp.sequence != sequence {
			continue
		}
		fp = a.inTransfer[i]
		idx = i
		if fp.lastReceivedFrameTime.Before(threshold) {
			fp.Reset()
		}
	}
	if fp == nil {
		fp = a.pool.Get().(*fastPacketSequence)
		fp.Reset()
		a.inTransfer = append(a.inTransfer, fp)
		idx = len(a.inTransfer) - 1
	}

	complete := fp.Append(frame)
	if complete {
		*to = fp.As()
		a.inTransfer[idx] = a.inTransfer[len(a.inTransfer)-1]
		a.inTransfer = a.inTransfer[:len(a.inTransfer)-1]
		a.pool.Put(fp)
	} else {
		a.inTransfer[idx] = fp
	}
	return complete
}
