// Package network implements the Network Manager (spec §4.7, C7): the RX
// classification/dispatch path, the TX scheduler, the periodic tick that
// drives every session's timers, and callback registration. It is the one
// component that depends on every other package — hal, controlfunction,
// transport, asyncutil — the way the teacher's addressmapper.Run loop ties
// together its nmea.RawMessageWriter, its buffered write channel, and its
// own address/name bookkeeping into one cooperative loop.
//
// Per spec §5 and §9 (Open Question 2), the session table and the Internal
// CF set are mutated only from the tick goroutine; RegisterInternalCF and
// Send's multi-frame path reach them through the command queue drained at
// the start of each Tick. Callback registration is not routed that way:
// OnPGN and OnPartner update the PGN callback map and the partner watch
// list directly on the calling goroutine, without the queue or a lock, so
// they are not synchronized with a concurrently running Tick or
// HandleFrame. This one-Manager-per-process, no-singleton shape is the
// resolution of the original source's CANNetwork/CANLibConfiguration
// statics.
package network

import (
	"encoding/binary"
	"reflect"
	"sync"
	"time"

	j1939 "github.com/openfarmnet/j1939stack"
	"github.com/openfarmnet/j1939stack/asyncutil"
	"github.com/openfarmnet/j1939stack/controlfunction"
	"github.com/openfarmnet/j1939stack/hal"
	"github.com/openfarmnet/j1939stack/j1939log"
	"github.com/openfarmnet/j1939stack/transport"
)

// TP/ETP control bytes the Manager needs to route frames by role. These
// mirror the unexported constants in package transport; kept here too so
// the routing switch reads standalone.
const (
	ctrlTPRTS  = 16
	ctrlTPCTS  = 17
	ctrlTPEoMA = 19
	ctrlTPBAM  = 32

	ctrlETPRTS  = 20
	ctrlETPCTS  = 21
	ctrlETPDPO  = 22
	ctrlETPEoMA = 23

	ctrlAbort = 255
)

// keyFor builds the transport.Key a session is filed under. Normalized so
// the two ends of an exchange (opener's RTS vs responder's CTS, each with
// source/destination swapped relative to the other) resolve to the same
// key; PGN is left zero, so at most one session is open per address pair,
// whatever its direction or inner PGN.
func keyFor(source, destination uint8) transport.Key {
	if source > destination {
		source, destination = destination, source
	}
	return transport.Key{Source: source, Destination: destination}
}

type openSession struct {
	sess        transport.Session
	opener      uint8
	target      uint8
	isBroadcast bool
}

// Manager is the Network Manager of spec §4.7.
type Manager struct {
	cfg      j1939.Config
	registry *controlfunction.Registry
	log      j1939log.Logger
	now      func() time.Time

	txQueue  *asyncutil.BoundedQueue[hal.Frame]
	cmdQueue *asyncutil.BoundedQueue[func(*Manager)]

	sessions map[transport.Key]*openSession
	internal map[j1939.Name]*controlfunction.AddressClaim

	// addrMu guards addrCache, a snapshot of every Internal CF's address/claim
	// state refreshed once per Tick. AddressOf reads this instead of m.internal
	// directly: m.internal is tick-goroutine-owned (spec §5), but a query
	// needs an answer without waiting for whoever next calls Tick to drain a
	// queued command, which would deadlock a caller that is itself the only
	// goroutine driving Tick (spec §9 Open Question 2).
	addrMu    sync.RWMutex
	addrCache map[j1939.Name]addressResult

	pgnCallbacks    map[uint32]*asyncutil.EventDispatcher[j1939.Message]
	globalCallbacks asyncutil.EventDispatcher[j1939.Message]
	errorListeners  asyncutil.EventDispatcher[error]

	partnerWatches []*partnerWatch
}

// partnerWatch pairs a declared partner NAME filter with the dispatcher that
// fans out messages from whichever External CF currently resolves it. The
// resolved address tracks controlfunction.Registry's own resolution via
// OnPartnerResolved, so a partner that changes address (re-claims, reboots)
// keeps delivering to the same listeners without the caller re-subscribing.
type partnerWatch struct {
	filter   controlfunction.NameFilter
	address  *uint8
	listener asyncutil.EventDispatcher[j1939.Message]
}

// New builds a Manager. logger may be nil.
func New(cfg j1939.Config, logger j1939log.Logger) *Manager {
	if logger == nil {
		logger = j1939log.NewNop()
	}
	m := &Manager{
		cfg:      cfg,
		registry: controlfunction.NewRegistry(logger),
		log:      logger,
		now:      time.Now,

		txQueue:  asyncutil.NewBoundedQueue[hal.Frame](cfg.TXQueueCapacity),
		cmdQueue: asyncutil.NewBoundedQueue[func(*Manager)](256),

		sessions: make(map[transport.Key]*openSession),
		internal: make(map[j1939.Name]*controlfunction.AddressClaim),

		addrCache: make(map[j1939.Name]addressResult),

		pgnCallbacks: make(map[uint32]*asyncutil.EventDispatcher[j1939.Message]),
	}
	m.registry.OnEviction(func(e controlfunction.EvictionEvent) {
		m.abortSessionsInvolving(e.Evicted.Address)
	})
	m.registry.OnPartnerResolved(func(e controlfunction.PartnerResolvedEvent) {
		for _, pw := range m.partnerWatches {
			if !reflect.DeepEqual([]controlfunction.Predicate(pw.filter), []controlfunction.Predicate(e.Filter)) {
				continue
			}
			if e.Lost {
				pw.address = nil
				continue
			}
			addr := e.Resolved.Address
			pw.address = &addr
		}
	})
	return m
}

// OnPartner declares filter as a standing partner subscription and registers
// fn to be invoked with every Message whose source currently resolves that
// filter (spec §4.3's Partnered control function kind). fn keeps receiving
// messages across re-resolution (the partner re-claiming a different
// address) without needing to re-subscribe.
func (m *Manager) OnPartner(filter controlfunction.NameFilter, fn asyncutil.Listener[j1939.Message]) asyncutil.Handle {
	pw := &partnerWatch{filter: filter}
	if cf, ok := m.registry.DeclarePartner(filter); ok {
		addr := cf.Address
		pw.address = &addr
	}
	m.partnerWatches = append(m.partnerWatches, pw)
	return pw.listener.AddListener(fn)
}

// Registry exposes the Control Function Registry for read-only queries
// (e.g. resolving a partner's current address from an application thread).
func (m *Manager) Registry() *controlfunction.Registry { return m.registry }

// OnError registers a listener for failures the Manager cannot return
// synchronously (spec §7): session timeouts, peer aborts and protocol
// violations, sessions dropped because their peer's address was claimed by
// a different NAME or reaped, ErrQueueFull when session frames do not fit
// the outbound queue, and an Internal CF's lost address contention. Bus
// write failures are not reported: the Manager never writes to the HAL
// itself, Tick hands its frames to the caller.
func (m *Manager) OnError(fn asyncutil.Listener[error]) asyncutil.Handle {
	return m.errorListeners.AddListener(fn)
}

// OnMessage registers a global callback invoked for every dispatched
// Message regardless of PGN (spec §4.7 step 4b).
func (m *Manager) OnMessage(fn asyncutil.Listener[j1939.Message]) asyncutil.Handle {
	return m.globalCallbacks.AddListener(fn)
}

// OnPGN registers a callback invoked only for messages with the given PGN
// (spec §4.7 step 4a).
func (m *Manager) OnPGN(pgn uint32, fn asyncutil.Listener[j1939.Message]) asyncutil.Handle {
	d, ok := m.pgnCallbacks[pgn]
	if !ok {
		d = &asyncutil.EventDispatcher[j1939.Message]{}
		m.pgnCallbacks[pgn] = d
	}
	return d.AddListener(fn)
}

// enqueue adds a command to run on the tick goroutine; this is the only way
// application threads mutate Manager state (spec §5, §9 Open Question 2).
func (m *Manager) enqueue(fn func(*Manager)) {
	for !m.cmdQueue.Push(fn) {
		// Bounded spin-with-yield per spec §5; the command queue is sized
		// generously (256) so this only engages under pathological load.
		time.Sleep(time.Microsecond)
	}
}

// RegisterInternalCF declares name as an Internal CF seeking preferred,
// starting its Address Claim state machine. Safe to call from any
// goroutine; the actual registration happens on the next Tick.
func (m *Manager) RegisterInternalCF(name j1939.Name, preferred uint8, arbitraryCapable bool) {
	m.enqueue(func(m *Manager) {
		if _, exists := m.internal[name]; exists {
			return
		}
		bus := &claimBus{mgr: m, priority: j1939.DefaultPriority6}
		sm := controlfunction.NewAddressClaim(name, preferred, arbitraryCapable, m.cfg, m.registry, bus, m.log)
		m.internal[name] = sm
		m.publishAddrCache()
	})
}

// addressResult is the snapshot AddressOf reads out of addrCache.
type addressResult struct {
	addr    uint8
	claimed bool
}

// publishAddrCache rebuilds addrCache from m.internal. Must run on the tick
// goroutine (it reads m.internal directly); called once per Tick and once
// whenever RegisterInternalCF adds a new Internal CF, so AddressOf never
// waits longer than the next tick to see a just-registered CF.
func (m *Manager) publishAddrCache() {
	next := make(map[j1939.Name]addressResult, len(m.internal))
	for name, sm := range m.internal {
		next[name] = addressResult{addr: sm.Address(), claimed: sm.State() == controlfunction.StateAddressClaimed}
	}
	m.addrMu.Lock()
	m.addrCache = next
	m.addrMu.Unlock()
}

// AddressOf returns the address an Internal CF currently holds (or has most
// recently attempted), and whether it has completed claiming. Safe to call
// from any goroutine, including the one driving Tick: it reads a snapshot
// refreshed once per Tick under addrMu rather than touching m.internal
// directly, which is tick-goroutine-owned (spec §5, §9 Open Question 2).
func (m *Manager) AddressOf(name j1939.Name) (addr uint8, claimed bool) {
	m.addrMu.RLock()
	defer m.addrMu.RUnlock()
	result := m.addrCache[name]
	return result.addr, result.claimed
}

// Send enqueues msg for transmission: a single-frame fast path for payloads
// of 8 bytes or fewer, or a new TP/ETP session for anything larger (spec
// §4.7 TX path).
func (m *Manager) Send(msg j1939.Message) error {
	if len(msg.Data) <= 8 {
		id, err := j1939.EncodeIdentifier(msg.Priority, msg.PGN, msg.Destination, msg.Source)
		if err != nil {
			return err
		}
		// time.Now(), not m.now(): m.now is reassigned every Tick on the
		// tick goroutine (spec §5 single-writer invariant), and Send is
		// called from application goroutines.
		if !m.txQueue.Push(buildTXFrame(time.Now(), id, msg.Data)) {
			return j1939.ErrQueueFull
		}
		return nil
	}

	resultCh := make(chan error, 1)
	m.enqueue(func(m *Manager) { resultCh <- m.openSendSession(msg) })
	return <-resultCh
}

func (m *Manager) openSendSession(msg j1939.Message) error {
	key := keyFor(msg.Source, msg.Destination)
	if _, busy := m.sessions[key]; busy {
		return j1939.ErrSessionLimitReached
	}
	if m.countSessions() >= m.cfg.MaxTransportSessions {
		return j1939.ErrSessionLimitReached
	}

	now := m.now()
	var sess transport.Session
	var initial hal.Frame
	broadcast := msg.IsBroadcast()

	switch {
	case broadcast:
		sess, initial = transport.NewTPBAMSendSession(now, msg.PGN, msg.Source, msg.Priority, msg.Data)
	case len(msg.Data) <= transport.MaxSize:
		sess, initial = transport.NewTPSendSession(now, msg.PGN, msg.Source, msg.Destination, msg.Priority, msg.Data, m.log)
	case len(msg.Data) <= transport.ETPMaxSize:
		sess, initial = transport.NewETPSendSession(now, msg.PGN, msg.Source, msg.Destination, msg.Priority, msg.Data)
	default:
		return j1939.ErrInvalidArgument
	}

	m.sessions[key] = &openSession{sess: sess, opener: msg.Source, target: msg.Destination, isBroadcast: broadcast}
	if !m.txQueue.Push(initial) {
		delete(m.sessions, key)
		return j1939.ErrQueueFull
	}
	return nil
}

func (m *Manager) countSessions() int { return len(m.sessions) }

// HandleFrame processes one inbound CAN frame (spec §4.7 RX path). Safe to
// call only from the tick goroutine (an RX goroutine hands raw frames to
// the goroutine that drives Tick, as cmd/j1939dump and cmd/j1939node do,
// matching the three-thread model of spec §5).
func (m *Manager) HandleFrame(now time.Time, f hal.Frame) {
	id := j1939.DecodeIdentifier(f.ID)
	data := f.Payload()

	switch id.PGN {
	case j1939.PGNAddressClaimed:
		m.handleAddressClaimed(now, id, data)
		return
	case j1939.PGNRequest:
		m.handleRequest(now, id, data)
		return
	case j1939.PGNTPConnManage, j1939.PGNETPConnManage:
		m.routeCMFrame(now, id, data)
		return
	case j1939.PGNTPDataTransfer, j1939.PGNETPDataTransfer:
		m.routeDTFrame(now, id, data)
		return
	}

	msg := j1939.Message{Time: now, PGN: id.PGN, Priority: id.Priority, Source: id.Source, Destination: id.Destination, Data: append([]byte(nil), data...)}
	m.dispatchMessage(msg)
}

func (m *Manager) handleAddressClaimed(now time.Time, id j1939.Identifier, data []byte) {
	if len(data) != 8 {
		return
	}
	name := j1939.Name(binary.LittleEndian.Uint64(data))
	m.registry.ObserveClaim(id.Source, name, now)
	for _, sm := range m.internal {
		prev := sm.LastErr
		sm.HandleAddressClaimed(now, id.Source, name)
		if sm.LastErr != nil && sm.LastErr != prev {
			m.errorListeners.Invoke(sm.LastErr)
		}
	}
}

func (m *Manager) handleRequest(now time.Time, id j1939.Identifier, data []byte) {
	if len(data) < 3 {
		return
	}
	requested := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16
	if requested != j1939.PGNAddressClaimed {
		return
	}
	for _, sm := range m.internal {
		sm.HandleRequestForClaim(now)
	}
}

func (m *Manager) routeCMFrame(now time.Time, id j1939.Identifier, data []byte) {
	if len(data) < 1 {
		return
	}
	ctrl := data[0]
	body := data[1:]

	var key transport.Key
	switch ctrl {
	case ctrlTPRTS, ctrlTPBAM, ctrlETPRTS:
		key = keyFor(id.Source, id.Destination)
	case ctrlTPCTS, ctrlTPEoMA, ctrlETPCTS, ctrlETPDPO, ctrlETPEoMA, ctrlAbort:
		key = keyFor(id.Destination, id.Source)
	default:
		return
	}

	if os, ok := m.sessions[key]; ok {
		// A second RTS for a tuple that already has a live session is
		// rejected with Conn_Abort(reason=already-in-session) rather than
		// handed to the existing session, which would silently ignore it
		// (spec §4.5).
		if cmPGN, isOpener := openerAbortPGN(ctrl); isOpener {
			var innerPGN uint32
			if len(body) >= 7 {
				innerPGN = readPGN3(body[4:7])
			}
			m.txQueue.Push(transport.AbortFrame(now, innerPGN, id.Destination, id.Source, j1939.AbortAlreadyInSession, cmPGN, id.Priority))
			return
		}

		frames, done := os.sess.HandleFrame(now, ctrl, body)
		m.enqueueFrames(frames)
		if done {
			m.finishSession(key, os)
		}
		return
	}

	// No existing session: only an opener frame may create one.
	switch ctrl {
	case ctrlTPRTS:
		innerPGN := readPGN3(body[4:7])
		sess, cts := transport.NewTPReceiveSession(now, innerPGN, id.Source, id.Destination, id.Priority, body)
		m.sessions[key] = &openSession{sess: sess, opener: id.Source, target: id.Destination}
		m.txQueue.Push(cts)
	case ctrlTPBAM:
		innerPGN := readPGN3(body[4:7])
		sess := transport.NewTPBAMReceiveSession(now, innerPGN, id.Source, id.Priority, body)
		m.sessions[key] = &openSession{sess: sess, opener: id.Source, target: j1939.AddressGlobal, isBroadcast: true}
	case ctrlETPRTS:
		innerPGN := readPGN3(body[4:7])
		sess, cts := transport.NewETPReceiveSession(now, innerPGN, id.Source, id.Destination, id.Priority, body)
		m.sessions[key] = &openSession{sess: sess, opener: id.Source, target: id.Destination}
		m.txQueue.Push(cts)
	}
}

func (m *Manager) routeDTFrame(now time.Time, id j1939.Identifier, data []byte) {
	key := keyFor(id.Source, id.Destination)
	os, ok := m.sessions[key]
	if !ok {
		return
	}
	frames, done := os.sess.HandleFrame(now, 0, data)
	m.enqueueFrames(frames)
	if done {
		m.finishSession(key, os)
	}
}

func (m *Manager) finishSession(key transport.Key, os *openSession) {
	delete(m.sessions, key)
	msg, err := os.sess.Result()
	if err != nil {
		m.errorListeners.Invoke(err)
		return
	}
	if msg != nil {
		m.dispatchMessage(*msg)
	}
}

func (m *Manager) dispatchMessage(msg j1939.Message) {
	if d, ok := m.pgnCallbacks[msg.PGN]; ok {
		d.Invoke(msg)
	}
	m.globalCallbacks.Invoke(msg)

	for _, pw := range m.partnerWatches {
		if pw.address != nil && *pw.address == msg.Source {
			pw.listener.Invoke(msg)
		}
	}
}

func (m *Manager) abortSessionsInvolving(address uint8) {
	for key, os := range m.sessions {
		if os.opener == address || os.target == address {
			m.errorListeners.Invoke(&j1939.SessionAbortError{PGN: 0, Reason: j1939.AbortOutOfResources})
			delete(m.sessions, key)
		}
	}
}

// Tick drains the command queue, advances every Internal CF's address claim
// state machine and every open session's timers, reaps stale External CFs,
// and returns whatever frames accumulated in the outbound queue so the
// caller can hand them to the HAL (spec §4.7, §5).
func (m *Manager) Tick(now time.Time) []hal.Frame {
	m.now = func() time.Time { return now }

	m.cmdQueue.DrainTo(func(fn func(*Manager)) bool {
		fn(m)
		return true
	})

	for _, sm := range m.internal {
		sm.Tick(now)
	}
	m.publishAddrCache()

	for key, os := range m.sessions {
		frames := os.sess.Tick(now)
		m.enqueueFrames(frames)
		if os.sess.Done() {
			m.finishSession(key, os)
		}
	}

	for _, addr := range m.registry.ReapExpired(now, m.cfg.ExternalCFTTL) {
		m.abortSessionsInvolving(addr)
	}

	var out []hal.Frame
	m.txQueue.DrainTo(func(f hal.Frame) bool {
		out = append(out, f)
		return true
	})
	return out
}

func (m *Manager) enqueueFrames(frames []hal.Frame) {
	for _, f := range frames {
		if !m.txQueue.Push(f) {
			m.errorListeners.Invoke(j1939.ErrQueueFull)
			return
		}
	}
}

func (m *Manager) enqueueTX(f hal.Frame) error {
	if !m.txQueue.Push(f) {
		return j1939.ErrQueueFull
	}
	return nil
}

func readPGN3(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// openerAbortPGN reports whether ctrl is a point-to-point opener frame (TP
// or ETP RTS) that warrants a Conn_Abort when it targets a tuple with a
// session already open, and which CM PGN the abort belongs on. A duplicate
// BAM carries no such reply: broadcast transfers have no ack channel (spec
// §4.5: a BAM receiver reassembles passively and sends nothing back).
func openerAbortPGN(ctrl byte) (cmPGN uint32, ok bool) {
	switch ctrl {
	case ctrlTPRTS:
		return j1939.PGNTPConnManage, true
	case ctrlETPRTS:
		return j1939.PGNETPConnManage, true
	default:
		return 0, false
	}
}

// buildTXFrame packs id/data into a hal.Frame, padding to 8 bytes with 0xFF
// per spec §6: "Unused payload bytes shall be 0xFF."
func buildTXFrame(now time.Time, id uint32, data []byte) hal.Frame {
	var f hal.Frame
	f.Time = now
	f.ID = id
	f.DLC = 8
	for i := range f.Data {
		if i < len(data) {
			f.Data[i] = data[i]
		} else {
			f.Data[i] = 0xFF
		}
	}
	return f
}

// claimBus adapts the Manager's outbound queue to controlfunction.Bus.
type claimBus struct {
	mgr      *Manager
	priority j1939.Priority
}

func (b *claimBus) SendAddressClaimed(name j1939.Name, address uint8) error {
	id, err := j1939.EncodeIdentifier(b.priority, j1939.PGNAddressClaimed, j1939.AddressGlobal, address)
	if err != nil {
		return err
	}
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, uint64(name))
	return b.mgr.enqueueTX(buildTXFrame(b.mgr.now(), id, data))
}

func (b *claimBus) SendRequestForAddressClaim() error {
	id, err := j1939.EncodeIdentifier(b.priority, j1939.PGNRequest, j1939.AddressGlobal, j1939.AddressNull)
	if err != nil {
		return err
	}
	data := []byte{byte(j1939.PGNAddressClaimed), byte(j1939.PGNAddressClaimed >> 8), byte(j1939.PGNAddressClaimed >> 16), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	return b.mgr.enqueueTX(buildTXFrame(b.mgr.now(), id, data))
}

func (b *claimBus) SendCannotClaim(name j1939.Name) error {
	id, err := j1939.EncodeIdentifier(b.priority, j1939.PGNAddressClaimed, j1939.AddressGlobal, j1939.AddressNull)
	if err != nil {
		return err
	}
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, uint64(name))
	return b.mgr.enqueueTX(buildTXFrame(b.mgr.now(), id, data))
}
