// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Aeris Works

package link

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/aerisworks/dustmon/pkg/sds011"
)

// State is the connection lifecycle state
type State int

// Connection states
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the human-readable name for a state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Recovery policy timing.
const (
	// livenessInterval is the period of the liveness check while connected.
	livenessInterval = 5 * time.Second

	// staleAfter defines a stale link: no inbound bytes for this long.
	// A stale tick sends an explicit probe rather than failing outright.
	staleAfter = 15 * time.Second

	// livenessFailureLimit is the consecutive-failure count that
	// escalates to Reconnecting.
	livenessFailureLimit = 2

	// reconnectBackoff delays a retry after a failed open.
	reconnectBackoff = 5 * time.Second

	// attachDebounce delays the device-list refresh after an attach
	// event, letting the bus stabilize.
	attachDebounce = 1500 * time.Millisecond

	// connectSettleDelay defers a connect attempt issued right after an
	// attach event.
	connectSettleDelay = time.Second
)

// Snapshot is the decode pipeline's contract with the presentation layer.
type Snapshot struct {
	PM25       float64
	PM10       float64
	AvgPM25    float64
	AvgPM10    float64
	Readings   int
	LastUpdate time.Time
	Format     sds011.Format
}

// Stats counts pipeline and transport activity for diagnostics.
type Stats struct {
	BytesReceived    uint64
	FramesDecoded    uint64
	StandardFrames   uint64
	ModifiedFrames   uint64
	ImplausibleDrops uint64
	TransportErrors  uint64
	Reconnects       uint64
}

// Option configures a Manager
type Option func(*Manager)

// WithClock injects the clock used for all timers. Defaults to the real
// clock; tests inject a fake one.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithAutoConnect enables or disables automatic connection to discovered
// devices. Enabled by default.
func WithAutoConnect(enabled bool) Option {
	return func(m *Manager) { m.autoConnect = enabled }
}

// WithOnReading registers the callback receiving each decoded reading
// snapshot. Called on the dispatch loop: keep it fast, and do not call
// Connect or Disconnect from inside it (those post to the loop the
// callback is blocking, which can deadlock against a full event queue).
func WithOnReading(fn func(Snapshot)) Option {
	return func(m *Manager) { m.onReading = fn }
}

// WithOnStateChange registers the callback receiving state transitions.
// Same restrictions as WithOnReading: runs on the dispatch loop and must
// not call back into the Manager.
func WithOnStateChange(fn func(State)) Option {
	return func(m *Manager) { m.onState = fn }
}

// WithDevicePath restricts the manager to a single device path instead of
// taking the first discovered sensor.
func WithDevicePath(path string) Option {
	return func(m *Manager) { m.devicePath = path }
}

// Manager supervises the serial link to the sensor. It owns the current
// state, every armed timer (each independently cancellable), the
// consecutive-error counter, the remembered device ID, and the per-session
// frame buffer and reading window.
//
// All mutation happens on the dispatch loop in Run; the exported getters
// are safe from any goroutine.
type Manager struct {
	transport   Transport
	clock       clockwork.Clock
	autoConnect bool
	devicePath  string
	onReading   func(Snapshot)
	onState     func(State)

	events chan event
	done   chan struct{}

	// Loop-owned session state. A session is one Connected period; its
	// buffer and read pump are never reused across reconnects.
	session      int
	conn         Conn
	current      Device
	buf          *sds011.FrameBuffer
	window       *sds011.Window
	lastRx       time.Time
	misses       int
	lastAttach   time.Time
	rememberedID int

	livenessTimer clockwork.Timer
	retryTimer    clockwork.Timer
	debounceTimer clockwork.Timer
	deferTimer    clockwork.Timer

	mu       sync.RWMutex // guards state, stats, lastSnap for external readers
	state    State
	stats    Stats
	lastSnap Snapshot
	hasSnap  bool
}

// NewManager creates a manager over the given transport
func NewManager(t Transport, opts ...Option) *Manager {
	m := &Manager{
		transport:    t,
		clock:        clockwork.NewRealClock(),
		autoConnect:  true,
		events:       make(chan event, 32),
		done:         make(chan struct{}),
		rememberedID: -1,
		state:        StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run drives the dispatch loop until ctx is cancelled. One event is fully
// handled before the next is taken; this is the mutual exclusion model for
// all session state.
func (m *Manager) Run(ctx context.Context) {
	if m.autoConnect {
		m.handleEvent(evRefresh{})
	}
	for {
		select {
		case <-ctx.Done():
			m.cancelTimers()
			m.teardownSession()
			m.setState(StateDisconnected)
			close(m.done)
			return
		case ev := <-m.events:
			m.handleEvent(ev)
		case be := <-m.transport.Events():
			m.handleBus(be)
		}
	}
}

// Connect requests a connection to the first available device.
func (m *Manager) Connect() {
	m.post(evConnectRequest{deviceID: -1})
}

// Disconnect requests an explicit disconnect. Cancels any pending
// reconnect or debounce timers.
func (m *Manager) Disconnect() {
	m.post(evDisconnectRequest{})
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Stats returns a copy of the activity counters
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// LastSnapshot returns the most recent reading snapshot, if any.
func (m *Manager) LastSnapshot() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSnap, m.hasSnap
}

// post delivers an event to the dispatch loop without blocking a stopped
// manager.
func (m *Manager) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *Manager) handleEvent(ev event) {
	switch ev := ev.(type) {
	case evRefresh:
		m.handleRefresh()
	case evRetry:
		if m.autoConnect {
			m.handleRefresh()
		}
	case evConnectRequest:
		m.handleConnectRequest(ev.deviceID)
	case evDisconnectRequest:
		m.handleDisconnectRequest()
	case evData:
		m.handleData(ev)
	case evReadError:
		m.handleReadError(ev)
	case evLivenessTick:
		m.handleLivenessTick(ev)
	}
}

func (m *Manager) handleBus(ev BusEvent) {
	switch ev.Kind {
	case DeviceAttached:
		m.handleAttached(ev.Device)
	case DeviceDetached:
		m.handleDetached(ev.Device)
	}
}

// handleRefresh rescans the bus and, when auto-connect applies, attempts a
// connection to the remembered device or the first available one.
func (m *Manager) handleRefresh() {
	if s := m.State(); s == StateConnected || s == StateConnecting {
		return
	}
	devices, err := m.transport.List()
	if err != nil {
		log.Warn().Err(err).Msg("device scan failed")
		return
	}
	devices = filterByPath(devices, m.devicePath)
	log.Debug().Int("devices", len(devices)).Msg("device scan complete")
	if !m.autoConnect || len(devices) == 0 {
		return
	}
	m.tryConnect(pickDevice(devices, m.rememberedID))
}

// handleConnectRequest is an explicit connect: it bypasses the
// auto-connect policy gate but honors the attach settle delay.
func (m *Manager) handleConnectRequest(deviceID int) {
	if s := m.State(); s == StateConnected || s == StateConnecting {
		return
	}
	devices, err := m.transport.List()
	if err != nil {
		log.Warn().Err(err).Msg("device scan failed")
		return
	}
	devices = filterByPath(devices, m.devicePath)
	if len(devices) == 0 {
		log.Info().Msg("no devices available")
		return
	}
	want := deviceID
	if want < 0 {
		want = m.rememberedID
	}
	m.tryConnect(pickDevice(devices, want))
}

// filterByPath narrows a scan to a configured device path. An empty path
// keeps everything.
func filterByPath(devices []Device, path string) []Device {
	if path == "" {
		return devices
	}
	out := devices[:0]
	for _, d := range devices {
		if d.Path == path {
			out = append(out, d)
		}
	}
	return out
}

// pickDevice prefers the device with the wanted ID, falling back to the
// first available.
func pickDevice(devices []Device, wantID int) Device {
	if wantID >= 0 {
		for _, d := range devices {
			if d.ID == wantID {
				return d
			}
		}
	}
	return devices[0]
}

// tryConnect opens dev, deferring briefly when the attempt lands within
// the settle window after an attach event.
func (m *Manager) tryConnect(dev Device) {
	if !m.lastAttach.IsZero() && m.clock.Since(m.lastAttach) < connectSettleDelay {
		log.Debug().Str("path", dev.Path).Msg("bus settling, deferring connect attempt")
		m.armDefer(dev.ID)
		return
	}
	m.connect(dev)
}

func (m *Manager) connect(dev Device) {
	m.cancelRetry()
	m.setState(StateConnecting)

	conn, err := m.transport.Open(dev)
	if err != nil {
		m.bumpTransportErrors()
		if errors.Is(err, ErrPermissionDenied) {
			// Terminal for this attempt: never re-prompt automatically.
			log.Error().Err(err).Str("path", dev.Path).Msg("permission denied")
			m.setState(StateDisconnected)
			return
		}
		log.Warn().Err(err).Str("path", dev.Path).Msg("open failed")
		m.setState(StateDisconnected)
		if m.autoConnect {
			m.armRetry(reconnectBackoff)
		}
		return
	}

	m.session++
	m.conn = conn
	m.current = dev
	m.rememberedID = -1
	m.buf = sds011.NewFrameBuffer()
	m.window = sds011.NewWindow()
	m.lastRx = m.clock.Now()
	m.misses = 0
	m.setState(StateConnected)
	m.armLiveness()

	go m.readLoop(m.session, conn)

	log.Info().Str("path", dev.Path).Str("product", dev.Product).Msg("sensor connected")
}

func (m *Manager) handleDisconnectRequest() {
	m.cancelTimers()
	m.teardownSession()
	m.rememberedID = -1
	m.setState(StateDisconnected)
}

// handleData feeds received bytes through the decode pipeline. Stale
// sessions are dropped: a new session never shares a buffer with a prior
// read pump.
func (m *Manager) handleData(ev evData) {
	if ev.session != m.session || m.State() != StateConnected {
		return
	}

	m.mu.Lock()
	m.stats.BytesReceived += uint64(len(ev.bytes))
	m.mu.Unlock()

	m.lastRx = m.clock.Now()
	m.misses = 0
	m.buf.Append(ev.bytes)

	for {
		r, consumed, dropped, ok := sds011.Decode(m.buf.Snapshot())
		if dropped > 0 {
			m.mu.Lock()
			m.stats.ImplausibleDrops += uint64(dropped)
			m.mu.Unlock()
			log.Debug().Int("dropped", dropped).Msg("implausible reading discarded")
		}
		if !ok {
			if consumed > 0 {
				// A rejected window was consumed; rescan what follows it.
				m.buf.Consume(consumed)
				continue
			}
			// No frame yet; wait for more bytes.
			return
		}
		m.buf.Consume(consumed)

		current, avg25, avg10 := m.window.Push(r)
		snap := Snapshot{
			PM25:       current.PM25,
			PM10:       current.PM10,
			AvgPM25:    avg25,
			AvgPM10:    avg10,
			Readings:   m.window.Count(),
			LastUpdate: current.Timestamp,
			Format:     current.Format,
		}

		m.mu.Lock()
		m.stats.FramesDecoded++
		if r.Format == sds011.FormatStandard {
			m.stats.StandardFrames++
		} else {
			m.stats.ModifiedFrames++
		}
		m.lastSnap = snap
		m.hasSnap = true
		m.mu.Unlock()

		if m.onReading != nil {
			m.onReading(snap)
		}
	}
}

func (m *Manager) handleReadError(ev evReadError) {
	if ev.session != m.session || m.State() != StateConnected {
		return
	}
	log.Warn().Err(ev.err).Msg("transport read error")
	m.bumpTransportErrors()
	m.misses++
	if m.misses >= livenessFailureLimit {
		m.beginReconnect()
	}
}

// handleLivenessTick evaluates link liveness. A stale link (no inbound
// bytes for staleAfter) counts one failure and fires an explicit read
// probe; reaching the consecutive-failure limit escalates to Reconnecting.
func (m *Manager) handleLivenessTick(ev evLivenessTick) {
	if ev.session != m.session || m.State() != StateConnected {
		return
	}

	if m.clock.Since(m.lastRx) >= staleAfter {
		m.misses++
		log.Debug().Int("misses", m.misses).Msg("liveness check failed, probing sensor")
		if _, err := m.conn.Write(sds011.EncodeCommand(sds011.CommandRead)); err != nil {
			log.Warn().Err(err).Msg("liveness probe failed")
			m.bumpTransportErrors()
		}
		if m.misses >= livenessFailureLimit {
			m.beginReconnect()
			return
		}
	} else {
		// Liveness confirmed; the consecutive counter starts over.
		m.misses = 0
	}

	m.armLiveness()
}

func (m *Manager) handleAttached(dev Device) {
	m.lastAttach = m.clock.Now()
	s := m.State()
	if s != StateDisconnected && s != StateReconnecting {
		return
	}
	log.Info().Str("path", dev.Path).Msg("device attached, scheduling rescan")
	m.armDebounce()
}

func (m *Manager) handleDetached(dev Device) {
	if m.State() != StateConnected || dev.ID != m.current.ID {
		return
	}
	log.Warn().Str("path", dev.Path).Msg("sensor detached")
	m.beginReconnect()
}

// beginReconnect tears the session down and waits for the device to come
// back, remembering its ID so a matching reattachment is preferred.
func (m *Manager) beginReconnect() {
	m.mu.Lock()
	m.stats.Reconnects++
	m.mu.Unlock()

	m.rememberedID = m.current.ID
	m.teardownSession()
	m.setState(StateReconnecting)
	if m.autoConnect {
		m.armRetry(reconnectBackoff)
	}
}

// teardownSession closes the transport handle and discards the session's
// buffer. Safe to call on an already-torn-down session.
func (m *Manager) teardownSession() {
	m.cancelLiveness()
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			log.Debug().Err(err).Msg("close failed")
		}
		m.conn = nil
	}
	m.buf = nil
	m.window = nil
	m.misses = 0
}

// readLoop pumps inbound bytes into the dispatch loop. It exits on the
// first read error; the error event carries the session so a stale pump
// can never poison a newer session.
func (m *Manager) readLoop(session int, conn Conn) {
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			m.post(evData{session: session, bytes: data})
		}
		if err != nil {
			m.post(evReadError{session: session, err: err})
			return
		}
	}
}

// Timer management. Each timer is independently cancellable; arming an
// already-armed timer replaces it.

func (m *Manager) armLiveness() {
	m.cancelLiveness()
	session := m.session
	m.livenessTimer = m.clock.AfterFunc(livenessInterval, func() {
		m.post(evLivenessTick{session: session})
	})
}

func (m *Manager) cancelLiveness() {
	if m.livenessTimer != nil {
		m.livenessTimer.Stop()
		m.livenessTimer = nil
	}
}

func (m *Manager) armRetry(d time.Duration) {
	m.cancelRetry()
	m.retryTimer = m.clock.AfterFunc(d, func() {
		m.post(evRetry{})
	})
}

func (m *Manager) cancelRetry() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// armDebounce schedules the post-attach rescan. A newer attach event
// replaces a pending one, so a burst of attachments yields one rescan.
func (m *Manager) armDebounce() {
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	m.debounceTimer = m.clock.AfterFunc(attachDebounce, func() {
		m.post(evRefresh{})
	})
}

func (m *Manager) armDefer(deviceID int) {
	if m.deferTimer != nil {
		m.deferTimer.Stop()
	}
	m.deferTimer = m.clock.AfterFunc(connectSettleDelay, func() {
		m.post(evConnectRequest{deviceID: deviceID})
	})
}

func (m *Manager) cancelTimers() {
	m.cancelLiveness()
	m.cancelRetry()
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
		m.debounceTimer = nil
	}
	if m.deferTimer != nil {
		m.deferTimer.Stop()
		m.deferTimer = nil
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()

	if changed {
		log.Info().Stringer("state", s).Msg("link state changed")
		if m.onState != nil {
			m.onState(s)
		}
	}
}

func (m *Manager) bumpTransportErrors() {
	m.mu.Lock()
	m.stats.TransportErrors++
	m.mu.Unlock()
}
