// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Aeris Works

package link

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerisworks/dustmon/pkg/sds011"
)

// fakeConn is a scripted byte stream. Read blocks until bytes are queued
// or the conn is closed.
type fakeConn struct {
	mu         sync.Mutex
	wrote      [][]byte
	writeErr   error
	closeCount int
	rx         chan []byte
	closed     chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		rx:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(p []byte) (int, error) {
	select {
	case data := <-c.rx:
		return copy(p, data), nil
	case <-c.closed:
		return 0, io.ErrClosedPipe
	}
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	data := make([]byte, len(p))
	copy(data, p)
	c.wrote = append(c.wrote, data)
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	if c.closeCount == 1 {
		close(c.closed)
	}
	return nil
}

func (c *fakeConn) closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

func (c *fakeConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.wrote))
	copy(out, c.wrote)
	return out
}

// fakeTransport is a scripted Transport.
type fakeTransport struct {
	mu        sync.Mutex
	devices   []Device
	listErr   error
	openErr   error
	listCalls int
	opened    []Device
	conns     []*fakeConn
	events    chan BusEvent
}

func newFakeTransport(devices ...Device) *fakeTransport {
	return &fakeTransport{
		devices: devices,
		events:  make(chan BusEvent, 16),
	}
}

func (t *fakeTransport) List() ([]Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listCalls++
	if t.listErr != nil {
		return nil, t.listErr
	}
	out := make([]Device, len(t.devices))
	copy(out, t.devices)
	return out, nil
}

func (t *fakeTransport) Open(dev Device) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openErr != nil {
		return nil, t.openErr
	}
	t.opened = append(t.opened, dev)
	conn := newFakeConn()
	t.conns = append(t.conns, conn)
	return conn, nil
}

func (t *fakeTransport) Events() <-chan BusEvent {
	return t.events
}

func (t *fakeTransport) lists() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listCalls
}

func (t *fakeTransport) openedDevices() []Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Device, len(t.opened))
	copy(out, t.opened)
	return out
}

func (t *fakeTransport) lastConn(tb testing.TB) *fakeConn {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	require.NotEmpty(tb, t.conns, "no connection was opened")
	return t.conns[len(t.conns)-1]
}

// recvEvent waits for the next event posted by a timer or read pump so a
// test can dispatch it deterministically.
func recvEvent(t *testing.T, m *Manager) event {
	t.Helper()
	select {
	case ev := <-m.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
		return nil
	}
}

// pumpOne dispatches the next posted event.
func pumpOne(t *testing.T, m *Manager) {
	t.Helper()
	m.handleEvent(recvEvent(t, m))
}

// pumpUntil dispatches posted events until cond holds. Needed where a
// torn-down session's read pump races its final error event against a
// timer fire.
func pumpUntil(t *testing.T, m *Manager, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-deadline:
			t.Fatal("condition not reached")
		}
	}
}

func newTestManager(t *testing.T, ft *fakeTransport, opts ...Option) (*Manager, *clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClock()
	opts = append([]Option{WithClock(fc)}, opts...)
	return NewManager(ft, opts...), fc
}

func TestManager_AutoConnectOnDiscovery(t *testing.T) {
	ft := newFakeTransport(Device{ID: 0, Path: "/dev/ttyUSB0", Product: "USB2.0-Serial"})
	m, _ := newTestManager(t, ft)

	m.handleEvent(evRefresh{})

	require.Equal(t, StateConnected, m.State())
	opened := ft.openedDevices()
	require.Len(t, opened, 1)
	assert.Equal(t, "/dev/ttyUSB0", opened[0].Path)
}

func TestManager_NoAutoConnectWhenDisabled(t *testing.T) {
	ft := newFakeTransport(Device{ID: 0, Path: "/dev/ttyUSB0"})
	m, _ := newTestManager(t, ft, WithAutoConnect(false))

	m.handleEvent(evRefresh{})

	assert.Equal(t, StateDisconnected, m.State())
	assert.Empty(t, ft.openedDevices())
}

func TestManager_ExplicitConnectIgnoresPolicy(t *testing.T) {
	ft := newFakeTransport(Device{ID: 0, Path: "/dev/ttyUSB0"})
	m, _ := newTestManager(t, ft, WithAutoConnect(false))

	m.handleEvent(evConnectRequest{deviceID: -1})

	assert.Equal(t, StateConnected, m.State())
	assert.Len(t, ft.openedDevices(), 1)
}

func TestManager_OpenFailureSchedulesRetry(t *testing.T) {
	ft := newFakeTransport(Device{ID: 0, Path: "/dev/ttyUSB0"})
	ft.openErr = errors.New("port busy")
	m, fc := newTestManager(t, ft)

	m.handleEvent(evRefresh{})
	require.Equal(t, StateDisconnected, m.State())
	require.Equal(t, 1, ft.lists())

	// Device recovers before the backoff fires.
	ft.mu.Lock()
	ft.openErr = nil
	ft.mu.Unlock()

	fc.Advance(reconnectBackoff)
	pumpOne(t, m)

	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 2, ft.lists())
}

func TestManager_PermissionDeniedIsTerminal(t *testing.T) {
	ft := newFakeTransport(Device{ID: 0, Path: "/dev/ttyUSB0"})
	ft.openErr = fmt.Errorf("/dev/ttyUSB0: %w", ErrPermissionDenied)
	m, fc := newTestManager(t, ft)

	m.handleEvent(evRefresh{})

	require.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, uint64(1), m.Stats().TransportErrors)

	// No retry timer may have been armed.
	fc.Advance(time.Minute)
	assert.Empty(t, m.events)
	assert.Equal(t, 1, ft.lists())
}

func TestManager_LivenessEscalation(t *testing.T) {
	ft := newFakeTransport(Device{ID: 0, Path: "/dev/ttyUSB0"})
	m, fc := newTestManager(t, ft)

	m.handleEvent(evRefresh{})
	require.Equal(t, StateConnected, m.State())
	conn := ft.lastConn(t)

	// Two ticks inside the stale window: checks pass, nothing sent.
	for i := 0; i < 2; i++ {
		fc.Advance(livenessInterval)
		pumpOne(t, m)
	}
	require.Equal(t, StateConnected, m.State())
	require.Empty(t, conn.writes())

	// Third tick: 15s without bytes. First failure, probe goes out.
	fc.Advance(livenessInterval)
	pumpOne(t, m)
	require.Equal(t, StateConnected, m.State())
	writes := conn.writes()
	require.Len(t, writes, 1)
	assert.Equal(t, sds011.EncodeCommand(sds011.CommandRead), writes[0])

	// Fourth tick: second consecutive failure escalates.
	fc.Advance(livenessInterval)
	pumpOne(t, m)
	assert.Equal(t, StateReconnecting, m.State())
	assert.Equal(t, 1, conn.closes(), "transport must be closed exactly once")
	assert.Equal(t, uint64(1), m.Stats().Reconnects)
}

func TestManager_InboundDataResetsLiveness(t *testing.T) {
	ft := newFakeTransport(Device{ID: 0, Path: "/dev/ttyUSB0"})
	m, fc := newTestManager(t, ft)

	m.handleEvent(evRefresh{})
	require.Equal(t, StateConnected, m.State())

	// Stale once (one miss), then bytes arrive.
	for i := 0; i < 3; i++ {
		fc.Advance(livenessInterval)
		pumpOne(t, m)
	}
	require.Equal(t, 1, m.misses)

	m.handleEvent(evData{session: m.session, bytes: []byte{0x00}})
	require.Equal(t, 0, m.misses)

	// The next stale period starts over from the new lastRx.
	fc.Advance(livenessInterval)
	pumpOne(t, m)
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 0, m.misses)
}

func TestManager_ReadingPipeline(t *testing.T) {
	ft := newFakeTransport(Device{ID: 0, Path: "/dev/ttyUSB0"})
	var snaps []Snapshot
	m, _ := newTestManager(t, ft, WithOnReading(func(s Snapshot) {
		snaps = append(snaps, s)
	}))

	m.handleEvent(evRefresh{})
	require.Equal(t, StateConnected, m.State())

	frame := []byte{0xAA, 0x00, 0x2C, 0x01, 0x64, 0x00, 0x00, 0x00, 0x00, 0xAB}

	// Bytes arrive split across two notifications; the first half must
	// decode nothing.
	m.handleEvent(evData{session: m.session, bytes: frame[:6]})
	require.Empty(t, snaps)

	m.handleEvent(evData{session: m.session, bytes: frame[6:]})
	require.Len(t, snaps, 1)
	assert.InDelta(t, 30.0, snaps[0].PM25, 0.01)
	assert.InDelta(t, 10.0, snaps[0].PM10, 0.01)
	assert.Equal(t, 1, snaps[0].Readings)
	assert.Equal(t, sds011.FormatStandard, snaps[0].Format)

	last, ok := m.LastSnapshot()
	require.True(t, ok)
	assert.Equal(t, snaps[0], last)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.FramesDecoded)
	assert.Equal(t, uint64(1), stats.StandardFrames)
	assert.Equal(t, uint64(len(frame)), stats.BytesReceived)
}

func TestManager_ImplausibleReadingDropped(t *testing.T) {
	ft := newFakeTransport(Device{ID: 0, Path: "/dev/ttyUSB0"})
	var snaps []Snapshot
	m, _ := newTestManager(t, ft, WithOnReading(func(s Snapshot) {
		snaps = append(snaps, s)
	}))

	m.handleEvent(evRefresh{})
	require.Equal(t, StateConnected, m.State())

	// Framing-valid window with PM2.5 raw 0xFFFF (6553.5), followed by a
	// good frame. The bogus window is counted and discarded, never surfaced
	// as a reading, and the frame behind it still decodes.
	bogus := []byte{0xAA, 0x00, 0xFF, 0xFF, 0x64, 0x00, 0x00, 0x00, 0x00, 0xAB}
	good := []byte{0xAA, 0x00, 0x2C, 0x01, 0x64, 0x00, 0x00, 0x00, 0x00, 0xAB}

	m.handleEvent(evData{session: m.session, bytes: bogus})
	require.Empty(t, snaps)
	require.Equal(t, uint64(1), m.Stats().ImplausibleDrops)
	require.Equal(t, uint64(0), m.Stats().FramesDecoded)

	m.handleEvent(evData{session: m.session, bytes: good})
	require.Len(t, snaps, 1)
	assert.InDelta(t, 30.0, snaps[0].PM25, 0.01)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.ImplausibleDrops, "a drop is counted exactly once")
	assert.Equal(t, uint64(1), stats.FramesDecoded)
}

func TestManager_StaleSessionDataDropped(t *testing.T) {
	ft := newFakeTransport(Device{ID: 0, Path: "/dev/ttyUSB0"})
	m, _ := newTestManager(t, ft)

	m.handleEvent(evRefresh{})
	oldSession := m.session
	m.handleEvent(evDisconnectRequest{})

	// A stale pump delivering after teardown must not touch anything.
	m.handleEvent(evData{session: oldSession, bytes: []byte{0xAA}})
	assert.Equal(t, uint64(0), m.Stats().BytesReceived)
}

func TestManager_DetachRemembersDevice(t *testing.T) {
	devA := Device{ID: 0, Path: "/dev/ttyUSB0"}
	devB := Device{ID: 1, Path: "/dev/ttyUSB1"}
	ft := newFakeTransport(devA, devB)
	m, fc := newTestManager(t, ft)

	m.handleEvent(evRefresh{})
	require.Equal(t, StateConnected, m.State())
	require.Equal(t, devA.Path, ft.openedDevices()[0].Path)
	conn := ft.lastConn(t)

	m.handleBus(BusEvent{Kind: DeviceDetached, Device: devA})
	require.Equal(t, StateReconnecting, m.State())
	require.Equal(t, 1, conn.closes())
	require.Equal(t, devA.ID, m.rememberedID)

	// The same device reattaches; after the debounce the manager must
	// reconnect to it even though another device is listed first.
	ft.mu.Lock()
	ft.devices = []Device{devB, devA}
	ft.mu.Unlock()

	m.handleBus(BusEvent{Kind: DeviceAttached, Device: devA})
	fc.Advance(attachDebounce)
	pumpUntil(t, m, func() bool { return m.State() == StateConnected })

	require.Equal(t, StateConnected, m.State())
	opened := ft.openedDevices()
	require.Len(t, opened, 2)
	assert.Equal(t, devA.Path, opened[1].Path)
}

func TestManager_DetachOfOtherDeviceIgnored(t *testing.T) {
	devA := Device{ID: 0, Path: "/dev/ttyUSB0"}
	ft := newFakeTransport(devA)
	m, _ := newTestManager(t, ft)

	m.handleEvent(evRefresh{})
	require.Equal(t, StateConnected, m.State())

	m.handleBus(BusEvent{Kind: DeviceDetached, Device: Device{ID: 7, Path: "/dev/ttyUSB7"}})
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 0, ft.lastConn(t).closes())
}

func TestManager_AttachDebounceCoalesces(t *testing.T) {
	dev := Device{ID: 0, Path: "/dev/ttyUSB0"}
	ft := newFakeTransport()
	m, fc := newTestManager(t, ft)

	m.handleBus(BusEvent{Kind: DeviceAttached, Device: dev})
	fc.Advance(200 * time.Millisecond)
	m.handleBus(BusEvent{Kind: DeviceAttached, Device: dev})

	// Inside the first debounce window nothing fires: the second attach
	// replaced the first timer.
	fc.Advance(attachDebounce - 200*time.Millisecond)
	require.Empty(t, m.events)
	require.Equal(t, 0, ft.lists())

	fc.Advance(200 * time.Millisecond)
	pumpOne(t, m)
	assert.Equal(t, 1, ft.lists())
	require.Empty(t, m.events)
}

func TestManager_ConnectDeferredAfterAttach(t *testing.T) {
	dev := Device{ID: 0, Path: "/dev/ttyUSB0"}
	ft := newFakeTransport(dev)
	m, fc := newTestManager(t, ft, WithAutoConnect(false))

	m.handleBus(BusEvent{Kind: DeviceAttached, Device: dev})
	m.handleEvent(evConnectRequest{deviceID: -1})

	// Issued within the settle window: the open must not have happened.
	require.Empty(t, ft.openedDevices())

	fc.Advance(connectSettleDelay)
	pumpOne(t, m)

	assert.Equal(t, StateConnected, m.State())
	assert.Len(t, ft.openedDevices(), 1)
}

func TestManager_DisconnectCancelsPendingRetry(t *testing.T) {
	ft := newFakeTransport(Device{ID: 0, Path: "/dev/ttyUSB0"})
	ft.openErr = errors.New("port busy")
	m, fc := newTestManager(t, ft)

	m.handleEvent(evRefresh{})
	require.Equal(t, StateDisconnected, m.State())
	require.Equal(t, 1, ft.lists())

	m.handleEvent(evDisconnectRequest{})

	fc.Advance(time.Minute)
	assert.Empty(t, m.events, "cancelled backoff must not fire")
	assert.Equal(t, 1, ft.lists())
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	ft := newFakeTransport(Device{ID: 0, Path: "/dev/ttyUSB0"})
	m, _ := newTestManager(t, ft)

	m.handleEvent(evRefresh{})
	conn := ft.lastConn(t)

	m.handleEvent(evDisconnectRequest{})
	m.handleEvent(evDisconnectRequest{})

	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 1, conn.closes())
}

func TestManager_DevicePathFilter(t *testing.T) {
	devA := Device{ID: 0, Path: "/dev/ttyUSB0"}
	devB := Device{ID: 1, Path: "/dev/ttyUSB1"}
	ft := newFakeTransport(devA, devB)
	m, _ := newTestManager(t, ft, WithDevicePath("/dev/ttyUSB1"))

	m.handleEvent(evRefresh{})

	require.Equal(t, StateConnected, m.State())
	opened := ft.openedDevices()
	require.Len(t, opened, 1)
	assert.Equal(t, devB.Path, opened[0].Path)
}

func TestManager_ReadErrorsEscalate(t *testing.T) {
	ft := newFakeTransport(Device{ID: 0, Path: "/dev/ttyUSB0"})
	m, _ := newTestManager(t, ft)

	m.handleEvent(evRefresh{})
	require.Equal(t, StateConnected, m.State())
	conn := ft.lastConn(t)

	m.handleEvent(evReadError{session: m.session, err: errors.New("input/output error")})
	require.Equal(t, StateConnected, m.State())

	m.handleEvent(evReadError{session: m.session, err: errors.New("input/output error")})
	assert.Equal(t, StateReconnecting, m.State())
	assert.Equal(t, 1, conn.closes())
	assert.Equal(t, uint64(2), m.Stats().TransportErrors)
}
