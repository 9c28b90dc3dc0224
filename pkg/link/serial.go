// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Aeris Works

package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// The sensor speaks at fixed parameters: 9600 baud, 8 data bits, no
// parity, one stop bit.
var sensorMode = &serial.Mode{
	BaudRate: 9600,
	DataBits: 8,
	Parity:   serial.NoParity,
	StopBits: serial.OneStopBit,
}

// watchInterval is how often the port set is re-enumerated to synthesize
// attach/detach events. The serial stack exposes no hotplug notifications,
// so the bus is diffed by polling.
const watchInterval = 2 * time.Second

// usbManufacturers maps the common USB-serial bridge vendors these sensors
// ship with. Enumeration does not expose a manufacturer string directly.
var usbManufacturers = map[string]string{
	"1A86": "QinHeng Electronics",
	"10C4": "Silicon Labs",
	"0403": "FTDI",
}

// SerialTransport implements Transport on top of go.bug.st/serial.
type SerialTransport struct {
	events chan BusEvent

	mu     sync.Mutex
	ids    map[string]int // path -> stable device id
	nextID int
	known  map[string]Device // last observed port set, by path
}

// NewSerialTransport creates a transport over the host's USB serial ports
func NewSerialTransport() *SerialTransport {
	return &SerialTransport{
		events: make(chan BusEvent, 16),
		ids:    make(map[string]int),
		known:  make(map[string]Device),
	}
}

// List scans for USB serial devices. Re-observed paths keep their ID so a
// reattached sensor can be matched against a remembered device.
func (t *SerialTransport) List() ([]Device, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	devices := make([]Device, 0, len(details))
	for _, d := range details {
		if !d.IsUSB {
			continue
		}
		devices = append(devices, t.deviceForLocked(d))
	}
	return devices, nil
}

// deviceForLocked builds a Device for a port, assigning a stable ID on
// first observation. Caller holds t.mu.
func (t *SerialTransport) deviceForLocked(d *enumerator.PortDetails) Device {
	id, seen := t.ids[d.Name]
	if !seen {
		id = t.nextID
		t.nextID++
		t.ids[d.Name] = id
	}
	return Device{
		ID:           id,
		Path:         d.Name,
		Product:      d.Product,
		Manufacturer: usbManufacturers[d.VID],
	}
}

// Open opens the device at the sensor's fixed serial parameters
func (t *SerialTransport) Open(dev Device) (Conn, error) {
	port, err := serial.Open(dev.Path, sensorMode)
	if err != nil {
		return nil, mapPortError(dev.Path, err)
	}
	return &serialConn{port: port}, nil
}

// Events delivers the attach/detach notifications synthesized by Watch
func (t *SerialTransport) Events() <-chan BusEvent {
	return t.events
}

// Watch polls the enumerator and emits attach/detach events for port-set
// changes until ctx is cancelled. Run it in its own goroutine.
func (t *SerialTransport) Watch(ctx context.Context) {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	t.diff()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.diff()
		}
	}
}

// diff re-enumerates the bus and emits events for appeared/vanished ports.
func (t *SerialTransport) diff() {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		log.Warn().Err(err).Msg("serial enumeration failed")
		return
	}

	t.mu.Lock()
	current := make(map[string]Device, len(details))
	for _, d := range details {
		if !d.IsUSB {
			continue
		}
		current[d.Name] = t.deviceForLocked(d)
	}

	var attached, detached []Device
	for path, dev := range current {
		if _, ok := t.known[path]; !ok {
			attached = append(attached, dev)
		}
	}
	for path, dev := range t.known {
		if _, ok := current[path]; !ok {
			detached = append(detached, dev)
		}
	}
	t.known = current
	t.mu.Unlock()

	for _, dev := range attached {
		log.Debug().Str("path", dev.Path).Msg("device attached")
		t.emit(BusEvent{Kind: DeviceAttached, Device: dev})
	}
	for _, dev := range detached {
		log.Debug().Str("path", dev.Path).Msg("device detached")
		t.emit(BusEvent{Kind: DeviceDetached, Device: dev})
	}
}

// emit drops events if nobody is consuming fast enough; a coalesced
// refresh sees the same state on its next scan.
func (t *SerialTransport) emit(ev BusEvent) {
	select {
	case t.events <- ev:
	default:
	}
}

// mapPortError translates driver error codes into the transport's open
// failure classes.
func mapPortError(path string, err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PermissionDenied:
			return fmt.Errorf("%s: %w: %v", path, ErrPermissionDenied, err)
		case serial.PortNotFound:
			return fmt.Errorf("%s: %w: %v", path, ErrDeviceNotFound, err)
		}
	}
	return fmt.Errorf("failed to open %s: %w", path, err)
}

// serialConn adapts a serial.Port to the Conn interface.
type serialConn struct {
	port serial.Port
}

func (s *serialConn) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *serialConn) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *serialConn) Close() error {
	return s.port.Close()
}
