// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Aeris Works

// Package link supervises the serial connection to a particulate-matter
// sensor: device discovery, open/close lifecycle, attach/detach handling,
// auto-reconnect with backoff, liveness detection, and the decode pipeline
// feeding validated readings to the caller.
package link

import (
	"errors"
	"io"
)

// Open failure classes. Matched with errors.Is; implementations wrap the
// underlying driver error.
var (
	// ErrPermissionDenied is terminal for a connect attempt: the manager
	// logs it and returns to Disconnected without retrying the prompt.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrDeviceNotFound reports that the requested device is gone.
	ErrDeviceNotFound = errors.New("device not found")
)

// Device describes a serial device observed during a discovery scan.
// Devices are ephemeral: a scan rebuilds the list, but a re-observed path
// keeps its integer ID so reattachment can be matched.
type Device struct {
	ID           int
	Path         string
	Product      string
	Manufacturer string
}

// Conn is an open byte stream to a device.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// BusEventKind discriminates bus-level notifications
type BusEventKind int

// Bus event kinds
const (
	DeviceAttached BusEventKind = iota
	DeviceDetached
)

// BusEvent is a device attach or detach notification.
type BusEvent struct {
	Kind   BusEventKind
	Device Device
}

// Transport is the underlying serial driver boundary: list, open, and
// bus-level attach/detach notifications. Inbound bytes and stream errors
// surface through the Conn returned by Open.
type Transport interface {
	// List scans for candidate sensor devices.
	List() ([]Device, error)

	// Open opens the device at the sensor's fixed serial parameters.
	// Fails with ErrPermissionDenied or ErrDeviceNotFound as appropriate.
	Open(dev Device) (Conn, error)

	// Events delivers attach/detach notifications for the bus.
	Events() <-chan BusEvent
}
