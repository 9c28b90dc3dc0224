// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Aeris Works

package cmd

import (
	"fmt"

	"github.com/aerisworks/dustmon/pkg/link"
)

// openSensor resolves the target device (from --port, or the first USB
// serial device found) and opens it directly, without the supervising
// manager. Used by the one-shot commands.
func openSensor() (link.Conn, link.Device, error) {
	transport := link.NewSerialTransport()
	devices, err := transport.List()
	if err != nil {
		return nil, link.Device{}, err
	}

	var target *link.Device
	for i := range devices {
		if portPath == "" || devices[i].Path == portPath {
			target = &devices[i]
			break
		}
	}
	if target == nil {
		if portPath != "" {
			return nil, link.Device{}, fmt.Errorf("no USB serial device at %s", portPath)
		}
		return nil, link.Device{}, fmt.Errorf("no USB serial devices found")
	}

	conn, err := transport.Open(*target)
	if err != nil {
		return nil, link.Device{}, err
	}
	return conn, *target, nil
}
