// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Aeris Works
//
// Dustmon - Particulate-Matter Sensor Monitor
//
// A CLI tool for reading, decoding, and monitoring PM2.5/PM10 measurements
// from SDS011-family sensors over a USB serial bridge.

package main

import (
	"os"

	"github.com/aerisworks/dustmon/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
