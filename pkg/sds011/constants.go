// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Aeris Works

// Package sds011 implements the wire protocol of the SDS011 family of
// particulate-matter sensors.
//
// The package covers the documented 10-byte measurement frame, a 20-byte
// variant emitted by some firmware revisions, and the 20-byte outbound
// command frame. Decoding is a pure scan over a caller-owned byte buffer;
// link management lives in pkg/link.
package sds011

// Standard frame (10 bytes): AA C0 <pm2.5 lo hi> <pm10 lo hi> <id id> <sum> AB
const (
	StandardHeader    = 0xAA
	StandardTrailer   = 0xAB
	StandardFrameSize = 10
)

// Modified frame (20 bytes): observed firmware variant with duplicated
// framing. Start marker 0A 0A, end marker 0A 0B at offsets 18-19. The
// payload placement is not contractually fixed; see decoder.go.
const (
	ModifiedMarker    = 0x0A
	ModifiedTrailer   = 0x0B
	ModifiedFrameSize = 20
)

// Command frame (20 bytes): AA B4 <type> <arg> <12 zero bytes> FF FF <sum> AB
const (
	CommandHeader    = 0xAA
	CommandClass     = 0xB4
	CommandTrailer   = 0xAB
	CommandFrameSize = 20

	// Broadcast device id, bytes 16-17.
	DeviceIDBroadcast = 0xFF
)

// Command type/argument bytes.
const (
	cmdTypeSleepWake = 0x06
	cmdTypeQuery     = 0x04

	cmdArgWake  = 0x01
	cmdArgSleep = 0x00
	cmdArgNone  = 0x00
)

// MaxConcentration is the exclusive upper bound of the plausibility guard.
// Concentrations are accepted in [0, 1000) ug/m3; anything outside is a
// garbage decode, not a measurement.
const MaxConcentration = 1000.0

// BufferCeiling bounds an undecodable FrameBuffer. When exceeded the buffer
// is trimmed back to the final ModifiedFrameSize bytes.
const BufferCeiling = 10 * ModifiedFrameSize
