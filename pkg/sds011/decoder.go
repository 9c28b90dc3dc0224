// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Aeris Works

package sds011

import "time"

// Decode scans buf for the earliest valid frame and extracts a reading.
//
// Standard 10-byte frames take priority over the 20-byte Modified variant.
// The returned count is the number of bytes the caller should consume from
// the front of its buffer: everything up to and including the matched
// window. When no candidate validates, Decode returns ok=false with zero
// consumed; this is the expected common case on partial data and is not an
// error.
//
// A framing-valid window whose concentrations fail the plausibility guard
// is reported via dropped with ok=false and consumed covering the window's
// header byte, so the rejected window is never rescanned. Callers loop on
// consumed > 0 to reach any frame behind the rejected one.
func Decode(buf []byte) (r Reading, consumed, dropped int, ok bool) {
	r, consumed, dropped, ok = decodeStandard(buf)
	if ok || dropped > 0 {
		return r, consumed, dropped, ok
	}
	if r, consumed, ok = decodeModified(buf); ok {
		return r, consumed, 0, true
	}
	return Reading{}, 0, 0, false
}

// decodeStandard scans for a 10-byte AA...AB window.
//
// The checksum byte is deliberately not verified: field units ship frames
// whose checksum disagrees with the documented sum rule, and the
// plausibility guard is the effective acceptance filter.
func decodeStandard(buf []byte) (Reading, int, int, bool) {
	for i := 0; i+StandardFrameSize <= len(buf); i++ {
		if buf[i] != StandardHeader || buf[i+StandardFrameSize-1] != StandardTrailer {
			continue
		}
		frame := buf[i : i+StandardFrameSize]
		pm25 := float64(uint16(frame[2])|uint16(frame[3])<<8) / 10
		pm10 := float64(uint16(frame[4])|uint16(frame[5])<<8) / 10
		if !Plausible(pm25, pm10) {
			// Consume the bogus header only: later bytes of this window
			// may belong to a real frame starting inside it.
			return Reading{}, i + 1, 1, false
		}
		return Reading{
			PM25:      pm25,
			PM10:      pm10,
			Timestamp: time.Now(),
			Format:    FormatStandard,
		}, i + StandardFrameSize, 0, true
	}
	return Reading{}, 0, 0, false
}

// hypothesis is one candidate byte layout for the Modified frame payload.
type hypothesis struct {
	name    string
	extract func(frame []byte) (pm25, pm10 float64)
}

// The Modified format's payload placement is not contractually known (a
// firmware variant with duplicated framing), so extraction tries several
// layouts in fixed priority order and accepts the first plausible result.
// Best effort: callers must treat these readings as lower confidence.
var modifiedHypotheses = []hypothesis{
	{"direct", func(f []byte) (float64, float64) {
		return float64(f[2]), float64(f[3])
	}},
	{"tenths", func(f []byte) (float64, float64) {
		return float64(f[2]) / 10, float64(f[3]) / 10
	}},
	{"alternate", func(f []byte) (float64, float64) {
		return float64(f[4]), float64(f[6])
	}},
	{"le-pairs", func(f []byte) (float64, float64) {
		pm25 := float64(uint16(f[2])|uint16(f[3])<<8) / 10
		pm10 := float64(uint16(f[4])|uint16(f[5])<<8) / 10
		return pm25, pm10
	}},
}

// decodeModified scans for a 20-byte window carrying the 0A 0A start marker
// or the 0A 0B end marker at offsets 18-19. Either marker qualifies a
// candidate (recovery relaxation for mangled framing); both missing
// disqualifies it.
func decodeModified(buf []byte) (Reading, int, bool) {
	for i := 0; i+ModifiedFrameSize <= len(buf); i++ {
		frame := buf[i : i+ModifiedFrameSize]
		startOK := frame[0] == ModifiedMarker && frame[1] == ModifiedMarker
		endOK := frame[18] == ModifiedMarker && frame[19] == ModifiedTrailer
		if !startOK && !endOK {
			continue
		}
		for _, h := range modifiedHypotheses {
			pm25, pm10 := h.extract(frame)
			if !Plausible(pm25, pm10) {
				continue
			}
			return Reading{
				PM25:      pm25,
				PM10:      pm10,
				Timestamp: time.Now(),
				Format:    FormatModified,
			}, i + ModifiedFrameSize, true
		}
	}
	return Reading{}, 0, false
}
