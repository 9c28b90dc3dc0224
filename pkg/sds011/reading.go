// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Aeris Works

package sds011

import "time"

// Format identifies which wire layout a reading was decoded from.
type Format int

// Frame format values
const (
	FormatStandard Format = iota
	FormatModified
)

// String returns the human-readable name for a frame format
func (f Format) String() string {
	switch f {
	case FormatStandard:
		return "standard"
	case FormatModified:
		return "modified"
	default:
		return "unknown"
	}
}

// Reading is a single validated sensor measurement.
//
// Modified-format readings come from a heuristic extraction cascade and
// should be treated as lower confidence than Standard ones.
type Reading struct {
	PM25      float64 // ug/m3
	PM10      float64 // ug/m3
	Timestamp time.Time
	Format    Format
}

// Plausible reports whether a pair of concentrations passes the
// [0, MaxConcentration) acceptance range used to reject garbage decodes.
func Plausible(pm25, pm10 float64) bool {
	return pm25 >= 0 && pm25 < MaxConcentration &&
		pm10 >= 0 && pm10 < MaxConcentration
}
