// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Aeris Works

package sds011

import "fmt"

// FormatReading formats a reading into a human-readable log line
func FormatReading(r Reading, avgPM25, avgPM10 float64, count int) string {
	timestamp := r.Timestamp.Format("15:04:05.000")
	return fmt.Sprintf("[%s] PM2.5 %6.1f ug/m3 (avg %6.1f)  PM10 %6.1f ug/m3 (avg %6.1f)  n=%d %s",
		timestamp, r.PM25, avgPM25, r.PM10, avgPM10, count, r.Format)
}
