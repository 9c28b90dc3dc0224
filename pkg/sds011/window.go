// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Aeris Works

package sds011

import "math"

// WindowSize is the bound of the rolling-average reading window.
const WindowSize = 10

// Window is a bounded FIFO over the most recent readings with a running
// arithmetic mean of both concentrations. Sums are kept at full precision;
// averages are rounded to one decimal for display.
type Window struct {
	readings []Reading
	sumPM25  float64
	sumPM10  float64
}

// NewWindow creates an empty reading window
func NewWindow() *Window {
	return &Window{readings: make([]Reading, 0, WindowSize)}
}

// Push appends a reading, evicting the oldest when the bound is exceeded,
// and returns the current reading together with the recomputed averages.
func (w *Window) Push(r Reading) (current Reading, avgPM25, avgPM10 float64) {
	if len(w.readings) == WindowSize {
		oldest := w.readings[0]
		w.sumPM25 -= oldest.PM25
		w.sumPM10 -= oldest.PM10
		copy(w.readings, w.readings[1:])
		w.readings = w.readings[:WindowSize-1]
	}
	w.readings = append(w.readings, r)
	w.sumPM25 += r.PM25
	w.sumPM10 += r.PM10

	avgPM25, avgPM10 = w.Average()
	return r, avgPM25, avgPM10
}

// Average returns the window means rounded to one decimal place. The
// average has no meaning until at least one reading exists; with an empty
// window both values are zero.
func (w *Window) Average() (avgPM25, avgPM10 float64) {
	if len(w.readings) == 0 {
		return 0, 0
	}
	n := float64(len(w.readings))
	return roundTenth(w.sumPM25 / n), roundTenth(w.sumPM10 / n)
}

// Count returns the window occupancy. Callers use it to decide whether to
// trust the average over the instantaneous value.
func (w *Window) Count() int {
	return len(w.readings)
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}
