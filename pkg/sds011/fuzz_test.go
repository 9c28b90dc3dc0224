// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Aeris Works

package sds011

import (
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// newFuzzRng creates a seeded random number generator, logging the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := time.Now().UnixNano()
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if s, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			seed = s
		}
	}
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

func TestDecode_RandomNoise(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	for i := 0; i < rounds; i++ {
		noise := make([]byte, rng.Intn(256))
		rng.Read(noise)

		// Must never panic; any reading it does produce must pass the
		// plausibility guard and report a sane consume count.
		r, consumed, dropped, ok := Decode(noise)
		if !ok {
			if dropped == 0 && consumed != 0 {
				t.Fatalf("round %d: consumed %d on a decode miss without a drop", i, consumed)
			}
			if dropped > 0 && (consumed <= 0 || consumed > len(noise)) {
				t.Fatalf("round %d: consumed %d on a drop, outside buffer of %d", i, consumed, len(noise))
			}
			continue
		}
		if dropped != 0 {
			t.Fatalf("round %d: dropped %d alongside a decoded reading", i, dropped)
		}
		if !Plausible(r.PM25, r.PM10) {
			t.Fatalf("round %d: implausible reading %v/%v accepted", i, r.PM25, r.PM10)
		}
		if consumed <= 0 || consumed > len(noise) {
			t.Fatalf("round %d: consumed %d outside buffer of %d", i, consumed, len(noise))
		}
	}
}

func TestDecode_FrameEmbeddedInNoise(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	for i := 0; i < rounds; i++ {
		prefix := make([]byte, rng.Intn(40))
		rng.Read(prefix)
		suffix := make([]byte, rng.Intn(40))
		rng.Read(suffix)

		buf := append(append(prefix, buildStandardFrame(23.4, 41.0)...), suffix...)

		// The noise may itself frame first, or form implausible windows
		// that get dropped; consuming past the drops must always reach a
		// plausible reading.
		rest := buf
		for {
			r, consumed, dropped, ok := Decode(rest)
			if ok {
				if !Plausible(r.PM25, r.PM10) {
					t.Fatalf("round %d: implausible reading %v/%v", i, r.PM25, r.PM10)
				}
				if consumed <= 0 || consumed > len(rest) {
					t.Fatalf("round %d: consumed %d outside buffer of %d", i, consumed, len(rest))
				}
				break
			}
			if dropped == 0 || consumed <= 0 {
				t.Fatalf("round %d: embedded frame not found", i)
			}
			rest = rest[consumed:]
		}
	}
}
