// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Aeris Works

package sds011

// FrameBuffer accumulates raw bytes received since the last successful
// decode or explicit clear. It holds no decoding logic; the decoder scans
// a snapshot and the owner consumes what the decoder matched.
//
// A FrameBuffer belongs to exactly one connection session and must be
// discarded, not reused, across reconnects.
type FrameBuffer struct {
	data []byte
}

// NewFrameBuffer creates an empty frame buffer
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{data: make([]byte, 0, BufferCeiling)}
}

// Append adds received bytes to the buffer. If the buffer grows past
// BufferCeiling without producing a frame, the oldest data is trimmed to
// the final ModifiedFrameSize bytes. This is a lossy recovery strategy to
// bound memory on a stream that never frames, not an error.
func (b *FrameBuffer) Append(p []byte) {
	b.data = append(b.data, p...)
	if len(b.data) > BufferCeiling {
		tail := b.data[len(b.data)-ModifiedFrameSize:]
		b.data = append(b.data[:0], tail...)
	}
}

// Snapshot returns the buffered bytes. The slice aliases internal storage
// and is only valid until the next mutating call.
func (b *FrameBuffer) Snapshot() []byte {
	return b.data
}

// Consume drops the first n bytes. Consuming more than the buffer holds
// clears it.
func (b *FrameBuffer) Consume(n int) {
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	b.data = append(b.data[:0], b.data[n:]...)
}

// Clear empties the buffer. Clearing an already-empty buffer is a no-op.
func (b *FrameBuffer) Clear() {
	b.data = b.data[:0]
}

// Len returns the number of buffered bytes
func (b *FrameBuffer) Len() int {
	return len(b.data)
}
