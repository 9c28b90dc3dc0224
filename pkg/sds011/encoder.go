// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Aeris Works

package sds011

// Command is an outbound instruction to the sensor
type Command int

// Command values
const (
	CommandWake Command = iota
	CommandSleep
	CommandRead
)

// String returns the human-readable name for a command
func (c Command) String() string {
	switch c {
	case CommandWake:
		return "wake"
	case CommandSleep:
		return "sleep"
	case CommandRead:
		return "read"
	default:
		return "unknown"
	}
}

// commandBytes maps a command to its type/argument byte pair. Unrecognized
// commands fall back to wake, which is the safe direction for the device.
func commandBytes(c Command) (typ, arg byte) {
	switch c {
	case CommandSleep:
		return cmdTypeSleepWake, cmdArgSleep
	case CommandRead:
		return cmdTypeQuery, cmdArgNone
	default:
		return cmdTypeSleepWake, cmdArgWake
	}
}

// EncodeCommand builds the fixed 20-byte command frame for c.
//
// Layout: header, command class, type, argument, twelve zero padding
// bytes, broadcast device id (FF FF), checksum, trailer. The checksum
// covers bytes 2..7 only; the padding past byte 7 never enters the sum.
// This mirrors the Standard-frame checksum rule and is required for the
// device to accept the frame.
func EncodeCommand(c Command) []byte {
	frame := make([]byte, CommandFrameSize)
	frame[0] = CommandHeader
	frame[1] = CommandClass
	frame[2], frame[3] = commandBytes(c)
	frame[16] = DeviceIDBroadcast
	frame[17] = DeviceIDBroadcast
	frame[18] = Checksum(frame)
	frame[19] = CommandTrailer
	return frame
}

// Checksum computes the frame checksum: the sum of bytes 2..7 modulo 256.
func Checksum(frame []byte) byte {
	var sum byte
	for _, b := range frame[2:8] {
		sum += b
	}
	return sum
}
