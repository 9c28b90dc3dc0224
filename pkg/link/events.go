// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Aeris Works

package link

// Internal dispatch events. Every state transition and buffer mutation
// happens as a reaction to one of these, handled to completion on the
// manager's dispatch loop before the next is taken.

type event interface {
	isEvent()
}

// evConnectRequest asks for a connect attempt. DeviceID < 0 means the
// first available device.
type evConnectRequest struct {
	deviceID int
}

// evDisconnectRequest asks for an explicit disconnect.
type evDisconnectRequest struct{}

// evRefresh asks for a device-list refresh (and an auto-connect attempt
// when the policy allows).
type evRefresh struct{}

// evRetry is a fired reconnect backoff timer.
type evRetry struct{}

// evData carries inbound bytes from a session's read pump.
type evData struct {
	session int
	bytes   []byte
}

// evReadError reports a failed read on a session's stream.
type evReadError struct {
	session int
	err     error
}

// evLivenessTick is a fired liveness timer for a session.
type evLivenessTick struct {
	session int
}

func (evConnectRequest) isEvent()    {}
func (evDisconnectRequest) isEvent() {}
func (evRefresh) isEvent()           {}
func (evRetry) isEvent()             {}
func (evData) isEvent()              {}
func (evReadError) isEvent()         {}
func (evLivenessTick) isEvent()      {}
