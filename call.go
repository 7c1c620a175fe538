// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package peercall

// Call identifies a call with a remote peer on a named channel.
type Call struct {
	Peer    string
	Channel string
	ID      string
}

// OngoingCall is the established call held by CallSession.
type OngoingCall struct {
	Conn Connection
	Call Call
}

type CallState int

const (
	CallStateIdle CallState = iota
	CallStateConnecting
	CallStateActive
	CallStateEnding
)

func (s CallState) String() string {
	switch s {
	case CallStateIdle:
		return "idle"
	case CallStateConnecting:
		return "connecting"
	case CallStateActive:
		return "active"
	case CallStateEnding:
		return "ending"
	}
	return "unknown"
}

// SessionSnapshot is a copy of CallSession state for observers.
type SessionSnapshot struct {
	State CallState
	// Incoming is set while an incoming call waits for answer or reject.
	Incoming        *Call
	Ongoing         *Call
	IsCaller        bool
	DataChannelOpen bool
}
