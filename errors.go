// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package peercall

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"
)

var (
	ErrAlreadyInCall  = errors.New("peercall: already in call")
	ErrNoIncomingCall = errors.New("peercall: no incoming call")
	// ErrCallEnded is returned when the call was hung up while an operation
	// on it was still in flight. Whatever the operation produced is released.
	ErrCallEnded = errors.New("peercall: call ended")

	ErrInvalidKind       = errors.New("peercall: invalid media kind")
	ErrDeviceUnavailable = errors.New("peercall: device unavailable")
	ErrPermissionDenied  = errors.New("peercall: permission denied")
)

type DeviceAcquisitionError struct {
	Kind     webrtc.RTPCodecType
	DeviceID string
	Err      error
}

func (e *DeviceAcquisitionError) Error() string {
	if e.DeviceID == "" {
		return fmt.Sprintf("acquire %s device: %s", e.Kind, e.Err)
	}
	return fmt.Sprintf("acquire %s device %q: %s", e.Kind, e.DeviceID, e.Err)
}

func (e *DeviceAcquisitionError) Unwrap() error {
	return e.Err
}

// SenderDetachError is reported when a sender could not be removed from a
// connection. It never fails the operation, the track is stopped anyway.
type SenderDetachError struct {
	TrackID string
	Err     error
}

func (e *SenderDetachError) Error() string {
	return fmt.Sprintf("detach sender of track %s: %s", e.TrackID, e.Err)
}

func (e *SenderDetachError) Unwrap() error {
	return e.Err
}

type ConnectionInitError struct {
	Peer string
	Err  error
}

func (e *ConnectionInitError) Error() string {
	return fmt.Sprintf("connection to %q failed: %s", e.Peer, e.Err)
}

func (e *ConnectionInitError) Unwrap() error {
	return e.Err
}
