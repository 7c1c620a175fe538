// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package peercall

import (
	"context"

	"github.com/pion/webrtc/v3"
)

// ContentHintScreenshare is set on tracks capturing a display.
const ContentHintScreenshare = "screenshare"

type DeviceInfo struct {
	ID    string
	Label string
	Kind  webrtc.RTPCodecType
}

type MediaConstraints struct {
	Kind       webrtc.RTPCodecType
	DeviceID   string
	FacingMode string
	Width      int
	Height     int
}

var (
	videoConstraints = MediaConstraints{
		Kind:       webrtc.RTPCodecTypeVideo,
		FacingMode: "user",
		Width:      1280,
		Height:     719,
	}
	audioConstraints = MediaConstraints{
		Kind: webrtc.RTPCodecTypeAudio,
	}
)

// ConstraintsFor returns capture constraints used for device of kind.
func ConstraintsFor(kind webrtc.RTPCodecType, deviceID string) MediaConstraints {
	c := audioConstraints
	if kind == webrtc.RTPCodecTypeVideo {
		c = videoConstraints
	}
	c.DeviceID = deviceID
	return c
}

// MediaDevices is the capture layer.
type MediaDevices interface {
	EnumerateDevices(ctx context.Context) ([]DeviceInfo, error)
	GetUserMedia(ctx context.Context, c MediaConstraints) ([]LocalTrack, error)
	GetDisplayMedia(ctx context.Context) ([]LocalTrack, error)
}

// LocalTrack is a capture handle.
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(enabled bool)
	// OnEnded is called when capture ends outside of Stop, like user
	// closing shared screen.
	OnEnded(f func())
	Stop() error
}

// RemoteTrack is inbound track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

