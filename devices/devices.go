// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package devices captures local media with pion mediadevices. Drivers and
// encoders must be registered by importing their packages.
package devices

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/emiago/peercall"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Option func(d *Devices)

// WithCodecSelector sets encoders used for captured tracks.
func WithCodecSelector(cs *mediadevices.CodecSelector) Option {
	return func(d *Devices) {
		d.codec = cs
	}
}

func WithFrameRate(fps float32) Option {
	return func(d *Devices) {
		d.frameRate = fps
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Devices) {
		d.log = l
	}
}

var _ peercall.MediaDevices = (*Devices)(nil)

type Devices struct {
	codec     *mediadevices.CodecSelector
	frameRate float32
	log       zerolog.Logger

	enumerate       func() []mediadevices.MediaDeviceInfo
	getUserMedia    func(c mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
	getDisplayMedia func(c mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
}

func New(opts ...Option) *Devices {
	d := &Devices{
		codec:           mediadevices.NewCodecSelector(),
		frameRate:       30,
		log:             log.Logger,
		enumerate:       mediadevices.EnumerateDevices,
		getUserMedia:    mediadevices.GetUserMedia,
		getDisplayMedia: mediadevices.GetDisplayMedia,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Devices) EnumerateDevices(ctx context.Context) ([]peercall.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var list []peercall.DeviceInfo
	for _, info := range d.enumerate() {
		var kind webrtc.RTPCodecType
		switch info.Kind {
		case mediadevices.VideoInput:
			kind = webrtc.RTPCodecTypeVideo
		case mediadevices.AudioInput:
			kind = webrtc.RTPCodecTypeAudio
		default:
			continue
		}
		list = append(list, peercall.DeviceInfo{
			ID:    info.DeviceID,
			Label: info.Label,
			Kind:  kind,
		})
	}
	return list, nil
}

func (d *Devices) GetUserMedia(ctx context.Context, c peercall.MediaConstraints) ([]peercall.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.codec}
	switch c.Kind {
	case webrtc.RTPCodecTypeAudio:
		constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			if c.DeviceID != "" {
				mc.DeviceID = prop.String(c.DeviceID)
			}
		}
	case webrtc.RTPCodecTypeVideo:
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			if c.DeviceID != "" {
				mc.DeviceID = prop.String(c.DeviceID)
			}
			if c.Width > 0 {
				mc.Width = prop.Int(c.Width)
			}
			if c.Height > 0 {
				mc.Height = prop.Int(c.Height)
			}
			if d.frameRate > 0 {
				mc.FrameRate = prop.Float(d.frameRate)
			}
		}
	default:
		return nil, fmt.Errorf("%w: %s", peercall.ErrInvalidKind, c.Kind)
	}

	d.log.Debug().Str("kind", c.Kind.String()).Str("device", c.DeviceID).Msg("Acquiring user media")
	stream, err := d.getUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", peercall.ErrDeviceUnavailable, err)
	}
	return d.wrapStream(stream), nil
}

func (d *Devices) GetDisplayMedia(ctx context.Context) ([]peercall.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream, err := d.getDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			if d.frameRate > 0 {
				mc.FrameRate = prop.Float(d.frameRate)
			}
		},
		Codec: d.codec,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", peercall.ErrDeviceUnavailable, err)
	}
	return d.wrapStream(stream), nil
}

func (d *Devices) wrapStream(stream mediadevices.MediaStream) []peercall.LocalTrack {
	src := stream.GetTracks()
	tracks := make([]peercall.LocalTrack, 0, len(src))
	for _, t := range src {
		tracks = append(tracks, newTrack(t, d.log))
	}
	return tracks
}

// Watch polls device list and signals when it changes. Channel is closed when
// ctx is done.
func (d *Devices) Watch(ctx context.Context, interval time.Duration) <-chan struct{} {
	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		prev := deviceIDs(d.enumerate())
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			ids := deviceIDs(d.enumerate())
			if slices.Equal(prev, ids) {
				continue
			}
			prev = ids
			d.log.Info().Int("devices", len(ids)).Msg("Media devices changed")
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch
}

func deviceIDs(list []mediadevices.MediaDeviceInfo) []string {
	ids := make([]string, 0, len(list))
	for _, info := range list {
		ids = append(ids, info.DeviceID)
	}
	slices.Sort(ids)
	return ids
}
