// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package devices

import (
	"sync"
	"sync/atomic"

	"github.com/emiago/peercall"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
)

// source is part of mediadevices.Track we depend on.
type source interface {
	ID() string
	Kind() webrtc.RTPCodecType
	OnEnded(f func(error))
	Close() error
}

// Implemented by *mediadevices.VideoTrack and *mediadevices.AudioTrack.
type videoTransformer interface {
	Transform(fns ...video.TransformFunc)
}

type audioTransformer interface {
	Transform(fns ...audio.TransformFunc)
}

var _ peercall.LocalTrack = (*Track)(nil)

// Track is captured mediadevices track.
type Track struct {
	src source
	log zerolog.Logger

	// disabled track sends black frames or silence
	enabled atomic.Bool
	stopped atomic.Bool

	mu       sync.Mutex
	onEnded  []func()
	stopOnce sync.Once
	stopErr  error
}

func newTrack(src source, log zerolog.Logger) *Track {
	t := &Track{
		src: src,
		log: log.With().Str("track", src.ID()).Str("kind", src.Kind().String()).Logger(),
	}
	t.enabled.Store(true)
	src.OnEnded(t.ended)

	// Must be installed before track is bound
	switch tr := src.(type) {
	case videoTransformer:
		tr.Transform(blankVideo(t.Enabled))
	case audioTransformer:
		tr.Transform(silenceAudio(t.Enabled))
	}
	return t
}

func (t *Track) ID() string {
	return t.src.ID()
}

func (t *Track) Kind() webrtc.RTPCodecType {
	return t.src.Kind()
}

func (t *Track) Enabled() bool {
	return t.enabled.Load()
}

func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// TrackLocal returns track for adding to peer connection.
func (t *Track) TrackLocal() webrtc.TrackLocal {
	tl, _ := t.src.(webrtc.TrackLocal)
	return tl
}

func (t *Track) OnEnded(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, f)
}

func (t *Track) ended(err error) {
	if t.stopped.Load() {
		return
	}
	t.log.Info().Err(err).Msg("Capture ended")

	t.mu.Lock()
	listeners := append([]func(){}, t.onEnded...)
	t.mu.Unlock()
	for _, f := range listeners {
		f()
	}
}

// Stop closes capture. Ended listeners are not called.
func (t *Track) Stop() error {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		t.stopErr = t.src.Close()
	})
	return t.stopErr
}
