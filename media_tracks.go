// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package peercall

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

// Track is local track attached to a connection.
type Track struct {
	LocalTrack
	Sender      Sender
	ContentHint string

	conn Connection
}

type Media struct {
	Enabled bool
	// Device is selected capture device. Nil until first selection.
	Device *DeviceInfo
	Tracks []*Track
}

func (m Media) clone() Media {
	c := Media{Enabled: m.Enabled, Tracks: slices.Clone(m.Tracks)}
	if m.Device != nil {
		d := *m.Device
		c.Device = &d
	}
	return c
}

type ScreenMedia struct {
	Enabled bool
	Tracks  []*Track
}

type MediaSnapshot struct {
	Video        Media
	Audio        Media
	Screen       ScreenMedia
	VideoDevices []DeviceInfo
	AudioDevices []DeviceInfo
	LocalTracks  []LocalTrack
	RemoteTracks []RemoteTrack
}

type mediaSlot struct {
	kind webrtc.RTPCodecType
	// op serializes device changes of this kind
	op sync.Mutex

	mu    sync.Mutex
	media Media
	conn  Connection
}

func (s *mediaSlot) take() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracks := s.media.Tracks
	s.media.Tracks = nil
	s.conn = nil
	return tracks
}

type screenSlot struct {
	mu        sync.Mutex
	media     ScreenMedia
	acquiring bool
	// gen changes on every start and stop
	gen uint64
}

type MediaTrackManagerOption func(m *MediaTrackManager)

func WithMediaLogger(l zerolog.Logger) MediaTrackManagerOption {
	return func(m *MediaTrackManager) {
		m.log = l
	}
}

// WithRemoteBuffer sets buffer size of remote event subscriptions.
func WithRemoteBuffer(n int) MediaTrackManagerOption {
	return func(m *MediaTrackManager) {
		m.remoteBuffer = n
	}
}

// MediaTrackManager manages local capture tracks and their binding to a
// connection, and aggregates remote tracks.
type MediaTrackManager struct {
	devices      MediaDevices
	log          zerolog.Logger
	remoteBuffer int

	video  *mediaSlot
	audio  *mediaSlot
	screen screenSlot

	mu          sync.Mutex
	deviceList  []DeviceInfo
	local       *LocalStream
	remote      *RemoteStream
	subscribers []*remoteSubscriber
}

func NewMediaTrackManager(devices MediaDevices, opts ...MediaTrackManagerOption) *MediaTrackManager {
	m := &MediaTrackManager{
		devices:      devices,
		log:          log.Logger,
		remoteBuffer: 16,
		video:        &mediaSlot{kind: webrtc.RTPCodecTypeVideo, media: Media{Enabled: true}},
		audio:        &mediaSlot{kind: webrtc.RTPCodecTypeAudio, media: Media{Enabled: true}},
		local:        &LocalStream{},
		remote:       &RemoteStream{},
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With().Str("caller", "MediaTrackManager").Logger()
	return m
}

func (m *MediaTrackManager) slot(kind webrtc.RTPCodecType) (*mediaSlot, error) {
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		return m.video, nil
	case webrtc.RTPCodecTypeAudio:
		return m.audio, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrInvalidKind, kind)
}

// ChangeDevice switches capture of kind to device and binds new tracks to
// conn. Previous tracks are detached and stopped. If acquisition fails
// kind is left without tracks.
func (m *MediaTrackManager) ChangeDevice(ctx context.Context, kind webrtc.RTPCodecType, device DeviceInfo, conn Connection) error {
	slot, err := m.slot(kind)
	if err != nil {
		return err
	}

	slot.op.Lock()
	defer slot.op.Unlock()

	log := m.log.With().Str("kind", kind.String()).Str("device", device.ID).Logger()

	tracks, err := m.devices.GetUserMedia(ctx, ConstraintsFor(kind, device.ID))
	if err != nil {
		m.release(slot.take())
		log.Error().Err(err).Msg("Failed to acquire device")
		var derr *DeviceAcquisitionError
		if errors.As(err, &derr) {
			return derr
		}
		return &DeviceAcquisitionError{Kind: kind, DeviceID: device.ID, Err: err}
	}
	tracks = filterKind(tracks, kind)

	if conn.Context().Err() != nil {
		stopTracks(tracks)
		return ErrCallEnded
	}

	m.release(slot.take())

	slot.mu.Lock()
	enabled := slot.media.Enabled
	slot.mu.Unlock()
	for _, t := range tracks {
		t.SetEnabled(enabled)
	}

	bound, err := m.bind(conn, tracks, "")
	if err != nil {
		return err
	}

	slot.mu.Lock()
	for _, t := range bound {
		t.SetEnabled(slot.media.Enabled)
	}
	d := device
	slot.media.Device = &d
	slot.media.Tracks = bound
	slot.conn = conn
	slot.mu.Unlock()

	m.addLocal(bound)
	log.Info().Int("tracks", len(bound)).Msg("Device changed")
	return nil
}

// Toggle flips enabled state of kind and returns new state.
func (m *MediaTrackManager) Toggle(kind webrtc.RTPCodecType) (bool, error) {
	slot, err := m.slot(kind)
	if err != nil {
		return false, err
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.media.Enabled = !slot.media.Enabled
	for _, t := range slot.media.Tracks {
		t.SetEnabled(slot.media.Enabled)
	}
	return slot.media.Enabled, nil
}

// ToggleScreenShare starts screen share on conn or stops it if active.
// Toggle while screen capture is being acquired does nothing.
func (m *MediaTrackManager) ToggleScreenShare(ctx context.Context, conn Connection) error {
	sc := &m.screen
	sc.mu.Lock()
	if sc.acquiring {
		sc.mu.Unlock()
		return nil
	}
	if sc.media.Enabled {
		sc.mu.Unlock()
		m.stopScreen(0, false)
		return nil
	}
	sc.acquiring = true
	sc.mu.Unlock()

	tracks, err := m.devices.GetDisplayMedia(ctx)
	if err != nil {
		m.screenAcquired()
		m.log.Error().Err(err).Msg("Failed to acquire screen")
		return &DeviceAcquisitionError{Kind: webrtc.RTPCodecTypeVideo, DeviceID: "screen", Err: err}
	}
	if conn.Context().Err() != nil {
		stopTracks(tracks)
		m.screenAcquired()
		return ErrCallEnded
	}
	bound, err := m.bind(conn, tracks, ContentHintScreenshare)
	if err != nil {
		m.screenAcquired()
		return err
	}

	sc.mu.Lock()
	sc.acquiring = false
	sc.gen++
	gen := sc.gen
	sc.media = ScreenMedia{Enabled: true, Tracks: bound}
	sc.mu.Unlock()

	m.addLocal(bound)
	for _, t := range bound {
		// Ended callback may run inside Stop, teardown must not reenter locks.
		t.OnEnded(func() { go m.stopScreen(gen, true) })
	}
	m.log.Info().Int("tracks", len(bound)).Msg("Screen share started")
	return nil
}

func (m *MediaTrackManager) screenAcquired() {
	m.screen.mu.Lock()
	m.screen.acquiring = false
	m.screen.mu.Unlock()
}

// stopScreen tears down screen share. With matchGen it only acts if screen
// share started as gen is still active.
func (m *MediaTrackManager) stopScreen(gen uint64, matchGen bool) {
	sc := &m.screen
	sc.mu.Lock()
	if !sc.media.Enabled || (matchGen && sc.gen != gen) {
		sc.mu.Unlock()
		return
	}
	tracks := sc.media.Tracks
	sc.media = ScreenMedia{}
	sc.gen++
	sc.mu.Unlock()

	m.release(tracks)
	m.log.Info().Msg("Screen share stopped")
}

// GetDevices refreshes device list. Kinds not yet bound to conn get their
// previous device if still present, otherwise first available one.
func (m *MediaTrackManager) GetDevices(ctx context.Context, conn Connection) error {
	list, err := m.devices.EnumerateDevices(ctx)
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}

	m.mu.Lock()
	m.deviceList = list
	m.mu.Unlock()

	p := pool.New().WithErrors().WithContext(ctx)
	for _, slot := range []*mediaSlot{m.video, m.audio} {
		devs := devicesOfKind(list, slot.kind)
		if len(devs) == 0 {
			continue
		}

		slot.mu.Lock()
		bound := slot.conn != nil && slot.conn == conn
		prev := slot.media.Device
		slot.mu.Unlock()
		if bound {
			continue
		}

		device := devs[0]
		if prev != nil {
			if i := slices.IndexFunc(devs, func(d DeviceInfo) bool { return d.ID == prev.ID }); i >= 0 {
				device = devs[i]
			}
		}
		p.Go(func(ctx context.Context) error {
			return m.ChangeDevice(ctx, slot.kind, device, conn)
		})
	}
	return p.Wait()
}

// WatchDevices calls GetDevices on every signal from changes until ctx or
// conn is done.
func (m *MediaTrackManager) WatchDevices(ctx context.Context, conn Connection, changes <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Context().Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			if err := m.GetDevices(ctx, conn); err != nil {
				m.log.Error().Err(err).Msg("Failed to refresh devices")
			}
		}
	}
}

// ResetStreams replaces local and remote aggregates with empty ones.
func (m *MediaTrackManager) ResetStreams() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = &LocalStream{}
	m.remote = &RemoteStream{}
	m.publish(RemoteTrackEvent{Type: RemoteTracksReset})
}

func (m *MediaTrackManager) AddTrackToRemote(track RemoteTrack) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remote.add(track)
	m.publish(RemoteTrackEvent{Type: RemoteTrackAdded, Track: track, Tracks: m.remote.Tracks()})
}

// RemoveTrackFromRemote removes remote track by id. Returns false if not found.
func (m *MediaTrackManager) RemoveTrackFromRemote(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.remote.remove(id)
	if !ok {
		return false
	}
	m.publish(RemoteTrackEvent{Type: RemoteTrackRemoved, Track: t, Tracks: m.remote.Tracks()})
	return true
}

// SubscribeRemote returns channel of remote track events. Slow subscribers
// miss events. Call returned func to unsubscribe.
func (m *MediaTrackManager) SubscribeRemote() (<-chan RemoteTrackEvent, func()) {
	sub := &remoteSubscriber{ch: make(chan RemoteTrackEvent, m.remoteBuffer)}
	m.mu.Lock()
	m.subscribers = append(m.subscribers, sub)
	m.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.subscribers = slices.DeleteFunc(m.subscribers, func(s *remoteSubscriber) bool { return s == sub })
			close(sub.ch)
		})
	}
}

// publish must be called with m.mu held
func (m *MediaTrackManager) publish(ev RemoteTrackEvent) {
	for _, s := range m.subscribers {
		select {
		case s.ch <- ev:
		default:
			m.log.Warn().Str("event", ev.Type.String()).Msg("Remote track subscriber is full, dropping event")
		}
	}
}

// StopAllTracks stops audio and video capture. Senders are not removed.
// Screen share, if active, is ended.
func (m *MediaTrackManager) StopAllTracks() {
	m.stopScreen(0, false)
	for _, slot := range []*mediaSlot{m.video, m.audio} {
		tracks := slot.take()
		for _, t := range tracks {
			if err := t.Stop(); err != nil {
				m.log.Error().Err(err).Str("track", t.ID()).Msg("Failed to stop track")
			}
		}
		m.removeLocal(tracks)
	}
}

func (m *MediaTrackManager) Video() Media {
	m.video.mu.Lock()
	defer m.video.mu.Unlock()
	return m.video.media.clone()
}

func (m *MediaTrackManager) Audio() Media {
	m.audio.mu.Lock()
	defer m.audio.mu.Unlock()
	return m.audio.media.clone()
}

func (m *MediaTrackManager) Screen() ScreenMedia {
	m.screen.mu.Lock()
	defer m.screen.mu.Unlock()
	return ScreenMedia{Enabled: m.screen.media.Enabled, Tracks: slices.Clone(m.screen.media.Tracks)}
}

func (m *MediaTrackManager) Snapshot() MediaSnapshot {
	snap := MediaSnapshot{
		Video:  m.Video(),
		Audio:  m.Audio(),
		Screen: m.Screen(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.VideoDevices = devicesOfKind(m.deviceList, webrtc.RTPCodecTypeVideo)
	snap.AudioDevices = devicesOfKind(m.deviceList, webrtc.RTPCodecTypeAudio)
	snap.LocalTracks = m.local.Tracks()
	snap.RemoteTracks = m.remote.Tracks()
	return snap
}

// bind attaches all tracks to conn. On failure every track is stopped and
// senders attached so far are removed.
func (m *MediaTrackManager) bind(conn Connection, tracks []LocalTrack, hint string) ([]*Track, error) {
	bound := make([]*Track, 0, len(tracks))
	for _, lt := range tracks {
		sender, err := conn.AddTrack(lt)
		if err != nil {
			for _, t := range bound {
				m.detach(t)
			}
			stopTracks(tracks)
			return nil, fmt.Errorf("attach %s track %s: %w", lt.Kind(), lt.ID(), err)
		}
		bound = append(bound, &Track{LocalTrack: lt, Sender: sender, ContentHint: hint, conn: conn})
	}
	return bound, nil
}

func (m *MediaTrackManager) detach(t *Track) {
	if t.conn == nil || t.Sender == nil {
		return
	}
	if err := t.conn.RemoveTrack(t.Sender); err != nil {
		derr := &SenderDetachError{TrackID: t.ID(), Err: err}
		m.log.Warn().Err(derr).Msg("Sender detach failed, ignoring")
	}
}

// release detaches and stops tracks.
func (m *MediaTrackManager) release(tracks []*Track) {
	for _, t := range tracks {
		m.detach(t)
		if err := t.Stop(); err != nil {
			m.log.Error().Err(err).Str("track", t.ID()).Msg("Failed to stop track")
		}
	}
	m.removeLocal(tracks)
}

func (m *MediaTrackManager) addLocal(tracks []*Track) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tracks {
		m.local.add(t.LocalTrack)
	}
}

func (m *MediaTrackManager) removeLocal(tracks []*Track) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tracks {
		m.local.remove(t.LocalTrack)
	}
}

func filterKind(tracks []LocalTrack, kind webrtc.RTPCodecType) []LocalTrack {
	out := tracks[:0:0]
	for _, t := range tracks {
		if t.Kind() != kind {
			if err := t.Stop(); err != nil {
				log.Error().Err(err).Str("track", t.ID()).Msg("Failed to stop track")
			}
			continue
		}
		out = append(out, t)
	}
	return out
}

func stopTracks(tracks []LocalTrack) {
	for _, t := range tracks {
		if err := t.Stop(); err != nil {
			log.Error().Err(err).Str("track", t.ID()).Msg("Failed to stop track")
		}
	}
}

func devicesOfKind(list []DeviceInfo, kind webrtc.RTPCodecType) []DeviceInfo {
	var out []DeviceInfo
	for _, d := range list {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}
