// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package peercall

import (
	"slices"
)

// LocalStream aggregates local tracks for preview.
// It is not safe for concurrent use, MediaTrackManager guards it.
type LocalStream struct {
	tracks []LocalTrack
}

func (s *LocalStream) add(t LocalTrack) {
	s.tracks = append(s.tracks, t)
}

func (s *LocalStream) remove(t LocalTrack) {
	s.tracks = slices.DeleteFunc(s.tracks, func(v LocalTrack) bool { return v == t })
}

// Tracks returns copy of tracks in order they were added.
func (s *LocalStream) Tracks() []LocalTrack {
	return slices.Clone(s.tracks)
}

// RemoteStream aggregates tracks received from remote peer.
type RemoteStream struct {
	tracks []RemoteTrack
}

func (s *RemoteStream) add(t RemoteTrack) {
	s.tracks = append(s.tracks, t)
}

func (s *RemoteStream) remove(id string) (RemoteTrack, bool) {
	i := slices.IndexFunc(s.tracks, func(v RemoteTrack) bool { return v.ID() == id })
	if i < 0 {
		return nil, false
	}
	t := s.tracks[i]
	s.tracks = slices.Delete(s.tracks, i, i+1)
	return t, true
}

func (s *RemoteStream) Tracks() []RemoteTrack {
	return slices.Clone(s.tracks)
}

type RemoteTrackEventType int

const (
	RemoteTrackAdded RemoteTrackEventType = iota
	RemoteTrackRemoved
	// RemoteTracksReset is published when remote stream is replaced.
	RemoteTracksReset
)

func (t RemoteTrackEventType) String() string {
	switch t {
	case RemoteTrackAdded:
		return "added"
	case RemoteTrackRemoved:
		return "removed"
	case RemoteTracksReset:
		return "reset"
	}
	return "unknown"
}

type RemoteTrackEvent struct {
	Type  RemoteTrackEventType
	Track RemoteTrack
	// Tracks is remote stream content after the event.
	Tracks []RemoteTrack
}

type remoteSubscriber struct {
	ch chan RemoteTrackEvent
}
