// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package peercall

import (
	"context"

	"github.com/pion/webrtc/v3"
)

// Connection is a handle to one peer connection with a remote peer.
type Connection interface {
	ID() string
	Peer() string
	Channel() string

	// Context is done once the connection is closed or the remote hung up.
	Context() context.Context

	// Initialize runs negotiation and blocks until it settles.
	Initialize(ctx context.Context) error

	AddTrack(track LocalTrack) (Sender, error)
	RemoveTrack(sender Sender) error
	SetConfiguration(conf *webrtc.Configuration) error

	// OnHungup registers listener called when remote ends the call.
	// It is not called for local Close.
	OnHungup(f func())

	Close() error
}

// Sender is the binding of a local track to a connection.
type Sender interface {
	Track() LocalTrack
}

type IncomingCall interface {
	Call() Call
	// Context is done once the offer is no longer pending.
	Context() context.Context
	SetConfiguration(conf *webrtc.Configuration)
	Accept() (Connection, error)
	Reject() error
}

// Signaling creates outbound connections and delivers inbound calls.
type Signaling interface {
	Call(peer string, channel string) (Connection, error)
	Reconnect(ctx context.Context, id string) (Connection, error)
	SetConfiguration(conf *webrtc.Configuration)
	OnIncomingCall(f func(ic IncomingCall))
}

// ReadyFunc is called after a connection handle exists and before it is
// initialized. Handlers on conn must be attached here.
type ReadyFunc func(peer string, conn Connection)
