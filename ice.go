// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package peercall

import (
	"context"

	"github.com/pion/webrtc/v3"
)

// IceDiscovery provides ICE server lists for an identity.
type IceDiscovery interface {
	Subscribe(ctx context.Context, identity string) (IceSubscription, error)
}

type IceSubscription interface {
	// Initialize starts fetching. Server lists are delivered on Servers.
	Initialize(ctx context.Context) error
	Servers() <-chan []webrtc.ICEServer
	Close() error
}

// withICEServers returns new configuration with servers replaced. Other fields are kept.
func withICEServers(conf *webrtc.Configuration, servers []webrtc.ICEServer) *webrtc.Configuration {
	next := webrtc.Configuration{}
	if conf != nil {
		next = *conf
	}
	next.ICEServers = servers
	return &next
}

// startIceDiscovery replaces running subscription for ongoing call.
// Subscribing runs in background, call flow does not wait for discovery
// service.
func (s *CallSession) startIceDiscovery(ongoing *OngoingCall) {
	if s.discovery == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.ongoing != ongoing {
		// Call already ended
		s.mu.Unlock()
		cancel()
		return
	}
	if s.iceCancel != nil {
		s.iceCancel()
	}
	s.iceCancel = cancel
	s.mu.Unlock()

	go func() {
		sub, err := s.discovery.Subscribe(ctx, s.identity)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to subscribe ice discovery")
			return
		}
		defer closeAndLog(sub, "Failed to close ice subscription")

		if err := sub.Initialize(ctx); err != nil {
			if ctx.Err() == nil {
				s.log.Error().Err(err).Msg("Failed to initialize ice discovery")
			}
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case servers, ok := <-sub.Servers():
				if !ok {
					return
				}
				s.onIceServers(servers)
			}
		}
	}()
}

func (s *CallSession) stopIceDiscovery() {
	s.mu.Lock()
	cancel := s.iceCancel
	s.iceCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *CallSession) onIceServers(servers []webrtc.ICEServer) {
	s.mu.Lock()
	conf := withICEServers(s.config, servers)
	s.config = conf
	incoming := s.incoming
	var conn Connection
	if s.ongoing != nil {
		conn = s.ongoing.Conn
	} else if s.pending != nil {
		conn = s.pending.conn
	}
	s.mu.Unlock()

	s.log.Debug().Int("servers", len(servers)).Msg("Ice servers updated")

	s.signaling.SetConfiguration(conf)
	if incoming != nil {
		incoming.SetConfiguration(conf)
	}
	if conn != nil {
		if err := conn.SetConfiguration(conf); err != nil {
			s.log.Error().Err(err).Str("call_id", conn.ID()).Msg("Failed to update connection configuration")
		}
	}
}
