// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package icepond

import (
	"context"
	"sync"

	"github.com/emiago/peercall"
	"github.com/pion/webrtc/v3"
)

// Static returns discovery delivering fixed server list once per subscription.
func Static(servers ...webrtc.ICEServer) peercall.IceDiscovery {
	return staticDiscovery(servers)
}

type staticDiscovery []webrtc.ICEServer

func (d staticDiscovery) Subscribe(ctx context.Context, identity string) (peercall.IceSubscription, error) {
	ch := make(chan []webrtc.ICEServer, 1)
	ch <- append([]webrtc.ICEServer(nil), d...)
	return &staticSubscription{ch: ch}, nil
}

type staticSubscription struct {
	ch   chan []webrtc.ICEServer
	once sync.Once
}

func (s *staticSubscription) Initialize(ctx context.Context) error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

func (s *staticSubscription) Servers() <-chan []webrtc.ICEServer {
	return s.ch
}

func (s *staticSubscription) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}
