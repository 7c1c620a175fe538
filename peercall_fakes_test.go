// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package peercall

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
)

type fakeSender struct {
	track LocalTrack
}

func (s *fakeSender) Track() LocalTrack { return s.track }

type fakeConn struct {
	id      string
	peer    string
	channel string

	ctx    context.Context
	cancel context.CancelFunc

	// onInit overrides Initialize result
	onInit func(ctx context.Context) error
	// addFailAt fails n-th AddTrack call, counting from 1
	addFailAt int
	removeErr error

	mu       sync.Mutex
	adds     int
	senders  []*fakeSender
	removed  []*fakeSender
	configs  []*webrtc.Configuration
	onHungup []func()
	closed   int
	events   []string
}

func newFakeConn(id, peer string) *fakeConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeConn{id: id, peer: peer, channel: "test", ctx: ctx, cancel: cancel}
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) Peer() string { return c.peer }
func (c *fakeConn) Channel() string { return c.channel }
func (c *fakeConn) Context() context.Context { return c.ctx }

func (c *fakeConn) Initialize(ctx context.Context) error {
	c.record("initialize")
	if c.onInit != nil {
		return c.onInit(ctx)
	}
	return nil
}

func (c *fakeConn) AddTrack(track LocalTrack) (Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adds++
	if c.addFailAt > 0 && c.adds == c.addFailAt {
		return nil, errors.New("add track failed")
	}
	s := &fakeSender{track: track}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *fakeConn) RemoveTrack(sender Sender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removeErr != nil {
		return c.removeErr
	}
	s := sender.(*fakeSender)
	for i, v := range c.senders {
		if v == s {
			c.senders = append(c.senders[:i], c.senders[i+1:]...)
			c.removed = append(c.removed, s)
			return nil
		}
	}
	return fmt.Errorf("sender not found")
}

func (c *fakeConn) SetConfiguration(conf *webrtc.Configuration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs = append(c.configs, conf)
	return nil
}

func (c *fakeConn) OnHungup(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHungup = append(c.onHungup, f)
}

// remoteHangup simulates remote side ending the call.
func (c *fakeConn) remoteHangup() {
	c.mu.Lock()
	listeners := c.onHungup
	c.mu.Unlock()
	c.cancel()
	for _, f := range listeners {
		f()
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	c.cancel()
	return nil
}

func (c *fakeConn) record(ev string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) activeSenders() []*fakeSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeSender{}, c.senders...)
}

func (c *fakeConn) lastConfig() *webrtc.Configuration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.configs) == 0 {
		return nil
	}
	return c.configs[len(c.configs)-1]
}

type fakeIncoming struct {
	call      Call
	conn      *fakeConn
	acceptErr error

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	accepted int
	rejected int
	configs  []*webrtc.Configuration
}

func newFakeIncoming(peer string, conn *fakeConn) *fakeIncoming {
	ctx, cancel := context.WithCancel(context.Background())
	id := ""
	if conn != nil {
		id = conn.id
	}
	return &fakeIncoming{
		call:   Call{Peer: peer, Channel: "test", ID: id},
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (ic *fakeIncoming) Call() Call { return ic.call }
func (ic *fakeIncoming) Context() context.Context { return ic.ctx }

func (ic *fakeIncoming) SetConfiguration(conf *webrtc.Configuration) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.configs = append(ic.configs, conf)
}

func (ic *fakeIncoming) Accept() (Connection, error) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.accepted++
	if ic.acceptErr != nil {
		return nil, ic.acceptErr
	}
	return ic.conn, nil
}

func (ic *fakeIncoming) Reject() error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.rejected++
	ic.cancel()
	return nil
}

func (ic *fakeIncoming) rejectCount() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.rejected
}

func (ic *fakeIncoming) lastConfig() *webrtc.Configuration {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if len(ic.configs) == 0 {
		return nil
	}
	return ic.configs[len(ic.configs)-1]
}

type fakeSignaling struct {
	conns     map[string]*fakeConn
	callErr   error
	onCall    func(peer string)
	reconnect map[string]*fakeConn

	mu         sync.Mutex
	calls      int
	configs    []*webrtc.Configuration
	onIncoming func(ic IncomingCall)
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{
		conns:     map[string]*fakeConn{},
		reconnect: map[string]*fakeConn{},
	}
}

func (s *fakeSignaling) Call(peer string, channel string) (Connection, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.onCall != nil {
		s.onCall(peer)
	}
	if s.callErr != nil {
		return nil, s.callErr
	}
	c, ok := s.conns[peer]
	if !ok {
		return nil, fmt.Errorf("unknown peer %s", peer)
	}
	c.channel = channel
	return c, nil
}

func (s *fakeSignaling) Reconnect(ctx context.Context, id string) (Connection, error) {
	c, ok := s.reconnect[id]
	if !ok {
		return nil, fmt.Errorf("unknown call %s", id)
	}
	return c, nil
}

func (s *fakeSignaling) SetConfiguration(conf *webrtc.Configuration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs = append(s.configs, conf)
}

func (s *fakeSignaling) OnIncomingCall(f func(ic IncomingCall)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onIncoming = f
}

func (s *fakeSignaling) incoming(ic IncomingCall) {
	s.mu.Lock()
	f := s.onIncoming
	s.mu.Unlock()
	f(ic)
}

func (s *fakeSignaling) lastConfig() *webrtc.Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configs[len(s.configs)-1]
}

func (s *fakeSignaling) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeDiscovery struct {
	servers    chan []webrtc.ICEServer
	initialize func(ctx context.Context) error
}

func (d *fakeDiscovery) Subscribe(ctx context.Context, identity string) (IceSubscription, error) {
	return &fakeSubscription{servers: d.servers, initialize: d.initialize}, nil
}

type fakeSubscription struct {
	servers    chan []webrtc.ICEServer
	initialize func(ctx context.Context) error
}

func (s *fakeSubscription) Initialize(ctx context.Context) error {
	if s.initialize != nil {
		return s.initialize(ctx)
	}
	return nil
}

func (s *fakeSubscription) Servers() <-chan []webrtc.ICEServer { return s.servers }
func (s *fakeSubscription) Close() error { return nil }

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType

	mu      sync.Mutex
	enabled bool
	stopped int
	onEnded func()
}

func newFakeTrack(id string, kind webrtc.RTPCodecType) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string { return t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) OnEnded(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = f
}

// end simulates capture ending outside of Stop.
func (t *fakeTrack) end() {
	t.mu.Lock()
	f := t.onEnded
	t.mu.Unlock()
	if f != nil {
		f()
	}
}

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	t.stopped++
	f := t.onEnded
	t.mu.Unlock()
	// Browsers do not fire ended on stop, but drivers may.
	if f != nil {
		f()
	}
	return nil
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeDevices struct {
	list      []DeviceInfo
	listErr   error
	userMedia func(ctx context.Context, c MediaConstraints) ([]LocalTrack, error)
	display   func(ctx context.Context) ([]LocalTrack, error)

	userMediaCalls atomic.Int32
	n              atomic.Int32
}

func (d *fakeDevices) EnumerateDevices(ctx context.Context) ([]DeviceInfo, error) {
	return d.list, d.listErr
}

func (d *fakeDevices) GetUserMedia(ctx context.Context, c MediaConstraints) ([]LocalTrack, error) {
	d.userMediaCalls.Add(1)
	if d.userMedia != nil {
		return d.userMedia(ctx, c)
	}
	n := d.n.Add(1)
	return []LocalTrack{newFakeTrack(fmt.Sprintf("%s-%s-%d", c.Kind, c.DeviceID, n), c.Kind)}, nil
}

func (d *fakeDevices) GetDisplayMedia(ctx context.Context) ([]LocalTrack, error) {
	if d.display != nil {
		return d.display(ctx)
	}
	n := d.n.Add(1)
	return []LocalTrack{newFakeTrack(fmt.Sprintf("screen-%d", n), webrtc.RTPCodecTypeVideo)}, nil
}

type fakeRemoteTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t *fakeRemoteTrack) ID() string { return t.id }
func (t *fakeRemoteTrack) StreamID() string { return "stream" }
func (t *fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }
