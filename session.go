// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package peercall

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type CallSessionOption func(s *CallSession)

// WithChannel sets channel name used for outbound calls.
func WithChannel(channel string) CallSessionOption {
	return func(s *CallSession) {
		s.channel = channel
	}
}

func WithIdentity(identity string) CallSessionOption {
	return func(s *CallSession) {
		s.identity = identity
	}
}

func WithIceDiscovery(d IceDiscovery) CallSessionOption {
	return func(s *CallSession) {
		s.discovery = d
	}
}

// WithConfiguration sets initial ice configuration.
func WithConfiguration(conf *webrtc.Configuration) CallSessionOption {
	return func(s *CallSession) {
		s.config = conf
	}
}

func WithLogger(l zerolog.Logger) CallSessionOption {
	return func(s *CallSession) {
		s.log = l
	}
}

// CallSession holds at most one call with a remote peer and at most one
// pending incoming call.
type CallSession struct {
	signaling Signaling
	discovery IceDiscovery
	identity  string
	channel   string
	log       zerolog.Logger

	mu              sync.Mutex
	state           CallState
	config          *webrtc.Configuration
	incoming        IncomingCall
	ongoing         *OngoingCall
	pending         *pendingCall
	isCaller        bool
	dataChannelOpen bool
	// gen changes whenever call slot is cleared. In flight establish
	// compares it to detect hangup.
	gen       uint64
	iceCancel context.CancelFunc
	onChange  []func(SessionSnapshot)
}

type pendingCall struct {
	gen  uint64
	conn Connection
}

func NewCallSession(sig Signaling, opts ...CallSessionOption) *CallSession {
	s := &CallSession{
		signaling: sig,
		channel:   "peercall",
		log:       log.Logger,
	}
	for _, o := range opts {
		o(s)
	}
	if s.config == nil {
		s.config = &webrtc.Configuration{}
	}
	s.log = s.log.With().Str("caller", "CallSession").Logger()

	sig.SetConfiguration(s.config)
	sig.OnIncomingCall(s.handleIncomingCall)
	return s
}

// PlaceCall calls peer on session channel. onReady is called before
// connection is initialized.
func (s *CallSession) PlaceCall(ctx context.Context, peer string, onReady ReadyFunc) (*OngoingCall, error) {
	return s.establish(ctx, true, peer, onReady, func(ctx context.Context) (Connection, error) {
		return s.signaling.Call(peer, s.channel)
	})
}

// AnswerCall accepts pending incoming call. Incoming slot is cleared
// regardless of the outcome.
func (s *CallSession) AnswerCall(ctx context.Context, onReady ReadyFunc) (*OngoingCall, error) {
	s.mu.Lock()
	ic := s.incoming
	s.mu.Unlock()
	if ic == nil {
		return nil, ErrNoIncomingCall
	}

	peer := ic.Call().Peer
	return s.establish(ctx, false, peer, onReady, func(ctx context.Context) (Connection, error) {
		s.mu.Lock()
		if s.incoming != ic {
			s.mu.Unlock()
			return nil, ErrNoIncomingCall
		}
		s.incoming = nil
		s.mu.Unlock()
		return ic.Accept()
	})
}

// ReconnectCall resumes call by its id. Peer is taken from connection.
func (s *CallSession) ReconnectCall(ctx context.Context, id string, onReady ReadyFunc) (*OngoingCall, error) {
	return s.establish(ctx, false, "", onReady, func(ctx context.Context) (Connection, error) {
		return s.signaling.Reconnect(ctx, id)
	})
}

// establish is shared by place, answer and reconnect. It reserves call slot,
// obtains connection with acquire, runs onReady and initializes connection.
func (s *CallSession) establish(ctx context.Context, isCaller bool, peer string, onReady ReadyFunc, acquire func(ctx context.Context) (Connection, error)) (*OngoingCall, error) {
	s.mu.Lock()
	if s.state != CallStateIdle {
		s.mu.Unlock()
		return nil, ErrAlreadyInCall
	}
	s.gen++
	p := &pendingCall{gen: s.gen}
	s.pending = p
	s.state = CallStateConnecting
	s.mu.Unlock()
	s.notify()

	conn, err := acquire(ctx)
	if err != nil {
		s.rollback(p)
		if errors.Is(err, ErrNoIncomingCall) {
			return nil, err
		}
		return nil, &ConnectionInitError{Peer: peer, Err: err}
	}
	if peer == "" {
		peer = conn.Peer()
	}
	log := s.log.With().Str("peer", peer).Str("call_id", conn.ID()).Logger()

	s.mu.Lock()
	if s.gen != p.gen {
		s.mu.Unlock()
		closeAndLog(conn, "Failed to close stale connection")
		return nil, ErrCallEnded
	}
	p.conn = conn
	s.mu.Unlock()

	conn.OnHungup(func() { s.hungup(conn) })
	if onReady != nil {
		onReady(peer, conn)
	}

	log.Debug().Bool("caller", isCaller).Msg("Initializing connection")
	if err := conn.Initialize(ctx); err != nil {
		if !s.rollback(p) {
			return nil, ErrCallEnded
		}
		closeAndLog(conn, "Failed to close connection")
		return nil, &ConnectionInitError{Peer: peer, Err: err}
	}

	ongoing := &OngoingCall{
		Conn: conn,
		Call: Call{
			Peer:    peer,
			Channel: conn.Channel(),
			ID:      conn.ID(),
		},
	}

	s.mu.Lock()
	if s.gen != p.gen {
		s.mu.Unlock()
		closeAndLog(conn, "Failed to close stale connection")
		return nil, ErrCallEnded
	}
	s.pending = nil
	s.ongoing = ongoing
	s.isCaller = isCaller
	s.state = CallStateActive
	s.mu.Unlock()

	log.Info().Msg("Call established")
	s.startIceDiscovery(ongoing)
	s.notify()
	return ongoing, nil
}

// rollback returns session to idle if p is still current attempt.
func (s *CallSession) rollback(p *pendingCall) bool {
	s.mu.Lock()
	if s.gen != p.gen || s.pending != p {
		s.mu.Unlock()
		return false
	}
	s.gen++
	s.pending = nil
	s.state = CallStateIdle
	s.mu.Unlock()
	s.notify()
	return true
}

// RejectCall rejects pending incoming call.
func (s *CallSession) RejectCall() error {
	s.mu.Lock()
	ic := s.incoming
	s.incoming = nil
	s.mu.Unlock()
	if ic == nil {
		return ErrNoIncomingCall
	}
	s.notify()

	s.log.Info().Str("peer", ic.Call().Peer).Msg("Rejecting incoming call")
	return ic.Reject()
}

// Hangup ends ongoing call or aborts call being established.
// Without a call it does nothing.
func (s *CallSession) Hangup() error {
	s.mu.Lock()
	var conn Connection
	switch {
	case s.ongoing != nil:
		conn = s.ongoing.Conn
		s.ongoing = nil
	case s.pending != nil:
		conn = s.pending.conn
		s.pending = nil
	default:
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	s.isCaller = false
	s.dataChannelOpen = false
	s.state = CallStateEnding
	iceCancel := s.iceCancel
	s.iceCancel = nil
	s.mu.Unlock()
	if iceCancel != nil {
		iceCancel()
	}
	s.notify()

	var err error
	if conn != nil {
		s.log.Info().Str("call_id", conn.ID()).Msg("Hanging up")
		err = conn.Close()
	}

	s.mu.Lock()
	if s.gen == gen && s.state == CallStateEnding {
		s.state = CallStateIdle
	}
	s.mu.Unlock()
	s.notify()
	return err
}

// hungup handles remote hangup of conn. Connection is not closed.
func (s *CallSession) hungup(conn Connection) {
	s.mu.Lock()
	switch {
	case s.ongoing != nil && s.ongoing.Conn == conn:
		s.ongoing = nil
	case s.pending != nil && s.pending.conn == conn:
		s.pending = nil
	default:
		s.mu.Unlock()
		return
	}
	s.gen++
	s.isCaller = false
	s.dataChannelOpen = false
	s.state = CallStateIdle
	iceCancel := s.iceCancel
	s.iceCancel = nil
	s.mu.Unlock()
	if iceCancel != nil {
		iceCancel()
	}

	s.log.Info().Str("call_id", conn.ID()).Msg("Remote hung up")
	s.notify()
}

func (s *CallSession) handleIncomingCall(ic IncomingCall) {
	call := ic.Call()
	s.mu.Lock()
	if s.incoming != nil {
		s.mu.Unlock()
		s.log.Info().Str("peer", call.Peer).Msg("Rejecting incoming call, another one is pending")
		if err := ic.Reject(); err != nil {
			s.log.Error().Err(err).Msg("Failed to reject incoming call")
		}
		return
	}
	s.incoming = ic
	conf := s.config
	s.mu.Unlock()

	ic.SetConfiguration(conf)
	s.log.Info().Str("peer", call.Peer).Str("call_id", call.ID).Msg("Incoming call")
	s.notify()

	go func() {
		<-ic.Context().Done()
		s.mu.Lock()
		if s.incoming != ic {
			s.mu.Unlock()
			return
		}
		s.incoming = nil
		s.mu.Unlock()
		s.log.Info().Str("peer", call.Peer).Msg("Incoming call withdrawn")
		s.notify()
	}()
}

// SetDataChannelOpen records whether call data channel is open.
func (s *CallSession) SetDataChannelOpen(open bool) {
	s.mu.Lock()
	s.dataChannelOpen = open
	s.mu.Unlock()
	s.notify()
}

func (s *CallSession) Ongoing() (*OngoingCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ongoing, s.ongoing != nil
}

func (s *CallSession) Incoming() (IncomingCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incoming, s.incoming != nil
}

// Configuration returns current ice configuration. It must not be modified.
func (s *CallSession) Configuration() *webrtc.Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

func (s *CallSession) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *CallSession) snapshot() SessionSnapshot {
	snap := SessionSnapshot{
		State:           s.state,
		IsCaller:        s.isCaller,
		DataChannelOpen: s.dataChannelOpen,
	}
	if s.incoming != nil {
		c := s.incoming.Call()
		snap.Incoming = &c
	}
	if s.ongoing != nil {
		c := s.ongoing.Call
		snap.Ongoing = &c
	}
	return snap
}

// OnChange registers listener called with snapshot after every state change.
// Listener must not block.
func (s *CallSession) OnChange(f func(snap SessionSnapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, f)
}

func (s *CallSession) notify() {
	s.mu.Lock()
	if len(s.onChange) == 0 {
		s.mu.Unlock()
		return
	}
	snap := s.snapshot()
	listeners := append([]func(SessionSnapshot){}, s.onChange...)
	s.mu.Unlock()

	for _, f := range listeners {
		f(snap)
	}
}

// Close hangs up and stops ice discovery.
func (s *CallSession) Close() error {
	err := s.Hangup()
	s.stopIceDiscovery()
	return err
}
