// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipsignal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/peercall"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
)

const ackTimeout = 10 * time.Second

// TrackLocalProvider is implemented by local tracks that can be sent with pion.
type TrackLocalProvider interface {
	TrackLocal() webrtc.TrackLocal
}

type trackSender struct {
	track  peercall.LocalTrack
	sender *webrtc.RTPSender
}

func (s *trackSender) Track() peercall.LocalTrack {
	return s.track
}

type connectionParams struct {
	id        string
	peer      string
	channel   string
	recipient sip.Uri
	resume    bool

	// set for inbound
	serverDialog *sipgo.DialogServerSession
}

var _ peercall.Connection = (*Connection)(nil)

// Connection is WebRTC peer connection negotiated over SIP dialog.
// It implements peercall.Connection.
type Connection struct {
	connectionParams

	app *App
	pc  *webrtc.PeerConnection
	neg *negotiator
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ackCh   chan struct{}
	ackOnce sync.Once

	mu            sync.Mutex
	clientDialog  *sipgo.DialogClientSession
	established   bool
	closed        bool
	senders       []*trackSender
	onHungup      []func()
	onTrack       []func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onDataChannel []func(dc *webrtc.DataChannel)
}

func newConnection(a *App, p connectionParams, conf *webrtc.Configuration) (*Connection, error) {
	if conf == nil {
		conf = &webrtc.Configuration{}
	}
	pc, err := a.api.NewPeerConnection(*conf)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		connectionParams: p,
		app:              a,
		pc:               pc,
		log:              a.log.With().Str("call_id", p.id).Str("peer", p.peer).Logger(),
		ctx:              ctx,
		cancel:           cancel,
		ackCh:            make(chan struct{}),
	}

	pc.OnTrack(c.handleTrack)
	pc.OnDataChannel(c.handleDataChannel)
	pc.OnConnectionStateChange(c.handleConnectionState)

	// Answerer is polite peer
	c.neg, err = newNegotiator(pc, c.inbound(), c.log)
	if err != nil {
		cancel()
		pc.Close()
		return nil, err
	}

	a.calls.storeLive(c)
	return c, nil
}

func (c *Connection) inbound() bool {
	return c.serverDialog != nil
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Peer() string {
	return c.peer
}

func (c *Connection) Channel() string {
	return c.channel
}

func (c *Connection) Context() context.Context {
	return c.ctx
}

// PeerConnection returns underlying pion peer connection.
func (c *Connection) PeerConnection() *webrtc.PeerConnection {
	return c.pc
}

// CreateDataChannel creates data channel. Created after Initialize it is
// negotiated in call.
func (c *Connection) CreateDataChannel(label string) (*webrtc.DataChannel, error) {
	return c.pc.CreateDataChannel(label, nil)
}

// OnTrack registers listener for remote tracks.
func (c *Connection) OnTrack(f func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = append(c.onTrack, f)
}

// OnDataChannel registers listener for data channels opened by remote.
func (c *Connection) OnDataChannel(f func(dc *webrtc.DataChannel)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDataChannel = append(c.onDataChannel, f)
}

func (c *Connection) OnHungup(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHungup = append(c.onHungup, f)
}

func (c *Connection) Initialize(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	if c.inbound() {
		return c.answer(ctx)
	}
	return c.offer(ctx)
}

func (c *Connection) offer(ctx context.Context) error {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	sdp, err := gatherDescription(ctx, c.pc, offer)
	if err != nil {
		return err
	}

	headers := []sip.Header{
		sip.NewHeader("Content-Type", "application/sdp"),
		sip.NewHeader(HeaderCallID, c.id),
	}
	if c.channel != "" {
		headers = append(headers, sip.NewHeader(HeaderChannel, c.channel))
	}
	if c.resume {
		headers = append(headers, sip.NewHeader(HeaderReplaces, c.id))
	}

	dialog, err := c.app.dialogClient.Invite(ctx, c.recipient, []byte(sdp), headers...)
	if err != nil {
		return fmt.Errorf("invite: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		dialog.Close()
		return ErrConnClosed
	}
	c.clientDialog = dialog
	c.mu.Unlock()

	if err := dialog.WaitAnswer(ctx, sipgo.AnswerOptions{}); err != nil {
		return err
	}

	body := dialog.InviteResponse.Body()
	if len(body) == 0 {
		return ErrNoAnswerBody
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(body)}
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set answer: %w", err)
	}

	if err := dialog.Ack(ctx); err != nil {
		return fmt.Errorf("ack: %w", err)
	}

	c.establish(dialog.Context())
	return nil
}

func (c *Connection) answer(ctx context.Context) error {
	dialog := c.serverDialog
	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  string(dialog.InviteRequest.Body()),
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set offer: %w", err)
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	sdp, err := gatherDescription(ctx, c.pc, answer)
	if err != nil {
		return err
	}

	c.app.calls.storeDialog(dialog.ID, c)
	if err := dialog.Respond(sip.StatusOK, "OK", []byte(sdp),
		sip.NewHeader("Content-Type", "application/sdp"),
		sip.NewHeader(HeaderCallID, c.id),
	); err != nil {
		return fmt.Errorf("respond: %w", err)
	}

	select {
	case <-c.ackCh:
	case <-dialog.Context().Done():
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(ackTimeout):
		return fmt.Errorf("no ACK received")
	}

	c.establish(dialog.Context())
	return nil
}

func (c *Connection) acked() {
	c.ackOnce.Do(func() { close(c.ackCh) })
}

func (c *Connection) establish(dialogCtx context.Context) {
	c.mu.Lock()
	c.established = true
	c.mu.Unlock()

	c.log.Info().Msg("Connection established")
	go func() {
		select {
		case <-dialogCtx.Done():
			c.endRemote()
		case <-c.ctx.Done():
		}
	}()
	c.neg.start()
}

func (c *Connection) AddTrack(track peercall.LocalTrack) (peercall.Sender, error) {
	var tl webrtc.TrackLocal
	switch t := track.(type) {
	case TrackLocalProvider:
		tl = t.TrackLocal()
	case webrtc.TrackLocal:
		tl = t
	}
	if tl == nil {
		return nil, fmt.Errorf("track %s has no pion local track", track.ID())
	}

	sender, err := c.pc.AddTrack(tl)
	if err != nil {
		return nil, err
	}
	go readSenderRTCP(sender, c.log.With().Str("track", track.ID()).Logger())

	s := &trackSender{track: track, sender: sender}
	c.mu.Lock()
	c.senders = append(c.senders, s)
	c.mu.Unlock()
	return s, nil
}

func (c *Connection) RemoveTrack(sender peercall.Sender) error {
	s, ok := sender.(*trackSender)
	if !ok {
		return fmt.Errorf("sender %T does not belong to connection", sender)
	}

	c.mu.Lock()
	for i, v := range c.senders {
		if v == s {
			c.senders = append(c.senders[:i], c.senders[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	return c.pc.RemoveTrack(s.sender)
}

func (c *Connection) SetConfiguration(conf *webrtc.Configuration) error {
	return c.pc.SetConfiguration(*conf)
}

// Close ends call. Hungup listeners are not called.
func (c *Connection) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.log.Info().Msg("Closing connection")
	return c.teardown(true)
}

// endRemote ends connection as hung up by remote.
func (c *Connection) endRemote() {
	if !c.markClosed() {
		return
	}
	c.log.Info().Msg("Remote hung up")
	if err := c.teardown(false); err != nil {
		c.log.Error().Err(err).Msg("Teardown failed")
	}
	c.fireHungup()
}

func (c *Connection) transportFailed() {
	if !c.markClosed() {
		return
	}
	c.log.Warn().Msg("Transport failed, ending call")
	if err := c.teardown(true); err != nil {
		c.log.Debug().Err(err).Msg("Teardown failed")
	}
	c.fireHungup()
}

func (c *Connection) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func (c *Connection) teardown(bye bool) error {
	c.cancel()

	c.mu.Lock()
	cd := c.clientDialog
	established := c.established
	c.mu.Unlock()

	var errs []error
	if bye {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		switch {
		case established && cd != nil:
			errs = append(errs, cd.Bye(ctx))
		case established && c.serverDialog != nil:
			errs = append(errs, c.serverDialog.Bye(ctx))
		case c.serverDialog != nil:
			// Not answered yet. Fails if answer is already on the way.
			c.serverDialog.Respond(sip.StatusTemporarilyUnavailable, "Temporarly unavailable", nil)
		}
	}
	if cd != nil {
		cd.Close()
	}

	if err := c.pc.Close(); err != nil {
		errs = append(errs, err)
	}

	dialogID := ""
	if c.serverDialog != nil {
		dialogID = c.serverDialog.ID
	}
	c.app.calls.ended(c, dialogID)
	return errors.Join(errs...)
}

func (c *Connection) fireHungup() {
	c.mu.Lock()
	listeners := append([]func(){}, c.onHungup...)
	c.mu.Unlock()
	for _, f := range listeners {
		f()
	}
}

func (c *Connection) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	c.log.Info().Str("kind", track.Kind().String()).Str("track", track.ID()).Msg("Remote track")
	c.mu.Lock()
	listeners := append([]func(*webrtc.TrackRemote, *webrtc.RTPReceiver){}, c.onTrack...)
	c.mu.Unlock()
	for _, f := range listeners {
		f(track, receiver)
	}
}

func (c *Connection) handleDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	listeners := append([]func(*webrtc.DataChannel){}, c.onDataChannel...)
	c.mu.Unlock()
	for _, f := range listeners {
		f(dc)
	}
}

func (c *Connection) handleConnectionState(state webrtc.PeerConnectionState) {
	c.log.Debug().Str("state", state.String()).Msg("Peer connection state changed")
	if state == webrtc.PeerConnectionStateFailed {
		go c.transportFailed()
	}
}
