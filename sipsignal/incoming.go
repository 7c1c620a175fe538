// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipsignal

import (
	"context"
	"sync"

	"github.com/emiago/peercall"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pion/webrtc/v3"
)

var _ peercall.IncomingCall = (*incomingCall)(nil)

type incomingCall struct {
	app     *App
	dialog  *sipgo.DialogServerSession
	call    peercall.Call
	resumed bool

	ctx    context.Context
	cancel context.CancelFunc
	// decision is closed on accept or reject
	decision chan struct{}

	mu      sync.Mutex
	conf    *webrtc.Configuration
	decided bool
	conn    *Connection
}

func newIncomingCall(a *App, dialog *sipgo.DialogServerSession, call peercall.Call, resumed bool, conf *webrtc.Configuration) *incomingCall {
	ctx, cancel := context.WithCancel(dialog.Context())
	return &incomingCall{
		app:      a,
		dialog:   dialog,
		call:     call,
		resumed:  resumed,
		ctx:      ctx,
		cancel:   cancel,
		decision: make(chan struct{}),
		conf:     conf,
	}
}

func (ic *incomingCall) Call() peercall.Call {
	return ic.call
}

// Resumed reports whether caller resumes earlier call with same id.
func (ic *incomingCall) Resumed() bool {
	return ic.resumed
}

// Context is done once call is answered, rejected or canceled by caller.
func (ic *incomingCall) Context() context.Context {
	return ic.ctx
}

func (ic *incomingCall) SetConfiguration(conf *webrtc.Configuration) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.conf = conf
}

// Accept creates connection for the call. Call is answered with
// connection Initialize.
func (ic *incomingCall) Accept() (peercall.Connection, error) {
	ic.mu.Lock()
	if ic.decided {
		ic.mu.Unlock()
		return nil, ErrCallDecided
	}
	ic.decided = true
	conf := ic.conf
	ic.mu.Unlock()
	defer ic.decide()

	conn, err := newConnection(ic.app, connectionParams{
		id:           ic.call.ID,
		peer:         ic.call.Peer,
		channel:      ic.call.Channel,
		recipient:    ic.dialog.InviteRequest.From().Address,
		serverDialog: ic.dialog,
	}, conf)
	if err != nil {
		ic.dialog.Respond(sip.StatusTemporarilyUnavailable, "Temporarly unavailable", nil)
		return nil, err
	}

	ic.mu.Lock()
	ic.conn = conn
	ic.mu.Unlock()
	return conn, nil
}

func (ic *incomingCall) Reject() error {
	ic.mu.Lock()
	if ic.decided {
		ic.mu.Unlock()
		return ErrCallDecided
	}
	ic.decided = true
	ic.mu.Unlock()
	defer ic.decide()

	return ic.dialog.Respond(sip.StatusBusyHere, "Busy Here", nil)
}

func (ic *incomingCall) decide() {
	ic.cancel()
	close(ic.decision)
}

// withdraw is called when caller canceled before decision.
func (ic *incomingCall) withdraw() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.decided = true
	ic.cancel()
}

func (ic *incomingCall) connection() *Connection {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.conn
}
