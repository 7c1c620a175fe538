// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipsignal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/peercall"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// HeaderCallID carries call id shared by both peers.
	HeaderCallID  = "X-Peercall-Id"
	HeaderChannel = "X-Peercall-Channel"
	// HeaderReplaces marks INVITE resuming earlier call with same id.
	HeaderReplaces = "X-Peercall-Replaces"
)

var (
	ErrUnknownCall  = errors.New("sipsignal: unknown call")
	ErrCallDecided  = errors.New("sipsignal: incoming call already answered or rejected")
	ErrConnClosed   = errors.New("sipsignal: connection closed")
	ErrNoAnswerBody = errors.New("sipsignal: no SDP in response")
)

type Transport struct {
	// Transport must be udp, tcp or ws
	Transport string
	BindHost  string
	BindPort  int

	// ExternalHost is used in Contact header if set
	ExternalHost string
	ExternalPort int
}

type AppOption func(a *App)

func WithTransport(t Transport) AppOption {
	return func(a *App) {
		a.transport = t
	}
}

func WithWebrtcAPI(api *webrtc.API) AppOption {
	return func(a *App) {
		a.api = api
	}
}

// WithConfiguration sets initial configuration for new peer connections.
func WithConfiguration(conf *webrtc.Configuration) AppOption {
	return func(a *App) {
		a.conf = conf
	}
}

func WithLogger(l zerolog.Logger) AppOption {
	return func(a *App) {
		a.log = l
	}
}

// WithReconnectWindow sets how long ended calls can be resumed with Reconnect.
func WithReconnectWindow(d time.Duration) AppOption {
	return func(a *App) {
		a.calls.window = d
	}
}

var _ peercall.Signaling = (*App)(nil)

// App is SIP user agent carrying WebRTC session descriptions. It implements
// peercall.Signaling.
type App struct {
	ua        *sipgo.UserAgent
	client    *sipgo.Client
	server    *sipgo.Server
	transport Transport

	dialogServer *sipgo.DialogServer
	dialogClient *sipgo.DialogClient

	api *webrtc.API
	log zerolog.Logger

	calls *callCache

	mu         sync.Mutex
	conf       *webrtc.Configuration
	onIncoming func(ic peercall.IncomingCall)
}

func NewApp(ua *sipgo.UserAgent, opts ...AppOption) (*App, error) {
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, fmt.Errorf("sip client: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("sip server: %w", err)
	}

	a := &App{
		ua:     ua,
		client: client,
		server: server,
		log:    log.Logger,
		conf:   &webrtc.Configuration{},
		calls:  newCallCache(time.Minute),
		transport: Transport{
			Transport: "udp",
			BindHost:  "127.0.0.1",
			BindPort:  5060,
		},
	}
	for _, o := range opts {
		o(a)
	}
	if a.api == nil {
		a.api, err = NewWebrtcAPI()
		if err != nil {
			return nil, err
		}
	}

	host, port := a.transport.BindHost, a.transport.BindPort
	if a.transport.ExternalHost != "" {
		host = a.transport.ExternalHost
	}
	if a.transport.ExternalPort > 0 {
		port = a.transport.ExternalPort
	}
	contactHDR := sip.ContactHeader{
		Address: sip.Uri{
			User:      ua.Name(),
			Host:      host,
			Port:      port,
			UriParams: sip.NewParams(),
		},
	}

	a.dialogServer = sipgo.NewDialogServer(client, contactHDR)
	a.dialogClient = sipgo.NewDialogClient(client, contactHDR)

	server.OnInvite(a.handleInvite)

	server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		if err := a.dialogServer.ReadAck(req, tx); err != nil {
			a.log.Debug().Err(err).Msg("ACK outside of dialog")
			return
		}
		id, err := sip.UASReadRequestDialogID(req)
		if err != nil {
			return
		}
		if conn, ok := a.calls.loadDialog(id); ok {
			conn.acked()
		}
	})

	server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		err := a.dialogServer.ReadBye(req, tx)
		if errors.Is(err, sipgo.ErrDialogDoesNotExists) {
			err = a.dialogClient.ReadBye(req, tx)
		}

		if err != nil {
			a.log.Error().Err(err).Msg("Bye finished with error")
		}
	})

	server.OnCancel(func(req *sip.Request, tx sip.ServerTransaction) {
		// Matched CANCEL is handled by transaction layer
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
	})

	server.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	})

	return a, nil
}

func (a *App) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	dialog, err := a.dialogServer.ReadInvite(req, tx)
	if err != nil {
		a.log.Error().Err(err).Msg("Handling new INVITE failed")
		return
	}
	defer dialog.Close()

	call := peercall.Call{
		Peer:    req.From().Address.String(),
		Channel: headerValue(req, HeaderChannel),
		ID:      headerValue(req, HeaderCallID),
	}
	if call.ID == "" {
		call.ID = req.CallID().Value()
	}
	log := a.log.With().Str("peer", call.Peer).Str("call_id", call.ID).Logger()

	resumed := headerValue(req, HeaderReplaces) != ""
	if resumed {
		// Peer lost the call. Whatever we still hold for this id is stale.
		if old, ok := a.calls.loadLive(call.ID); ok {
			log.Info().Msg("Ending stale connection of resumed call")
			old.endRemote()
		}
	}

	handler := a.incomingHandler()
	if handler == nil {
		if err := dialog.Respond(sip.StatusTemporarilyUnavailable, "Temporarly unavailable", nil); err != nil {
			log.Error().Err(err).Msg("Failed to respond")
		}
		return
	}

	if err := dialog.Respond(sip.StatusTrying, "Trying", nil); err != nil {
		log.Error().Err(err).Msg("Failed to send 100 Trying")
		return
	}
	if err := dialog.Respond(sip.StatusRinging, "Ringing", nil); err != nil {
		log.Error().Err(err).Msg("Failed to send 180 Ringing")
		return
	}

	recipient := req.From().Address
	if cont := req.Contact(); cont != nil {
		recipient = cont.Address
	}
	a.calls.remember(callRecord{
		ID:        call.ID,
		Peer:      call.Peer,
		Channel:   call.Channel,
		Recipient: recipient,
	})

	ic := newIncomingCall(a, dialog, call, resumed, a.Configuration())
	log.Info().Bool("resumed", resumed).Msg("Incoming call")
	handler(ic)

	select {
	case <-ic.decision:
	case <-tx.Done():
		log.Info().Msg("Incoming call canceled")
		ic.withdraw()
		return
	case <-dialog.Context().Done():
		ic.withdraw()
		return
	}

	conn := ic.connection()
	if conn == nil {
		return
	}
	// Dialog must live as long as connection
	<-conn.Context().Done()
}

func (a *App) incomingHandler() func(ic peercall.IncomingCall) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.onIncoming
}

// OnIncomingCall sets handler for inbound calls. Without handler calls are
// answered with 480.
func (a *App) OnIncomingCall(f func(ic peercall.IncomingCall)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onIncoming = f
}

// SetConfiguration sets configuration used for new peer connections.
func (a *App) SetConfiguration(conf *webrtc.Configuration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conf = conf
}

func (a *App) Configuration() *webrtc.Configuration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conf
}

// Call creates outbound connection to peer. Peer is SIP URI, scheme can be omitted.
// INVITE is sent on Initialize.
func (a *App) Call(peer string, channel string) (peercall.Connection, error) {
	recipient, err := ParsePeer(peer)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	conn, err := newConnection(a, connectionParams{
		id:        id,
		peer:      peer,
		channel:   channel,
		recipient: recipient,
	}, a.Configuration())
	if err != nil {
		return nil, err
	}

	a.calls.remember(callRecord{ID: id, Peer: peer, Channel: channel, Recipient: recipient})
	return conn, nil
}

// Reconnect creates connection resuming call id with same peer. Call must
// be known and ended not longer than reconnect window ago.
func (a *App) Reconnect(ctx context.Context, id string) (peercall.Connection, error) {
	rec, ok := a.calls.record(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}

	if old, ok := a.calls.loadLive(id); ok {
		if err := old.Close(); err != nil {
			a.log.Error().Err(err).Str("call_id", id).Msg("Failed to close stale connection")
		}
	}

	conn, err := newConnection(a, connectionParams{
		id:        rec.ID,
		peer:      rec.Peer,
		channel:   rec.Channel,
		recipient: rec.Recipient,
		resume:    true,
	}, a.Configuration())
	if err != nil {
		return nil, err
	}
	// Call is live again, window restarts when it ends
	rec.endedAt = time.Time{}
	a.calls.remember(rec)
	return conn, nil
}

// Serve starts listening on transport. It blocks until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	tran := a.transport
	hostport := net.JoinHostPort(tran.BindHost, strconv.Itoa(tran.BindPort))
	a.log.Info().Str("transport", tran.Transport).Str("addr", hostport).Msg("Listening")
	return a.server.ListenAndServe(ctx, tran.Transport, hostport)
}

// ServeBackground starts serving in background but waits server listener started before returning
func (a *App) ServeBackground(ctx context.Context) error {
	ch := make(chan struct{})
	ctx = context.WithValue(ctx, sipgo.ListenReadyCtxKey, sipgo.ListenReadyCtxValue(ch))

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Serve(ctx)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	case <-ch:
		return nil
	}
}

// ParsePeer parses peer address to SIP URI.
func ParsePeer(peer string) (sip.Uri, error) {
	if !strings.HasPrefix(peer, "sip:") && !strings.HasPrefix(peer, "sips:") {
		peer = "sip:" + peer
	}
	var uri sip.Uri
	if err := sip.ParseUri(peer, &uri); err != nil {
		return uri, fmt.Errorf("parse peer %q: %w", peer, err)
	}
	return uri, nil
}

func headerValue(req *sip.Request, name string) string {
	h := req.GetHeader(name)
	if h == nil {
		return ""
	}
	return h.Value()
}
