// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package icepond fetches ICE servers (STUN/TURN) from discovery service.
package icepond

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/emiago/peercall"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrSubscriptionClosed = errors.New("icepond: subscription closed")

type subscribeMessage struct {
	Action   string `json:"action"`
	Identity string `json:"identity"`
}

type iceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type serversMessage struct {
	ICEServers []iceServer `json:"iceServers"`
}

func (m serversMessage) toWebrtc() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(m.ICEServers))
	for _, s := range m.ICEServers {
		if len(s.URLs) == 0 {
			continue
		}
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, srv)
	}
	return servers
}

type ClientOption func(c *Client)

// WithRetryInterval sets delay before reconnecting lost websocket.
func WithRetryInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.retry = d
	}
}

func WithHeader(h http.Header) ClientOption {
	return func(c *Client) {
		c.header = h
	}
}

func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = d
	}
}

func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = l
	}
}

var _ peercall.IceDiscovery = (*Client)(nil)

// Client subscribes to ICE server lists over websocket.
type Client struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	retry  time.Duration
	log    zerolog.Logger
}

func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:    url,
		dialer: websocket.DefaultDialer,
		retry:  5 * time.Second,
		log:    log.Logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Subscribe(ctx context.Context, identity string) (peercall.IceSubscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	return &Subscription{
		client:   c,
		identity: identity,
		ctx:      ctx,
		cancel:   cancel,
		servers:  make(chan []webrtc.ICEServer, 1),
		done:     make(chan struct{}),
		log:      c.log.With().Str("identity", identity).Logger(),
	}, nil
}

// Subscription delivers latest ICE server lists until closed. Lost
// connection is redialed after retry interval.
type Subscription struct {
	client   *Client
	identity string
	log      zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	servers chan []webrtc.ICEServer
	done    chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
}

func (s *Subscription) Servers() <-chan []webrtc.ICEServer {
	return s.servers
}

// Initialize dials discovery service. Only first dial error is returned.
func (s *Subscription) Initialize(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrSubscriptionClosed
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	started := false
	s.startOnce.Do(func() {
		started = true
		go s.run(conn)
	})
	if !started {
		conn.Close()
		return fmt.Errorf("icepond: subscription already initialized")
	}
	return nil
}

func (s *Subscription) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := s.client.dialer.DialContext(ctx, s.client.url, s.client.header)
	if err != nil {
		return nil, fmt.Errorf("icepond dial: %w", err)
	}

	if err := conn.WriteJSON(subscribeMessage{Action: "subscribe", Identity: s.identity}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("icepond subscribe: %w", err)
	}
	return conn, nil
}

func (s *Subscription) run(conn *websocket.Conn) {
	defer close(s.done)
	defer close(s.servers)

	for {
		err := s.read(conn)
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn().Err(err).Dur("retry", s.client.retry).Msg("Ice discovery connection lost")

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.client.retry):
			}

			conn, err = s.dial(s.ctx)
			if err == nil {
				break
			}
			s.log.Debug().Err(err).Msg("Ice discovery redial failed")
		}
	}
}

func (s *Subscription) read(conn *websocket.Conn) error {
	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg serversMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Error().Err(err).Msg("Bad ice servers message")
			continue
		}
		s.deliver(msg.toWebrtc())
	}
}

// deliver keeps only latest list if reader is behind.
func (s *Subscription) deliver(servers []webrtc.ICEServer) {
	for {
		select {
		case s.servers <- servers:
			return
		default:
		}
		select {
		case <-s.servers:
		default:
		}
	}
}

// Close stops subscription and waits reader is done. It is safe to call
// more than once.
func (s *Subscription) Close() error {
	s.cancel()
	s.closeOnce.Do(func() {
		started := true
		s.startOnce.Do(func() {
			started = false
		})
		if !started {
			// Reader never ran, nothing closes channel or done
			close(s.servers)
			close(s.done)
		}
	})
	<-s.done
	return nil
}
