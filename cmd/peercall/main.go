// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/emiago/peercall"
	"github.com/emiago/peercall/devices"
	"github.com/emiago/peercall/icepond"
	"github.com/emiago/peercall/sipsignal"
	"github.com/emiago/sipgo"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `Usage:
  peercall serve [flags]        wait for calls
  peercall call <peer> [flags]  call peer, for example bob@127.0.0.1:5060`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]

	cfg, args, err := LoadConfig(os.Args[2:])
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	switch command {
	case "serve":
		err = serve(ctx, cfg)
	case "call":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		err = call(ctx, cfg, args[0])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Finished with error")
	}
}

type client struct {
	cfg     *Config
	app     *sipsignal.App
	devs    *devices.Devices
	session *peercall.CallSession
	tracks  *peercall.MediaTrackManager
}

func newClient(cfg *Config) (*client, error) {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.Identity))
	if err != nil {
		return nil, err
	}

	conf := &webrtc.Configuration{}
	app, err := sipsignal.NewApp(ua,
		sipsignal.WithTransport(sipsignal.Transport{
			Transport:    cfg.SIP.Transport,
			BindHost:     cfg.SIP.BindHost,
			BindPort:     cfg.SIP.BindPort,
			ExternalHost: cfg.SIP.ExternalHost,
			ExternalPort: cfg.SIP.ExternalPort,
		}),
		sipsignal.WithConfiguration(conf),
		sipsignal.WithReconnectWindow(cfg.ReconnectWindow),
	)
	if err != nil {
		return nil, err
	}

	opts := []peercall.CallSessionOption{
		peercall.WithIdentity(cfg.Identity),
		peercall.WithChannel(cfg.Channel),
		peercall.WithConfiguration(conf),
	}
	switch {
	case cfg.Icepond.URL != "":
		opts = append(opts, peercall.WithIceDiscovery(
			icepond.NewClient(cfg.Icepond.URL, icepond.WithRetryInterval(cfg.Icepond.Retry)),
		))
	case len(cfg.StunServers) > 0:
		opts = append(opts, peercall.WithIceDiscovery(
			icepond.Static(webrtc.ICEServer{URLs: cfg.StunServers}),
		))
	}

	devs := devices.New(deviceOptions()...)
	c := &client{
		cfg:     cfg,
		app:     app,
		devs:    devs,
		session: peercall.NewCallSession(app, opts...),
		tracks:  peercall.NewMediaTrackManager(devs),
	}

	c.session.OnChange(func(snap peercall.SessionSnapshot) {
		ev := log.Info().Str("state", snap.State.String()).Bool("data_channel", snap.DataChannelOpen)
		if snap.Ongoing != nil {
			ev = ev.Str("peer", snap.Ongoing.Peer).Str("call_id", snap.Ongoing.ID)
		}
		if snap.Incoming != nil {
			ev = ev.Str("incoming", snap.Incoming.Peer)
		}
		ev.Msg("Call state")
	})
	return c, nil
}

// onReady wires connection before it is initialized so captured tracks
// are part of first offer.
func (c *client) onReady(ctx context.Context, caller bool) peercall.ReadyFunc {
	return func(peer string, conn peercall.Connection) {
		log.Info().Str("peer", peer).Str("call_id", conn.ID()).Msg("Connecting")

		if sc, ok := conn.(*sipsignal.Connection); ok {
			sc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
				c.tracks.AddTrackToRemote(track)
				go c.drainRemote(track)
			})

			if caller {
				dc, err := sc.CreateDataChannel(c.cfg.Channel)
				if err != nil {
					log.Error().Err(err).Msg("Failed to create data channel")
				} else {
					c.wireDataChannel(dc)
				}
			} else {
				sc.OnDataChannel(c.wireDataChannel)
			}
		}

		conn.OnHungup(func() {
			c.tracks.StopAllTracks()
			c.tracks.ResetStreams()
		})

		if err := c.tracks.GetDevices(ctx, conn); err != nil {
			log.Warn().Err(err).Msg("Not all media devices are available")
		}
		go c.tracks.WatchDevices(conn.Context(), conn, c.devs.Watch(conn.Context(), c.cfg.DeviceWatch))
	}
}

func (c *client) wireDataChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		c.session.SetDataChannelOpen(true)
		if c.cfg.Message != "" {
			if err := dc.SendText(c.cfg.Message); err != nil {
				log.Error().Err(err).Msg("Failed to send message")
			}
		}
	})
	dc.OnClose(func() {
		c.session.SetDataChannelOpen(false)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		log.Info().Str("label", dc.Label()).Str("message", string(msg.Data)).Msg("Message received")
	})
}

// drainRemote reads remote media until track ends.
func (c *client) drainRemote(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("track", track.ID()).Msg("Remote track read")
			}
			c.tracks.RemoveTrackFromRemote(track.ID())
			return
		}
	}
}

func (c *client) logRemoteTracks(ctx context.Context) {
	events, unsubscribe := c.tracks.SubscribeRemote()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e := log.Info().Str("event", ev.Type.String()).Int("tracks", len(ev.Tracks))
			if ev.Track != nil {
				e = e.Str("track", ev.Track.ID()).Str("kind", ev.Track.Kind().String())
			}
			e.Msg("Remote tracks")
		}
	}
}

func (c *client) shutdown() {
	if err := c.session.Hangup(); err != nil {
		log.Error().Err(err).Msg("Hangup failed")
	}
	c.tracks.StopAllTracks()
	if err := c.session.Close(); err != nil {
		log.Error().Err(err).Msg("Closing session failed")
	}
}

func serve(ctx context.Context, cfg *Config) error {
	c, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer c.shutdown()

	if cfg.AutoAnswer {
		c.session.OnChange(func(snap peercall.SessionSnapshot) {
			if snap.State != peercall.CallStateIdle || snap.Incoming == nil {
				return
			}
			go func() {
				_, err := c.session.AnswerCall(ctx, c.onReady(ctx, false))
				if err == nil || errors.Is(err, peercall.ErrNoIncomingCall) || errors.Is(err, peercall.ErrAlreadyInCall) {
					return
				}
				log.Error().Err(err).Msg("Failed to answer call")
			}()
		})
	}

	go c.logRemoteTracks(ctx)
	if err := c.app.ServeBackground(ctx); err != nil {
		return err
	}
	log.Info().Str("identity", cfg.Identity).Bool("auto_answer", cfg.AutoAnswer).Msg("Waiting for calls")
	<-ctx.Done()
	return ctx.Err()
}

func call(ctx context.Context, cfg *Config, peer string) error {
	c, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer c.shutdown()

	go c.logRemoteTracks(ctx)
	if err := c.app.ServeBackground(ctx); err != nil {
		return err
	}

	ongoing, err := c.session.PlaceCall(ctx, peer, c.onReady(ctx, true))
	if err != nil {
		return err
	}

	select {
	case <-ongoing.Conn.Context().Done():
		log.Info().Str("call_id", ongoing.Call.ID).Msg("Call ended")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
