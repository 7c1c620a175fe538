// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipsignal

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/emiago/peercall"
	"github.com/emiago/sipgo"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	m.Run()
}

func TestParsePeer(t *testing.T) {
	uri, err := ParsePeer("bob@127.0.0.1:5090")
	require.NoError(t, err)
	assert.Equal(t, "bob", uri.User)
	assert.Equal(t, "127.0.0.1", uri.Host)
	assert.Equal(t, 5090, uri.Port)

	uri, err = ParsePeer("sip:alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", uri.User)
	assert.Equal(t, "example.com", uri.Host)
}

func TestAppReconnectUnknownCall(t *testing.T) {
	ua, _ := sipgo.NewUA()
	app, err := NewApp(ua)
	require.NoError(t, err)

	_, err = app.Reconnect(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownCall)
}

func testApp(t *testing.T, name string, port int) *App {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(name))
	require.NoError(t, err)
	t.Cleanup(func() { ua.Close() })

	app, err := NewApp(ua, WithTransport(Transport{
		Transport: "udp",
		BindHost:  "127.0.0.1",
		BindPort:  port,
	}))
	require.NoError(t, err)
	return app
}

type sampleTrack struct {
	*webrtc.TrackLocalStaticSample
	enabled bool
}

func newSampleTrack(t *testing.T, id string) *sampleTrack {
	tl, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "peercall")
	require.NoError(t, err)
	return &sampleTrack{TrackLocalStaticSample: tl, enabled: true}
}

func (s *sampleTrack) Enabled() bool           { return s.enabled }
func (s *sampleTrack) SetEnabled(enabled bool) { s.enabled = enabled }
func (s *sampleTrack) OnEnded(f func())        {}
func (s *sampleTrack) Stop() error             { return nil }

// writeSamples feeds track until ctx is done. Remote track is reported
// only after first packet arrives.
func writeSamples(ctx context.Context, track *sampleTrack) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		track.WriteSample(media.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond})
	}
}

// establishCall calls bob from alice and waits both sides are initialized.
// onAccept runs on bob connection before Initialize.
func establishCall(t *testing.T, ctx context.Context, alice, bob *App, onAccept func(conn *Connection)) (*Connection, *Connection) {
	t.Helper()
	accepted := make(chan *Connection, 1)
	bob.OnIncomingCall(func(ic peercall.IncomingCall) {
		go func() {
			conn, err := ic.Accept()
			if !assert.NoError(t, err) {
				return
			}
			c := conn.(*Connection)
			if onAccept != nil {
				onAccept(c)
			}
			if assert.NoError(t, c.Initialize(ctx)) {
				accepted <- c
			}
		}()
	})

	conn, err := alice.Call("bob@127.0.0.1:15161", "test")
	require.NoError(t, err)
	require.NoError(t, conn.Initialize(ctx))

	select {
	case remote := <-accepted:
		return conn.(*Connection), remote
	case <-time.After(5 * time.Second):
		conn.Close()
		t.Fatal("callee did not establish connection")
	}
	return nil, nil
}

func waitTrack(t *testing.T, tracks <-chan *webrtc.TrackRemote, id string) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case tr := <-tracks:
			if tr.ID() == id {
				return
			}
		case <-timeout:
			t.Fatalf("remote track %s not received", id)
		}
	}
}

func TestIntegrationAppCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := testApp(t, "alice", 15160)
	bob := testApp(t, "bob", 15161)
	require.NoError(t, alice.ServeBackground(ctx))
	require.NoError(t, bob.ServeBackground(ctx))

	t.Run("Answered", func(t *testing.T) {
		bobConn := make(chan peercall.Connection, 1)
		bobHungup := make(chan struct{})
		bob.OnIncomingCall(func(ic peercall.IncomingCall) {
			assert.Equal(t, "test", ic.Call().Channel)
			go func() {
				conn, err := ic.Accept()
				if !assert.NoError(t, err) {
					return
				}
				conn.OnHungup(func() { close(bobHungup) })
				if assert.NoError(t, conn.Initialize(ctx)) {
					bobConn <- conn
				}
			}()
		})

		conn, err := alice.Call("bob@127.0.0.1:15161", "test")
		require.NoError(t, err)
		require.NoError(t, conn.Initialize(ctx))

		var remote peercall.Connection
		select {
		case remote = <-bobConn:
		case <-time.After(5 * time.Second):
			t.Fatal("callee did not establish connection")
		}
		assert.Equal(t, conn.ID(), remote.ID())

		require.NoError(t, conn.Close())
		select {
		case <-bobHungup:
		case <-time.After(5 * time.Second):
			t.Fatal("callee was not hung up")
		}
		assert.Error(t, remote.Context().Err())

		// Ended call stays resumable
		_, ok := alice.calls.record(conn.ID())
		assert.True(t, ok)
	})

	t.Run("Renegotiation", func(t *testing.T) {
		bobTracks := make(chan *webrtc.TrackRemote, 4)
		aliceConn, bobConn := establishCall(t, ctx, alice, bob, func(conn *Connection) {
			conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) { bobTracks <- track })
		})
		defer aliceConn.Close()

		track := newSampleTrack(t, "alice-mic")
		_, err := aliceConn.AddTrack(track)
		require.NoError(t, err)
		go writeSamples(aliceConn.Context(), track)

		waitTrack(t, bobTracks, "alice-mic")
		assert.NoError(t, bobConn.Context().Err())
	})

	t.Run("RenegotiationCollision", func(t *testing.T) {
		bobTracks := make(chan *webrtc.TrackRemote, 4)
		aliceConn, bobConn := establishCall(t, ctx, alice, bob, func(conn *Connection) {
			conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) { bobTracks <- track })
		})
		defer aliceConn.Close()
		aliceTracks := make(chan *webrtc.TrackRemote, 4)
		aliceConn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) { aliceTracks <- track })

		// Both sides offer at once, bob as callee is polite one
		aliceTrack := newSampleTrack(t, "alice-mic")
		bobTrack := newSampleTrack(t, "bob-mic")
		_, err := aliceConn.AddTrack(aliceTrack)
		require.NoError(t, err)
		_, err = bobConn.AddTrack(bobTrack)
		require.NoError(t, err)
		go writeSamples(aliceConn.Context(), aliceTrack)
		go writeSamples(bobConn.Context(), bobTrack)

		waitTrack(t, bobTracks, "alice-mic")
		waitTrack(t, aliceTracks, "bob-mic")

		assert.Eventually(t, func() bool {
			return aliceConn.PeerConnection().SignalingState() == webrtc.SignalingStateStable &&
				bobConn.PeerConnection().SignalingState() == webrtc.SignalingStateStable
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("Rejected", func(t *testing.T) {
		bob.OnIncomingCall(func(ic peercall.IncomingCall) {
			go func() {
				assert.NoError(t, ic.Reject())
				assert.ErrorIs(t, ic.Reject(), ErrCallDecided)
			}()
		})

		conn, err := alice.Call("bob@127.0.0.1:15161", "test")
		require.NoError(t, err)
		require.Error(t, conn.Initialize(ctx))
		conn.Close()
	})

	t.Run("NoHandler", func(t *testing.T) {
		bob.OnIncomingCall(nil)

		conn, err := alice.Call("bob@127.0.0.1:15161", "")
		require.NoError(t, err)
		require.Error(t, conn.Initialize(ctx))
		conn.Close()
	})
}
