// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipsignal

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
)

// For debug
// PIONS_LOG_INFO=all

// NewWebrtcAPI creates API with default codecs registered.
func NewWebrtcAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	settEng := webrtc.SettingEngine{}
	// We want UDP
	settEng.DisableActiveTCP(true)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithSettingEngine(settEng),
	), nil
}

// gatherDescription sets desc as local description and waits ICE gathering is complete.
// Returned SDP contains all candidates.
func gatherDescription(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", err
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", fmt.Errorf("ice gathering: %w", ctx.Err())
	}
	return pc.LocalDescription().SDP, nil
}

// readSenderRTCP reads RTCP of sender until it is stopped. Reading is needed
// for interceptors like NACK to work.
func readSenderRTCP(sender *webrtc.RTPSender, log zerolog.Logger) {
	log.Debug().Msg("Sender RTCP loop started")
	defer log.Debug().Msg("Sender RTCP loop stopped")

	rtcpBuf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(rtcpBuf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Msg("Sender RTCP read")
			}
			return
		}

		pkts, err := rtcp.Unmarshal(rtcpBuf[:n])
		if err != nil {
			log.Error().Err(err).Msg("Failed to unmarshal RTCP")
			continue
		}

		for _, p := range pkts {
			switch pkt := p.(type) {
			case *rtcp.PictureLossIndication:
				log.Debug().Uint32("ssrc", pkt.MediaSSRC).Msg("Remote requested keyframe")
			case *rtcp.ReceiverReport:
				for _, r := range pkt.Reports {
					log.Trace().Uint32("ssrc", r.SSRC).Uint8("fraction_lost", r.FractionLost).Uint32("jitter", r.Jitter).Msg("Receiver report")
				}
			}
		}
	}
}
