// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipsignal

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
)

const negotiationLabel = "peercall-negotiation"

// Same id is used by both peers, channel is not announced in SDP.
var negotiationChannelID uint16 = 4094

type negotiationMessage struct {
	Description *webrtc.SessionDescription `json:"description"`
}

// negotiator renegotiates established call over data channel. If both
// peers offer at the same time, polite peer rolls back its offer.
type negotiator struct {
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	polite bool
	log    zerolog.Logger

	mu     sync.Mutex
	ready  bool
	open   bool
	needed bool
}

func newNegotiator(pc *webrtc.PeerConnection, polite bool, log zerolog.Logger) (*negotiator, error) {
	negotiated := true
	id := negotiationChannelID
	dc, err := pc.CreateDataChannel(negotiationLabel, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		return nil, fmt.Errorf("negotiation channel: %w", err)
	}

	n := &negotiator{
		pc:     pc,
		dc:     dc,
		polite: polite,
		log:    log,
	}

	dc.OnOpen(func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.open = true
		n.offerLocked()
	})
	dc.OnMessage(n.handleMessage)
	pc.OnNegotiationNeeded(func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.needed = true
		n.offerLocked()
	})
	return n, nil
}

// start is called once initial negotiation over SIP completed.
func (n *negotiator) start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ready = true
	n.offerLocked()
}

func (n *negotiator) offerLocked() {
	if !n.ready || !n.open || !n.needed {
		return
	}
	if n.pc.SignalingState() != webrtc.SignalingStateStable {
		// Retried when current exchange completes
		return
	}
	n.needed = false

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		n.log.Error().Err(err).Msg("Renegotiation offer failed")
		return
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		n.log.Error().Err(err).Msg("Renegotiation set local offer failed")
		return
	}
	n.sendLocked(n.pc.LocalDescription())
}

func (n *negotiator) handleMessage(msg webrtc.DataChannelMessage) {
	var m negotiationMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil || m.Description == nil {
		n.log.Error().Err(err).Msg("Invalid negotiation message")
		return
	}
	desc := *m.Description

	n.mu.Lock()
	defer n.mu.Unlock()

	collision := desc.Type == webrtc.SDPTypeOffer && n.pc.SignalingState() != webrtc.SignalingStateStable
	if collision {
		if !n.polite {
			n.log.Debug().Msg("Ignoring colliding offer")
			return
		}
		if err := n.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			n.log.Error().Err(err).Msg("Rollback failed")
			return
		}
		// Our changes still need to be offered
		n.needed = true
	}

	if err := n.pc.SetRemoteDescription(desc); err != nil {
		n.log.Error().Err(err).Str("type", desc.Type.String()).Msg("Set remote description failed")
		return
	}

	if desc.Type == webrtc.SDPTypeOffer {
		answer, err := n.pc.CreateAnswer(nil)
		if err != nil {
			n.log.Error().Err(err).Msg("Renegotiation answer failed")
			return
		}
		if err := n.pc.SetLocalDescription(answer); err != nil {
			n.log.Error().Err(err).Msg("Renegotiation set local answer failed")
			return
		}
		n.sendLocked(n.pc.LocalDescription())
	}

	n.offerLocked()
}

func (n *negotiator) sendLocked(desc *webrtc.SessionDescription) {
	data, err := json.Marshal(negotiationMessage{Description: desc})
	if err != nil {
		n.log.Error().Err(err).Msg("Failed to encode negotiation message")
		return
	}
	if err := n.dc.Send(data); err != nil {
		n.log.Error().Err(err).Msg("Failed to send negotiation message")
	}
}
