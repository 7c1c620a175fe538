// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

//go:build drivers

package main

import (
	"github.com/emiago/peercall/devices"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/rs/zerolog/log"
)

// Capture drivers and encoders need cgo and system libraries.
func deviceOptions() []devices.Option {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create vp8 params")
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create opus params")
	}

	return []devices.Option{
		devices.WithCodecSelector(mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		)),
	}
}
