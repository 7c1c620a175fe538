// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package peercall

import (
	"io"

	"github.com/rs/zerolog/log"
)

func closeAndLog(c io.Closer, msg string) {
	if err := c.Close(); err != nil {
		log.Error().Err(err).Msg(msg)
	}
}
