// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

//go:build !drivers

package main

import "github.com/emiago/peercall/devices"

func deviceOptions() []devices.Option {
	return nil
}
