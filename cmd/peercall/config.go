// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type SIPConfig struct {
	Transport    string `mapstructure:"transport"`
	BindHost     string `mapstructure:"bind_host"`
	BindPort     int    `mapstructure:"bind_port"`
	ExternalHost string `mapstructure:"external_host"`
	ExternalPort int    `mapstructure:"external_port"`
}

type IcepondConfig struct {
	URL   string        `mapstructure:"url"`
	Retry time.Duration `mapstructure:"retry"`
}

type Config struct {
	Identity        string        `mapstructure:"identity"`
	Channel         string        `mapstructure:"channel"`
	AutoAnswer      bool          `mapstructure:"auto_answer"`
	Message         string        `mapstructure:"message"`
	ReconnectWindow time.Duration `mapstructure:"reconnect_window"`
	DeviceWatch     time.Duration `mapstructure:"device_watch"`
	StunServers     []string      `mapstructure:"stun_servers"`

	SIP     SIPConfig     `mapstructure:"sip"`
	Icepond IcepondConfig `mapstructure:"icepond"`
}

// LoadConfig reads config file, PEERCALL_ environment and flags. Latter wins.
func LoadConfig(args []string) (*Config, []string, error) {
	fs := pflag.NewFlagSet("peercall", pflag.ContinueOnError)
	configFile := fs.StringP("config", "c", "", "config file (yaml)")
	fs.String("identity", "", "identity used in SIP user and ICE discovery")
	fs.String("channel", "", "application channel of calls")
	fs.Bool("auto-answer", false, "answer incoming calls")
	fs.String("message", "", "message sent over data channel once call is up")
	fs.StringP("bind", "b", "", "SIP bind host")
	fs.IntP("port", "p", 0, "SIP bind port")
	fs.String("transport", "", "SIP transport udp, tcp or ws")
	fs.String("external-host", "", "host advertised in Contact")
	fs.String("icepond", "", "ICE discovery websocket url")
	fs.StringSlice("stun", nil, "static STUN/TURN urls used without icepond")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("peercall")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("identity", "peercall")
	v.SetDefault("channel", "peercall")
	v.SetDefault("reconnect_window", "1m")
	v.SetDefault("device_watch", "2s")
	v.SetDefault("sip.transport", "udp")
	v.SetDefault("sip.bind_host", "127.0.0.1")
	v.SetDefault("sip.bind_port", 5060)
	v.SetDefault("icepond.retry", "5s")

	binds := map[string]string{
		"identity":          "identity",
		"channel":           "channel",
		"auto_answer":       "auto-answer",
		"message":           "message",
		"sip.bind_host":     "bind",
		"sip.bind_port":     "port",
		"sip.transport":     "transport",
		"sip.external_host": "external-host",
		"icepond.url":       "icepond",
		"stun_servers":      "stun",
	}
	for key, flag := range binds {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, fs.Args(), nil
}
