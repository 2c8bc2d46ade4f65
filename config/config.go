// SPDX-License-Identifier: Apache-2.0

// Package config implements the gateway client configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/carlmjohnson/versioninfo"
)

const (
	defaultLogLevel       = "NOTICE"
	defaultReconnectDelay = 5   // seconds
	defaultMaxReconnect   = 120 // seconds
	defaultAckTimeout     = 30  // seconds
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the relay endpoint configuration.
type Server struct {
	// URL is the relay base URL (https://...). The websocket endpoint is
	// derived from it.
	URL string

	// GladysVersion is reported in the User-Agent as Gladys/<version>.
	// When empty the build's own version is used.
	GladysVersion string
}

func (sCfg *Server) validate() error {
	if sCfg.URL == "" {
		return fmt.Errorf("config: Server: URL is not set")
	}
	u, err := url.Parse(sCfg.URL)
	if err != nil {
		return fmt.Errorf("config: Server: URL '%v' is invalid: %v", sCfg.URL, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("config: Server: URL scheme '%v' is invalid", u.Scheme)
	}
	if sCfg.GladysVersion == "" {
		sCfg.GladysVersion = strings.TrimPrefix(versioninfo.Short(), "v")
	}
	return nil
}

// SocketURL returns the websocket endpoint derived from the server URL.
func (sCfg *Server) SocketURL() string {
	u, err := url.Parse(sCfg.URL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/socket"
	return u.String()
}

// State configures the persisted client state.
type State struct {
	// File is the bbolt database holding the refresh token and the
	// serialized keys. Empty disables persistence.
	File string
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Debug is the debug configuration.
type Debug struct {
	// ReconnectInitialDelay is the initial reconnect backoff in seconds.
	ReconnectInitialDelay int

	// ReconnectMaxDelay caps the reconnect backoff, in seconds.
	ReconnectMaxDelay int

	// AckTimeout is the number of seconds an emit waits for the relay
	// ack before giving up.
	AckTimeout int
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.ReconnectInitialDelay <= 0 {
		dCfg.ReconnectInitialDelay = defaultReconnectDelay
	}
	if dCfg.ReconnectMaxDelay <= 0 {
		dCfg.ReconnectMaxDelay = defaultMaxReconnect
	}
	if dCfg.AckTimeout <= 0 {
		dCfg.AckTimeout = defaultAckTimeout
	}
}

// AckTimeoutDuration returns the ack timeout as a duration.
func (dCfg *Debug) AckTimeoutDuration() time.Duration {
	return time.Duration(dCfg.AckTimeout) * time.Second
}

// ReconnectInitialDelayDuration returns the initial reconnect backoff as a
// duration.
func (dCfg *Debug) ReconnectInitialDelayDuration() time.Duration {
	return time.Duration(dCfg.ReconnectInitialDelay) * time.Second
}

// ReconnectMaxDelayDuration returns the reconnect backoff cap as a
// duration.
func (dCfg *Debug) ReconnectMaxDelayDuration() time.Duration {
	return time.Duration(dCfg.ReconnectMaxDelay) * time.Second
}

// Config is the top-level configuration.
type Config struct {
	Server  Server
	State   State
	Logging *Logging
	Debug   *Debug
}

// FixupAndValidate applies defaults and validates the configuration.
func (c *Config) FixupAndValidate() error {
	if c.Logging == nil {
		cp := defaultLogging
		c.Logging = &cp
	}
	if c.Debug == nil {
		c.Debug = &Debug{}
	}
	c.Debug.applyDefaults()

	if err := c.Server.validate(); err != nil {
		return err
	}
	return c.Logging.validate()
}

// Load parses and validates the provided buffer as a config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
