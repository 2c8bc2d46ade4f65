// SPDX-License-Identifier: Apache-2.0

// Package client provides the Gladys gateway client library: the
// cryptographic account flows (signup, SRP login, key vault) and the
// end-to-end encrypted messaging session over the relay socket.
//
// The relay only ever sees ciphertext, routing identifiers and connectivity
// state; it can neither read message contents nor impersonate endpoints.
package client

import (
	"errors"
	"path/filepath"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/gladysassistant/gladys-gateway-go/config"
	"github.com/gladysassistant/gladys-gateway-go/core/log"
)

// Client is the entry point of the library. It owns the logging backend
// and the REST client used by the account flows; sessions are created from
// it.
type Client struct {
	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger
	rest       *RestClient

	ecowatt ecowattCache

	fatalErrCh chan error
	haltOnce   *sync.Once

	sessions     []*Session
	sessionMutex *sync.Mutex
}

// New creates a new Client with the provided configuration.
func New(cfg *config.Config) (*Client, error) {
	c := new(Client)
	c.cfg = cfg
	c.fatalErrCh = make(chan error)
	c.haltOnce = new(sync.Once)
	c.sessionMutex = new(sync.Mutex)

	if err := c.initLogging(); err != nil {
		return nil, err
	}
	c.rest = newRestClient(cfg.Server.URL, cfg.Server.GladysVersion, c.logBackend.GetLogger("gateway/rest"))

	// Fatal error watcher. Not run under a session worker because
	// Shutdown blocks until all routines have returned.
	go c.fatalErr()
	return c, nil
}

func (c *Client) initLogging() error {
	f := c.cfg.Logging.File
	if !c.cfg.Logging.Disable && f != "" {
		if !filepath.IsAbs(f) {
			return errors.New("log file path must be absolute path")
		}
	}

	var err error
	c.logBackend, err = log.New(f, c.cfg.Logging.Level, c.cfg.Logging.Disable)
	if err == nil {
		c.log = c.logBackend.GetLogger("gateway/client")
	}
	return err
}

func (c *Client) fatalErr() {
	err, ok := <-c.fatalErrCh
	if ok {
		c.log.Warningf("Shutting down due to error: %v", err)
		c.Shutdown()
	}
}

// GetConfig returns the client configuration.
func (c *Client) GetConfig() *config.Config {
	return c.cfg
}

// GetLogger returns a new logger with the given name.
func (c *Client) GetLogger(name string) *logging.Logger {
	return c.logBackend.GetLogger(name)
}

// Rest exposes the account-level REST client.
func (c *Client) Rest() *RestClient {
	return c.rest
}

// Shutdown cleanly shuts down the client and all its sessions.
func (c *Client) Shutdown() {
	c.haltOnce.Do(func() { c.halt() })
}

func (c *Client) halt() {
	c.log.Noticef("Starting graceful shutdown.")
	c.sessionMutex.Lock()
	for _, s := range c.sessions {
		s.Disconnect()
	}
	c.sessionMutex.Unlock()
	close(c.fatalErrCh)
}

func (c *Client) registerSession(s *Session) {
	c.sessionMutex.Lock()
	defer c.sessionMutex.Unlock()
	c.sessions = append(c.sessions, s)
}
