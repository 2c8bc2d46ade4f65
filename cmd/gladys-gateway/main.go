// SPDX-License-Identifier: Apache-2.0

// gladys-gateway is a command line client for the Gladys Plus relay: it
// logs an account in, persists its credentials and runs a gateway session
// that prints inbound events.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/gladysassistant/gladys-gateway-go/client"
	"github.com/gladysassistant/gladys-gateway-go/config"
	"github.com/gladysassistant/gladys-gateway-go/store"
)

type cliConfig struct {
	ConfigFile string
}

func newRootCommand() *cobra.Command {
	var cfg cliConfig

	cmd := &cobra.Command{
		Use:     "gladys-gateway",
		Short:   "Gladys Plus gateway client",
		Version: versioninfo.Short(),
		Long: `gladys-gateway talks to a Gladys instance through the Gladys Plus relay.
All traffic is end to end encrypted: the relay sees ciphertext and routing
identifiers only, and the SRP login never sends the password anywhere.`,
	}
	cmd.PersistentFlags().StringVarP(&cfg.ConfigFile, "config", "c", "gladys-gateway.toml",
		"path to the configuration file (TOML format)")

	cmd.AddCommand(newLoginCommand(&cfg))
	cmd.AddCommand(newDaemonCommand(&cfg))
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func loadEnvironment(cliCfg *cliConfig) (*config.Config, *client.Client, *store.Store, error) {
	cfg, err := config.LoadFile(cliCfg.ConfigFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config file: %v", err)
	}
	c, err := client.New(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create client: %v", err)
	}
	if cfg.State.File == "" {
		c.Shutdown()
		return nil, nil, nil, errors.New("no State.File configured, nowhere to keep credentials")
	}
	st, err := store.Open(cfg.State.File)
	if err != nil {
		c.Shutdown()
		return nil, nil, nil, fmt.Errorf("failed to open state file: %v", err)
	}
	return cfg, c, st, nil
}

func newLoginCommand(cliCfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in and persist the session credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, c, st, err := loadEnvironment(cliCfg)
			if err != nil {
				return err
			}
			defer st.Close()
			defer c.Shutdown()
			return runLogin(c, st)
		},
	}
}

func runLogin(c *client.Client, st *store.Store) error {
	reader := bufio.NewReader(os.Stdin)
	fmt.Print("Email: ")
	email, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	fmt.Print("Password: ")
	password, err := terminal.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return err
	}
	fmt.Print("\n")

	ctx := context.Background()
	creds, err := c.Login(ctx, email, string(password))

	var twoFactor *client.TwoFactorRequiredError
	if errors.As(err, &twoFactor) {
		fmt.Print("Two-factor code: ")
		code, readErr := reader.ReadString('\n')
		if readErr != nil {
			return readErr
		}
		creds, err = c.LoginTwoFactor(ctx, twoFactor.Token, strings.TrimSpace(code), string(password))
	}
	if err != nil {
		return fmt.Errorf("login failed: %v", err)
	}

	if err := c.SaveState(st, creds); err != nil {
		return fmt.Errorf("failed to persist credentials: %v", err)
	}
	fmt.Println("Logged in, credentials saved.")
	return nil
}

func newDaemonCommand(cliCfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run a gateway session and print inbound events",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, c, st, err := loadEnvironment(cliCfg)
			if err != nil {
				return err
			}
			defer st.Close()
			defer c.Shutdown()
			return runDaemon(c, st)
		},
	}
}

func runDaemon(c *client.Client, st *store.Store) error {
	creds, err := c.LoadState(st)
	if err != nil {
		if errors.Is(err, store.ErrNoState) {
			return errors.New("no saved credentials, run 'gladys-gateway login' first")
		}
		return fmt.Errorf("failed to load credentials: %v", err)
	}

	log := c.GetLogger("gateway/daemon")
	session, err := c.NewSession(client.SessionConfig{
		Role:        client.RoleUser,
		Credentials: creds,
		OnMessage: func(sender *client.PeerEntry, payload []byte, respond func(interface{}) error) {
			log.Noticef("Message from %v: %v", sender.ID, string(payload))
		},
		OnHello: func(data json.RawMessage) {
			log.Noticef("Instance came online: %v", string(data))
		},
	})
	if err != nil {
		return err
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	if err := session.Connect(context.Background()); err != nil {
		return fmt.Errorf("failed to connect: %v", err)
	}
	peer, err := session.InstancePeer()
	if err != nil {
		return err
	}
	log.Noticef("Connected to instance %v (key fingerprint %v)", peer.ID, peer.RSAFingerprint())

	<-haltCh
	session.Disconnect()
	return nil
}
