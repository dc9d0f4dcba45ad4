// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

// multi-device client daemon
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/katzenpost/multidevice/client"
	"github.com/katzenpost/multidevice/common"
	"github.com/katzenpost/multidevice/config"
	"github.com/katzenpost/multidevice/core/log"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "mdclientd",
		Short: "Multi-device client daemon",
		Long: `The multi-device client daemon runs one device of a user. It keeps a
connection to the mediator server, mirrors every change to the other devices
of the user and exchanges end-to-end encrypted messages with contacts and
groups.

Core functionality:
• Reflects outgoing and incoming messages to the other devices
• Synchronizes contacts and groups within transactions
• Runs the group setup, leave and sync protocols
• Sends delivery receipts and retries persisted tasks after restarts

Send SIGHUP to reopen the log file.`,
		Example: `
  # Start daemon with configuration file
  mdclientd --config /etc/multidevice/client.toml

  # Start daemon with specific config file (short form)
  mdclientd -c /path/to/custom-client.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClientDaemon(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "c", "",
		"path to the client configuration file (TOML format)")
	cmd.MarkFlagRequired("config")

	return cmd
}

func main() {
	rootCmd := newRootCommand()
	common.ExecuteWithFang(rootCmd)
}

// runClientDaemon starts the client daemon
func runClientDaemon(cfg Config) error {
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	clientCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file: %v", err)
	}

	backend, err := log.New(clientCfg.Logging.File, clientCfg.Logging.Level, clientCfg.Logging.Disable)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %v", err)
	}

	c, err := client.New(clientCfg, backend)
	if err != nil {
		return fmt.Errorf("failed to create client: %v", err)
	}

	err = c.Start()
	if err != nil {
		c.Shutdown()
		return fmt.Errorf("failed to start client: %v", err)
	}
	defer c.Shutdown()

	go func() {
		for {
			select {
			case <-haltCh:
				c.Shutdown()
				return
			case <-rotateCh:
				if err := c.RotateLog(); err != nil {
					fmt.Fprintf(os.Stderr, "failed to rotate log: %v\n", err)
				}
			case <-c.HaltCh():
				return
			}
		}
	}()

	c.Wait()
	return nil
}
