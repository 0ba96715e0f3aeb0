// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/rhodeslab/akauth/internal/config"
	"github.com/rhodeslab/akauth/internal/xdg"
)

// NewRootCmd creates the root command for the akauth CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "akauth",
		Short: "akauth - Arknights account login and session service",
		Long: `akauth logs in to Arknights accounts through the Yostar identity
provider, keeps game sessions in step with the server's sequence numbers,
and exposes them to a web front end through signed site sessions.`,
		SilenceUsage: true,
	}

	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewLoginCmd())
	cmd.AddCommand(NewRegionsCmd())
	cmd.AddCommand(NewMigrateCmd())

	return cmd
}

// loadConfig reads the layered configuration for cmd. Without --config the
// XDG config file is used when present.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	path, err := flags.GetString("config")
	if err != nil {
		path = ""
	}

	optional := false
	if path == "" {
		if p, xdgErr := xdg.ConfigFile(); xdgErr == nil {
			path, optional = p, true
		}
	}

	return config.Load(path, optional, flags)
}
