// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/rhodeslab/akauth/internal/config"
	"github.com/rhodeslab/akauth/internal/logging"
	"github.com/rhodeslab/akauth/internal/store"
)

// migratorFactory opens a Migrator. Replaced in tests.
type migratorFactory func(databaseURL string, cfg config.Config, errOut io.Writer) (Migrator, error)

func defaultMigratorFactory(databaseURL string, cfg config.Config, errOut io.Writer) (Migrator, error) {
	logger := logging.Setup("akauth", version, cfg.LogFormat, cfg.Level(), errOut)
	m, err := store.NewMigrator(databaseURL, store.WithMigratorLogger(logger))
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	return newMigrateCmd(defaultMigratorFactory)
}

func newMigrateCmd(factory migratorFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL site token schema",
		Long: `Apply or roll back the schema of the PostgreSQL site token registry.
The database is taken from database-url or AKAUTH_DATABASE_URL.`,
	}

	withMigrator := func(fn func(cmd *cobra.Command, m Migrator, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			databaseURL, err := getDatabaseURL(cfg)
			if err != nil {
				return err
			}
			m, err := factory(databaseURL, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := m.Close(); closeErr != nil {
					cmd.PrintErrf("warning: closing migrator: %v\n", closeErr)
				}
			}()
			return fn(cmd, m, args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(cmd *cobra.Command, m Migrator, _ []string) error {
			if err := m.Up(); err != nil {
				return err
			}
			return printStatus(cmd, m)
		}),
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (all of them unless --steps is set)",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(cmd *cobra.Command, m Migrator, _ []string) error {
			var err error
			if steps > 0 {
				err = m.Steps(-steps)
			} else {
				err = m.Down()
			}
			if err != nil {
				return err
			}
			return printStatus(cmd, m)
		}),
	}
	down.Flags().IntVar(&steps, "steps", 0, "number of migrations to roll back (0 = all)")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:     "version",
		Aliases: []string{"status"},
		Short:   "Show the current schema version and pending migrations",
		Args:    cobra.NoArgs,
		RunE: withMigrator(func(cmd *cobra.Command, m Migrator, _ []string) error {
			return printStatus(cmd, m)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force VERSION",
		Short: "Set the schema version without running migrations",
		Long: `Record VERSION as the current schema version and clear the dirty
flag. Only use this after fixing a failed migration by hand.`,
		Args: cobra.ExactArgs(1),
		RunE: withMigrator(func(cmd *cobra.Command, m Migrator, args []string) error {
			v, err := parseForceVersion(args[0])
			if err != nil {
				return err
			}
			if err := m.Force(v); err != nil {
				return err
			}
			return printStatus(cmd, m)
		}),
	})

	return cmd
}

func printStatus(cmd *cobra.Command, m Migrator) error {
	st, err := m.Status()
	if err != nil {
		return err
	}
	name := st.Name
	if name == "" {
		name = "none"
	}
	cmd.Printf("version: %d (%s)\n", st.Version, name)
	if st.Dirty {
		cmd.Println("dirty: true (fix the schema, then run 'akauth migrate force VERSION')")
	}
	if len(st.Pending) == 0 {
		cmd.Println("pending: none")
		return nil
	}
	pending := make([]string, len(st.Pending))
	for i, v := range st.Pending {
		pending[i] = fmt.Sprint(v)
	}
	cmd.Printf("pending: %s\n", strings.Join(pending, ", "))
	return nil
}

// getDatabaseURL returns the configured database URL.
func getDatabaseURL(cfg config.Config) (string, error) {
	if cfg.DatabaseURL == "" {
		return "", oops.Code("CONFIG_INVALID").
			With("key", "database-url").
			Errorf("database-url or AKAUTH_DATABASE_URL is required")
	}
	return cfg.DatabaseURL, nil
}

// parseForceVersion parses the VERSION argument of migrate force.
func parseForceVersion(s string) (int, error) {
	var v int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &v); err != nil {
		return 0, oops.Code("INVALID_VERSION").With("input", s).Errorf("version must be an integer: %q", s)
	}
	return v, nil
}
