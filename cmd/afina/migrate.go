// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Convert legacy chat data to the current schema",
		Long: "Convert chats stored under the legacy single-array key into per-chat records. " +
			"Other commands do this on startup; migrate reports what it did.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := WireClient(cmd.Context(), cmd, wireOptions{skipMigrate: true})
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			report, err := c.Repo.Migrate(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !report.Found {
				_, err = fmt.Fprintln(out, "No legacy chats found")
				return err
			}
			_, err = fmt.Fprintf(out, "Migrated %d chats (%d already present)\n", report.Migrated, report.Skipped)
			return err
		},
	}
}
