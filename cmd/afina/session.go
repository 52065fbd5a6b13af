// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sigil-dev/afina/internal/chat"
	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"sessions"},
		Short:   "Manage chats",
	}

	cmd.AddCommand(
		newSessionListCmd(),
		newSessionNewCmd(),
		newSessionShowCmd(),
		newSessionRenameCmd(),
		newSessionRmCmd(),
	)

	return cmd
}

func newSessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List chats, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := WireClient(cmd.Context(), cmd, wireOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			chats, err := c.Model.ListSessions(cmd.Context())
			if err != nil {
				return afinaerr.Errorf(afinaerr.CodeCLIRequestFailure, "listing chats: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(chats) == 0 {
				_, _ = fmt.Fprintln(out, "No chats found")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tNAME\tUPDATED")
			for _, ch := range chats {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", ch.ID, ch.Name, humanize.Time(ch.UpdatedAt))
			}
			return tw.Flush()
		},
	}
}

func newSessionNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new [name]",
		Short: "Create an empty chat and print its ID",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := WireClient(cmd.Context(), cmd, wireOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			s, err := c.Model.Create(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), s.ID)
			return err
		},
	}
}

func newSessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a chat transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("output")

			c, err := WireClient(cmd.Context(), cmd, wireOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			s, err := c.Model.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeSession(cmd.OutOrStdout(), s, format)
		},
	}

	cmd.Flags().StringP("output", "o", "text", "output format: text, yaml or json")

	return cmd
}

func writeSession(w io.Writer, s *chat.Session, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
	default:
		return afinaerr.Errorf(afinaerr.CodeCLIInputInvalid, "unknown output format %q (want text, yaml or json)", format)
	}

	_, _ = fmt.Fprintf(w, "%s  %s\n", s.Name, s.ID)
	_, _ = fmt.Fprintf(w, "created %s, updated %s\n", s.CreatedAt.Format(time.RFC3339), humanize.Time(s.UpdatedAt))
	if len(s.AttachedFiles) > 0 {
		_, _ = fmt.Fprintf(w, "files: %s\n", strings.Join(s.AttachedFiles, ", "))
	}
	if s.IsAgentTyping {
		_, _ = fmt.Fprintln(w, "a reply is in progress")
	}
	for _, m := range s.Messages {
		_, _ = fmt.Fprintf(w, "\n[%s] %s\n%s\n", m.Timestamp.Format(time.DateTime), m.Sender, m.Content)
	}
	return nil
}

func newSessionRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename a chat",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := WireClient(cmd.Context(), cmd, wireOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			s, err := c.Model.Rename(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %q\n", s.ID, s.Name)
			return err
		},
	}
}

func newSessionRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>...",
		Aliases: []string{"delete"},
		Short:   "Delete chats",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := WireClient(cmd.Context(), cmd, wireOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			for _, id := range args {
				if err := c.Model.Delete(cmd.Context(), id); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
			}
			return nil
		},
	}
}
