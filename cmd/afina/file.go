// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

func newFileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "file",
		Aliases: []string{"files"},
		Short:   "Manage uploaded files and chat attachments",
	}

	cmd.AddCommand(
		newFileUploadCmd(),
		newFileListCmd(),
		newFileRmCmd(),
		newFileAttachCmd(),
		newFileDetachCmd(),
	)

	return cmd
}

func newFileUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a file to the backend",
		Long:  "Upload a file to the backend. With --session the file is also attached to that chat.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, _ := cmd.Flags().GetString("session")

			c, err := WireClient(cmd.Context(), cmd, wireOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if sessionID != "" {
				if _, err := c.Model.Get(cmd.Context(), sessionID); err != nil {
					return err
				}
			}

			f, err := os.Open(args[0])
			if err != nil {
				return afinaerr.Errorf(afinaerr.CodeCLIInputInvalid, "opening %s: %w", args[0], err)
			}
			defer func() { _ = f.Close() }()

			ref, err := c.Transport.Upload(cmd.Context(), sessionID, filepath.Base(args[0]), f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Uploaded %s (%s)\n", ref.Name, humanize.Bytes(uint64(max(ref.Size, 0))))

			if sessionID != "" {
				if _, err := c.Model.AttachFile(cmd.Context(), sessionID, ref.Name); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "Attached %s to %s\n", ref.Name, sessionID)
			}
			return nil
		},
	}

	cmd.Flags().StringP("session", "s", "", "chat to attach the file to")

	return cmd
}

func newFileListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List uploaded files",
		Long:  "List the files known to the backend. With --session only files attached to that chat are shown.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessionID, _ := cmd.Flags().GetString("session")

			c, err := WireClient(cmd.Context(), cmd, wireOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			files, err := c.Transport.ListFiles(cmd.Context())
			if err != nil {
				return afinaerr.Wrap(err, afinaerr.CodeCLIRequestFailure, "listing files")
			}
			if sessionID != "" {
				s, err := c.Model.Get(cmd.Context(), sessionID)
				if err != nil {
					return err
				}
				attached := files[:0]
				for _, f := range files {
					if s.HasFile(f.Name) {
						attached = append(attached, f)
					}
				}
				files = attached
			}

			out := cmd.OutOrStdout()
			if len(files) == 0 {
				_, _ = fmt.Fprintln(out, "No files found")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "NAME\tSIZE\tUPLOADED")
			for _, f := range files {
				uploaded := "-"
				if !f.UploadedAt.IsZero() {
					uploaded = humanize.Time(f.UploadedAt)
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Name, humanize.Bytes(uint64(max(f.Size, 0))), uploaded)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringP("session", "s", "", "only files attached to this chat")

	return cmd
}

func newFileRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <name>",
		Aliases: []string{"delete"},
		Short:   "Delete a file from the backend and detach it from every chat",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := WireClient(cmd.Context(), cmd, wireOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			name := args[0]
			if err := c.Transport.DeleteFile(cmd.Context(), name); err != nil {
				if !afinaerr.IsNotFound(err) {
					return err
				}
				c.Logger.Warn("file already gone from backend", "file", name)
			}
			ids, err := c.Model.DetachEverywhere(cmd.Context(), name)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s (detached from %d chats)\n", name, len(ids))
			return err
		},
	}
}

func newFileAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <session-id> <name>",
		Short: "Attach an uploaded file to a chat",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := WireClient(cmd.Context(), cmd, wireOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if _, err := c.Model.AttachFile(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Attached %s to %s\n", args[1], args[0])
			return err
		},
	}
}

func newFileDetachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detach <session-id> <name>",
		Short: "Detach a file from a chat",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := WireClient(cmd.Context(), cmd, wireOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if _, err := c.Model.DetachFile(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Detached %s from %s\n", args[1], args[0])
			return err
		},
	}
}
