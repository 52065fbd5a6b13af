// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sigil-dev/afina/internal/events"
	"github.com/sigil-dev/afina/internal/poller"
	"github.com/sigil-dev/afina/internal/store"
	"github.com/sigil-dev/afina/internal/tui"
	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the backend",
		Long: "Open the terminal interface. With a message, send it to a chat and stream the reply to stdout " +
			"instead; a new chat is created unless --session is given.",
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().StringP("session", "s", "", "chat to open or send to, by ID")
	cmd.Flags().StringP("name", "n", "", "name of the chat created for a one-shot message")

	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID, _ := cmd.Flags().GetString("session")
	interactive := len(args) == 0

	c, err := WireClient(ctx, cmd, wireOptions{logToFile: interactive})
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if interactive {
		return tui.Run(ctx, tui.Options{
			Model:   c.Model,
			Replies: c.Replies,
			Files:   c.Transport,
			Polling: poller.Options{
				ActiveInterval: c.Config.Polling.ActiveInterval,
				IdleInterval:   c.Config.Polling.IdleInterval,
				StaleAfter:     c.Config.Polling.StaleAfter,
				Logger:         c.Logger,
			},
			TypewriterInterval: c.Config.UI.TypewriterInterval,
			Markdown:           c.Config.UI.Markdown,
			Logger:             c.Logger,
		}, sessionID)
	}

	name, _ := cmd.Flags().GetString("name")
	return sendOnce(ctx, c, cmd.OutOrStdout(), cmd.ErrOrStderr(), sessionID, name, args[0])
}

// sendOnce sends message to a chat and writes the reply to out as it streams.
func sendOnce(ctx context.Context, c *Client, out, errOut io.Writer, sessionID, name, message string) error {
	if strings.TrimSpace(message) == "" {
		return afinaerr.New(afinaerr.CodeCLIInputInvalid, "message must not be empty")
	}

	if sessionID == "" {
		s, err := c.Model.Create(ctx, name)
		if err != nil {
			return err
		}
		sessionID = s.ID
		_, _ = fmt.Fprintf(errOut, "Created chat %s\n", sessionID)
	} else if _, err := c.Model.Get(ctx, sessionID); err != nil {
		return err
	}

	// Fragment handlers run on the hub's goroutine; Publish waits for them,
	// so everything is written by the time Send returns.
	var (
		mu       sync.Mutex
		streamed strings.Builder
	)
	unsubscribe, err := c.Model.Subscribe(sessionID, func(ev events.Event) {
		if ev.Kind != events.KindFragment {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		streamed.WriteString(ev.Fragment)
		_, _ = io.WriteString(out, ev.Fragment)
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	sendErr := c.Replies.Send(ctx, sessionID, message)

	mu.Lock()
	shown := streamed.String()
	mu.Unlock()

	// A final text from the backend replaces what was streamed.
	if s, ok := c.Model.Snapshot(sessionID); ok && sendErr == nil {
		if last, ok := s.LastMessage(); ok && last.Sender == store.SenderAgent && last.Content != shown {
			if shown != "" {
				_, _ = io.WriteString(out, "\n\n")
			}
			_, _ = io.WriteString(out, last.Content)
			shown = last.Content
		}
	}
	if shown != "" && !strings.HasSuffix(shown, "\n") {
		_, _ = io.WriteString(out, "\n")
	}

	if sendErr != nil {
		return afinaerr.Wrap(sendErr, afinaerr.CodeCLIRequestFailure, "sending message", afinaerr.FieldSessionID(sessionID))
	}
	return nil
}
