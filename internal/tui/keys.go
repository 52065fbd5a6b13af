// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package tui

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/sigil-dev/afina/internal/chat"
	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

const helpText = "/attach FILE  /detach FILE  /upload PATH  /files  /rm FILE  /rename NAME  /new"

func (a App) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.mode {
	case modeRename:
		switch msg.Type {
		case tea.KeyEnter:
			a.mode = modeNone
			a.input.Blur()
			if c, ok := a.selected(); ok {
				return a, a.renameCmd(c, a.input.Value())
			}
			return a, nil
		case tea.KeyEsc:
			a.mode = modeNone
			a.input.Blur()
			return a, nil
		}
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		return a, cmd

	case modeConfirmDelete:
		a.mode = modeNone
		if msg.String() == "y" {
			if c, ok := a.selected(); ok {
				return a, a.deleteCmd(c)
			}
		}
		a.status, a.statusErr = "", false
		return a, nil
	}

	switch msg.String() {
	case "q", "esc":
		a.shutdown()
		return a, tea.Quit
	case "up", "k":
		if a.cursor > 0 {
			a.cursor--
		}
	case "down", "j":
		if a.cursor < len(a.sessions)-1 {
			a.cursor++
		}
	case "enter":
		if c, ok := a.selected(); ok {
			return a, a.openCmd(c)
		}
	case "n":
		return a, a.createCmd("")
	case "r":
		if _, ok := a.selected(); ok {
			a.mode = modeRename
			a.input.SetValue(a.sessions[a.cursor].Name)
			a.input.Placeholder = "Chat name"
			a.input.CursorEnd()
			a.input.Focus()
		}
	case "d":
		if _, ok := a.selected(); ok {
			a.mode = modeConfirmDelete
			a.status, a.statusErr = fmt.Sprintf("Delete %q? (y/n)", a.sessions[a.cursor].Name), false
		}
	case "f":
		a.showFiles = !a.showFiles
		if a.showFiles {
			return a, a.loadFilesCmd()
		}
	}
	return a, nil
}

func (a App) selected() (string, bool) {
	if a.cursor < 0 || a.cursor >= len(a.sessions) {
		return "", false
	}
	return a.sessions[a.cursor].ID, true
}

func (a App) handleChatKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		id := a.current.ID
		a.leaveChat()
		return a, tea.Batch(a.cancelCmd(id), a.loadSessionsCmd())
	case tea.KeyCtrlX:
		if a.sending {
			a.status, a.statusErr = "Canceling reply…", false
			return a, a.cancelCmd(a.current.ID)
		}
		return a, nil
	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		a.vp, cmd = a.vp.Update(msg)
		return a, cmd
	case tea.KeyEnter:
		text := strings.TrimSpace(a.input.Value())
		if text == "" {
			return a, nil
		}
		a.input.SetValue("")
		if strings.HasPrefix(text, "/") {
			return a.runCommand(text)
		}
		return a.send(text)
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a App) send(text string) (tea.Model, tea.Cmd) {
	if a.opts.Replies == nil {
		a.status, a.statusErr = "No backend configured.", true
		return a, nil
	}
	if a.sending {
		a.status, a.statusErr = "Wait for the reply to finish, or ctrl+x to cancel it.", true
		a.input.SetValue(text)
		return a, nil
	}
	a.sending = true
	a.status, a.statusErr = "", false

	replies, ctx, id := a.opts.Replies, a.ctx, a.current.ID
	return a, tea.Batch(a.spinner.Tick, func() tea.Msg {
		return sendDoneMsg{sessionID: id, err: replies.Send(ctx, id, text)}
	})
}

// runCommand executes a slash command typed in the composer.
func (a App) runCommand(line string) (tea.Model, tea.Cmd) {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)
	id := a.current.ID

	needArg := func(usage string) (tea.Model, tea.Cmd) {
		a.status, a.statusErr = "Usage: "+usage, true
		return a, nil
	}

	switch name {
	case "help", "?":
		a.status, a.statusErr = helpText, false
		return a, nil
	case "new":
		return a, a.createCmd(arg)
	case "rename":
		if arg == "" {
			return needArg("/rename NAME")
		}
		return a, a.renameCmd(id, arg)
	case "attach":
		if arg == "" {
			return needArg("/attach FILE")
		}
		model, ctx := a.model, a.ctx
		return a, func() tea.Msg {
			if _, err := model.AttachFile(ctx, id, arg); err != nil {
				return statusMsg{err: err}
			}
			return statusMsg{text: "Attached " + arg}
		}
	case "detach":
		if arg == "" {
			return needArg("/detach FILE")
		}
		model, ctx := a.model, a.ctx
		return a, func() tea.Msg {
			if _, err := model.DetachFile(ctx, id, arg); err != nil {
				return statusMsg{err: err}
			}
			return statusMsg{text: "Detached " + arg}
		}
	case "files":
		if a.opts.Files == nil {
			a.status, a.statusErr = "No backend configured.", true
			return a, nil
		}
		a.showFiles = !a.showFiles
		a.layout()
		a.refresh()
		return a, a.loadFilesCmd()
	case "upload":
		if arg == "" {
			return needArg("/upload PATH")
		}
		if a.opts.Files == nil {
			a.status, a.statusErr = "No backend configured.", true
			return a, nil
		}
		a.status, a.statusErr = "Uploading "+filepath.Base(arg)+"…", false
		return a, tea.Sequence(a.uploadCmd(id, arg), a.loadFilesCmd())
	case "rm":
		if arg == "" {
			return needArg("/rm FILE")
		}
		if a.opts.Files == nil {
			a.status, a.statusErr = "No backend configured.", true
			return a, nil
		}
		return a, tea.Sequence(a.removeFileCmd(arg), a.loadFilesCmd())
	}

	a.status, a.statusErr = fmt.Sprintf("Unknown command /%s. %s", name, helpText), true
	return a, nil
}

func (a App) cancelCmd(id string) tea.Cmd {
	replies := a.opts.Replies
	if replies == nil {
		return nil
	}
	return func() tea.Msg {
		replies.Cancel(id)
		return nil
	}
}

func (a App) createCmd(name string) tea.Cmd {
	model, ctx := a.model, a.ctx
	return func() tea.Msg {
		s, err := model.Create(ctx, name)
		if err != nil {
			return statusMsg{err: err}
		}
		return openedMsg{session: s}
	}
}

func (a App) renameCmd(id, name string) tea.Cmd {
	model, ctx := a.model, a.ctx
	return func() tea.Msg {
		s, err := model.Rename(ctx, id, name)
		if err != nil {
			return statusMsg{err: err}
		}
		return statusMsg{text: fmt.Sprintf("Renamed to %q", s.Name)}
	}
}

func (a App) deleteCmd(id string) tea.Cmd {
	model, ctx, replies := a.model, a.ctx, a.opts.Replies
	return func() tea.Msg {
		if replies != nil {
			replies.Cancel(id)
		}
		if err := model.Delete(ctx, id); err != nil && !afinaerr.IsNotFound(err) {
			return statusMsg{err: err}
		}
		return statusMsg{text: "Chat deleted"}
	}
}

// uploadCmd sends a local file to the backend and attaches it to the chat.
func (a App) uploadCmd(id, path string) tea.Cmd {
	model, files, ctx := a.model, a.opts.Files, a.ctx
	return func() tea.Msg {
		return upload(ctx, model, files, id, path)
	}
}

func upload(ctx context.Context, model *chat.Model, files Files, id, path string) tea.Msg {
	f, err := os.Open(path)
	if err != nil {
		return statusMsg{err: afinaerr.Wrap(err, afinaerr.CodeTransportRequestInvalid, "opening upload", afinaerr.FieldFile(path))}
	}
	defer func() { _ = f.Close() }()

	ref, err := files.Upload(ctx, id, filepath.Base(path), f)
	if err != nil {
		return statusMsg{err: err}
	}
	if _, err := model.AttachFile(ctx, id, ref.Name); err != nil {
		return statusMsg{err: err}
	}
	return statusMsg{text: fmt.Sprintf("Uploaded and attached %s (%s)", ref.Name, fileSize(ref.Size))}
}

// removeFileCmd deletes a file from the backend and detaches it from every chat.
func (a App) removeFileCmd(name string) tea.Cmd {
	model, files, ctx := a.model, a.opts.Files, a.ctx
	return func() tea.Msg {
		if err := files.DeleteFile(ctx, name); err != nil && !afinaerr.IsNotFound(err) {
			return statusMsg{err: err}
		}
		ids, err := model.DetachEverywhere(ctx, name)
		if err != nil {
			return statusMsg{err: err}
		}
		return statusMsg{text: fmt.Sprintf("Deleted %s (detached from %d chats)", name, len(ids))}
	}
}
