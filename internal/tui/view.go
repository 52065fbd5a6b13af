// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package tui

import (
	"fmt"
	"strings"

	"github.com/sigil-dev/afina/internal/chat"
)

const maxFilesShown = 8

func (a App) View() string {
	var b strings.Builder
	if a.view == viewChat && a.current != nil {
		a.chatView(&b)
	} else {
		a.listView(&b)
	}
	return boxStyle.Render(b.String())
}

func (a App) listView(b *strings.Builder) {
	b.WriteString(titleStyle.Render("  Afina  ") + "\n\n")

	if len(a.sessions) == 0 {
		b.WriteString(dimStyle.Render("No chats yet. Press n to start one.") + "\n")
	}
	now := a.opts.Clock()
	for i, c := range a.sessions {
		line := fmt.Sprintf("%s  %s", c.Name, dimStyle.Render(relative(c.UpdatedAt, now)))
		if i == a.cursor {
			b.WriteString(selectedStyle.Render("  > ") + line + "\n")
		} else {
			b.WriteString("    " + line + "\n")
		}
	}

	if a.showFiles {
		b.WriteString("\n")
		a.filesPanel(b, nil)
	}

	if a.mode == modeRename {
		b.WriteString("\n" + promptStyle.Render("Rename: ") + a.input.View() + "\n")
	}
	a.statusLine(b)

	help := "↑/↓ to navigate  enter to open  n new  r rename  d delete  f files  q to quit"
	if a.mode == modeRename {
		help = "enter to save  esc to cancel"
	}
	b.WriteString("\n" + dimStyle.Render(help))
}

func (a App) chatView(b *strings.Builder) {
	s := a.current
	header := titleStyle.Render(" "+s.Name+" ")
	if s.IsAgentTyping {
		header += " " + a.spinner.View() + dimStyle.Render(" typing")
	}
	b.WriteString(header + "\n")

	if len(s.AttachedFiles) > 0 {
		b.WriteString(dimStyle.Render("Attached: "+strings.Join(s.AttachedFiles, ", ")) + "\n")
	} else {
		b.WriteString(dimStyle.Render("No files attached") + "\n")
	}

	b.WriteString(a.vp.View() + "\n")

	if a.showFiles {
		a.filesPanel(b, s)
	}

	b.WriteString(promptStyle.Render("> ") + a.input.View())
	a.statusLine(b)

	help := "enter to send  esc back  ctrl+x cancel reply  pgup/pgdn scroll  /help"
	b.WriteString("\n" + dimStyle.Render(help))
}

// filesPanel lists uploaded files. With a session, files attached to it are
// marked.
func (a App) filesPanel(b *strings.Builder, s *chat.Session) {
	if len(a.files) == 0 {
		b.WriteString(dimStyle.Render("No uploaded files") + "\n")
		return
	}
	b.WriteString(promptStyle.Render("Files") + "\n")
	for i, f := range a.files {
		if i == maxFilesShown {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  … %d more", len(a.files)-maxFilesShown)) + "\n")
			break
		}
		mark := "  "
		if s != nil && s.HasFile(f.Name) {
			mark = successStyle.Render("✓ ")
		}
		b.WriteString(mark + f.Name + dimStyle.Render("  "+fileSize(f.Size)) + "\n")
	}
}

func (a App) statusLine(b *strings.Builder) {
	if a.status == "" {
		return
	}
	if a.statusErr {
		b.WriteString("\n" + errorStyle.Render("  "+a.status))
		return
	}
	b.WriteString("\n" + successStyle.Render("  "+a.status))
}
