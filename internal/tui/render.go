// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package tui

import (
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/sigil-dev/afina/internal/chat"
	"github.com/sigil-dev/afina/internal/store"
)

// StyleAuto picks a glamour style from the terminal background.
const StyleAuto = "auto"

// markdown renders finished agent replies. Renderers are rebuilt when the
// width changes.
type markdown struct {
	enabled bool
	style   string
	width   int
	r       *glamour.TermRenderer
}

func newMarkdown(enabled bool, style string) *markdown {
	if style == "" {
		style = StyleAuto
	}
	return &markdown{enabled: enabled, style: style}
}

// Render returns content as terminal markdown, or content itself when
// rendering is disabled or fails.
func (m *markdown) Render(content string, width int) string {
	if !m.enabled || strings.TrimSpace(content) == "" {
		return content
	}
	if m.r == nil || m.width != width {
		opts := []glamour.TermRendererOption{glamour.WithWordWrap(max(width, 20))}
		if m.style == StyleAuto {
			opts = append(opts, glamour.WithAutoStyle())
		} else {
			opts = append(opts, glamour.WithStandardStyle(m.style))
		}
		r, err := glamour.NewTermRenderer(opts...)
		if err != nil {
			m.enabled = false
			return content
		}
		m.r, m.width = r, width
	}

	out, err := m.r.Render(content)
	if err != nil {
		return content
	}
	return strings.Trim(out, "\n")
}

// renderTranscript formats the messages of s. The reply being typed shows
// only what the typewriter revealed and is never markdown-rendered.
func renderTranscript(s *chat.Session, tw *Typewriter, md *markdown, width int, now time.Time) string {
	if s == nil {
		return ""
	}
	if len(s.Messages) == 0 {
		return dimStyle.Render("No messages yet. Say hello!")
	}

	wrap := lipgloss.NewStyle().Width(max(width, 20))
	var b strings.Builder
	for i, m := range s.Messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(messageHeader(m, now))
		b.WriteString("\n")

		content := m.Content
		open := i == len(s.Messages)-1 && m.Sender == store.SenderAgent && tw.MessageID() == m.ID
		switch {
		case open && tw.Pending():
			b.WriteString(wrap.Render(tw.Visible() + "▍"))
		case open && s.IsAgentTyping:
			b.WriteString(wrap.Render(content + "▍"))
		case m.Sender == store.SenderAgent:
			b.WriteString(md.Render(content, width))
		default:
			b.WriteString(wrap.Render(content))
		}
	}
	return b.String()
}

func messageHeader(m store.Message, now time.Time) string {
	who := userStyle.Render("You")
	if m.Sender == store.SenderAgent {
		who = agentStyle.Render("Afina")
	}
	return who + dimStyle.Render(" · "+relative(m.Timestamp, now))
}

// relative formats t relative to now.
func relative(t, now time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	if now.Sub(t) < time.Minute && !t.After(now) {
		return "just now"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func fileSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// preview returns the first line of content cut to n runes.
func preview(content string, n int) string {
	line, _, _ := strings.Cut(strings.TrimSpace(content), "\n")
	r := []rune(line)
	if len(r) <= n {
		return line
	}
	return string(r[:max(n-1, 0)]) + "…"
}
