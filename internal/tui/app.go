// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package tui is the terminal interface: a session list and a chat view that
// renders replies as they stream in.
package tui

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sigil-dev/afina/internal/chat"
	"github.com/sigil-dev/afina/internal/events"
	"github.com/sigil-dev/afina/internal/poller"
	"github.com/sigil-dev/afina/internal/store"
	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

// Sender streams replies into sessions.
type Sender interface {
	Send(ctx context.Context, sessionID, text string) error
	Cancel(sessionID string)
	Streaming(sessionID string) bool
}

// Files is the backend file store.
type Files interface {
	Upload(ctx context.Context, sessionID, name string, r io.Reader) (store.FileRef, error)
	ListFiles(ctx context.Context) ([]store.FileRef, error)
	DeleteFile(ctx context.Context, name string) error
}

// Options configures the interface.
type Options struct {
	Model   *chat.Model
	Replies Sender
	// Files may be nil when no backend is configured.
	Files   Files
	Polling poller.Options
	// TypewriterInterval of zero shows fragments as they arrive.
	TypewriterInterval time.Duration
	Markdown           bool
	MarkdownStyle      string
	Logger             *slog.Logger
	Clock              func() time.Time
}

type view int

const (
	viewList view = iota
	viewChat
)

type inputMode int

const (
	modeNone inputMode = iota
	modeRename
	modeConfirmDelete
)

// --- bubbletea messages ---

type (
	sessionsMsg struct {
		chats []store.Chat
		err   error
	}
	openedMsg struct {
		session *chat.Session
		err     error
	}
	changedMsg  struct{}
	sendDoneMsg struct {
		sessionID string
		err       error
	}
	filesMsg struct {
		files []store.FileRef
		err   error
	}
	statusMsg struct {
		text string
		err  error
	}
	pollEndedMsg struct {
		sessionID string
		err       error
	}
	typewriterTickMsg struct{}
)

// App is the bubbletea model of the interface.
type App struct {
	opts   Options
	model  *chat.Model
	logger *slog.Logger
	ctx    context.Context

	view          view
	width, height int

	sessions []store.Chat
	cursor   int

	current     *chat.Session
	stopPoll    context.CancelFunc
	unsubscribe func()

	files     []store.FileRef
	showFiles bool

	input   textinput.Model
	mode    inputMode
	vp      viewport.Model
	spinner spinner.Model
	tw      *Typewriter
	ticking bool
	md      *markdown

	notify    chan struct{}
	unsubList func()
	status    string
	statusErr bool
	sending   bool
}

// New creates the interface. ctx bounds every background operation it starts.
func New(ctx context.Context, opts Options) App {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	in := textinput.New()
	in.Placeholder = "Type a message, or /help"
	in.CharLimit = 0

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	a := App{
		opts:    opts,
		model:   opts.Model,
		logger:  logger.With("component", "tui"),
		ctx:     ctx,
		input:   in,
		vp:      viewport.New(80, 20),
		spinner: sp,
		tw:      &Typewriter{},
		md:      newMarkdown(opts.Markdown, opts.MarkdownStyle),
		notify:  make(chan struct{}, 1),
		width:   80,
		height:  24,
	}

	if unsub, err := a.model.Subscribe(chat.ListTopic, a.signal); err != nil {
		a.logger.Warn("session list updates unavailable", "error", err)
	} else {
		a.unsubList = unsub
	}
	return a
}

// Run starts the interface on the terminal and blocks until the user quits.
// A non-empty sessionID opens that session directly.
func Run(ctx context.Context, opts Options, sessionID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	app := New(ctx, opts)
	p := tea.NewProgram(initial{App: app, sessionID: sessionID}, tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := p.Run()
	if m, ok := final.(App); ok {
		m.shutdown()
	} else if m, ok := final.(initial); ok {
		m.shutdown()
	}
	return err
}

// initial opens a session on start before handing over to App.
type initial struct {
	App
	sessionID string
}

func (i initial) Init() tea.Cmd {
	cmds := []tea.Cmd{i.App.Init()}
	if i.sessionID != "" {
		cmds = append(cmds, i.openCmd(i.sessionID))
	}
	return tea.Batch(cmds...)
}

func (i initial) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	return i.App.Update(msg)
}

// signal wakes the interface after a model change. Changes are re-read from
// the model, so a pending signal absorbs later ones.
func (a App) signal(events.Event) {
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

func (a App) Init() tea.Cmd {
	cmds := []tea.Cmd{a.loadSessionsCmd(), a.waitForChange(), a.spinner.Tick}
	if a.opts.Files != nil {
		cmds = append(cmds, a.loadFilesCmd())
	}
	return tea.Batch(cmds...)
}

func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height
		a.layout()
		a.refresh()
		return a, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			a.shutdown()
			return a, tea.Quit
		}
		if a.view == viewChat {
			return a.handleChatKey(msg)
		}
		return a.handleListKey(msg)

	case sessionsMsg:
		if msg.err != nil {
			a.setError(msg.err)
			return a, nil
		}
		a.sessions = msg.chats
		a.cursor = min(a.cursor, max(len(a.sessions)-1, 0))
		return a, nil

	case openedMsg:
		return a.handleOpened(msg)

	case changedMsg:
		a.syncCurrent()
		typing := a.startTyping()
		return a, tea.Batch(a.loadSessionsCmd(), a.waitForChange(), typing)

	case sendDoneMsg:
		if a.current != nil && a.current.ID == msg.sessionID {
			a.sending = false
		}
		switch {
		case msg.err == nil:
			a.status, a.statusErr = "", false
		case afinaerr.IsCanceled(msg.err):
			a.status, a.statusErr = "Reply canceled", false
		default:
			a.setError(msg.err)
		}
		a.syncCurrent()
		return a, nil

	case filesMsg:
		if msg.err != nil {
			a.setError(msg.err)
			return a, nil
		}
		a.files = msg.files
		a.layout()
		a.refresh()
		return a, nil

	case statusMsg:
		if msg.err != nil {
			a.setError(msg.err)
		} else {
			a.status, a.statusErr = msg.text, false
		}
		return a, nil

	case pollEndedMsg:
		if msg.err != nil && afinaerr.IsNotFound(msg.err) && a.current != nil && a.current.ID == msg.sessionID {
			a.leaveChat()
			a.status, a.statusErr = "This chat no longer exists.", true
			return a, a.loadSessionsCmd()
		}
		return a, nil

	case typewriterTickMsg:
		a.ticking = false
		if a.tw.Tick() {
			a.refresh()
		}
		next := a.startTyping()
		return a, next

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}

	return a, nil
}

func (a App) handleOpened(msg openedMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		if afinaerr.IsNotFound(msg.err) {
			a.leaveChat()
			a.status, a.statusErr = "Chat not found.", true
			return a, a.loadSessionsCmd()
		}
		a.setError(msg.err)
		return a, nil
	}

	a.leaveChat()
	a.view = viewChat
	a.current = msg.session
	a.status, a.statusErr = "", false
	a.sending = a.opts.Replies != nil && a.opts.Replies.Streaming(msg.session.ID)
	a.tw = &Typewriter{}
	if last, ok := msg.session.LastMessage(); ok {
		a.tw.Track(last.ID, last.Content)
		a.tw.Flush()
	}

	if unsub, err := a.model.Subscribe(msg.session.ID, a.signal); err != nil {
		a.logger.Warn("chat updates unavailable", "session_id", msg.session.ID, "error", err)
	} else {
		a.unsubscribe = unsub
	}

	pollCtx, stop := context.WithCancel(a.ctx)
	a.stopPoll = stop
	p := poller.New(a.model, msg.session.ID, a.opts.Replies, a.opts.Polling)

	a.input.SetValue("")
	a.input.Placeholder = "Type a message, or /help"
	a.input.Focus()
	a.layout()
	a.refresh()
	a.vp.GotoBottom()
	return a, tea.Batch(pollCmd(pollCtx, p, a.logger), textinput.Blink)
}

// leaveChat stops everything tied to the open session.
func (a *App) leaveChat() {
	if a.stopPoll != nil {
		a.stopPoll()
		a.stopPoll = nil
	}
	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
	a.current = nil
	a.sending = false
	a.view = viewList
	a.mode = modeNone
	a.input.Blur()
	a.input.SetValue("")
}

func (a *App) shutdown() {
	a.leaveChat()
	if a.unsubList != nil {
		a.unsubList()
		a.unsubList = nil
	}
}

// syncCurrent re-reads the open session from the model.
func (a *App) syncCurrent() {
	if a.current == nil {
		return
	}
	s, ok := a.model.Snapshot(a.current.ID)
	if !ok {
		return
	}
	a.current = s
	if last, ok := s.LastMessage(); ok && last.Sender == store.SenderAgent {
		a.tw.Track(last.ID, last.Content)
		if !s.IsAgentTyping || a.opts.TypewriterInterval <= 0 {
			a.tw.Flush()
		}
	}
	a.refresh()
}

// startTyping schedules the next typewriter tick when text is still hidden.
func (a *App) startTyping() tea.Cmd {
	if a.ticking || !a.tw.Pending() || a.opts.TypewriterInterval <= 0 {
		return nil
	}
	a.ticking = true
	return tea.Tick(a.opts.TypewriterInterval, func(time.Time) tea.Msg { return typewriterTickMsg{} })
}

func (a *App) layout() {
	w := max(a.width-4, 20)
	// border, header, attachments, composer, status and help lines
	chrome := 9
	if a.showFiles {
		chrome += min(len(a.files), 8) + 1
	}
	a.vp.Width = w
	a.vp.Height = max(a.height-chrome, 3)
	a.input.Width = max(w-4, 10)
}

func (a *App) refresh() {
	if a.current == nil {
		return
	}
	atBottom := a.vp.AtBottom()
	a.vp.SetContent(renderTranscript(a.current, a.tw, a.md, a.vp.Width, a.opts.Clock()))
	if atBottom || a.current.IsAgentTyping {
		a.vp.GotoBottom()
	}
}

func (a *App) setError(err error) {
	a.logger.Warn("operation failed", "error", err)
	a.status, a.statusErr = err.Error(), true
}

// --- tea.Cmd factories ---

func (a App) waitForChange() tea.Cmd {
	notify := a.notify
	ctx := a.ctx
	return func() tea.Msg {
		select {
		case <-notify:
			return changedMsg{}
		case <-ctx.Done():
			return nil
		}
	}
}

func (a App) loadSessionsCmd() tea.Cmd {
	model, ctx := a.model, a.ctx
	return func() tea.Msg {
		chats, err := model.ListSessions(ctx)
		return sessionsMsg{chats: chats, err: err}
	}
}

func (a App) openCmd(id string) tea.Cmd {
	model, ctx := a.model, a.ctx
	return func() tea.Msg {
		s, err := model.Get(ctx, id)
		return openedMsg{session: s, err: err}
	}
}

func (a App) loadFilesCmd() tea.Cmd {
	files, ctx := a.opts.Files, a.ctx
	if files == nil {
		return nil
	}
	return func() tea.Msg {
		list, err := files.ListFiles(ctx)
		return filesMsg{files: list, err: err}
	}
}

func pollCmd(ctx context.Context, p *poller.Poller, logger *slog.Logger) tea.Cmd {
	return func() tea.Msg {
		if cleared, err := p.ClearStale(ctx); err != nil {
			logger.Warn("stale typing check failed", "session_id", p.SessionID(), "error", err)
		} else if cleared {
			logger.Info("cleared stale typing state", "session_id", p.SessionID())
		}
		return pollEndedMsg{sessionID: p.SessionID(), err: p.Run(ctx)}
	}
}
