package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/batch"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/robots"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
)

const consoleLabel = "console"

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	busyStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

type resultMsg struct {
	mode session.Mode
	res  session.Result
	err  error
}

type statusMsg struct {
	st  session.Status
	err error
}

type textMsg struct {
	text string
}

type errMsg struct {
	err error
}

type paletteItem struct {
	title string
	desc  string

	insert string
	action func(*model) tea.Cmd
}

func (i paletteItem) Title() string       { return i.title }
func (i paletteItem) Description() string { return i.desc }
func (i paletteItem) FilterValue() string { return i.title + " " + i.desc }

type model struct {
	ctx   context.Context
	mgr   *robots.Manager
	robot string

	mode     session.Mode
	st       session.Status
	busy     bool
	cancelOp context.CancelFunc

	viewport viewport.Model
	composer textarea.Model
	status   string

	scrollback *scrollback

	paletteOpen bool
	palette     list.Model
}

func newModel(ctx context.Context, mgr *robots.Manager, robot string, st session.Status) model {
	ta := textarea.New()
	ta.Placeholder = "Type a command… (Ctrl+S send • Ctrl+T shell/python • Ctrl+P palette)"
	ta.Focus()
	ta.CharLimit = 0
	ta.ShowLineNumbers = false
	ta.Prompt = "> "
	ta.SetHeight(5)
	ta.SetWidth(80)

	vp := viewport.New(0, 0)
	vp.SetContent("")

	pal := list.New([]list.Item{
		paletteItem{title: "/ping", desc: "check the session answers", action: func(m *model) tea.Cmd { return m.pingCmd() }},
		paletteItem{title: "/status", desc: "show session status", action: func(m *model) tea.Cmd {
			m.append(renderStatus(m.robot, m.st))
			return nil
		}},
		paletteItem{title: "/shell", desc: "switch to the robot shell", action: func(m *model) tea.Cmd { return m.switchCmd(session.Shell) }},
		paletteItem{title: "/python", desc: "switch to the python interpreter", action: func(m *model) tea.Cmd { return m.switchCmd(session.Interpreter) }},
		paletteItem{title: "/compact", desc: "compact scrollback (local)", action: func(m *model) tea.Cmd {
			m.compact()
			return nil
		}},
		paletteItem{title: "/clear", desc: "clear scrollback (local)", action: func(m *model) tea.Cmd {
			m.scrollback.Clear()
			m.renderScrollback()
			return nil
		}},
		paletteItem{title: "/help", desc: "show keybindings", action: func(m *model) tea.Cmd {
			m.append(helpText)
			return nil
		}},
	}, list.NewDefaultDelegate(), 0, 0)
	pal.SetShowHelp(false)
	pal.Title = "Command palette"

	return model{
		ctx:        ctx,
		mgr:        mgr,
		robot:      robot,
		mode:       st.Mode,
		st:         st,
		viewport:   vp,
		composer:   ta,
		status:     "connected",
		scrollback: newScrollback(5000, 1<<20),
		palette:    pal,
	}
}

const helpText = "[help] Ctrl+S send | Ctrl+T toggle shell/python | Ctrl+C cancel running command or quit | Ctrl+P palette | Esc close palette/quit\n" +
	"[help] a single line runs in the current mode; several lines are sent to python as one code block\n" +
	"[help] /ping | /status | /shell | /python | /compact | /clear | /help\n"

func (m model) Init() tea.Cmd { return textarea.Blink }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch t := msg.(type) {
	case tea.WindowSizeMsg:
		m.composer.SetWidth(t.Width)
		m.composer.SetHeight(min(8, max(3, t.Height/5)))
		m.viewport.Width = t.Width
		m.viewport.Height = max(1, t.Height-1-m.composer.Height())
		m.palette.SetSize(t.Width, max(5, t.Height/2))
		m.renderScrollback()
		return m, nil
	case tea.KeyMsg:
		switch t.String() {
		case "ctrl+c":
			if m.busy && m.cancelOp != nil {
				m.cancelOp()
				m.status = "canceling"
				return m, nil
			}
			return m, tea.Quit
		case "esc":
			if m.paletteOpen {
				m.paletteOpen = false
				return m, nil
			}
			if m.busy {
				return m, nil
			}
			return m, tea.Quit
		case "ctrl+p":
			m.paletteOpen = !m.paletteOpen
			return m, nil
		case "ctrl+t":
			if m.paletteOpen {
				break
			}
			target := session.Interpreter
			if m.mode == session.Interpreter {
				target = session.Shell
			}
			return m, m.switchCmd(target)
		case "ctrl+s", "alt+enter":
			if m.paletteOpen {
				break
			}
			text := strings.TrimRight(m.composer.Value(), " \t\r\n")
			if strings.TrimSpace(text) == "" {
				return m, nil
			}
			if m.busy {
				m.append("[busy] wait for the running command or press Ctrl+C\n")
				return m, nil
			}
			m.composer.Reset()
			if cmd, ok := m.localCommand(strings.TrimSpace(text)); ok {
				return m, cmd
			}
			return m, m.sendCmd(text)
		}
	case resultMsg:
		m.finishOp()
		m.append(renderResult(t.mode, t.res, t.err))
		return m, m.refreshCmd()
	case statusMsg:
		m.finishOp()
		if t.err != nil {
			m.status = "error: " + t.err.Error()
			m.append("[error] " + t.err.Error() + "\n")
		}
		m.setStatus(t.st)
		return m, nil
	case textMsg:
		m.finishOp()
		m.append(t.text)
		return m, nil
	case errMsg:
		m.finishOp()
		m.status = "error: " + t.err.Error()
		m.append(m.status + "\n")
		return m, nil
	}

	var cmd tea.Cmd
	if m.paletteOpen {
		var c tea.Cmd
		m.palette, c = m.palette.Update(msg)
		if km, ok := msg.(tea.KeyMsg); ok && km.String() == "enter" {
			if it, ok := m.palette.SelectedItem().(paletteItem); ok {
				m.paletteOpen = false
				if it.action != nil {
					return m, it.action(&m)
				}
				if it.insert != "" {
					m.composer.SetValue(it.insert)
				}
				return m, nil
			}
		}
		return m, c
	}
	m.composer, cmd = m.composer.Update(msg)
	return m, cmd
}

func (m model) View() string {
	keptLines, _, droppedLines, _ := m.scrollback.Stats()
	state := m.status
	switch {
	case m.busy:
		state = busyStyle.Render("running")
	case m.status != "connected":
		state = errorStyle.Render(m.status)
	}
	header := headerStyle.Render(fmt.Sprintf("otrunner %s (%s) | %s", m.robot, orDash(m.st.Host), m.mode)) +
		fmt.Sprintf(" | %s | %d cmds | %dL(+%d) | Ctrl+S send • Ctrl+T mode • Ctrl+P palette\n",
			state, m.st.Commands, keptLines, droppedLines)
	out := header + m.viewport.View() + "\n" + m.composer.View()
	if m.paletteOpen {
		out += "\n\n" + m.palette.View()
	}
	return out
}

// localCommand handles the slash commands that never reach the robot.
func (m *model) localCommand(line string) (tea.Cmd, bool) {
	switch line {
	case "/help":
		m.append(helpText)
	case "/compact":
		m.compact()
	case "/clear":
		m.scrollback.Clear()
		m.renderScrollback()
	case "/status":
		m.append(renderStatus(m.robot, m.st))
	case "/ping":
		return m.pingCmd(), true
	case "/shell":
		return m.switchCmd(session.Shell), true
	case "/python":
		return m.switchCmd(session.Interpreter), true
	default:
		return nil, false
	}
	return nil, true
}

func (m *model) compact() {
	keep := 500
	if m.scrollback.maxLines > 0 {
		keep = min(keep, m.scrollback.maxLines)
	}
	m.scrollback.Compact(keep)
	m.renderScrollback()
}

// begin marks an operation in flight and returns its context.
func (m *model) begin() context.Context {
	ctx, cancel := context.WithCancel(m.ctx)
	m.busy = true
	m.cancelOp = cancel
	return ctx
}

func (m *model) finishOp() {
	if m.cancelOp != nil {
		m.cancelOp()
		m.cancelOp = nil
	}
	m.busy = false
}

func (m *model) setStatus(st session.Status) {
	m.st = st
	m.mode = st.Mode
	switch {
	case st.Closed || !st.Connected:
		m.status = "disconnected"
	case st.Desynced:
		m.status = "desynchronized"
	case !m.busy && !strings.HasPrefix(m.status, "error"):
		m.status = "connected"
	}
}

// sendCmd runs a single line in the current mode and anything longer as an
// interpreter code block.
func (m *model) sendCmd(text string) tea.Cmd {
	mgr, robot, mode := m.mgr, m.robot, m.mode
	multiline := strings.Contains(text, "\n")
	if multiline {
		mode = session.Interpreter
	}
	m.append(echo(mode, text))
	m.status = "connected"
	ctx := m.begin()
	return func() tea.Msg {
		if multiline {
			res, err := mgr.SendCodeBlock(ctx, robot, text, batch.BlockOptions{Label: consoleLabel})
			return resultMsg{mode: mode, res: res, err: err}
		}
		res, err := mgr.ExecuteOne(ctx, robot, mode, session.Request{Label: consoleLabel, Text: text})
		return resultMsg{mode: mode, res: res, err: err}
	}
}

func (m *model) switchCmd(target session.Mode) tea.Cmd {
	if m.busy {
		m.append("[busy] wait for the running command or press Ctrl+C\n")
		return nil
	}
	mgr, robot := m.mgr, m.robot
	m.append(fmt.Sprintf("[mode] switching to %s\n", target))
	ctx := m.begin()
	return func() tea.Msg {
		st, err := mgr.SwitchMode(ctx, robot, target)
		return statusMsg{st: st, err: err}
	}
}

func (m *model) pingCmd() tea.Cmd {
	if m.busy {
		m.append("[busy] wait for the running command or press Ctrl+C\n")
		return nil
	}
	mgr, robot := m.mgr, m.robot
	ctx := m.begin()
	return func() tea.Msg {
		start := time.Now()
		if err := mgr.Ping(ctx, robot); err != nil {
			return errMsg{err: err}
		}
		return textMsg{text: fmt.Sprintf("[ping] ok in %s\n", time.Since(start).Round(time.Millisecond))}
	}
}

// refreshCmd reads the session status without waiting on the robot lock.
func (m model) refreshCmd() tea.Cmd {
	mgr, robot := m.mgr, m.robot
	return func() tea.Msg {
		st, err := mgr.Status(robot)
		return statusMsg{st: st, err: err}
	}
}

func (m *model) append(s string) {
	m.scrollback.Append(s)
	m.renderScrollback()
}

func (m *model) renderScrollback() {
	wasAtBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.scrollback.Content())
	if wasAtBottom {
		m.viewport.GotoBottom()
	}
}

func promptFor(mode session.Mode) (string, string) {
	if mode == session.Interpreter {
		return ">>> ", "... "
	}
	return "# ", "> "
}

func echo(mode session.Mode, text string) string {
	primary, cont := promptFor(mode)
	var b strings.Builder
	for i, line := range strings.Split(text, "\n") {
		if i == 0 {
			b.WriteString(primary)
		} else {
			b.WriteString(cont)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func renderResult(mode session.Mode, res session.Result, err error) string {
	var b strings.Builder
	if out := strings.TrimRight(res.Output, "\n"); out != "" {
		b.WriteString(out)
		b.WriteByte('\n')
	}
	if !res.Success {
		kind := string(res.Failure)
		if kind == "" {
			kind = "error"
		}
		msg := strings.TrimRight(res.Error, "\n")
		if msg == "" && err != nil {
			msg = err.Error()
		}
		fmt.Fprintf(&b, "[%s] %s\n", kind, msg)
	}
	if res.Elapsed > 0 {
		fmt.Fprintf(&b, "[%s %s]\n", mode, res.Elapsed.Round(time.Millisecond))
	}
	return b.String()
}

func renderStatus(robot string, st session.Status) string {
	last := "-"
	if !st.LastUsed.IsZero() {
		last = st.LastUsed.Format("15:04:05")
	}
	return fmt.Sprintf("[status] %s host=%s id=%s connected=%t mode=%s desynchronized=%t commands=%d reconnects=%d last=%s\n",
		robot, orDash(st.Host), orDash(st.ID), st.Connected, st.Mode, st.Desynced, st.Commands, st.Reconnects, last)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
