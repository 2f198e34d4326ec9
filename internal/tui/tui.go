// Package tui renders the agent's connection and attachment state in the
// terminal and lets the user attach, detach and force a reconnect.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/layerlink/layerlink/internal/agent"
	"github.com/layerlink/layerlink/internal/browser"
)

const tabRefreshInterval = 2 * time.Second

// Connection is the part of the connection manager the view drives.
type Connection interface {
	Status() agent.Status
	Subscribe(fn func(agent.Status)) func()
	ForceReconnect()
}

// Attachments is the attachment state the view reads and changes.
type Attachments interface {
	Attachment() (agent.Attachment, bool)
	Attach(tabID int, title string) error
	Detach() error
}

// TabLister lists the open tabs.
type TabLister interface {
	Tabs(ctx context.Context) ([]browser.TabInfo, error)
}

// StatusMsg carries a connection status change.
type StatusMsg agent.Status

// TabsChangedMsg asks the view to reload the tab list.
type TabsChangedMsg struct{}

type tabsMsg struct {
	tabs []browser.TabInfo
	err  error
}

type tickMsg time.Time

type theme struct {
	title    lipgloss.Style
	panel    lipgloss.Style
	label    lipgloss.Style
	ok       lipgloss.Style
	warn     lipgloss.Style
	bad      lipgloss.Style
	selected lipgloss.Style
	muted    lipgloss.Style
}

func newTheme() theme {
	green := lipgloss.Color("#05ffa1")
	amber := lipgloss.Color("#ffd166")
	pink := lipgloss.Color("#ff71ce")
	blue := lipgloss.Color("#01cdfe")
	muted := lipgloss.Color("#9ca3d8")
	return theme{
		title: lipgloss.NewStyle().Bold(true).Foreground(blue),
		panel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(muted).
			Padding(0, 1),
		label:    lipgloss.NewStyle().Foreground(muted),
		ok:       lipgloss.NewStyle().Foreground(green).Bold(true),
		warn:     lipgloss.NewStyle().Foreground(amber).Bold(true),
		bad:      lipgloss.NewStyle().Foreground(pink).Bold(true),
		selected: lipgloss.NewStyle().Foreground(blue).Bold(true),
		muted:    lipgloss.NewStyle().Foreground(muted),
	}
}

// Model is the bubbletea model of the agent view.
type Model struct {
	ctx    context.Context
	conn   Connection
	state  Attachments
	lister TabLister

	events chan tea.Msg
	unsub  func()

	status   agent.Status
	attached agent.Attachment
	hasTab   bool
	tabs     []browser.TabInfo
	cursor   int
	notice   string
	err      error

	spinner spinner.Model
	theme   theme
	width   int
}

// New creates the view and subscribes it to conn. Call Close when done.
func New(ctx context.Context, conn Connection, state Attachments, lister TabLister) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := &Model{
		ctx:     ctx,
		conn:    conn,
		state:   state,
		lister:  lister,
		events:  make(chan tea.Msg, 32),
		status:  conn.Status(),
		spinner: sp,
		theme:   newTheme(),
	}
	m.attached, m.hasTab = state.Attachment()
	m.unsub = conn.Subscribe(func(s agent.Status) {
		m.post(StatusMsg(s))
	})
	return m
}

// Notify posts msg to the view without blocking. Dropped when the queue is full.
func (m *Model) Notify(msg tea.Msg) {
	m.post(msg)
}

func (m *Model) post(msg tea.Msg) {
	select {
	case m.events <- msg:
	default:
	}
}

// Close unsubscribes from the connection manager.
func (m *Model) Close() {
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
}

// Run shows the view until the user quits or ctx ends.
func Run(ctx context.Context, m *Model) error {
	defer m.Close()
	_, err := tea.NewProgram(m, tea.WithContext(ctx), tea.WithAltScreen()).Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitEvent(), m.loadTabs(), tick())
}

func (m *Model) waitEvent() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-m.events:
			return msg
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m *Model) loadTabs() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
		defer cancel()
		tabs, err := m.lister.Tabs(ctx)
		return tabsMsg{tabs: tabs, err: err}
	}
}

func tick() tea.Cmd {
	return tea.Tick(tabRefreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tea.KeyMsg:
		return m, m.handleKey(msg)
	case StatusMsg:
		m.status = agent.Status(msg)
		return m, m.waitEvent()
	case TabsChangedMsg:
		return m, tea.Batch(m.waitEvent(), m.loadTabs())
	case tabsMsg:
		m.err = msg.err
		if msg.err == nil {
			m.tabs = msg.tabs
		}
		m.attached, m.hasTab = m.state.Attachment()
		if m.cursor >= len(m.tabs) {
			m.cursor = max(len(m.tabs)-1, 0)
		}
	case tickMsg:
		m.status = m.conn.Status()
		return m, tea.Batch(m.loadTabs(), tick())
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.tabs)-1 {
			m.cursor++
		}
	case "enter":
		if len(m.tabs) == 0 {
			return nil
		}
		tab := m.tabs[m.cursor]
		if err := m.state.Attach(tab.ID, tab.Title); err != nil {
			m.err = err
			return nil
		}
		m.notice = "attached to " + tab.Title
	case "d":
		if err := m.state.Detach(); err != nil {
			m.err = err
			return nil
		}
		m.notice = "detached"
	case "r":
		m.conn.ForceReconnect()
		m.notice = "reconnecting"
	default:
		return nil
	}
	m.attached, m.hasTab = m.state.Attachment()
	return nil
}

func (m *Model) View() string {
	t := m.theme
	var b strings.Builder

	b.WriteString(t.title.Render("LayerLink agent"))
	b.WriteString("\n\n")

	var conn strings.Builder
	conn.WriteString(t.label.Render("relay   ") + m.stateLabel())
	if m.status.ServerInstanceID != "" {
		conn.WriteString("\n" + t.label.Render("server  ") + m.status.ServerInstanceID)
		if m.status.ServerVersion != "" {
			conn.WriteString(" (" + m.status.ServerVersion + ")")
		}
	}
	if m.status.ReconnectAttempts > 0 {
		conn.WriteString("\n" + t.label.Render("retries ") + fmt.Sprint(m.status.ReconnectAttempts))
	}
	if m.status.LastError != "" {
		conn.WriteString("\n" + t.label.Render("error   ") + t.bad.Render(m.status.LastError))
	}
	conn.WriteString("\n" + t.label.Render("tab     "))
	if m.hasTab {
		conn.WriteString(fmt.Sprintf("%s [%d]", m.attached.TabTitle, m.attached.TabID))
	} else {
		conn.WriteString(t.muted.Render("none"))
	}
	b.WriteString(t.panel.Render(conn.String()))
	b.WriteString("\n\n")

	if len(m.tabs) == 0 {
		b.WriteString(t.muted.Render("no open tabs"))
		b.WriteString("\n")
	}
	for i, tab := range m.tabs {
		marker := "  "
		if m.hasTab && tab.ID == m.attached.TabID {
			marker = "● "
		}
		line := marker + truncate(tab.Title, 60) + " " + t.muted.Render(truncate(tab.URL, 60))
		if i == m.cursor {
			line = t.selected.Render("> ") + line
		} else {
			line = "  " + line
		}
		b.WriteString(line + "\n")
	}

	if m.err != nil {
		b.WriteString("\n" + t.bad.Render(m.err.Error()) + "\n")
	} else if m.notice != "" {
		b.WriteString("\n" + t.muted.Render(m.notice) + "\n")
	}
	b.WriteString("\n" + t.muted.Render("↑/↓ select • enter attach • d detach • r reconnect • q quit"))
	return b.String()
}

func (m *Model) stateLabel() string {
	t := m.theme
	switch {
	case m.status.Terminal:
		return t.bad.Render("gave up") + t.muted.Render(" (press r)")
	case m.status.State == agent.StateConnected:
		return t.ok.Render("connected")
	case m.status.State == agent.StateConnecting:
		return m.spinner.View() + t.warn.Render("connecting")
	default:
		return t.warn.Render("disconnected")
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
