package tui

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/layerlink/layerlink/internal/agent"
	"github.com/layerlink/layerlink/internal/browser"
)

type fakeConn struct {
	status     agent.Status
	subs       []func(agent.Status)
	reconnects int
}

func (f *fakeConn) Status() agent.Status { return f.status }

func (f *fakeConn) Subscribe(fn func(agent.Status)) func() {
	f.subs = append(f.subs, fn)
	return func() { f.subs = nil }
}

func (f *fakeConn) ForceReconnect() { f.reconnects++ }

type fakeTabs struct {
	tabs []browser.TabInfo
	err  error
}

func (f fakeTabs) Tabs(context.Context) ([]browser.TabInfo, error) { return f.tabs, f.err }

func newTestModel(t *testing.T, tabs fakeTabs) (*Model, *fakeConn, *agent.StateStore) {
	t.Helper()
	state, err := agent.OpenStateStore("")
	if err != nil {
		t.Fatal(err)
	}
	conn := &fakeConn{status: agent.Status{State: agent.StateDisconnected}}
	m := New(t.Context(), conn, state, tabs)
	t.Cleanup(m.Close)
	return m, conn, state
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

var twoTabs = fakeTabs{tabs: []browser.TabInfo{
	{ID: 11, Title: "Home", URL: "https://example.com/"},
	{ID: 22, Title: "Checkout", URL: "https://example.com/checkout"},
}}

func TestAttachSelectedTab(t *testing.T) {
	m, _, state := newTestModel(t, twoTabs)

	m.Update(m.loadTabs()())
	m.Update(key("down"))
	m.Update(key("enter"))

	att, ok := state.Attachment()
	if !ok || att.TabID != 22 || att.TabTitle != "Checkout" {
		t.Fatalf("attachment = %+v, %v; want tab 22", att, ok)
	}
	if !strings.Contains(m.View(), "Checkout [22]") {
		t.Errorf("view does not show the attached tab:\n%s", m.View())
	}

	m.Update(key("d"))
	if _, ok := state.Attachment(); ok {
		t.Error("d should detach")
	}
}

func TestCursorStaysInRange(t *testing.T) {
	m, _, _ := newTestModel(t, twoTabs)
	m.Update(m.loadTabs()())

	m.Update(key("up"))
	if m.cursor != 0 {
		t.Errorf("cursor = %d after up at top", m.cursor)
	}
	for range 5 {
		m.Update(key("down"))
	}
	if m.cursor != 1 {
		t.Errorf("cursor = %d after moving past the end", m.cursor)
	}
}

func TestEnterWithoutTabs(t *testing.T) {
	m, _, state := newTestModel(t, fakeTabs{})
	m.Update(m.loadTabs()())
	m.Update(key("enter"))
	if _, ok := state.Attachment(); ok {
		t.Error("enter with no tabs should not attach")
	}
	if !strings.Contains(m.View(), "no open tabs") {
		t.Error("view should say there are no tabs")
	}
}

func TestReconnectKey(t *testing.T) {
	m, conn, _ := newTestModel(t, twoTabs)
	m.Update(key("r"))
	if conn.reconnects != 1 {
		t.Errorf("ForceReconnect called %d times, want 1", conn.reconnects)
	}
}

func TestQuitKey(t *testing.T) {
	m, _, _ := newTestModel(t, twoTabs)
	_, cmd := m.Update(key("q"))
	if cmd == nil {
		t.Fatal("q should return a command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should quit")
	}
}

func TestStatusFromSubscription(t *testing.T) {
	m, conn, _ := newTestModel(t, twoTabs)
	if len(conn.subs) != 1 {
		t.Fatalf("subscriptions = %d, want 1", len(conn.subs))
	}

	conn.subs[0](agent.Status{State: agent.StateConnected, ServerInstanceID: "inst-7", ServerVersion: "1.0.0"})
	m.Update(m.waitEvent()())

	view := m.View()
	if !strings.Contains(view, "connected") || !strings.Contains(view, "inst-7") {
		t.Errorf("view does not reflect the status:\n%s", view)
	}
}

func TestTerminalStatus(t *testing.T) {
	m, _, _ := newTestModel(t, twoTabs)
	m.Update(StatusMsg(agent.Status{State: agent.StateDisconnected, Terminal: true, LastError: "max reconnect attempts reached"}))
	view := m.View()
	if !strings.Contains(view, "gave up") || !strings.Contains(view, "max reconnect attempts reached") {
		t.Errorf("view does not show the terminal state:\n%s", view)
	}
}

func TestTabListError(t *testing.T) {
	m, _, _ := newTestModel(t, fakeTabs{err: errors.New("cdp gone")})
	m.Update(m.loadTabs()())
	if !strings.Contains(m.View(), "cdp gone") {
		t.Error("view should show the tab list error")
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	m, conn, _ := newTestModel(t, twoTabs)
	m.Close()
	if conn.subs != nil {
		t.Error("Close should unsubscribe")
	}
}
