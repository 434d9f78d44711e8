// internal/tui/monitor.go
//
// Read-only terminal monitor for a drover session. Follows The Elm
// Architecture via bubbletea: the Monitor model refreshes a snapshot of the
// persisted session state, the message log, and the audit tail on a timer,
// and renders them as panels.

package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ramercer/drover/internal/logbook"
	"github.com/ramercer/drover/internal/orchestrator"
	"github.com/ramercer/drover/internal/store"
)

const refreshInterval = 2 * time.Second

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B")).
			MarginBottom(1)
	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5B8DEF"))
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))
	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))
)

type refreshMsg struct {
	state    orchestrator.State
	hasState bool
	messages []store.Message
	audit    []string
	err      error
}

// Monitor is the application model for the session monitor.
type Monitor struct {
	sessionID string
	store     *store.Store
	logbook   *logbook.Logbook

	state    orchestrator.State
	hasState bool
	messages []store.Message
	audit    []string
	err      error

	messageView viewport.Model
	width       int
	height      int
	lastRefresh time.Time
}

// NewMonitor builds a monitor for one session. The logbook may be nil when no
// audit file exists yet.
func NewMonitor(sessionID string, st *store.Store, lb *logbook.Logbook) *Monitor {
	vp := viewport.New(80, 10)
	return &Monitor{
		sessionID:   sessionID,
		store:       st,
		logbook:     lb,
		messageView: vp,
	}
}

// Init starts the refresh loop.
func (m *Monitor) Init() tea.Cmd {
	return m.fetchSnapshot()
}

// Update handles messages: window sizing, refresh results, and key input.
func (m *Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.messageView.Width = maxInt(20, msg.Width-6)
		m.messageView.Height = maxInt(4, msg.Height/3)
		m.messageView.SetContent(m.renderMessages())
		return m, nil

	case refreshMsg:
		m.applySnapshot(msg)
		return m, m.scheduleRefresh()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetchSnapshot()
		}
	}
	var cmd tea.Cmd
	m.messageView, cmd = m.messageView.Update(msg)
	return m, cmd
}

func (m *Monitor) applySnapshot(msg refreshMsg) {
	m.lastRefresh = time.Now()
	if msg.err != nil {
		m.err = msg.err
		return
	}
	m.err = nil
	m.state = msg.state
	m.hasState = msg.hasState
	m.messages = msg.messages
	m.audit = msg.audit
	atBottom := m.messageView.AtBottom()
	m.messageView.SetContent(m.renderMessages())
	if atBottom {
		m.messageView.GotoBottom()
	}
}

func (m *Monitor) fetchSnapshot() tea.Cmd {
	return func() tea.Msg {
		return m.buildSnapshot()
	}
}

func (m *Monitor) scheduleRefresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return m.buildSnapshot()
	})
}

func (m *Monitor) buildSnapshot() refreshMsg {
	ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
	defer cancel()
	var msg refreshMsg
	var st orchestrator.State
	err := m.store.LoadDocument(ctx, m.sessionID, &st)
	switch {
	case err == nil:
		msg.state = st
		msg.hasState = true
	case errors.Is(err, store.ErrNotFound):
		// Session not started yet; keep polling.
	default:
		msg.err = err
		return msg
	}
	history, err := m.store.History(ctx, m.sessionID, 50)
	if err != nil {
		msg.err = err
		return msg
	}
	msg.messages = history
	if m.logbook != nil {
		msg.audit = m.logbook.Tail(10)
	}
	return msg
}

// View renders the monitor panels.
func (m *Monitor) View() string {
	width := m.width
	if width <= 0 {
		width = 100
	}
	header := headerStyle.Render(fmt.Sprintf("DROVER · session %s", m.sessionID))
	sections := []string{
		header,
		panelStyle.Width(maxInt(40, width-2)).Render(m.renderStatePanel()),
		panelStyle.Width(maxInt(40, width-2)).Render(lipgloss.JoinVertical(lipgloss.Left,
			panelTitleStyle.Render(fmt.Sprintf("Messages (%d)", len(m.messages))),
			m.messageView.View(),
		)),
	}
	if audit := m.renderAuditPanel(); audit != "" {
		sections = append(sections, panelStyle.Width(maxInt(40, width-2)).Render(audit))
	}
	footer := dimStyle.Render("q → quit    r → refresh    ↑/↓ → scroll messages")
	if m.err != nil {
		footer = errStyle.Render(fmt.Sprintf("⚠ %v", m.err)) + "\n" + footer
	}
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (m *Monitor) renderStatePanel() string {
	title := panelTitleStyle.Render("Session")
	if !m.hasState {
		return lipgloss.JoinVertical(lipgloss.Left, title,
			dimStyle.Render("Waiting for session state..."))
	}
	st := m.state
	lines := []string{
		fmt.Sprintf("Phase: %s", st.Phase),
		fmt.Sprintf("Round: %d/%d (attempt %d)", st.RoundNumber, st.MaxRounds, st.Attempt),
		fmt.Sprintf("Worker: %s", st.Worker),
	}
	if st.ActiveProcessID > 0 {
		lines = append(lines, fmt.Sprintf("Process: pid %d · %s", st.ActiveProcessID, st.ProcessStatus))
	} else if st.LastProcessID > 0 {
		lines = append(lines, dimStyle.Render(fmt.Sprintf("Last process: pid %d", st.LastProcessID)))
	}
	if st.GitShaStart != "" {
		lines = append(lines, fmt.Sprintf("Snapshots: %s → %s", shortID(st.GitShaStart), shortID(st.GitShaEnd)))
	}
	if st.ErrorMessage != "" {
		lines = append(lines, errStyle.Render(fmt.Sprintf("Error: %s", st.ErrorMessage)))
	}
	if len(st.CompletedRounds) > 0 {
		lines = append(lines, dimStyle.Render(fmt.Sprintf("%d round(s) completed", len(st.CompletedRounds))))
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(lines, "\n"))
}

func (m *Monitor) renderMessages() string {
	if len(m.messages) == 0 {
		return dimStyle.Render("No messages yet.")
	}
	var rows []string
	for _, msg := range m.messages {
		target := "all"
		if !msg.Broadcast() {
			target = msg.Target
		}
		rows = append(rows, fmt.Sprintf("%s %s → %s: %s",
			msg.CreatedAt.Local().Format("15:04:05"),
			msg.Sender,
			target,
			msg.Content,
		))
	}
	return strings.Join(rows, "\n")
}

func (m *Monitor) renderAuditPanel() string {
	if len(m.audit) == 0 {
		return ""
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		panelTitleStyle.Render("Audit"),
		dimStyle.Render(strings.Join(m.audit, "\n")),
	)
}

func shortID(id string) string {
	if id == "" {
		return "·"
	}
	if len(id) > 10 {
		return id[:10]
	}
	return id
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
