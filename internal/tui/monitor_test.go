package tui

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ramercer/drover/internal/logbook"
	"github.com/ramercer/drover/internal/orchestrator"
	"github.com/ramercer/drover/internal/store"
)

func newTestMonitor(t *testing.T, sessionID string) (*Monitor, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "drover.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	lb, err := logbook.New(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("open logbook: %v", err)
	}
	return NewMonitor(sessionID, st, lb), st
}

func TestSnapshotLoadsStateAndMessages(t *testing.T) {
	ctx := context.Background()
	m, st := newTestMonitor(t, "sess-1")
	doc := orchestrator.State{
		SessionID:   "sess-1",
		Phase:       orchestrator.PhaseDecision,
		RoundNumber: 2,
		MaxRounds:   5,
		Worker:      "alpha",
		Attempt:     1,
	}
	if err := st.SaveDocument(ctx, "sess-1", doc); err != nil {
		t.Fatalf("save document: %v", err)
	}
	if _, err := st.Send(ctx, "sess-1", "orchestrator", "round started", "", "status"); err != nil {
		t.Fatalf("send: %v", err)
	}
	m.logbook.Info("round %d underway", 2)

	snap := m.buildSnapshot()
	if snap.err != nil {
		t.Fatalf("snapshot error: %v", snap.err)
	}
	if !snap.hasState {
		t.Fatalf("expected state to be loaded")
	}
	if snap.state.Phase != orchestrator.PhaseDecision {
		t.Fatalf("phase = %s", snap.state.Phase)
	}
	if len(snap.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(snap.messages))
	}
	if len(snap.audit) == 0 {
		t.Fatalf("expected audit tail")
	}
}

func TestSnapshotBeforeSessionStartsKeepsPolling(t *testing.T) {
	m, _ := newTestMonitor(t, "sess-missing")
	snap := m.buildSnapshot()
	if snap.err != nil {
		t.Fatalf("missing session should not error: %v", snap.err)
	}
	if snap.hasState {
		t.Fatalf("no state document should be reported")
	}
}

func TestUpdateAppliesRefreshAndReschedules(t *testing.T) {
	m, _ := newTestMonitor(t, "sess-1")
	msg := refreshMsg{
		state:    orchestrator.State{Phase: orchestrator.PhaseGitSnapshot, RoundNumber: 1, MaxRounds: 3, Worker: "beta"},
		hasState: true,
		messages: []store.Message{{Sender: "beta", Content: "hello"}},
	}
	model, cmd := m.Update(msg)
	m, ok := model.(*Monitor)
	if !ok {
		t.Fatalf("unexpected model type: %T", model)
	}
	if cmd == nil {
		t.Fatalf("refresh should schedule the next tick")
	}
	view := m.View()
	for _, want := range []string{"git_snapshot", "Round: 1/3", "beta"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestQuitKeys(t *testing.T) {
	m, _ := newTestMonitor(t, "sess-1")
	for _, key := range []string{"q", "ctrl+c"} {
		var msg tea.KeyMsg
		if key == "q" {
			msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}}
		} else {
			msg = tea.KeyMsg{Type: tea.KeyCtrlC}
		}
		_, cmd := m.Update(msg)
		if cmd == nil {
			t.Fatalf("key %s should quit", key)
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Fatalf("key %s should produce tea.QuitMsg", key)
		}
	}
}

func TestViewShowsErrorState(t *testing.T) {
	m, _ := newTestMonitor(t, "sess-1")
	msg := refreshMsg{
		state: orchestrator.State{
			Phase:        orchestrator.PhaseError,
			RoundNumber:  2,
			MaxRounds:    5,
			Worker:       "alpha",
			ErrorMessage: "worker alpha: process 99 failed liveness checks",
		},
		hasState: true,
	}
	model, _ := m.Update(msg)
	m = model.(*Monitor)
	view := m.View()
	if !strings.Contains(view, "failed liveness checks") {
		t.Fatalf("view should surface the error message:\n%s", view)
	}
}
