package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ramercer/drover/internal/config"
	"github.com/ramercer/drover/internal/supervise"
	"github.com/ramercer/drover/internal/vcs"
)

type memStore struct {
	mu       sync.Mutex
	docs     map[string][]byte
	failSave bool
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string][]byte)}
}

func (m *memStore) SaveDocument(_ context.Context, sessionID string, doc any) error {
	if m.failSave {
		return errors.New("disk full")
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[sessionID] = encoded
	m.mu.Unlock()
	return nil
}

func (m *memStore) LoadDocument(_ context.Context, sessionID string, out any) error {
	m.mu.Lock()
	encoded, ok := m.docs[sessionID]
	m.mu.Unlock()
	if !ok {
		return errors.New("not found")
	}
	return json.Unmarshal(encoded, out)
}

func (m *memStore) loadState(t *testing.T, sessionID string) State {
	t.Helper()
	var st State
	if err := m.LoadDocument(context.Background(), sessionID, &st); err != nil {
		t.Fatalf("load persisted state: %v", err)
	}
	return st
}

type memBus struct {
	mu   sync.Mutex
	sent []string
}

func (m *memBus) Send(_ context.Context, _, _, content, _, _ string) (string, error) {
	m.mu.Lock()
	m.sent = append(m.sent, content)
	m.mu.Unlock()
	return "msg-1", nil
}

func (m *memBus) messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	copy(out, m.sent)
	return out
}

type fakeSupervisor struct {
	mu        sync.Mutex
	monitored map[int]supervise.Status
	stopped   []int
	forced    []int
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{monitored: make(map[int]supervise.Status)}
}

func (f *fakeSupervisor) StartMonitoring(spec supervise.ProcessSpec) error {
	f.mu.Lock()
	f.monitored[spec.Pid] = supervise.StatusRunning
	f.mu.Unlock()
	return nil
}

func (f *fakeSupervisor) StopMonitoring(pid int) {
	f.mu.Lock()
	delete(f.monitored, pid)
	f.mu.Unlock()
}

func (f *fakeSupervisor) StopProcess(pid int, force bool, _ time.Duration) error {
	f.mu.Lock()
	delete(f.monitored, pid)
	if force {
		f.forced = append(f.forced, pid)
	} else {
		f.stopped = append(f.stopped, pid)
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeSupervisor) StatusOf(pid int) (supervise.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.monitored[pid]
	return status, ok
}

func (f *fakeSupervisor) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stopped)
}

type fakeWorkspace struct {
	mu          sync.Mutex
	snapshots   int
	rollbacks   []string
	reasons     []string
	rollbackErr error
}

func (w *fakeWorkspace) Snapshot(string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.snapshots++
	return fmt.Sprintf("sha-%d", w.snapshots), nil
}

func (w *fakeWorkspace) Rollback(target, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rollbackErr != nil {
		return w.rollbackErr
	}
	w.rollbacks = append(w.rollbacks, target)
	w.reasons = append(w.reasons, reason)
	return nil
}

func (w *fakeWorkspace) Diff(string, string) (string, error) {
	return "", nil
}

func (w *fakeWorkspace) RecentHistory(int) ([]vcs.Commit, error) {
	return nil, nil
}

func (w *fakeWorkspace) rollbackTargets() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.rollbacks))
	copy(out, w.rollbacks)
	return out
}

type scriptedInvoker struct {
	mu     sync.Mutex
	script []func(ctx context.Context, inv Invocation) (InvocationResult, error)
	tasks  []string
	calls  int
}

func (si *scriptedInvoker) Invoke(ctx context.Context, inv Invocation) (InvocationResult, error) {
	si.mu.Lock()
	idx := si.calls
	si.calls++
	si.tasks = append(si.tasks, inv.Task)
	if idx >= len(si.script) {
		idx = len(si.script) - 1
	}
	fn := si.script[idx]
	si.mu.Unlock()
	return fn(ctx, inv)
}

func (si *scriptedInvoker) callCount() int {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.calls
}

func (si *scriptedInvoker) taskAt(i int) string {
	si.mu.Lock()
	defer si.mu.Unlock()
	if i >= len(si.tasks) {
		return ""
	}
	return si.tasks[i]
}

func succeed(result string) func(context.Context, Invocation) (InvocationResult, error) {
	return func(context.Context, Invocation) (InvocationResult, error) {
		return InvocationResult{ResultText: result, ExitCode: 0, Pid: 100, EndSha: "sha-end"}, nil
	}
}

func exitWith(code int) func(context.Context, Invocation) (InvocationResult, error) {
	return func(context.Context, Invocation) (InvocationResult, error) {
		return InvocationResult{ExitCode: code, Pid: 100}, nil
	}
}

type harness struct {
	store     *memStore
	bus       *memBus
	sup       *fakeSupervisor
	invoker   *scriptedInvoker
	workspace *fakeWorkspace
	orch      *Orchestrator
}

func newHarness(t *testing.T, script ...func(context.Context, Invocation) (InvocationResult, error)) *harness {
	t.Helper()
	h := &harness{
		store:     newMemStore(),
		bus:       &memBus{},
		sup:       newFakeSupervisor(),
		invoker:   &scriptedInvoker{script: script},
		workspace: &fakeWorkspace{},
	}
	h.orch = New(h.store, h.bus, h.sup, h.invoker,
		WithWorkspaceFactory(func(string) Workspace { return h.workspace }),
	)
	return h
}

func sessionConfig(t *testing.T, sessionID string, maxRounds int) config.SessionConfig {
	t.Helper()
	return config.SessionConfig{
		SessionID:       sessionID,
		MaxRounds:       maxRounds,
		CheckInterval:   10 * time.Millisecond,
		ShutdownTimeout: 100 * time.Millisecond,
		MaxFailureCount: 3,
		WorkspacePaths:  map[string]string{"alpha": t.TempDir()},
	}
}

func TestCleanSingleRound(t *testing.T) {
	h := newHarness(t, succeed("done"))
	result, err := h.orch.Execute(context.Background(), SessionSpec{
		Config: sessionConfig(t, "sess-1", 1),
		Worker: "alpha",
		Task:   "do the thing",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success || result.FinalPhase != PhaseCompletion {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.RoundsCompleted != 1 {
		t.Fatalf("rounds completed = %d, want 1", result.RoundsCompleted)
	}
	st := h.store.loadState(t, "sess-1")
	if st.Phase != PhaseCompletion {
		t.Fatalf("persisted phase = %s", st.Phase)
	}
	if st.GitShaStart != "sha-1" {
		t.Fatalf("starting snapshot not recorded: %q", st.GitShaStart)
	}
	if len(st.CompletedRounds) != 1 || st.CompletedRounds[0].Result != "done" {
		t.Fatalf("completed rounds: %+v", st.CompletedRounds)
	}
}

func TestFailureThenRollbackRetry(t *testing.T) {
	h := newHarness(t, exitWith(1), succeed("second try worked"))
	result, err := h.orch.Execute(context.Background(), SessionSpec{
		Config: sessionConfig(t, "sess-1", 1),
		Worker: "alpha",
		Task:   "do the thing",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success after rollback retry: %+v", result)
	}
	if result.RoundsCompleted != 1 {
		t.Fatalf("rounds completed = %d, want 1", result.RoundsCompleted)
	}
	targets := h.workspace.rollbackTargets()
	if len(targets) != 1 || targets[0] != "sha-1" {
		t.Fatalf("rollback targets = %v, want [sha-1]", targets)
	}
	if h.invoker.callCount() != 2 {
		t.Fatalf("invocations = %d, want 2", h.invoker.callCount())
	}
	retryTask := h.invoker.taskAt(1)
	if retryTask == h.invoker.taskAt(0) {
		t.Fatalf("retried task carries no audit context: %q", retryTask)
	}
}

func TestRetryBudgetExhaustedEndsInError(t *testing.T) {
	h := newHarness(t, exitWith(1))
	result, err := h.orch.Execute(context.Background(), SessionSpec{
		Config: sessionConfig(t, "sess-1", 1),
		Worker: "alpha",
		Task:   "do the thing",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success || result.FinalPhase != PhaseError {
		t.Fatalf("expected terminal error, got %+v", result)
	}
	if result.LastError == "" {
		t.Fatalf("terminal error carries no reason")
	}
	if got := len(h.workspace.rollbackTargets()); got != 1 {
		t.Fatalf("rollbacks = %d, want 1", got)
	}
	if h.invoker.callCount() != 2 {
		t.Fatalf("invocations = %d, want 2", h.invoker.callCount())
	}
	msgs := h.bus.messages()
	if len(msgs) == 0 {
		t.Fatalf("terminal error not explained on the message bus")
	}
}

func TestDecisionPrecedenceErrorBeatsRollback(t *testing.T) {
	h := newHarness(t, exitWith(1))
	h.orch.RequestRollback("sess-1", "", "operator requested revert")
	result, err := h.orch.Execute(context.Background(), SessionSpec{
		Config: sessionConfig(t, "sess-1", 1),
		Worker: "alpha",
		Task:   "do the thing",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.FinalPhase != PhaseError {
		t.Fatalf("expected ERROR to win over pending rollback, got %s", result.FinalPhase)
	}
	if got := len(h.workspace.rollbackTargets()); got != 0 {
		t.Fatalf("rollback ran despite error precedence: %d", got)
	}
}

func TestRoundNumberNeverExceedsMaxRounds(t *testing.T) {
	h := newHarness(t, succeed("round done"))
	result, err := h.orch.Execute(context.Background(), SessionSpec{
		Config: sessionConfig(t, "sess-1", 3),
		Worker: "alpha",
		Task:   "do the thing",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success || result.RoundsCompleted != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}
	st := h.store.loadState(t, "sess-1")
	if st.RoundNumber > st.MaxRounds {
		t.Fatalf("round number %d exceeded max %d", st.RoundNumber, st.MaxRounds)
	}
	if h.invoker.callCount() != 3 {
		t.Fatalf("invocations = %d, want 3", h.invoker.callCount())
	}
}

func TestRollbackFailureIsFatal(t *testing.T) {
	h := newHarness(t, exitWith(1), succeed("should never run"))
	h.workspace.rollbackErr = &vcs.Error{Op: "rollback", Dir: "/tmp/ws", Detail: "target missing"}
	result, err := h.orch.Execute(context.Background(), SessionSpec{
		Config: sessionConfig(t, "sess-1", 1),
		Worker: "alpha",
		Task:   "do the thing",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success || result.FinalPhase != PhaseError {
		t.Fatalf("expected fatal error, got %+v", result)
	}
	if h.invoker.callCount() != 1 {
		t.Fatalf("session retried after a failed rollback: %d invocations", h.invoker.callCount())
	}
}

func TestKillMidRound(t *testing.T) {
	release := make(chan struct{})
	blocking := func(ctx context.Context, inv Invocation) (InvocationResult, error) {
		if inv.OnStart != nil {
			inv.OnStart(4242, "drover-worker")
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return InvocationResult{ExitCode: -1}, errors.New("terminated")
	}
	h := newHarness(t, blocking)
	defer close(release)

	go func() {
		time.Sleep(40 * time.Millisecond)
		h.orch.Signal("sess-1", SignalKill)
	}()
	result, err := h.orch.Execute(context.Background(), SessionSpec{
		Config: sessionConfig(t, "sess-1", 1),
		Worker: "alpha",
		Task:   "do the thing",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success || result.FinalPhase != PhaseError {
		t.Fatalf("expected ERROR after kill, got %+v", result)
	}
	if result.LastError != "killed" {
		t.Fatalf("terminal reason = %q, want killed", result.LastError)
	}
	if h.sup.stopCount() == 0 {
		t.Fatalf("kill did not stop the active process")
	}
}

func TestBreakpointWaitsForResume(t *testing.T) {
	h := newHarness(t, succeed("round done"))
	h.orch.Signal("sess-1", SignalBreakpoint)
	go func() {
		time.Sleep(60 * time.Millisecond)
		h.orch.Signal("sess-1", SignalResume)
	}()
	result, err := h.orch.Execute(context.Background(), SessionSpec{
		Config: sessionConfig(t, "sess-1", 1),
		Worker: "alpha",
		Task:   "do the thing",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected completion after resume: %+v", result)
	}
	// The paused round re-runs after the breakpoint releases.
	if h.invoker.callCount() != 2 {
		t.Fatalf("invocations = %d, want 2", h.invoker.callCount())
	}
}

func TestResumeContinuesFromPersistedState(t *testing.T) {
	h := newHarness(t, succeed("resumed work"))
	cfg := sessionConfig(t, "sess-1", 1)
	st := &State{
		SessionID:   "sess-1",
		Phase:       PhaseProcessMonitoring,
		RoundNumber: 1,
		MaxRounds:   1,
		Worker:      "alpha",
		Task:        "do the thing",
		Config:      cfg,
		Attempt:     1,
	}
	if err := h.store.SaveDocument(context.Background(), "sess-1", st); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	result, err := h.orch.Resume(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !result.Success || result.RoundsCompleted != 1 {
		t.Fatalf("unexpected resume result: %+v", result)
	}
	if h.invoker.callCount() != 1 {
		t.Fatalf("resume did not re-invoke the interrupted round")
	}
}

func TestResumeTerminalSessionReturnsRecordedResult(t *testing.T) {
	h := newHarness(t, succeed("unused"))
	st := &State{
		SessionID:       "sess-1",
		Phase:           PhaseCompletion,
		RoundNumber:     2,
		MaxRounds:       2,
		Worker:          "alpha",
		CompletedRounds: []CompletedRound{{Worker: "alpha"}, {Worker: "alpha"}},
	}
	if err := h.store.SaveDocument(context.Background(), "sess-1", st); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	result, err := h.orch.Resume(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !result.Success || result.RoundsCompleted != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if h.invoker.callCount() != 0 {
		t.Fatalf("terminal session was re-executed")
	}
}

func TestExecuteRejectsMissingWorkspaceMapping(t *testing.T) {
	h := newHarness(t, succeed("unused"))
	_, err := h.orch.Execute(context.Background(), SessionSpec{
		Config: sessionConfig(t, "sess-1", 1),
		Worker: "beta",
		Task:   "do the thing",
	})
	if err == nil {
		t.Fatalf("expected contract error for unmapped worker")
	}
}

func TestPersistenceFailureSurfaces(t *testing.T) {
	h := newHarness(t, succeed("unused"))
	h.store.failSave = true
	_, err := h.orch.Execute(context.Background(), SessionSpec{
		Config: sessionConfig(t, "sess-1", 1),
		Worker: "alpha",
		Task:   "do the thing",
	})
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
}

func TestValidateTransitionTable(t *testing.T) {
	valid := [][2]Phase{
		{PhaseInitialization, PhaseGitSnapshot},
		{PhaseGitSnapshot, PhaseAgentExecution},
		{PhaseAgentExecution, PhaseProcessMonitoring},
		{PhaseProcessMonitoring, PhaseDecision},
		{PhaseDecision, PhaseRollback},
		{PhaseDecision, PhaseBreakpoint},
		{PhaseDecision, PhaseCompletion},
		{PhaseRollback, PhaseGitSnapshot},
		{PhaseBreakpoint, PhaseGitSnapshot},
	}
	for _, pair := range valid {
		if err := ValidateTransition(pair[0], pair[1]); err != nil {
			t.Fatalf("transition %s -> %s should be allowed: %v", pair[0], pair[1], err)
		}
	}
	invalid := [][2]Phase{
		{PhaseCompletion, PhaseGitSnapshot},
		{PhaseError, PhaseInitialization},
		{PhaseInitialization, PhaseDecision},
		{PhaseAgentExecution, PhaseGitSnapshot},
	}
	for _, pair := range invalid {
		if err := ValidateTransition(pair[0], pair[1]); err == nil {
			t.Fatalf("transition %s -> %s should be rejected", pair[0], pair[1])
		}
	}
}

func TestResumeAtRollbackPhasePerformsRollback(t *testing.T) {
	h := newHarness(t, succeed("retry worked"))
	cfg := sessionConfig(t, "sess-1", 1)
	st := &State{
		SessionID:         "sess-1",
		Phase:             PhaseRollback,
		RoundNumber:       1,
		MaxRounds:         1,
		Worker:            "alpha",
		Task:              "do the thing",
		Config:            cfg,
		Attempt:           1,
		GitShaStart:       "sha-0",
		RollbackRequested: true,
		RollbackReason:    "worker alpha: exited with code 1",
		ErrorMessage:      "worker alpha: exited with code 1",
	}
	if err := h.store.SaveDocument(context.Background(), "sess-1", st); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	result, err := h.orch.Resume(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !result.Success || result.FinalPhase != PhaseCompletion {
		t.Fatalf("resumed rollback session did not complete: %+v", result)
	}
	targets := h.workspace.rollbackTargets()
	if len(targets) != 1 || targets[0] != "sha-0" {
		t.Fatalf("rollback targets = %v, want [sha-0]", targets)
	}
	if h.invoker.callCount() != 1 {
		t.Fatalf("invocations = %d, want 1", h.invoker.callCount())
	}
	final := h.store.loadState(t, "sess-1")
	if final.ErrorMessage != "" || final.RollbackRequested {
		t.Fatalf("rollback state not cleared: %+v", final)
	}
}

func TestResumeMidRoundDropsStaleOutcome(t *testing.T) {
	h := newHarness(t, succeed("clean re-run"))
	cfg := sessionConfig(t, "sess-1", 1)
	st := &State{
		SessionID:         "sess-1",
		Phase:             PhaseDecision,
		RoundNumber:       1,
		MaxRounds:         1,
		Worker:            "alpha",
		Task:              "do the thing",
		Config:            cfg,
		Attempt:           1,
		GitShaStart:       "sha-0",
		RollbackRequested: true,
		RollbackReason:    "worker alpha: exited with code 1",
		ErrorMessage:      "worker alpha: exited with code 1",
	}
	if err := h.store.SaveDocument(context.Background(), "sess-1", st); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	result, err := h.orch.Resume(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !result.Success || result.FinalPhase != PhaseCompletion {
		t.Fatalf("re-run round poisoned by stale outcome: %+v", result)
	}
	if got := len(h.workspace.rollbackTargets()); got != 0 {
		t.Fatalf("stale rollback request executed: %d", got)
	}
}

func TestActiveProcessClearedOutsideMonitoring(t *testing.T) {
	h := newHarness(t, succeed("done"))
	result, err := h.orch.Execute(context.Background(), SessionSpec{
		Config: sessionConfig(t, "sess-1", 1),
		Worker: "alpha",
		Task:   "do the thing",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("unexpected result: %+v", result)
	}
	st := h.store.loadState(t, "sess-1")
	if st.ActiveProcessID != 0 || st.ProcessStatus != "" {
		t.Fatalf("terminal document still carries an active process: pid=%d status=%q",
			st.ActiveProcessID, st.ProcessStatus)
	}
	if st.LastProcessID != 100 {
		t.Fatalf("last process id = %d, want 100", st.LastProcessID)
	}
}

func TestResumeFromBreakpointAfterResumeSignal(t *testing.T) {
	h := newHarness(t, succeed("post-breakpoint work"))
	cfg := sessionConfig(t, "sess-1", 1)
	st := &State{
		SessionID:   "sess-1",
		Phase:       PhaseBreakpoint,
		RoundNumber: 1,
		MaxRounds:   1,
		Worker:      "alpha",
		Task:        "do the thing",
		Config:      cfg,
		Attempt:     1,
	}
	if err := h.store.SaveDocument(context.Background(), "sess-1", st); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	h.orch.Signal("sess-1", SignalResume)
	result, err := h.orch.Resume(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !result.Success || result.RoundsCompleted != 1 {
		t.Fatalf("breakpoint session did not complete after resume signal: %+v", result)
	}
	if h.invoker.callCount() != 1 {
		t.Fatalf("invocations = %d, want 1", h.invoker.callCount())
	}
}
