// Package orchestrator drives multi-round worker sessions: per round it
// snapshots the workspace, invokes the worker, monitors the spawned process,
// then decides whether to continue, roll back and retry, pause at a
// breakpoint, or end the session. Every phase transition is persisted before
// the next phase begins.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ramercer/drover/internal/eventbridge"
	"github.com/ramercer/drover/internal/supervise"
	"github.com/ramercer/drover/internal/vcs"
)

// StateStore persists one state document per session.
type StateStore interface {
	SaveDocument(ctx context.Context, sessionID string, doc any) error
	LoadDocument(ctx context.Context, sessionID string, out any) error
}

// MessageBus carries session-scoped messages to listeners. The orchestrator
// uses it to explain terminal outcomes.
type MessageBus interface {
	Send(ctx context.Context, sessionID, sender, content, target, msgType string) (string, error)
}

// Supervisor is the process-monitoring surface the orchestrator needs.
type Supervisor interface {
	StartMonitoring(spec supervise.ProcessSpec) error
	StopMonitoring(pid int)
	StopProcess(pid int, force bool, timeout time.Duration) error
	StatusOf(pid int) (supervise.Status, bool)
}

// Workspace is the version-control surface over one worker's directory.
type Workspace interface {
	Snapshot(message string) (string, error)
	Rollback(target, reason string) error
	Diff(from, to string) (string, error)
	RecentHistory(count int) ([]vcs.Commit, error)
}

// Invocation describes one worker run.
type Invocation struct {
	Worker        string
	Task          string
	WorkspacePath string
	ResumeToken   string
	MaxTurns      int
	// OnStart, when set, is called once the worker process is running so the
	// caller can register it for supervision.
	OnStart func(pid int, signature string)
}

// InvocationResult is what a finished worker run reports back.
type InvocationResult struct {
	ResultText string
	ExitCode   int
	StartSha   string
	EndSha     string
	Pid        int
}

// WorkerInvoker runs one worker to completion. Invocations are at-least-once:
// a crash mid-round re-invokes with the same session scope.
type WorkerInvoker interface {
	Invoke(ctx context.Context, inv Invocation) (InvocationResult, error)
}

// Publisher receives orchestration events.
type Publisher interface {
	Route(evt eventbridge.Event)
}

// Auditor records the durable per-session audit trail.
type Auditor interface {
	Transition(round int, from, to string)
	Rollback(round int, target, reason string)
	Info(format string, args ...any)
	Error(format string, args ...any)
}

// Logger is the minimal logging surface the orchestrator needs.
type Logger interface {
	Printf(format string, args ...any)
}

// Signal is an external control input for a running session.
type Signal string

const (
	// SignalKill stops the active process and ends the session in ERROR with
	// reason "killed". Checked at phase boundaries.
	SignalKill Signal = "kill"
	// SignalResume releases a session waiting at a breakpoint.
	SignalResume Signal = "resume"
	// SignalBreakpoint asks the next decision to pause the session.
	SignalBreakpoint Signal = "breakpoint"
)

type sessionSignals struct {
	kill           bool
	resume         bool
	breakpoint     bool
	rollback       bool
	rollbackTarget string
	rollbackReason string
}

// Option customizes Orchestrator construction.
type Option func(*Orchestrator)

// WithPublisher routes phase and session events through the given publisher.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// WithAuditor attaches the per-session audit logbook.
func WithAuditor(a Auditor) Option {
	return func(o *Orchestrator) {
		o.audit = a
	}
}

// WithLogger attaches a logger.
func WithLogger(logger Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithWorkspaceFactory replaces how workspaces are opened, primarily for
// tests. The default wraps a git repository around the directory.
func WithWorkspaceFactory(fn func(dir string) Workspace) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.workspaceFor = fn
		}
	}
}

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// Orchestrator coordinates the collaborating components for any number of
// concurrently running sessions. Safe for concurrent use; each session's
// state document has a single writer (its Execute or Resume call).
type Orchestrator struct {
	store        StateStore
	bus          MessageBus
	sup          Supervisor
	invoker      WorkerInvoker
	publisher    Publisher
	audit        Auditor
	logger       Logger
	clock        func() time.Time
	workspaceFor func(dir string) Workspace

	mu      sync.Mutex
	signals map[string]*sessionSignals
}

// New wires an Orchestrator from its collaborators.
func New(store StateStore, bus MessageBus, sup Supervisor, invoker WorkerInvoker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		bus:     bus,
		sup:     sup,
		invoker: invoker,
		clock:   time.Now,
		workspaceFor: func(dir string) Workspace {
			return vcs.New(dir)
		},
		signals: make(map[string]*sessionSignals),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}

func (o *Orchestrator) signalsFor(sessionID string) *sessionSignals {
	o.mu.Lock()
	defer o.mu.Unlock()
	sig, ok := o.signals[sessionID]
	if !ok {
		sig = &sessionSignals{}
		o.signals[sessionID] = sig
	}
	return sig
}

// Signal delivers an external control input to a session. Signals are
// observed at phase boundaries, never mid-phase.
func (o *Orchestrator) Signal(sessionID string, sig Signal) {
	s := o.signalsFor(sessionID)
	o.mu.Lock()
	defer o.mu.Unlock()
	switch sig {
	case SignalKill:
		s.kill = true
	case SignalResume:
		s.resume = true
	case SignalBreakpoint:
		s.breakpoint = true
	}
}

// RequestRollback asks a session to revert its workspace. An empty target
// reverts to the current round's starting snapshot; an explicit target is an
// operator-supplied identifier and does not reset the round counter.
func (o *Orchestrator) RequestRollback(sessionID, targetSha, reason string) {
	s := o.signalsFor(sessionID)
	o.mu.Lock()
	defer o.mu.Unlock()
	s.rollback = true
	s.rollbackTarget = targetSha
	s.rollbackReason = reason
}

func (o *Orchestrator) killRequested(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.signals[sessionID]
	return ok && s.kill
}

func (o *Orchestrator) consumeResume(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.signals[sessionID]
	if !ok || !s.resume {
		return false
	}
	s.resume = false
	return true
}

// foldSignals applies pending breakpoint and rollback requests to the state
// ahead of a decision.
func (o *Orchestrator) foldSignals(st *State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.signals[st.SessionID]
	if !ok {
		return
	}
	if s.breakpoint {
		s.breakpoint = false
		st.BreakpointRequested = true
	}
	if s.rollback {
		s.rollback = false
		st.RollbackRequested = true
		st.RollbackTargetSha = s.rollbackTarget
		st.RollbackReason = s.rollbackReason
		st.ExternalRollback = s.rollbackTarget != ""
		s.rollbackTarget = ""
		s.rollbackReason = ""
	}
}

func (o *Orchestrator) clearSignals(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.signals, sessionID)
}

func (o *Orchestrator) publish(evt eventbridge.Event) {
	if o.publisher == nil {
		return
	}
	evt.EventID = uuid.NewString()
	evt.OccurredAt = o.clock().UTC()
	o.publisher.Route(evt)
}
