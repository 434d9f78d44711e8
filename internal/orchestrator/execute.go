package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ramercer/drover/internal/config"
	"github.com/ramercer/drover/internal/eventbridge"
	"github.com/ramercer/drover/internal/supervise"
)

// maxRoundAttempts bounds automatic rollback-and-retry: each round gets one
// retry after a recoverable failure before the session ends in ERROR.
const maxRoundAttempts = 2

// SessionSpec starts one session.
type SessionSpec struct {
	Config      config.SessionConfig
	Worker      string
	Task        string
	MaxTurns    int
	ResumeToken string
}

type invokeOutcome struct {
	res InvocationResult
	err error
}

// Execute runs a session to a terminal phase. Expected worker and
// version-control failures are captured into the session state and routed
// through the decision table; only contract violations (bad config, missing
// workspace mapping) and persistence failures return an error.
func (o *Orchestrator) Execute(ctx context.Context, spec SessionSpec) (Result, error) {
	if err := spec.Config.Validate(); err != nil {
		return Result{}, fmt.Errorf("orchestrator: session config: %w", err)
	}
	if strings.TrimSpace(spec.Worker) == "" {
		return Result{}, fmt.Errorf("orchestrator: worker identity is required")
	}
	if _, ok := spec.Config.WorkspaceFor(spec.Worker); !ok {
		return Result{}, fmt.Errorf("orchestrator: no workspace path registered for worker %q", spec.Worker)
	}

	st := &State{
		SessionID:   spec.Config.SessionID,
		Phase:       PhaseInitialization,
		RoundNumber: 1,
		MaxRounds:   spec.Config.MaxRounds,
		Worker:      spec.Worker,
		Task:        spec.Task,
		MaxTurns:    spec.MaxTurns,
		ResumeToken: spec.ResumeToken,
		Config:      spec.Config,
		Attempt:     1,
		UpdatedAt:   o.clock().UTC(),
	}
	if err := o.persist(ctx, st); err != nil {
		return Result{}, err
	}
	return o.run(ctx, st)
}

// Resume continues a previously persisted session from its last durable
// phase. Terminal sessions return their recorded result unchanged. A session
// interrupted mid-round re-enters at the snapshot phase; the worker
// invocation is at-least-once.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (Result, error) {
	st := &State{}
	if err := o.store.LoadDocument(ctx, sessionID, st); err != nil {
		return Result{}, &PersistenceError{Op: "load state for " + sessionID, Err: err}
	}
	if st.Phase.Terminal() {
		return resultFrom(st), nil
	}
	switch st.Phase {
	case PhaseInitialization, PhaseBreakpoint:
		// Re-enter where we stopped.
	case PhaseRollback:
		// The decision already chose rollback; the workspace must still be
		// reverted before the round restarts.
	default:
		st.Phase = PhaseGitSnapshot
		st.ActiveProcessID = 0
		st.ProcessStatus = ""
		if !st.Fatal {
			// The restarted round recomputes its outcome; the interrupted
			// attempt's error and rollback state would otherwise feed the
			// next decision.
			st.ErrorMessage = ""
			st.clearRollback()
		}
		if err := o.persist(ctx, st); err != nil {
			return Result{}, err
		}
	}
	o.logf("orchestrator: resuming session %s at phase %s round %d", sessionID, st.Phase, st.RoundNumber)
	return o.run(ctx, st)
}

func (o *Orchestrator) run(ctx context.Context, st *State) (Result, error) {
	defer o.clearSignals(st.SessionID)
	workspacePath, ok := st.Config.WorkspaceFor(st.Worker)
	if !ok {
		return Result{}, fmt.Errorf("orchestrator: no workspace path registered for worker %q", st.Worker)
	}
	repo := o.workspaceFor(workspacePath)

	for !st.Phase.Terminal() {
		if o.killRequested(st.SessionID) {
			o.stopActiveProcess(st, true)
			return o.fail(ctx, st, "killed")
		}
		var err error
		switch st.Phase {
		case PhaseInitialization:
			err = o.transition(ctx, st, PhaseGitSnapshot)
		case PhaseGitSnapshot:
			err = o.phaseSnapshot(ctx, st, repo)
		case PhaseAgentExecution, PhaseProcessMonitoring:
			err = o.phaseInvoke(ctx, st, workspacePath)
		case PhaseDecision:
			err = o.phaseDecide(ctx, st)
		case PhaseRollback:
			err = o.phaseRollback(ctx, st, repo)
		case PhaseBreakpoint:
			err = o.phaseBreakpoint(ctx, st)
		default:
			return Result{}, fmt.Errorf("orchestrator: session %s in unknown phase %q", st.SessionID, st.Phase)
		}
		if err != nil {
			return Result{}, err
		}
	}
	return o.finish(ctx, st), nil
}

func (o *Orchestrator) phaseSnapshot(ctx context.Context, st *State, repo Workspace) error {
	sha, err := repo.Snapshot(fmt.Sprintf("session %s round %d start", st.SessionID, st.RoundNumber))
	if err != nil {
		// Without a starting snapshot there is nothing to roll back to, so a
		// snapshot failure cannot be recovered by the decision table.
		st.setError(err.Error(), true)
		return o.transition(ctx, st, PhaseDecision)
	}
	st.GitShaStart = sha
	st.GitShaEnd = ""
	return o.transition(ctx, st, PhaseAgentExecution)
}

func (o *Orchestrator) phaseInvoke(ctx context.Context, st *State, workspacePath string) error {
	if st.Phase == PhaseAgentExecution {
		if err := o.transition(ctx, st, PhaseProcessMonitoring); err != nil {
			return err
		}
	}

	task := st.Task
	if st.AuditNote != "" {
		task = st.AuditNote + "\n\n" + task
	}

	ictx := ctx
	var cancel context.CancelFunc
	if st.Config.WorkerTimeout > 0 {
		ictx, cancel = context.WithTimeout(ctx, st.Config.WorkerTimeout)
		defer cancel()
	}

	resultCh := make(chan invokeOutcome, 1)
	pidCh := make(chan registration, 1)
	inv := Invocation{
		Worker:        st.Worker,
		Task:          task,
		WorkspacePath: workspacePath,
		ResumeToken:   st.ResumeToken,
		MaxTurns:      st.MaxTurns,
		OnStart: func(pid int, signature string) {
			select {
			case pidCh <- registration{pid: pid, signature: signature}:
			default:
			}
		},
	}
	go func() {
		res, err := o.invoker.Invoke(ictx, inv)
		resultCh <- invokeOutcome{res: res, err: err}
	}()

	outcome, err := o.monitorInvocation(ctx, st, resultCh, pidCh)
	if err != nil {
		return err
	}
	o.recordOutcome(st, outcome)
	return o.transition(ctx, st, PhaseDecision)
}

type registration struct {
	pid       int
	signature string
}

// monitorInvocation waits for the worker to finish while watching for kill
// signals and supervisor verdicts at the configured check interval.
func (o *Orchestrator) monitorInvocation(ctx context.Context, st *State, resultCh <-chan invokeOutcome, pidCh <-chan registration) (invokeOutcome, error) {
	ticker := time.NewTicker(st.Config.CheckInterval)
	defer ticker.Stop()
	monitoredPid := 0
	for {
		select {
		case reg := <-pidCh:
			monitoredPid = reg.pid
			st.ActiveProcessID = reg.pid
			st.ProcessStatus = string(supervise.StatusRunning)
			if err := o.persist(ctx, st); err != nil {
				return invokeOutcome{}, err
			}
			if err := o.sup.StartMonitoring(supervise.ProcessSpec{
				SessionID: st.SessionID,
				Worker:    st.Worker,
				Pid:       reg.pid,
				Signature: reg.signature,
			}); err != nil {
				o.logf("orchestrator: monitor pid %d: %v", reg.pid, err)
			}
		case out := <-resultCh:
			if monitoredPid > 0 {
				o.sup.StopMonitoring(monitoredPid)
			}
			return out, nil
		case <-ticker.C:
			if o.killRequested(st.SessionID) {
				if monitoredPid > 0 {
					_ = o.sup.StopProcess(monitoredPid, false, st.Config.ShutdownTimeout)
				}
				st.setError("killed", true)
				st.ProcessStatus = string(supervise.StatusStopped)
				// The stop makes the invocation return; drain it so the
				// worker goroutine does not leak.
				select {
				case <-resultCh:
				case <-time.After(st.Config.ShutdownTimeout):
				}
				return invokeOutcome{err: errors.New("killed")}, nil
			}
			if monitoredPid > 0 {
				status, tracked := o.sup.StatusOf(monitoredPid)
				if tracked {
					st.ProcessStatus = string(status)
				} else if st.ProcessStatus != string(supervise.StatusFailed) {
					// The supervisor deregisters a pid only when its checks
					// are exhausted.
					st.ProcessStatus = string(supervise.StatusFailed)
					st.setError((&ProcessFailure{Worker: st.Worker, Pid: monitoredPid}).Error(), false)
				}
			}
		}
	}
}

func (o *Orchestrator) recordOutcome(st *State, out invokeOutcome) {
	switch {
	case out.res.Pid > 0:
		st.LastProcessID = out.res.Pid
	case st.ActiveProcessID > 0:
		st.LastProcessID = st.ActiveProcessID
	}
	st.ActiveProcessID = 0
	st.ProcessStatus = ""
	if out.res.EndSha != "" {
		st.GitShaEnd = out.res.EndSha
	}
	st.LastResult = out.res.ResultText
	if st.Fatal {
		return
	}
	switch {
	case out.err != nil:
		st.setError((&WorkerExecutionError{Worker: st.Worker, ExitCode: out.res.ExitCode, Err: out.err}).Error(), false)
	case out.res.ExitCode != 0:
		st.setError((&WorkerExecutionError{Worker: st.Worker, ExitCode: out.res.ExitCode}).Error(), false)
	}
}

func (o *Orchestrator) phaseDecide(ctx context.Context, st *State) error {
	o.foldSignals(st)

	next := o.decideNext(st)
	if next == PhaseGitSnapshot {
		// Round finished cleanly; bank it and move on.
		o.completeRound(st)
		st.RoundNumber++
		st.Attempt = 1
		st.AuditNote = ""
	}
	if next == PhaseCompletion {
		o.completeRound(st)
	}
	return o.transition(ctx, st, next)
}

// decideNext applies the decision precedence: fatal error, then rollback,
// then breakpoint, then continue or complete. A recoverable failure becomes
// an automatic rollback request while retry budget remains; a fatal error, or
// an error coinciding with a pending rollback request, always wins.
func (o *Orchestrator) decideNext(st *State) Phase {
	if st.Fatal {
		return PhaseError
	}
	if st.ErrorMessage != "" && st.RollbackRequested {
		return PhaseError
	}
	if st.ErrorMessage != "" {
		if st.Attempt < maxRoundAttempts {
			st.RollbackRequested = true
			st.RollbackReason = st.ErrorMessage
			return PhaseRollback
		}
		return PhaseError
	}
	if st.RollbackRequested {
		return PhaseRollback
	}
	if st.BreakpointRequested {
		return PhaseBreakpoint
	}
	if st.RoundNumber >= st.MaxRounds {
		return PhaseCompletion
	}
	return PhaseGitSnapshot
}

func (o *Orchestrator) completeRound(st *State) {
	st.CompletedRounds = append(st.CompletedRounds, CompletedRound{
		Worker:    st.Worker,
		Result:    st.LastResult,
		Timestamp: o.clock().UTC(),
	})
	o.publish(eventbridge.Event{
		Kind:      eventbridge.KindRoundCompleted,
		SessionID: st.SessionID,
		Worker:    st.Worker,
		Round:     st.RoundNumber,
	})
}

func (o *Orchestrator) phaseRollback(ctx context.Context, st *State, repo Workspace) error {
	target := st.RollbackTargetSha
	if target == "" {
		target = st.GitShaStart
	}
	reason := st.RollbackReason
	if o.audit != nil && st.GitShaEnd != "" && st.GitShaEnd != target {
		// Rollback is destructive; the diff is the only record of what the
		// discarded attempt actually changed.
		if diff, err := repo.Diff(target, st.GitShaEnd); err == nil && diff != "" {
			o.audit.Info("round=%d discarding %s..%s (%d lines of diff)",
				st.RoundNumber, shortSha(target), shortSha(st.GitShaEnd), strings.Count(diff, "\n")+1)
		}
	}
	if err := repo.Rollback(target, reason); err != nil {
		// A failed rollback is not retried; there is no rolling back a
		// rollback.
		st.setError(err.Error(), true)
		return o.transition(ctx, st, PhaseError)
	}
	if o.audit != nil {
		o.audit.Rollback(st.RoundNumber, target, reason)
	}
	st.AuditNote = o.buildAuditNote(repo, target, reason)
	external := st.ExternalRollback
	st.clearRollback()
	st.ErrorMessage = ""
	st.GitShaEnd = ""
	if !external {
		st.Attempt++
	}
	return o.transition(ctx, st, PhaseGitSnapshot)
}

// buildAuditNote summarizes a rollback for the next attempt's task context so
// a retried worker does not repeat the same mistake blindly.
func (o *Orchestrator) buildAuditNote(repo Workspace, target, reason string) string {
	note := fmt.Sprintf("Note: the workspace was rolled back to %s. Cause: %s.", shortSha(target), reason)
	history, err := repo.RecentHistory(3)
	if err == nil && len(history) > 0 {
		var subjects []string
		for _, c := range history {
			subjects = append(subjects, fmt.Sprintf("%s %s", shortSha(c.ID), c.Subject))
		}
		note += " Recent history: " + strings.Join(subjects, "; ") + "."
	}
	return note
}

func shortSha(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func (o *Orchestrator) phaseBreakpoint(ctx context.Context, st *State) error {
	if o.audit != nil {
		o.audit.Info("round=%d paused at breakpoint", st.RoundNumber)
	}
	ticker := time.NewTicker(st.Config.CheckInterval)
	defer ticker.Stop()
	for {
		if o.killRequested(st.SessionID) {
			st.setError("killed", true)
			return o.transition(ctx, st, PhaseError)
		}
		if o.consumeResume(st.SessionID) {
			st.BreakpointRequested = false
			return o.transition(ctx, st, PhaseGitSnapshot)
		}
		select {
		case <-ctx.Done():
			// State is durable at the breakpoint; a later Resume picks the
			// session back up.
			return fmt.Errorf("orchestrator: session %s interrupted at breakpoint: %w", st.SessionID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) stopActiveProcess(st *State, force bool) {
	if st.ActiveProcessID <= 0 {
		return
	}
	if err := o.sup.StopProcess(st.ActiveProcessID, force, st.Config.ShutdownTimeout); err == nil {
		st.ProcessStatus = string(supervise.StatusStopped)
	}
}

// fail drives the session to ERROR with a human-readable reason, publishing
// the explanation before the session halts.
func (o *Orchestrator) fail(ctx context.Context, st *State, reason string) (Result, error) {
	if st.ErrorMessage == "" {
		st.ErrorMessage = reason
	}
	st.Fatal = true
	if !st.Phase.Terminal() {
		if err := o.transition(ctx, st, PhaseError); err != nil {
			return Result{}, err
		}
	}
	return o.finish(ctx, st), nil
}

// finish publishes terminal notifications and builds the session result.
func (o *Orchestrator) finish(ctx context.Context, st *State) Result {
	result := resultFrom(st)
	if st.Phase == PhaseError {
		explanation := st.ErrorMessage
		if explanation == "" {
			explanation = "session ended in error"
		}
		if _, err := o.bus.Send(ctx, st.SessionID, "orchestrator",
			fmt.Sprintf("session %s failed: %s", st.SessionID, explanation), "", "status"); err != nil {
			o.logf("orchestrator: publish failure explanation: %v", err)
		}
		if o.audit != nil {
			o.audit.Error("session ended: %s", explanation)
		}
		o.publish(eventbridge.Event{
			Kind:      eventbridge.KindError,
			SessionID: st.SessionID,
			Worker:    st.Worker,
			Round:     st.RoundNumber,
			Detail:    explanation,
		})
	} else {
		if _, err := o.bus.Send(ctx, st.SessionID, "orchestrator",
			fmt.Sprintf("session %s completed after %d rounds", st.SessionID, result.RoundsCompleted), "", "status"); err != nil {
			o.logf("orchestrator: publish completion: %v", err)
		}
		if o.audit != nil {
			o.audit.Info("session completed: rounds=%d", result.RoundsCompleted)
		}
	}
	o.publish(eventbridge.Event{
		Kind:      eventbridge.KindSessionEnded,
		SessionID: st.SessionID,
		Worker:    st.Worker,
		Phase:     string(st.Phase),
		Round:     st.RoundNumber,
		Detail:    st.ErrorMessage,
	})
	return result
}

func (o *Orchestrator) persist(ctx context.Context, st *State) error {
	st.UpdatedAt = o.clock().UTC()
	if err := o.store.SaveDocument(ctx, st.SessionID, st); err != nil {
		return &PersistenceError{Op: "save state for " + st.SessionID, Err: err}
	}
	return nil
}

func (o *Orchestrator) transition(ctx context.Context, st *State, to Phase) error {
	if err := ValidateTransition(st.Phase, to); err != nil {
		return fmt.Errorf("orchestrator: session %s: %w", st.SessionID, err)
	}
	from := st.Phase
	st.Phase = to
	if err := o.persist(ctx, st); err != nil {
		st.Phase = from
		return err
	}
	if o.audit != nil {
		o.audit.Transition(st.RoundNumber, string(from), string(to))
	}
	o.publish(eventbridge.Event{
		Kind:      eventbridge.KindPhaseChanged,
		SessionID: st.SessionID,
		Worker:    st.Worker,
		Phase:     string(to),
		Round:     st.RoundNumber,
	})
	return nil
}
