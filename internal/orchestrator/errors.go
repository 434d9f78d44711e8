package orchestrator

import "fmt"

// WorkerExecutionError reports a worker invocation that exited non-zero or
// faulted before producing a result. Recoverable: the decision phase may
// answer it with a rollback and retry instead of ending the session.
type WorkerExecutionError struct {
	Worker   string
	ExitCode int
	Err      error
}

func (e *WorkerExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker %s: invocation failed: %v", e.Worker, e.Err)
	}
	return fmt.Sprintf("worker %s: exited with code %d", e.Worker, e.ExitCode)
}

func (e *WorkerExecutionError) Unwrap() error {
	return e.Err
}

// ProcessFailure reports a monitored process whose liveness checks were
// exhausted. Recoverable, like WorkerExecutionError.
type ProcessFailure struct {
	Worker string
	Pid    int
}

func (e *ProcessFailure) Error() string {
	return fmt.Sprintf("worker %s: process %d failed liveness checks", e.Worker, e.Pid)
}

// PersistenceError reports a failed state write or read. Fatal: a phase
// transition is not complete until persisted, so the session cannot continue.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
