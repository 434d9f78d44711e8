// Package supervise tracks spawned worker processes: periodic liveness
// checks against the registered pid and command signature, escalation from
// graceful to forced shutdown, and an orphan sweep for leaked subprocesses.
package supervise

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ramercer/drover/internal/eventbridge"
)

// Status is the supervisor's view of one monitored process.
type Status string

const (
	StatusRunning Status = "running"
	StatusUnknown Status = "unknown"
	StatusFailed  Status = "failed"
	StatusStopped Status = "stopped"
)

// Prober answers liveness questions about OS processes. The default prober
// asks the operating system; tests inject fakes.
type Prober interface {
	// Alive reports whether pid exists, is not a zombie, and still matches
	// the command signature it was registered with.
	Alive(pid int, signature string) (bool, error)
	// FindBySignature returns pids of live processes whose command line
	// matches signature.
	FindBySignature(signature string) ([]int, error)
	// Terminate asks the process to shut down gracefully.
	Terminate(pid int) error
	// Kill forcibly ends the process.
	Kill(pid int) error
}

// Publisher receives process status-change events.
type Publisher interface {
	Route(evt eventbridge.Event)
}

// Logger is the minimal logging surface the supervisor needs.
type Logger interface {
	Printf(format string, args ...any)
}

// ProcessSpec registers one process for monitoring.
type ProcessSpec struct {
	SessionID string
	Worker    string
	Pid       int
	// Signature is a substring of the expected command line, used to detect
	// pid reuse by an unrelated process.
	Signature string
}

// Option customizes Supervisor construction.
type Option func(*Supervisor)

// WithProber replaces the OS prober.
func WithProber(p Prober) Option {
	return func(s *Supervisor) {
		if p != nil {
			s.prober = p
		}
	}
}

// WithPublisher routes status-change events through the given publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Supervisor) {
		s.publisher = p
	}
}

// WithLogger attaches a logger.
func WithLogger(logger Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithCheckInterval sets the liveness polling interval.
func WithCheckInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.checkInterval = d
		}
	}
}

// WithMaxFailureCount sets how many consecutive failed checks mark a process
// FAILED.
func WithMaxFailureCount(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxFailures = n
		}
	}
}

// WithStatusCallback registers a callback invoked on every status change.
func WithStatusCallback(fn func(pid int, status Status)) Option {
	return func(s *Supervisor) {
		s.onStatusChange = fn
	}
}

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) Option {
	return func(s *Supervisor) {
		if clock != nil {
			s.clock = clock
		}
	}
}

type record struct {
	spec        ProcessSpec
	status      Status
	failures    int
	startedAt   time.Time
	lastCheckAt time.Time
	stop        chan struct{}
	done        chan struct{}
}

// Supervisor owns the registry of monitored processes. Safe for concurrent
// use.
type Supervisor struct {
	checkInterval  time.Duration
	maxFailures    int
	prober         Prober
	publisher      Publisher
	logger         Logger
	onStatusChange func(pid int, status Status)
	clock          func() time.Time

	mu    sync.Mutex
	procs map[int]*record
}

// New builds a Supervisor. Defaults: 5s check interval, 3 consecutive
// failures before FAILED, OS-backed prober.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		checkInterval: 5 * time.Second,
		maxFailures:   3,
		prober:        osProber{},
		clock:         time.Now,
		procs:         make(map[int]*record),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Supervisor) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *Supervisor) publish(spec ProcessSpec, status Status) {
	if s.onStatusChange != nil {
		s.onStatusChange(spec.Pid, status)
	}
	if s.publisher == nil {
		return
	}
	s.publisher.Route(eventbridge.Event{
		EventID:       uuid.NewString(),
		Kind:          eventbridge.KindProcessStatus,
		OccurredAt:    s.clock().UTC(),
		SessionID:     spec.SessionID,
		Worker:        spec.Worker,
		Pid:           spec.Pid,
		ProcessStatus: string(status),
	})
}

// StartMonitoring registers a process and begins periodic liveness checks.
// Fails immediately if the process is already dead.
func (s *Supervisor) StartMonitoring(spec ProcessSpec) error {
	if spec.Pid <= 0 {
		return fmt.Errorf("supervise: pid is required")
	}
	alive, err := s.prober.Alive(spec.Pid, spec.Signature)
	if err != nil {
		return fmt.Errorf("supervise: probe pid %d: %w", spec.Pid, err)
	}
	if !alive {
		return fmt.Errorf("supervise: pid %d is not alive", spec.Pid)
	}

	s.mu.Lock()
	if _, ok := s.procs[spec.Pid]; ok {
		s.mu.Unlock()
		return fmt.Errorf("supervise: pid %d already monitored", spec.Pid)
	}
	rec := &record{
		spec:      spec,
		status:    StatusRunning,
		startedAt: s.clock().UTC(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.procs[spec.Pid] = rec
	s.mu.Unlock()

	s.publish(spec, StatusRunning)
	go s.monitor(rec)
	return nil
}

func (s *Supervisor) monitor(rec *record) {
	defer close(rec.done)
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rec.stop:
			return
		case <-ticker.C:
			if s.checkOnce(rec) {
				return
			}
		}
	}
}

// checkOnce runs a single liveness check. Returns true when monitoring for
// the record should end.
func (s *Supervisor) checkOnce(rec *record) bool {
	alive, err := s.prober.Alive(rec.spec.Pid, rec.spec.Signature)
	if err != nil {
		s.logf("supervise: probe pid %d: %v", rec.spec.Pid, err)
		alive = false
	}

	s.mu.Lock()
	if _, ok := s.procs[rec.spec.Pid]; !ok {
		s.mu.Unlock()
		return true
	}
	rec.lastCheckAt = s.clock().UTC()
	if alive {
		recovered := rec.failures > 0
		rec.failures = 0
		rec.status = StatusRunning
		s.mu.Unlock()
		if recovered {
			s.publish(rec.spec, StatusRunning)
		}
		return false
	}
	rec.failures++
	failures := rec.failures
	if failures >= s.maxFailures {
		rec.status = StatusFailed
		delete(s.procs, rec.spec.Pid)
		s.mu.Unlock()
		s.publish(rec.spec, StatusFailed)
		s.logf("supervise: pid %d failed after %d checks", rec.spec.Pid, failures)
		return true
	}
	notify := rec.status == StatusRunning
	rec.status = StatusUnknown
	s.mu.Unlock()
	if notify {
		s.publish(rec.spec, StatusUnknown)
	}
	return false
}

// StatusOf returns the current status of a monitored pid.
func (s *Supervisor) StatusOf(pid int) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.procs[pid]
	if !ok {
		return "", false
	}
	return rec.status, true
}

// ProcessInfo is a point-in-time view of one monitored process.
type ProcessInfo struct {
	Spec        ProcessSpec
	Status      Status
	Failures    int
	StartedAt   time.Time
	LastCheckAt time.Time
}

// InfoOf returns the full record for a monitored pid. LastCheckAt is zero
// until the first liveness check runs.
func (s *Supervisor) InfoOf(pid int) (ProcessInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.procs[pid]
	if !ok {
		return ProcessInfo{}, false
	}
	return ProcessInfo{
		Spec:        rec.spec,
		Status:      rec.status,
		Failures:    rec.failures,
		StartedAt:   rec.startedAt,
		LastCheckAt: rec.lastCheckAt,
	}, true
}

// StopMonitoring stops liveness checks for pid without touching the process.
func (s *Supervisor) StopMonitoring(pid int) {
	s.mu.Lock()
	rec, ok := s.procs[pid]
	if ok {
		delete(s.procs, pid)
		close(rec.stop)
	}
	s.mu.Unlock()
	if ok {
		<-rec.done
	}
}

// StopProcess ends the process: graceful termination first, escalating to a
// forced kill after timeout (or immediately when force is set). The record
// always ends STOPPED and is removed from the registry.
func (s *Supervisor) StopProcess(pid int, force bool, timeout time.Duration) error {
	s.mu.Lock()
	rec, ok := s.procs[pid]
	if ok {
		delete(s.procs, pid)
		close(rec.stop)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervise: pid %d is not monitored", pid)
	}
	<-rec.done

	if force {
		_ = s.prober.Kill(pid)
	} else {
		if err := s.prober.Terminate(pid); err != nil {
			s.logf("supervise: terminate pid %d: %v", pid, err)
		}
		if !s.waitDead(pid, rec.spec.Signature, timeout) {
			s.logf("supervise: pid %d survived graceful stop, killing", pid)
			_ = s.prober.Kill(pid)
		}
	}
	rec.status = StatusStopped
	s.publish(rec.spec, StatusStopped)
	return nil
}

func (s *Supervisor) waitDead(pid int, signature string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		alive, err := s.prober.Alive(pid, signature)
		if err != nil || !alive {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// CleanupOrphans terminates live processes matching signature that are not in
// the registry. Best effort; returns how many were signaled.
func (s *Supervisor) CleanupOrphans(signature string) (int, error) {
	pids, err := s.prober.FindBySignature(signature)
	if err != nil {
		return 0, fmt.Errorf("supervise: find orphans: %w", err)
	}
	s.mu.Lock()
	registered := make(map[int]bool, len(s.procs))
	for pid := range s.procs {
		registered[pid] = true
	}
	s.mu.Unlock()

	cleaned := 0
	for _, pid := range pids {
		if registered[pid] {
			continue
		}
		if err := s.prober.Terminate(pid); err != nil {
			_ = s.prober.Kill(pid)
		}
		s.logf("supervise: cleaned orphan pid %d (%s)", pid, signature)
		cleaned++
	}
	return cleaned, nil
}

// Close stops all monitor loops without touching the processes themselves.
func (s *Supervisor) Close() {
	s.mu.Lock()
	recs := make([]*record, 0, len(s.procs))
	for pid, rec := range s.procs {
		delete(s.procs, pid)
		close(rec.stop)
		recs = append(recs, rec)
	}
	s.mu.Unlock()
	for _, rec := range recs {
		<-rec.done
	}
}
