// Package vcs versions a worker's workspace directory with git: idempotent
// snapshots, destructive rollback to a known ancestor, and read-only diff and
// history accessors for audit context.
package vcs

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	botName  = "drover-bot"
	botEmail = "drover-bot@localhost"
)

// Error is a failed version-control operation. Rollback preconditions
// (unknown or non-ancestor target) surface as an Error so callers can tell a
// contract violation from an environmental fault via errors.As.
type Error struct {
	Op     string
	Dir    string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("vcs: %s in %s", e.Op, e.Dir)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Logger is the minimal logging surface the repo needs.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes Repo construction.
type Option func(*Repo)

// WithLogger attaches a logger for audit lines (rollback reasons, lazy init).
func WithLogger(logger Logger) Option {
	return func(r *Repo) {
		r.logger = logger
	}
}

// Repo drives git for one workspace directory. The repository itself is
// created lazily on the first Snapshot, with a fixed bot identity so commits
// never depend on the host's git configuration.
type Repo struct {
	dir    string
	logger Logger
}

// New returns a Repo for the workspace at dir. No git commands run until the
// first operation.
func New(dir string, opts ...Option) *Repo {
	r := &Repo{dir: dir}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Dir returns the workspace directory the repo operates on.
func (r *Repo) Dir() string {
	return r.dir
}

func (r *Repo) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

func (r *Repo) run(op string, args ...string) (string, error) {
	full := append([]string{
		"-c", "user.name=" + botName,
		"-c", "user.email=" + botEmail,
	}, args...)
	cmd := exec.Command("git", full...)
	cmd.Dir = r.dir
	output, err := cmd.Output()
	if err != nil {
		detail := ""
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			detail = strings.TrimSpace(string(exitErr.Stderr))
		}
		return "", &Error{Op: op, Dir: r.dir, Detail: detail, Err: err}
	}
	return strings.TrimSpace(string(output)), nil
}

func (r *Repo) isRepo() bool {
	cmd := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = r.dir
	return cmd.Run() == nil
}

func (r *Repo) ensureRepo() error {
	if r.isRepo() {
		return nil
	}
	if _, err := r.run("init", "init"); err != nil {
		return err
	}
	r.logf("vcs: initialized repository in %s", r.dir)
	return nil
}

// Head returns the identifier of the current head commit.
func (r *Repo) Head() (string, error) {
	return r.run("resolve head", "rev-parse", "HEAD")
}

func (r *Repo) hasPendingChanges() (bool, error) {
	status, err := r.run("status", "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return status != "", nil
}

func (r *Repo) hasCommits() bool {
	cmd := exec.Command("git", "rev-parse", "--verify", "HEAD")
	cmd.Dir = r.dir
	return cmd.Run() == nil
}

// Snapshot captures the workspace's current state and returns its identifier.
// Idempotent: with no pending changes it returns the existing head unchanged.
// The repository is initialized on first use.
func (r *Repo) Snapshot(message string) (string, error) {
	if err := r.ensureRepo(); err != nil {
		return "", err
	}
	if message == "" {
		message = fmt.Sprintf("drover snapshot %s", time.Now().UTC().Format(time.RFC3339))
	}
	pending, err := r.hasPendingChanges()
	if err != nil {
		return "", err
	}
	if !pending && r.hasCommits() {
		return r.Head()
	}
	if _, err := r.run("stage", "add", "-A"); err != nil {
		return "", err
	}
	commitArgs := []string{"commit", "-m", message}
	if !pending {
		// First snapshot of an empty workspace still needs an anchor commit.
		commitArgs = append(commitArgs, "--allow-empty")
	}
	if _, err := r.run("commit", commitArgs...); err != nil {
		return "", err
	}
	sha, err := r.Head()
	if err != nil {
		return "", err
	}
	r.logf("vcs: snapshot %s in %s", sha, r.dir)
	return sha, nil
}

// Rollback destructively resets the workspace to target and removes untracked
// files. The target must be an existing ancestor of the current head; anything
// else is a contract violation and leaves the workspace untouched. The reason
// is recorded for audit.
func (r *Repo) Rollback(target, reason string) error {
	if strings.TrimSpace(target) == "" {
		return &Error{Op: "rollback", Dir: r.dir, Detail: "target identifier is required"}
	}
	if _, err := r.run("verify target", "cat-file", "-e", target+"^{commit}"); err != nil {
		return &Error{Op: "rollback", Dir: r.dir,
			Detail: fmt.Sprintf("target %s does not exist in history", target), Err: err}
	}
	if _, err := r.run("verify ancestry", "merge-base", "--is-ancestor", target, "HEAD"); err != nil {
		return &Error{Op: "rollback", Dir: r.dir,
			Detail: fmt.Sprintf("target %s is not an ancestor of head", target), Err: err}
	}
	if _, err := r.run("reset", "reset", "--hard", target); err != nil {
		return err
	}
	if _, err := r.run("clean", "clean", "-fd"); err != nil {
		return err
	}
	r.logf("vcs: rolled back %s to %s: %s", r.dir, target, reason)
	return nil
}

// Diff returns the textual diff between two snapshot identifiers.
func (r *Repo) Diff(from, to string) (string, error) {
	return r.run("diff", "diff", from, to)
}

// Commit is one history entry as returned by RecentHistory.
type Commit struct {
	ID      string
	Subject string
	When    time.Time
}

// RecentHistory returns up to count commits, newest first.
func (r *Repo) RecentHistory(count int) ([]Commit, error) {
	if count <= 0 {
		count = 10
	}
	output, err := r.run("history", "log", "-n", fmt.Sprintf("%d", count),
		"--pretty=format:%H%x1f%s%x1f%cI")
	if err != nil {
		return nil, err
	}
	if output == "" {
		return nil, nil
	}
	var commits []Commit
	for _, line := range strings.Split(output, "\n") {
		parts := strings.SplitN(line, "\x1f", 3)
		if len(parts) != 3 {
			continue
		}
		when, err := time.Parse(time.RFC3339, parts[2])
		if err != nil {
			return nil, &Error{Op: "history", Dir: r.dir,
				Detail: fmt.Sprintf("bad commit date %q", parts[2]), Err: err}
		}
		commits = append(commits, Commit{ID: parts[0], Subject: parts[1], When: when})
	}
	return commits, nil
}

// CreateBranch creates a branch at the current head.
func (r *Repo) CreateBranch(name string) error {
	_, err := r.run("create branch", "branch", name)
	return err
}

// CheckoutBranch switches the workspace to an existing branch.
func (r *Repo) CheckoutBranch(name string) error {
	_, err := r.run("checkout branch", "checkout", name)
	return err
}
