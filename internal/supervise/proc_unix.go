//go:build !windows

package supervise

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// osProber asks the kernel about process liveness. Signature matching and
// zombie detection read /proc where it exists; on systems without /proc the
// signal-0 probe alone decides.
type osProber struct{}

func (osProber) Alive(pid int, signature string) (bool, error) {
	if err := syscall.Kill(pid, 0); err != nil {
		return false, nil
	}
	statPath := filepath.Join("/proc", strconv.Itoa(pid), "stat")
	stat, err := os.ReadFile(statPath)
	if err == nil && isZombieStat(string(stat)) {
		return false, nil
	}
	if signature == "" {
		return true, nil
	}
	cmdline, err := readCmdline(pid)
	if err != nil {
		// No /proc; the pid answered signal 0, call it alive.
		return true, nil
	}
	return strings.Contains(cmdline, signature), nil
}

func (osProber) FindBySignature(signature string) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		cmdline, err := readCmdline(pid)
		if err != nil || cmdline == "" {
			continue
		}
		if strings.Contains(cmdline, signature) {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func (osProber) Terminate(pid int) error {
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		return syscall.Kill(-pgid, syscall.SIGTERM)
	}
	return syscall.Kill(pid, syscall.SIGTERM)
}

func (osProber) Kill(pid int) error {
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		return syscall.Kill(-pgid, syscall.SIGKILL)
	}
	return syscall.Kill(pid, syscall.SIGKILL)
}

func readCmdline(pid int) (string, error) {
	raw, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(string(raw), "\x00", " "), nil
}

// isZombieStat reports whether a /proc/<pid>/stat line shows state Z. The
// state field follows the parenthesized comm, which may itself contain
// spaces.
func isZombieStat(stat string) bool {
	idx := strings.LastIndex(stat, ")")
	if idx < 0 || idx+2 >= len(stat) {
		return false
	}
	fields := strings.Fields(stat[idx+1:])
	return len(fields) > 0 && fields[0] == "Z"
}
