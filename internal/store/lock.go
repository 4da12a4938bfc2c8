package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const lockFile = "instance.lock"

var ErrLocked = errors.New("state dir locked by another instance")

// Lock guards a state directory against concurrent instances. Two
// coordinators sharing one journal would interleave writes and fight over
// the same client order prefix.
type Lock struct {
	path string
}

func AcquireLock(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, lockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			if stalePID, stale := staleLock(path); stale {
				_ = os.Remove(path)
				return AcquireLock(dir)
			} else if stalePID != 0 {
				return nil, fmt.Errorf("%w: pid %d", ErrLocked, stalePID)
			}
			return nil, ErrLocked
		}
		return nil, err
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return &Lock{path: path}, nil
}

func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	return os.Remove(l.path)
}

// staleLock reports the recorded pid and whether that process is gone.
func staleLock(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, true
	}
	// Signal 0 probes existence without touching the process.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return pid, true
	}
	return pid, false
}
