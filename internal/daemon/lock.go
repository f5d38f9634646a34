// Package daemon owns process lifecycle: the single-instance startup lock,
// record discovery, the file-backed control plane, and the supervisor that
// runs syncers, scheduler, and maintenance.
package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning means a live daemon holds the startup lock. Callers exit
// with code 2.
var ErrAlreadyRunning = errors.New("another daemon is already running")

// OwnerRecord is written next to the lock so humans and discovery can see who
// holds it.
type OwnerRecord struct {
	PID           int    `json:"pid"`
	DaemonID      string `json:"daemonId"`
	StartedAt     string `json:"startedAt"`
	StartIdentity string `json:"startIdentity"`
	Cmdline       string `json:"cmdline"`
}

// Lock is the held startup lock.
type Lock struct {
	fl        *flock.Flock
	ownerPath string
}

// Acquire takes the exclusive daemon lock under controlRoot. A held lock
// returns ErrAlreadyRunning without blocking.
func Acquire(controlRoot, daemonID string) (*Lock, error) {
	if err := os.MkdirAll(controlRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating control root: %w", err)
	}
	fl := flock.New(filepath.Join(controlRoot, "daemon.lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}

	lock := &Lock{fl: fl, ownerPath: filepath.Join(controlRoot, "daemon.owner.json")}
	owner := OwnerRecord{
		PID:           os.Getpid(),
		DaemonID:      daemonID,
		StartedAt:     time.Now().UTC().Format(time.RFC3339),
		StartIdentity: StartIdentity(os.Getpid()),
		Cmdline:       strings.Join(os.Args, " "),
	}
	if err := writeJSONAtomic(lock.ownerPath, owner); err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("writing owner record: %w", err)
	}
	return lock, nil
}

// Release drops the lock and removes the owner record.
func (l *Lock) Release() error {
	os.Remove(l.ownerPath)
	return l.fl.Unlock()
}

// StartIdentity derives a token tied to the process start time so a recycled
// PID cannot impersonate the original owner. Falls back to pid-only when
// /proc is unavailable.
func StartIdentity(pid int) string {
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return fmt.Sprintf("pid:%d", pid)
	}
	// Field 22 (starttime) counts clock ticks since boot. The comm field may
	// contain spaces, so split after its closing paren.
	s := string(stat)
	if idx := strings.LastIndexByte(s, ')'); idx >= 0 {
		fields := strings.Fields(s[idx+1:])
		// fields[0] is state; starttime is the 20th field after state.
		if len(fields) >= 20 {
			return fmt.Sprintf("pid:%d:start:%s", pid, fields[19])
		}
	}
	return fmt.Sprintf("pid:%d", pid)
}

// PIDAlive reports whether a process with the pid exists.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence without delivering anything.
	return proc.Signal(syscall.Signal(0)) == nil
}

// writeJSONAtomic writes via temp file + rename so readers never observe a
// torn record.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
