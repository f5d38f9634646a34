package daemon

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/ralphbot/ralph/models"
)

// ControlState is the file-backed operator channel.
type ControlState struct {
	Mode string `json:"mode"` // running | draining | paused
}

// ControlFile manages ~/.ralph/control/control.json. Reads are cheap; writes
// go through atomic rename. Watch pushes changes as they land.
type ControlFile struct {
	Path string

	mu   sync.Mutex
	last ControlState
}

func NewControlFile(controlRoot string) *ControlFile {
	return &ControlFile{Path: filepath.Join(controlRoot, "control.json")}
}

// Read returns the current control state. A missing file means running.
func (c *ControlFile) Read() (ControlState, error) {
	data, err := os.ReadFile(c.Path)
	if os.IsNotExist(err) {
		return ControlState{Mode: models.ModeRunning}, nil
	}
	if err != nil {
		return ControlState{}, fmt.Errorf("reading control file: %w", err)
	}
	var state ControlState
	if err := json.Unmarshal(data, &state); err != nil {
		return ControlState{}, fmt.Errorf("parsing control file: %w", err)
	}
	if state.Mode == "" {
		state.Mode = models.ModeRunning
	}
	return state, nil
}

// Write sets the control mode via atomic rename.
func (c *ControlFile) Write(mode string) error {
	switch mode {
	case models.ModeRunning, models.ModeDraining, models.ModePaused:
	default:
		return fmt.Errorf("unknown control mode %q", mode)
	}
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
		return err
	}
	return writeJSONAtomic(c.Path, ControlState{Mode: mode})
}

// Watch delivers the control state on every change until stop is closed.
// The current state is delivered immediately. Falls back to the caller's
// poll loop when inotify is unavailable.
func (c *ControlFile) Watch(stop <-chan struct{}, onChange func(ControlState)) error {
	state, err := c.Read()
	if err == nil {
		onChange(state)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating control watcher: %w", err)
	}
	// Watch the directory: atomic rename replaces the file inode, so a watch
	// on the file itself goes quiet after the first write.
	if err := watcher.Add(filepath.Dir(c.Path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching control dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != filepath.Base(c.Path) {
					continue
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
					continue
				}
				state, err := c.Read()
				if err != nil {
					slog.Warn("Control file unreadable after change", "error", err)
					continue
				}
				c.mu.Lock()
				changed := state != c.last
				c.last = state
				c.mu.Unlock()
				if changed {
					onChange(state)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Control watcher error", "error", err)
			}
		}
	}()
	return nil
}
