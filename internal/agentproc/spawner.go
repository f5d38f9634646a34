package agentproc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ralphbot/ralph/internal/config"
)

// SpawnOpts describes one agent invocation.
type SpawnOpts struct {
	Dir   string // worktree to run in
	Stage string // plan | implement | resume | survey ...
	Args  []string
	// Env entries override the inherited environment (KEY=VALUE).
	Env []string
	// RunLog receives a tee of every stdout/stderr line; nil disables.
	RunLog io.Writer
}

// Session is one running agent subprocess.
type Session interface {
	// Events yields decoded stream events until the process exits. The channel
	// closes when the stream ends.
	Events() <-chan Event
	// Wait blocks for process exit and returns the exit error, if any.
	Wait() error
	// FinalMarker returns the parsed RALPH_<KIND> marker after the stream has
	// ended. ok is false when the agent exited without one.
	FinalMarker() (kind string, payload []byte, ok bool)
	// ParseErrors counts dropped malformed stream lines.
	ParseErrors() int64
	// Stop cancels the process: SIGTERM, then SIGKILL after grace.
	Stop(grace time.Duration)
}

// Spawner launches agent subprocesses. The production implementation shells
// out to the configured agent command; tests substitute fakes.
type Spawner interface {
	Spawn(ctx context.Context, opts SpawnOpts) (Session, error)
}

// ExecSpawner runs the real agent binary.
type ExecSpawner struct {
	Cfg config.AgentConfig
	Log *slog.Logger
}

func (s *ExecSpawner) Spawn(ctx context.Context, opts SpawnOpts) (Session, error) {
	command := s.Cfg.Command
	if command == "" {
		command = "opencode"
	}
	args := append(append([]string{}, s.Cfg.BaseArgs...), opts.Args...)

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = opts.Dir
	cmd.Env = mergeEnv(os.Environ(), opts.Env)
	// CommandContext's default kill is too abrupt for agents mid-write.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 10 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", command, err)
	}

	var stream io.Reader = stdout
	if opts.RunLog != nil {
		stream = io.TeeReader(stdout, opts.RunLog)
		go io.Copy(opts.RunLog, stderr)
	} else {
		go io.Copy(io.Discard, stderr)
	}

	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	sess := &execSession{
		cmd:     cmd,
		decoder: NewStreamDecoder(stream),
		events:  make(chan Event, 64),
		log:     log,
	}
	go sess.pump()
	return sess, nil
}

type execSession struct {
	cmd     *exec.Cmd
	decoder *StreamDecoder
	events  chan Event
	log     *slog.Logger

	waitOnce sync.Once
	waitErr  error
}

func (s *execSession) pump() {
	defer close(s.events)
	for {
		ev, err := s.decoder.Next()
		if err != nil {
			if err != io.EOF {
				s.log.Warn("agent stream read failed", "error", err)
			}
			return
		}
		s.events <- ev
	}
}

func (s *execSession) Events() <-chan Event { return s.events }

func (s *execSession) Wait() error {
	s.waitOnce.Do(func() { s.waitErr = s.cmd.Wait() })
	return s.waitErr
}

func (s *execSession) FinalMarker() (string, []byte, bool) {
	kind, payload, ok := ParseFinalMarker(s.decoder.LastLine())
	return kind, []byte(payload), ok
}

func (s *execSession) ParseErrors() int64 { return s.decoder.ParseErrors() }

func (s *execSession) Stop(grace time.Duration) {
	if s.cmd.Process == nil {
		return
	}
	s.cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.cmd.Process.Kill()
		<-done
	}
}

// mergeEnv overlays overrides onto base, replacing by key.
func mergeEnv(base, overrides []string) []string {
	if len(overrides) == 0 {
		return base
	}
	index := make(map[string]int, len(base))
	out := append([]string{}, base...)
	for i, kv := range out {
		if eq := strings.IndexByte(kv, '='); eq >= 0 {
			index[kv[:eq]] = i
		}
	}
	for _, kv := range overrides {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		if i, ok := index[kv[:eq]]; ok {
			out[i] = kv
		} else {
			out = append(out, kv)
		}
	}
	return out
}

// tokenEnvVars are saved and restored around every agent invocation so a
// sandbox profile cannot leak its token into the daemon's own environment.
var tokenEnvVars = []string{"GH_TOKEN", "GITHUB_TOKEN", "GITHUB_SANDBOX_TOKEN"}

// SaveTokenEnv snapshots the forge token variables and returns a restore
// function. Callers defer the restore around any env mutation.
func SaveTokenEnv() func() {
	type saved struct {
		val string
		set bool
	}
	snapshot := make(map[string]saved, len(tokenEnvVars))
	for _, k := range tokenEnvVars {
		v, ok := os.LookupEnv(k)
		snapshot[k] = saved{val: v, set: ok}
	}
	return func() {
		for k, s := range snapshot {
			if s.set {
				os.Setenv(k, s.val)
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

// RunLogRoot resolves the run-log directory: the override when set, else
// ${XDG_STATE_HOME}/ralph/run-logs.
func RunLogRoot(override string) string {
	if override != "" {
		return override
	}
	return filepath.Join(StateRoot(), "ralph", "run-logs")
}

// RunLogPath builds the per-stage log location:
// <root>/<owner>-<name>/<issue>/<stage>-<ts>.log.
func RunLogPath(root, repoSlug string, issue int, stage string, ts time.Time) string {
	slug := strings.ReplaceAll(repoSlug, "/", "-")
	return filepath.Join(root, slug,
		fmt.Sprintf("%d", issue),
		fmt.Sprintf("%s-%s.log", stage, ts.UTC().Format("20060102T150405Z")))
}

// StateRoot resolves ${XDG_STATE_HOME}, defaulting to ~/.local/state.
func StateRoot() string {
	if v := os.Getenv("XDG_STATE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".local/state"
	}
	return filepath.Join(home, ".local", "state")
}

// OpenRunLog creates the run-log file, making parent directories as needed.
func OpenRunLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating run-log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening run log: %w", err)
	}
	return f, nil
}
