package process

import (
	"bytes"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/core-tools/hsu-platform/pkg/errors"
	"github.com/core-tools/hsu-platform/pkg/logging"
)

// maxCapturedOutput bounds how much early output is kept for diagnostics.
const maxCapturedOutput = 64 * 1024

type SpawnConfig struct {
	Command          string            `yaml:"command"`
	Args             []string          `yaml:"args,omitempty"`
	WorkingDirectory string            `yaml:"working_directory,omitempty"`
	Environment      map[string]string `yaml:"environment,omitempty"`
	WaitDelay        time.Duration     `yaml:"wait_delay,omitempty"`
}

// Handle tracks a spawned process group leader.
type Handle struct {
	Process   *os.Process
	StartedAt time.Time

	output *OutputBuffer
	done   chan struct{}
	mu     sync.Mutex
	err    error
}

func (h *Handle) PID() int {
	return h.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process has already exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the wait error after exit, nil while running or on clean exit.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Output returns the captured stdout/stderr prefix.
func (h *Handle) Output() string {
	return h.output.String()
}

// Spawn starts cfg in its own process group. The process is not bound to any
// context: it must outlive the operation that started it.
func Spawn(cfg SpawnConfig, id string, logger logging.Logger) (*Handle, error) {
	if cfg.Command == "" {
		return nil, errors.NewValidationError("command cannot be empty", nil).WithContext("id", id)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkingDirectory
	cmd.Env = mergeEnvironment(os.Environ(), cfg.Environment)

	setupProcessAttributes(cmd)
	cmd.WaitDelay = cfg.WaitDelay

	output := &OutputBuffer{limit: maxCapturedOutput}
	cmd.Stdout = output
	cmd.Stderr = output

	logger.Debugf("Spawning process, id: %s, command: %s, args: %v, working directory: '%s'",
		id, cfg.Command, cfg.Args, cfg.WorkingDirectory)

	if err := cmd.Start(); err != nil {
		return nil, errors.NewProcessError("failed to start the process", err).
			WithContext("id", id).WithContext("command", cfg.Command)
	}

	h := &Handle{
		Process:   cmd.Process,
		StartedAt: time.Now(),
		output:    output,
		done:      make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	}()

	logger.Infof("Spawned process, id: %s, PID: %d", id, cmd.Process.Pid)
	return h, nil
}

// mergeEnvironment appends overrides in key order so the result is stable.
func mergeEnvironment(base []string, overrides map[string]string) []string {
	env := append([]string{}, base...)
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// OutputBuffer is a goroutine-safe writer that keeps the first limit bytes.
type OutputBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *OutputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
