package trigger

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Command describes a background run to start
type Command struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string

	// StdoutLog receives stdout. StderrLog receives stderr; when empty or
	// equal to StdoutLog both streams go to one file.
	StdoutLog string
	StderrLog string
}

// Exit is a finished background run collected by Reap
type Exit struct {
	Key      string
	PID      int
	ExitCode int
	Err      error
	Duration time.Duration
}

type handle struct {
	key     string
	pid     int
	started time.Time
	ended   time.Time
	done    chan struct{}
	err     error
	files   []*os.File
}

// Registry tracks the processes a dispatcher started. Children run in their
// own process group so a signal to the dispatcher does not reach them.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*handle
	order   []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*handle)}
}

// Spawn starts c under key and returns its pid without waiting for it.
// A key that is still running is rejected.
func (r *Registry) Spawn(key string, c Command) (int, error) {
	r.mu.Lock()
	if _, running := r.handles[key]; running {
		r.mu.Unlock()
		return 0, fmt.Errorf("%s is already running", key)
	}
	r.mu.Unlock()

	cmd := exec.Command(c.Binary, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	detach(cmd)

	h := &handle{key: key, done: make(chan struct{})}
	stdout, err := openLog(c.StdoutLog)
	if err != nil {
		return 0, err
	}
	h.files = append(h.files, stdout)
	cmd.Stdout = stdout
	cmd.Stderr = stdout
	if c.StderrLog != "" && c.StderrLog != c.StdoutLog {
		stderr, err := openLog(c.StderrLog)
		if err != nil {
			h.close()
			return 0, err
		}
		h.files = append(h.files, stderr)
		cmd.Stderr = stderr
	}

	if err := cmd.Start(); err != nil {
		h.close()
		return 0, fmt.Errorf("starting %s: %w", c.Binary, err)
	}
	h.pid = cmd.Process.Pid
	h.started = time.Now()

	go func() {
		h.err = cmd.Wait()
		h.ended = time.Now()
		h.close()
		close(h.done)
	}()

	r.mu.Lock()
	r.handles[key] = h
	r.order = append(r.order, key)
	r.mu.Unlock()
	return h.pid, nil
}

// Reap removes and returns every run that has finished. It never blocks.
func (r *Registry) Reap() []Exit {
	r.mu.Lock()
	defer r.mu.Unlock()

	var exits []Exit
	remaining := r.order[:0]
	for _, key := range r.order {
		h := r.handles[key]
		select {
		case <-h.done:
			exits = append(exits, Exit{
				Key:      key,
				PID:      h.pid,
				ExitCode: exitCode(h.err),
				Err:      h.err,
				Duration: h.ended.Sub(h.started),
			})
			delete(r.handles, key)
		default:
			remaining = append(remaining, key)
		}
	}
	r.order = remaining
	return exits
}

// Active returns the keys still registered, sorted
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.handles))
	for k := range r.handles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Wait blocks until every registered run has finished or timeout passes.
// Finished runs stay registered until the next Reap.
func (r *Registry) Wait(timeout time.Duration) bool {
	r.mu.Lock()
	pending := make([]*handle, 0, len(r.handles))
	for _, h := range r.handles {
		pending = append(pending, h)
	}
	r.mu.Unlock()

	deadline := time.After(timeout)
	for _, h := range pending {
		select {
		case <-h.done:
		case <-deadline:
			return false
		}
	}
	return true
}

func (h *handle) close() {
	for _, f := range h.files {
		f.Close()
	}
	h.files = nil
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log %s: %w", path, err)
	}
	return f, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
