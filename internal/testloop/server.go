package testloop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
)

// backend is the server under test for the API layer
type backend struct {
	cmd    *exec.Cmd
	output bytes.Buffer
	done   chan error
}

// startBackend launches args in dir with TESTING=true
func startBackend(ctx context.Context, args []string, dir string, port int) (*backend, error) {
	if len(args) == 0 {
		return nil, errors.New("no server command configured")
	}

	b := &backend{done: make(chan error, 1)}
	b.cmd = exec.Command(args[0], args[1:]...)
	b.cmd.Dir = dir
	b.cmd.Env = append(os.Environ(), "TESTING=true", "PORT="+strconv.Itoa(port))
	b.cmd.Stdout = &b.output
	b.cmd.Stderr = &b.output
	if err := b.cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", args[0], err)
	}
	go func() { b.done <- b.cmd.Wait() }()

	clog.FromContext(ctx).Infof("Started test server %s (pid %d) in %s", strings.Join(args, " "), b.cmd.Process.Pid, dir)
	return b, nil
}

// waitHealthy polls url once per interval until it answers 200, the server
// exits, or timeout passes.
func (b *backend) waitHealthy(ctx context.Context, client *http.Client, url string, interval, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		if resp, err := client.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("server health check failed after %s", timeout)
		}
		select {
		case err := <-b.done:
			b.done <- err
			return fmt.Errorf("server exited before becoming healthy: %v\n%s", err, truncate(b.output.String(), 500))
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// stop sends SIGTERM, waits up to grace, then kills
func (b *backend) stop(ctx context.Context, grace time.Duration) {
	log := clog.FromContext(ctx)
	select {
	case <-b.done:
		return
	default:
	}

	if err := b.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Debugf("Signalling test server: %v", err)
	}
	select {
	case <-b.done:
		log.Infof("Test server stopped")
	case <-time.After(grace):
		b.cmd.Process.Kill()
		<-b.done
		log.Warnf("Test server killed (did not terminate gracefully)")
	}
}

// serverDir resolves the configured server directory inside the worktree
func serverDir(worktree, dir string) string {
	if dir == "" {
		return worktree
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(worktree, filepath.FromSlash(dir))
}
