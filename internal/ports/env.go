package ports

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// EnvFileName is written at the root of every run worktree
const EnvFileName = ".ports.env"

// WriteEnvironment persists the pair inside the worktree so processes
// started there bind to the run's own ports.
func WriteEnvironment(worktreePath string, p Pair) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "BACKEND_PORT=%d\n", p.Server)
	fmt.Fprintf(&buf, "FRONTEND_PORT=%d\n", p.Client)
	fmt.Fprintf(&buf, "VITE_BACKEND_URL=http://localhost:%d\n", p.Server)

	path := filepath.Join(worktreePath, EnvFileName)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// ReadEnvironment reads back a pair written by WriteEnvironment
func ReadEnvironment(worktreePath string) (Pair, error) {
	path := filepath.Join(worktreePath, EnvFileName)
	f, err := os.Open(path)
	if err != nil {
		return Pair{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var p Pair
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "BACKEND_PORT":
			p.Server, err = strconv.Atoi(value)
		case "FRONTEND_PORT":
			p.Client, err = strconv.Atoi(value)
		}
		if err != nil {
			return Pair{}, fmt.Errorf("parsing %s in %s: %w", key, path, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return Pair{}, fmt.Errorf("reading %s: %w", path, err)
	}
	if p.Server == 0 || p.Client == 0 {
		return Pair{}, fmt.Errorf("%s does not define both ports", path)
	}
	return p, nil
}

// Environ returns the pair as KEY=VALUE entries for a child process
func (p Pair) Environ() []string {
	return []string{
		"BACKEND_PORT=" + strconv.Itoa(p.Server),
		"FRONTEND_PORT=" + strconv.Itoa(p.Client),
		"VITE_BACKEND_URL=http://localhost:" + strconv.Itoa(p.Server),
	}
}
