package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/cloud-shuttle/adw/internal/state"
)

// DedupStore remembers the last trigger occurrence acted on per item.
// db.DedupStore is the persistent implementation.
type DedupStore interface {
	Last(ctx context.Context, key string) (string, bool, error)
	Remember(ctx context.Context, key, fingerprint string) error
}

// MemoryDedup is a per-process DedupStore
type MemoryDedup struct {
	mu   sync.Mutex
	seen map[string]string
}

// NewMemoryDedup creates an empty in-memory store
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{seen: make(map[string]string)}
}

func (m *MemoryDedup) Last(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp, ok := m.seen[key]
	return fp, ok, nil
}

func (m *MemoryDedup) Remember(_ context.Context, key, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[key] = fingerprint
	return nil
}

// ProcessedFile is one entry of the watcher's processed log
type ProcessedFile struct {
	ProcessedAt string  `json:"processed_at"`
	RunID       string  `json:"adw_id"`
	FileSize    int64   `json:"file_size"`
	FileMtime   float64 `json:"file_mtime"`
}

type processedDoc struct {
	ProcessedFiles map[string]ProcessedFile `json:"processed_files"`
}

// ProcessedLog is the watcher's DedupStore. Keys are slash-separated paths
// relative to root and the fingerprint is the file's mtime.
type ProcessedLog struct {
	path string
	root string

	mu  sync.Mutex
	doc processedDoc
}

// OpenProcessedLog loads the log at path. A missing or unreadable log
// starts empty.
func OpenProcessedLog(ctx context.Context, path, root string) *ProcessedLog {
	l := &ProcessedLog{path: path, root: root, doc: processedDoc{ProcessedFiles: map[string]ProcessedFile{}}}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			clog.FromContext(ctx).Warnf("Could not read processed log %s: %v", path, err)
		}
		return l
	}
	var doc processedDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		clog.FromContext(ctx).Warnf("Processed log %s is not valid JSON, starting fresh: %v", path, err)
		return l
	}
	if doc.ProcessedFiles != nil {
		l.doc = doc
	}
	return l
}

// Path returns the log file location
func (l *ProcessedLog) Path() string {
	return l.path
}

// Len returns the number of files recorded
func (l *ProcessedLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.doc.ProcessedFiles)
}

func (l *ProcessedLog) Last(_ context.Context, key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.doc.ProcessedFiles[key]
	if !ok {
		return "", false, nil
	}
	return mtimeFingerprint(e.FileMtime), true, nil
}

// Remember records key as processed and saves the log. The size is read
// from the file itself.
func (l *ProcessedLog) Remember(_ context.Context, key, fingerprint string) error {
	var mtime float64
	if _, err := fmt.Sscanf(fingerprint, "%g", &mtime); err != nil {
		return fmt.Errorf("invalid mtime fingerprint %q: %w", fingerprint, err)
	}
	var size int64
	if info, err := os.Stat(filepath.Join(l.root, filepath.FromSlash(key))); err == nil {
		size = info.Size()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.doc.ProcessedFiles[key] = ProcessedFile{
		ProcessedAt: time.Now().Format(time.RFC3339),
		RunID:       "pending",
		FileSize:    size,
		FileMtime:   mtime,
	}
	data, err := json.MarshalIndent(l.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding processed log: %w", err)
	}
	return state.WriteFileAtomic(l.path, data)
}

// mtimeFingerprint formats an mtime in seconds with millisecond precision
func mtimeFingerprint(mtime float64) string {
	return fmt.Sprintf("%.3f", mtime)
}

func fileMtime(info os.FileInfo) float64 {
	return float64(info.ModTime().UnixNano()) / 1e9
}
