// Package state persists one durable record per workflow run.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
)

// ErrNotFound is returned when no record exists for a run id.
var ErrNotFound = errors.New("run state not found")

const (
	stateFileName = "adw_state.json"
	runIDLength   = 8
	dirMode       = 0o755
	fileMode      = 0o644
)

var validRunID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Record is the persisted shape of a run.
type Record struct {
	RunID         string            `json:"adw_id"`
	IssueNumber   string            `json:"issue_number,omitempty"`
	BranchName    string            `json:"branch_name,omitempty"`
	WorktreePath  string            `json:"worktree_path,omitempty"`
	ServerPort    int               `json:"server_port,omitempty"`
	ClientPort    int               `json:"client_port,omitempty"`
	PlanFile      string            `json:"plan_file,omitempty"`
	PromptsFile   string            `json:"prompts_file,omitempty"`
	Artifacts     map[string]string `json:"artifacts,omitempty"`
	CreatedIssues []int             `json:"created_issues,omitempty"`
	History       []string          `json:"all_adws"`
	LastStage     string            `json:"last_stage,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Ports returns the allocated (server, client) pair; zeros when unallocated.
func (r Record) Ports() (int, int) {
	return r.ServerPort, r.ClientPort
}

// Artifact returns the relative path a stage recorded, if any.
func (r Record) Artifact(stage string) (string, bool) {
	p, ok := r.Artifacts[stage]
	return p, ok && p != ""
}

// Partial carries the fields of an update. Zero values are ignored.
type Partial struct {
	IssueNumber   string
	BranchName    string
	WorktreePath  string
	ServerPort    int
	ClientPort    int
	PlanFile      string
	PromptsFile   string
	Artifacts     map[string]string
	CreatedIssues []int
}

// Indexer receives every successfully saved record.
type Indexer interface {
	IndexRun(ctx context.Context, rec Record) error
}

// Store reads and writes run records under a root directory,
// one record per run at <root>/<run_id>/adw_state.json.
type Store struct {
	root  string
	index Indexer
}

// NewStore creates a store rooted at the agents directory
func NewStore(root string) *Store {
	return &Store{root: root}
}

// SetIndexer mirrors saves into ix. Index failures are logged and ignored.
func (s *Store) SetIndexer(ix Indexer) {
	s.index = ix
}

// Root returns the directory holding all run records
func (s *Store) Root() string {
	return s.root
}

// Path returns the canonical record location for a run
func (s *Store) Path(runID string) string {
	return filepath.Join(s.root, runID, stateFileName)
}

// RunDir returns the per-run directory used for logs and agent output
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

// Exists reports whether a record is on disk for runID
func (s *Store) Exists(runID string) bool {
	_, err := os.Stat(s.Path(runID))
	return err == nil
}

// NewRunID returns a fresh short opaque run token.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:runIDLength]
}

// Ensure returns a run id with an initialized record behind it.
// An existing record is returned untouched; a given but unknown id is
// initialized under that id; an empty id gets a freshly generated one.
func (s *Store) Ensure(ctx context.Context, runID, issueNumber string) (string, error) {
	if runID != "" {
		if err := checkRunID(runID); err != nil {
			return "", err
		}
		if s.Exists(runID) {
			return runID, nil
		}
	} else {
		for {
			runID = NewRunID()
			if !s.Exists(runID) {
				break
			}
		}
	}

	st := &State{
		Record: Record{RunID: runID, IssueNumber: issueNumber},
		store:  s,
	}
	if err := st.Save(ctx, "ensure"); err != nil {
		return "", err
	}
	clog.FromContext(ctx).With("run_id", runID).Infof("Initialized run state at %s", s.Path(runID))
	return runID, nil
}

// Load reads the record for runID.
func (s *Store) Load(runID string) (*State, error) {
	if err := checkRunID(runID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("reading state %s: %w", runID, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding state %s: %w", runID, err)
	}
	if rec.RunID == "" {
		rec.RunID = runID
	}
	return &State{Record: rec, store: s}, nil
}

// List returns every readable record, most recently updated first.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", s.root, err)
	}

	var records []Record
	for _, e := range entries {
		if !e.IsDir() || !s.Exists(e.Name()) {
			continue
		}
		st, err := s.Load(e.Name())
		if err != nil {
			continue
		}
		records = append(records, st.Record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	return records, nil
}

func checkRunID(runID string) error {
	if !validRunID.MatchString(runID) {
		return fmt.Errorf("invalid run id %q", runID)
	}
	return nil
}

// State is an in-memory record bound to the store it came from.
type State struct {
	Record
	store *Store
}

// Update merges the non-zero fields of p into the in-memory record.
// Nothing is written until Save.
func (st *State) Update(p Partial) {
	if p.IssueNumber != "" {
		st.IssueNumber = p.IssueNumber
	}
	if p.BranchName != "" {
		st.BranchName = p.BranchName
	}
	if p.WorktreePath != "" {
		st.WorktreePath = p.WorktreePath
	}
	if p.ServerPort != 0 {
		st.ServerPort = p.ServerPort
	}
	if p.ClientPort != 0 {
		st.ClientPort = p.ClientPort
	}
	if p.PlanFile != "" {
		st.PlanFile = p.PlanFile
	}
	if p.PromptsFile != "" {
		st.PromptsFile = p.PromptsFile
	}
	if len(p.Artifacts) > 0 {
		if st.Artifacts == nil {
			st.Artifacts = make(map[string]string, len(p.Artifacts))
		}
		for k, v := range p.Artifacts {
			st.Artifacts[k] = v
		}
	}
	if p.CreatedIssues != nil {
		st.CreatedIssues = append([]int(nil), p.CreatedIssues...)
	}
}

// AppendHistory records that a stage touched this run
func (st *State) AppendHistory(stage string) {
	st.History = append(st.History, stage)
}

// Save atomically replaces the on-disk record, tagging the writing stage.
func (st *State) Save(ctx context.Context, stage string) error {
	st.LastStage = stage
	st.UpdatedAt = time.Now().UTC()
	if st.History == nil {
		st.History = []string{}
	}

	data, err := json.MarshalIndent(st.Record, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state %s: %w", st.RunID, err)
	}
	data = append(data, '\n')

	if err := WriteFileAtomic(st.store.Path(st.RunID), data); err != nil {
		return fmt.Errorf("saving state %s: %w", st.RunID, err)
	}

	if st.store.index != nil {
		if err := st.store.index.IndexRun(ctx, st.Record); err != nil {
			clog.FromContext(ctx).With("run_id", st.RunID).Warnf("Failed to index run: %v", err)
		}
	}
	return nil
}

// WriteFileAtomic writes to a temp file in the target directory and renames
// it over path, so readers observe either the old or the new content.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, fileMode); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	return os.Rename(tmpName, path)
}

