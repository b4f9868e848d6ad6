// Package task reads the primary and worktree copies of a task's state and
// merges them into one Snapshot.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/msageha/rdr/internal/logging"
	"github.com/msageha/rdr/internal/model"
)

var (
	// ErrNotFound means neither copy exists yet. Tasks mid-creation hit this;
	// callers skip them without logging an error.
	ErrNotFound = errors.New("task not found")
	// ErrUnknown means copies exist but none could be read.
	ErrUnknown = errors.New("task state unknown")
)

// ParseError records a task file that exists but is not valid task JSON.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Snapshot is the reconciled view of one task.
type Snapshot struct {
	ID           string
	Status       model.TaskStatus
	PlanStatus   model.PlanStatus
	ReviewReason model.ReviewReason
	ExitReason   model.ExitReason
	QASignoff    *model.QASignoff
	Phases       []model.Phase
	Progress     model.Progress
	Errors       []string
	Metadata     model.TaskMetadata

	HasWorktree    bool
	WorktreeStatus model.TaskStatus
	PrimaryPath    string
	WorktreePath   string

	// Corrupt lists copies that exist but failed to parse.
	Corrupt []*ParseError
}

func (s *Snapshot) IsCorrupt() bool {
	return len(s.Corrupt) > 0
}

// HasCompletedWork reports whether any subtask finished.
func (s *Snapshot) HasCompletedWork() bool {
	return s.Progress.Completed > 0
}

type Reader struct {
	paths  model.Paths
	logger *logging.Logger
}

func NewReader(paths model.Paths, logger *logging.Logger) *Reader {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Reader{paths: paths, logger: logger.Named("task_reader")}
}

func (r *Reader) Paths() model.Paths {
	return r.paths
}

// Read loads both copies of id and merges them. Metadata always comes from
// the primary copy. When the primary status is terminal the worktree is
// ignored for status fields. A copy that fails to parse is listed in
// Snapshot.Corrupt and the other copy, if readable, supplies the view.
func (r *Reader) Read(ctx context.Context, id string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		ID:           id,
		PrimaryPath:  r.paths.PrimaryTaskPath(id),
		WorktreePath: r.paths.WorktreeTaskPath(id),
	}

	primary, perr := LoadFile(snap.PrimaryPath)
	worktree, werr := LoadFile(snap.WorktreePath)

	primaryMissing := errors.Is(perr, os.ErrNotExist)
	worktreeMissing := errors.Is(werr, os.ErrNotExist)
	if primaryMissing && worktreeMissing {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}

	var pe *ParseError
	if errors.As(perr, &pe) {
		snap.Corrupt = append(snap.Corrupt, pe)
	}
	if errors.As(werr, &pe) {
		snap.Corrupt = append(snap.Corrupt, pe)
	}
	snap.HasWorktree = !worktreeMissing

	switch {
	case primary != nil && worktree != nil:
		snap.WorktreeStatus = worktree.Status
		apply(snap, primary)
		if !model.IsTerminal(primary.Status) {
			applyLive(snap, worktree)
		}
	case primary != nil:
		apply(snap, primary)
	case worktree != nil:
		snap.WorktreeStatus = worktree.Status
		apply(snap, worktree)
	default:
		if snap.IsCorrupt() {
			return snap, nil
		}
		return nil, fmt.Errorf("task %s: primary: %v, worktree: %v: %w", id, perr, werr, ErrUnknown)
	}

	if perr != nil && !primaryMissing && !errors.As(perr, &pe) {
		r.logger.Warnf("task=%s primary unreadable: %v", id, perr)
	}
	if werr != nil && !worktreeMissing && !errors.As(werr, &pe) {
		r.logger.Warnf("task=%s worktree unreadable: %v", id, werr)
	}
	return snap, nil
}

// List returns the ids of every task with a spec dir in the main project or
// in its worktree, sorted and without duplicates.
func (r *Reader) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)

	primary, err := listDirs(r.paths.SpecsDir)
	if err != nil {
		return nil, fmt.Errorf("list specs: %w", err)
	}
	for _, id := range primary {
		seen[id] = true
	}

	worktrees, err := listDirs(r.paths.WorktreesDir)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	for _, id := range worktrees {
		if seen[id] {
			continue
		}
		if info, err := os.Stat(filepath.Dir(r.paths.WorktreeTaskPath(id))); err == nil && info.IsDir() {
			seen[id] = true
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// listDirs returns the names of the subdirectories of dir. A missing dir
// has none.
func listDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// LoadFile reads and decodes one task file. Missing files return an error
// satisfying errors.Is(err, os.ErrNotExist); malformed ones a *ParseError.
func LoadFile(path string) (*model.TaskFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tf model.TaskFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &tf, nil
}

func apply(s *Snapshot, tf *model.TaskFile) {
	applyLive(s, tf)
	s.Metadata = tf.Metadata
}

// applyLive copies the agent-owned fields.
func applyLive(s *Snapshot, tf *model.TaskFile) {
	s.Status = tf.Status
	s.PlanStatus = tf.PlanStatus
	s.ReviewReason = tf.ReviewReason
	s.ExitReason = tf.ExitReason
	s.QASignoff = tf.QASignoff
	s.Phases = tf.Phases
	s.Progress = model.ComputeProgress(tf.Phases)
	s.Errors = tf.Errors
}
