// Package taskstore implements the task queue: a durable, file-locked
// map of provisioning/recycle tasks that the dispatcher polls, claims,
// and resolves.
//
// Grounded on the same fcntl-style locking scheme as
// original_source/scripts/sprite_pool.py, applied here to
// original_source/provisioning/provisioning_agent.py's task-file
// semantics: claim-by-flip-to-in_progress, crash recovery of tasks
// left in_progress across a restart, and the stale-task sweep.
package taskstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/purpleskulll/arcamatrix/internal/model"
)

// Store is the task queue manager.
type Store struct {
	path       string
	logger     *slog.Logger
	staleAfter time.Duration
}

// New returns a Store backed by path.
func New(path string, staleAfter time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, staleAfter: staleAfter, logger: logger}
}

func (s *Store) ensureFile() error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat task file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	return s.saveAtomic(model.NewTaskDocument())
}

func (s *Store) saveAtomic(doc *model.TaskDocument) error {
	tmp := s.path + ".tmp"
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task document: %w", err)
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open task tmp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write task tmp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync task tmp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close task tmp file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) withLock(fn func(doc *model.TaskDocument) (bool, error)) error {
	if err := s.ensureFile(); err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open task file: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock task file: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	doc, err := loadLocked(f)
	if err != nil {
		return err
	}

	mutated, err := fn(doc)
	if err != nil {
		return err
	}
	if !mutated {
		return nil
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task document: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate task file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek task file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write task file: %w", err)
	}
	return f.Sync()
}

func loadLocked(f *os.File) (*model.TaskDocument, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("seek task file: %w", err)
	}
	var doc model.TaskDocument
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return model.NewTaskDocument(), nil //nolint:nilerr // empty/corrupt file reads as an empty queue
	}
	if doc.Tasks == nil {
		doc.Tasks = map[string]*model.Task{}
	}
	return &doc, nil
}

func (s *Store) readOnly() (*model.TaskDocument, error) {
	if err := s.ensureFile(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open task file: %w", err)
	}
	defer f.Close()
	return loadLocked(f)
}

// Submit creates a new pending task under the given id.
func (s *Store) Submit(id string, taskType model.TaskType, priority string, metadata model.TaskMetadata) error {
	return s.withLock(func(doc *model.TaskDocument) (bool, error) {
		now := time.Now().UTC()
		doc.Tasks[id] = &model.Task{
			ID:        id,
			Type:      taskType,
			Status:    model.StatusPending,
			Priority:  priority,
			CreatedAt: now,
			UpdatedAt: now,
			Metadata:  metadata,
		}
		return true, nil
	})
}

// ClaimNextPendingOfType atomically flips the oldest pending task (by
// CreatedAt, id as tie-break) of the given type to in_progress and
// returns a copy. Returns nil, nil if nothing of that type is pending.
func (s *Store) ClaimNextPendingOfType(taskType model.TaskType) (*model.Task, error) {
	var claimed *model.Task

	err := s.withLock(func(doc *model.TaskDocument) (bool, error) {
		var best *model.Task
		for _, t := range doc.Tasks {
			if t.Status != model.StatusPending || t.Type != taskType {
				continue
			}
			if best == nil || t.CreatedAt.Before(best.CreatedAt) ||
				(t.CreatedAt.Equal(best.CreatedAt) && t.ID < best.ID) {
				best = t
			}
		}
		if best == nil {
			return false, nil
		}

		best.Status = model.StatusInProgress
		best.UpdatedAt = time.Now().UTC()

		cp := *best
		claimed = &cp
		return true, nil
	})
	return claimed, err
}

// ListInProgress returns a snapshot of every task currently
// in_progress, for startup crash recovery.
func (s *Store) ListInProgress() ([]*model.Task, error) {
	doc, err := s.readOnly()
	if err != nil {
		return nil, err
	}
	var out []*model.Task
	for _, t := range doc.Tasks {
		if t.Status == model.StatusInProgress {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ResolveCrashed transitions a crashed in_progress task either back to
// pending, or to failed with the given reason.
func (s *Store) ResolveCrashed(id string, toPending bool, failureReason string) error {
	return s.withLock(func(doc *model.TaskDocument) (bool, error) {
		t, ok := doc.Tasks[id]
		if !ok || t.Status != model.StatusInProgress {
			return false, nil
		}
		t.UpdatedAt = time.Now().UTC()
		if toPending {
			t.Status = model.StatusPending
		} else {
			t.Status = model.StatusFailed
			t.Result = &model.TaskResult{Success: false, Error: failureReason}
		}
		return true, nil
	})
}

// Complete records a task's terminal result.
func (s *Store) Complete(id string, status model.TaskStatus, result model.TaskResult) error {
	return s.withLock(func(doc *model.TaskDocument) (bool, error) {
		t, ok := doc.Tasks[id]
		if !ok {
			return false, fmt.Errorf("unknown task %s", id)
		}
		t.Status = status
		t.UpdatedAt = time.Now().UTC()
		t.Result = &result
		return true, nil
	})
}

// Get returns a copy of a task by id.
func (s *Store) Get(id string) (*model.Task, error) {
	doc, err := s.readOnly()
	if err != nil {
		return nil, err
	}
	t, ok := doc.Tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

// SweepStaleExcept fails any in_progress task, other than exceptID,
// whose UpdatedAt is older than the configured stale age.
func (s *Store) SweepStaleExcept(now time.Time, exceptID string) ([]string, error) {
	var swept []string

	err := s.withLock(func(doc *model.TaskDocument) (bool, error) {
		mutated := false
		for id, t := range doc.Tasks {
			if id == exceptID || t.Status != model.StatusInProgress {
				continue
			}
			if now.Sub(t.UpdatedAt) < s.staleAfter {
				continue
			}
			t.Status = model.StatusFailed
			t.UpdatedAt = now
			t.Result = &model.TaskResult{Success: false, Error: "stale: exceeded maximum in-progress duration"}
			swept = append(swept, id)
			mutated = true
		}
		return mutated, nil
	})
	return swept, err
}

// Pending returns the count of pending tasks.
func (s *Store) Pending() (int, error) {
	doc, err := s.readOnly()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range doc.Tasks {
		if t.Status == model.StatusPending {
			n++
		}
	}
	return n, nil
}
