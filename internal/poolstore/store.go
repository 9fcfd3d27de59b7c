// Package poolstore implements the pool manager: a durable,
// file-locked mapping of workspace identities, their lifecycle
// states, and customer assignments.
//
// The on-disk format, the heal-on-read reconciliation of the
// assignment index against workspace records, and the seed data are
// grounded directly in
// original_source/scripts/sprite_pool.py, translated from fcntl
// advisory locking to the Go equivalent (syscall.Flock) — no flock
// library appears anywhere in the example corpus, so this is the one
// place the standard library stands in for a missing third-party dep
// (see DESIGN.md).
package poolstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/purpleskulll/arcamatrix/internal/model"
	"github.com/purpleskulll/arcamatrix/internal/spritesapi"
)

// Store is the pool manager. One Store per process; every mutating
// call is safe for concurrent processes sharing the same file because
// mutation is wrapped in an exclusive advisory lock.
type Store struct {
	path   string
	logger *slog.Logger
}

// New returns a Store backed by path, creating the parent directory
// and seed data on first use.
func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

// AssignedWorkspace is the result of a successful Assign/Get.
type AssignedWorkspace struct {
	Name string
	URL  string
}

const seedWorkspaceCount = 10

// ensureFile creates the pool file with ten seed workspaces if it
// does not exist yet.
func (s *Store) ensureFile() error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat pool file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create pool dir: %w", err)
	}

	doc := model.NewPoolDocument()
	now := time.Now().UTC()
	for i := 1; i <= seedWorkspaceCount; i++ {
		name := fmt.Sprintf("arca-customer-%03d", i)
		doc.Sprites[name] = &model.Workspace{
			Status:    model.WorkspaceAvailable,
			CreatedAt: now,
			SpriteURL: canonicalSeedURL(name),
		}
	}

	return s.saveAtomic(doc)
}

// canonicalSeedURL is the hyphenated template (sprite_pool.py's own
// seed convention), not the dotted one from provisioning_agent.py's
// fallback. Shared with spritesapi.Client.Create's own
// response-lacks-a-url fallback so both synthesis sites agree.
func canonicalSeedURL(name string) string {
	return spritesapi.SynthesizeURL(name)
}

// saveAtomic writes via a temp file + rename, used only for
// initialization before any lock is held.
func (s *Store) saveAtomic(doc *model.PoolDocument) error {
	tmp := s.path + ".tmp"
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pool document: %w", err)
	}

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open pool tmp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write pool tmp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync pool tmp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close pool tmp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename pool tmp file: %w", err)
	}
	return nil
}

// withLock opens the pool file, acquires an exclusive advisory lock,
// loads + heals the document, calls fn, and — if fn reports a
// mutation — truncates, rewrites and fsyncs before releasing the
// lock. fn's bool return is "was the document mutated".
func (s *Store) withLock(fn func(doc *model.PoolDocument) (bool, error)) error {
	if err := s.ensureFile(); err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open pool file: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock pool file: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	doc, err := loadLocked(f)
	if err != nil {
		return err
	}
	heal(doc)

	mutated, err := fn(doc)
	if err != nil {
		return err
	}
	if !mutated {
		return nil
	}

	return saveLocked(f, doc)
}

func loadLocked(f *os.File) (*model.PoolDocument, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("seek pool file: %w", err)
	}

	var doc model.PoolDocument
	dec := json.NewDecoder(f)
	if err := dec.Decode(&doc); err != nil {
		return model.NewPoolDocument(), nil //nolint:nilerr // empty/corrupt file reads as an empty pool
	}
	if doc.Sprites == nil {
		doc.Sprites = map[string]*model.Workspace{}
	}
	if doc.Assignments == nil {
		doc.Assignments = map[string]string{}
	}
	return &doc, nil
}

func saveLocked(f *os.File, doc *model.PoolDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pool document: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate pool file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek pool file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write pool file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync pool file: %w", err)
	}
	return nil
}

// heal rebuilds the assignment index from the workspace records,
// which win over whatever the index previously said. Idempotent:
// heal(heal(P)) == heal(P).
func heal(doc *model.PoolDocument) {
	actual := map[string]string{}

	names := make([]string, 0, len(doc.Sprites))
	for name := range doc.Sprites {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		info := doc.Sprites[name]
		if info.Status == model.WorkspaceAssigned && info.AssignedTo != "" {
			actual[info.AssignedTo] = name
		}
	}

	for username := range doc.Assignments {
		if _, ok := actual[username]; !ok {
			delete(doc.Assignments, username)
		}
	}
	for username, name := range actual {
		doc.Assignments[username] = name
	}
}

// readOnly loads and heals a snapshot without taking the exclusive
// lock, for status/get queries; callers must treat the result as a
// snapshot.
func (s *Store) readOnly() (*model.PoolDocument, error) {
	if err := s.ensureFile(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open pool file: %w", err)
	}
	defer f.Close()

	doc, err := loadLocked(f)
	if err != nil {
		return nil, err
	}
	heal(doc)
	return doc, nil
}

// Assign gives username the first available workspace, in insertion
// (name) order for a deterministic tie-break. Idempotent: a second
// Assign for an already-assigned username returns the same workspace.
func (s *Store) Assign(username, customerEmail, customerName string) (*AssignedWorkspace, error) {
	var result *AssignedWorkspace

	err := s.withLock(func(doc *model.PoolDocument) (bool, error) {
		if existingName, ok := doc.Assignments[username]; ok {
			if info, ok := doc.Sprites[existingName]; ok {
				result = &AssignedWorkspace{Name: existingName, URL: info.SpriteURL}
				return false, nil
			}
		}

		names := make([]string, 0, len(doc.Sprites))
		for name := range doc.Sprites {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			info := doc.Sprites[name]
			if info.Status != model.WorkspaceAvailable {
				continue
			}

			now := time.Now().UTC()
			info.Status = model.WorkspaceAssigned
			info.AssignedTo = username
			info.CustomerEmail = customerEmail
			info.CustomerName = customerName
			info.AssignedAt = &now
			doc.Assignments[username] = name

			result = &AssignedWorkspace{Name: name, URL: info.SpriteURL}
			return true, nil
		}

		return false, nil
	})
	if err != nil {
		return nil, err
	}

	if result != nil {
		s.logger.Info("workspace assigned", "username", username, "workspace", result.Name)
	}
	return result, nil
}

// Release returns username's workspace to the pool, clearing customer
// attributes. No-op if the user has no assignment.
func (s *Store) Release(username string) (bool, error) {
	released := false

	err := s.withLock(func(doc *model.PoolDocument) (bool, error) {
		name, ok := doc.Assignments[username]
		if !ok {
			return false, nil
		}

		delete(doc.Assignments, username)
		if info, ok := doc.Sprites[name]; ok {
			info.Status = model.WorkspaceAvailable
			info.ClearAssignment()
		}
		released = true
		return true, nil
	})
	if err != nil {
		return false, err
	}

	if released {
		s.logger.Info("workspace released", "username", username)
	}
	return released, nil
}

// Get returns the workspace currently assigned to username, if any.
func (s *Store) Get(username string) (*AssignedWorkspace, error) {
	doc, err := s.readOnly()
	if err != nil {
		return nil, err
	}

	name, ok := doc.Assignments[username]
	if !ok {
		return nil, nil
	}
	info, ok := doc.Sprites[name]
	if !ok {
		return nil, nil
	}
	return &AssignedWorkspace{Name: name, URL: info.SpriteURL}, nil
}

// GetWorkspace returns a workspace by its own name, regardless of
// assignment state.
func (s *Store) GetWorkspace(name string) (*AssignedWorkspace, error) {
	doc, err := s.readOnly()
	if err != nil {
		return nil, err
	}
	info, ok := doc.Sprites[name]
	if !ok {
		return nil, nil
	}
	return &AssignedWorkspace{Name: name, URL: info.SpriteURL}, nil
}

// Status summarizes the pool.
func (s *Store) Status() (model.PoolStatus, error) {
	doc, err := s.readOnly()
	if err != nil {
		return model.PoolStatus{}, err
	}

	var status model.PoolStatus
	for _, info := range doc.Sprites {
		status.Total++
		switch info.Status {
		case model.WorkspaceAvailable:
			status.Available++
		case model.WorkspaceAssigned:
			status.Assigned++
		}
	}
	status.NeedsExpansion = status.Available < model.MinAvailable
	return status, nil
}

// Add registers a newly created workspace as available, used by pool
// expansion.
func (s *Store) Add(name, url string) error {
	err := s.withLock(func(doc *model.PoolDocument) (bool, error) {
		doc.Sprites[name] = &model.Workspace{
			Status:    model.WorkspaceAvailable,
			CreatedAt: time.Now().UTC(),
			SpriteURL: url,
		}
		return true, nil
	})
	if err == nil {
		s.logger.Info("workspace added to pool", "workspace", name)
	}
	return err
}

// MarkUnreachable flips a workspace to unreachable regardless of its
// prior state.
func (s *Store) MarkUnreachable(name string) error {
	return s.withLock(func(doc *model.PoolDocument) (bool, error) {
		info, ok := doc.Sprites[name]
		if !ok {
			return false, nil
		}
		now := time.Now().UTC()
		info.Status = model.WorkspaceUnreachable
		info.UnreachableSince = &now
		return true, nil
	})
}

// Snapshot returns the assigned and unreachable workspaces, for the
// health reconciler to probe without holding the exclusive lock.
func (s *Store) Snapshot() (assigned, unreachable []AssignedWorkspace, err error) {
	doc, err := s.readOnly()
	if err != nil {
		return nil, nil, err
	}

	names := make([]string, 0, len(doc.Sprites))
	for name := range doc.Sprites {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		info := doc.Sprites[name]
		switch info.Status {
		case model.WorkspaceAssigned:
			assigned = append(assigned, AssignedWorkspace{Name: name, URL: info.SpriteURL})
		case model.WorkspaceUnreachable:
			unreachable = append(unreachable, AssignedWorkspace{Name: name, URL: info.SpriteURL})
		}
	}
	return assigned, unreachable, nil
}

// TryRecover flips an unreachable workspace back to available,
// reporting whether it did.
func (s *Store) TryRecover(name string) (bool, error) {
	recovered := false

	err := s.withLock(func(doc *model.PoolDocument) (bool, error) {
		info, ok := doc.Sprites[name]
		if !ok || info.Status != model.WorkspaceUnreachable {
			return false, nil
		}
		info.Status = model.WorkspaceAvailable
		info.UnreachableSince = nil
		recovered = true
		return true, nil
	})
	return recovered, err
}
