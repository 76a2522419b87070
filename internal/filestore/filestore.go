// Package filestore is the low-level file primitive the state engine is
// built on: JSON/YAML read-write with an allow-missing mode, advisory file
// locks, and the workspace directory layout. The engine performs no raw
// filesystem calls outside this package.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"stateline/internal/domain"
)

const (
	storeDirName     = ".stateline"
	lockSuffix       = ".lock"
	lockPollInterval = 50 * time.Millisecond

	// DefaultLockTimeout bounds how long a writer waits for a contended
	// lock before failing fast.
	DefaultLockTimeout = 5 * time.Second
)

// Store resolves workspace paths and performs all disk access.
type Store struct {
	base        string
	lockTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*heldLock
}

type heldLock struct {
	fl     *flock.Flock
	lockID string
}

// New creates a store rooted at {workspace}/.stateline.
func New(workspace string, lockTimeout time.Duration) *Store {
	if workspace == "" {
		workspace = "."
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Store{
		base:        filepath.Join(workspace, storeDirName),
		lockTimeout: lockTimeout,
		locks:       map[string]*heldLock{},
	}
}

// Base returns the store root directory.
func (s *Store) Base() string { return s.base }

// LockTimeout returns the configured lock wait bound.
func (s *Store) LockTimeout() time.Duration { return s.lockTimeout }

// SectionDir returns the directory holding a project's data for a section.
func (s *Store) SectionDir(section domain.Section, projectID string) string {
	return filepath.Join(s.base, string(section), projectID)
}

// StatePath returns the canonical section state file for a project. The
// switch is exhaustive over the section enum.
func (s *Store) StatePath(section domain.Section, projectID string) string {
	var name string
	switch section {
	case domain.SectionCollect:
		name = "collection.yaml"
	case domain.SectionSpecs:
		name = "documents.yaml"
	case domain.SectionIssues:
		name = "issues.yaml"
	case domain.SectionProgress:
		name = "progress.yaml"
	default:
		name = "state.yaml"
	}
	return filepath.Join(s.SectionDir(section, projectID), name)
}

// MetaPath returns the project metadata record path.
func (s *Store) MetaPath(projectID string) string {
	return filepath.Join(s.SectionDir(domain.SectionProgress, projectID), "_state_meta.json")
}

// HistoryPath returns the per-section history chain path.
func (s *Store) HistoryPath(section domain.Section, projectID string) string {
	return filepath.Join(s.SectionDir(section, projectID), "_state_history.json")
}

// CheckpointsPath returns the project checkpoint list path.
func (s *Store) CheckpointsPath(projectID string) string {
	return filepath.Join(s.SectionDir(domain.SectionProgress, projectID), "_checkpoints.json")
}

// AuditPath returns the recovery audit log path.
func (s *Store) AuditPath(projectID string) string {
	return filepath.Join(s.SectionDir(domain.SectionProgress, projectID), "_recovery_audit.json")
}

// APIKeysPath returns the workspace API key registry path.
func (s *Store) APIKeysPath() string {
	return filepath.Join(s.base, "api_keys.json")
}

// EnsureProjectDirs creates the base directory layout for every section.
func (s *Store) EnsureProjectDirs(projectID string) error {
	for _, section := range domain.Sections {
		if err := os.MkdirAll(s.SectionDir(section, projectID), 0o755); err != nil {
			return fmt.Errorf("create %s dir: %w", section, err)
		}
	}
	return nil
}

// RemoveProject deletes every section directory of a project.
func (s *Store) RemoveProject(projectID string) error {
	for _, section := range domain.Sections {
		if err := os.RemoveAll(s.SectionDir(section, projectID)); err != nil {
			return fmt.Errorf("remove %s dir: %w", section, err)
		}
	}
	return nil
}

// Remove deletes a file, treating a missing file as already removed.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Exists reports whether a path exists.
func (s *Store) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ReadJSON decodes a JSON file into out. With allowMissing a missing file
// returns (false, nil) and leaves out untouched.
func (s *Store) ReadJSON(path string, out any, allowMissing bool) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

// WriteJSON writes v as indented JSON via a temp file and rename, so
// readers never observe a torn file.
func (s *Store) WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return s.writeAtomic(path, append(data, '\n'))
}

// ReadYAML decodes a YAML file into out with the same allow-missing
// contract as ReadJSON.
func (s *Store) ReadYAML(path string, out any, allowMissing bool) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return false, nil
		}
		return false, err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

// WriteYAML writes v as YAML atomically.
func (s *Store) WriteYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return s.writeAtomic(path, data)
}

func (s *Store) writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

var errLockBusy = errors.New("lock busy")

// AcquireLock takes the exclusive advisory lock guarding path. It polls
// until the lock is free or the configured timeout elapses, then fails
// with a LockAcquisitionError; it never queues indefinitely.
func (s *Store) AcquireLock(ctx context.Context, path, lockID string) error {
	lockPath := path + lockSuffix
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return err
	}
	fl := flock.New(lockPath)

	ctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	bo := backoff.WithContext(backoff.NewConstantBackOff(lockPollInterval), ctx)
	err := backoff.Retry(func() error {
		// A lock this store already holds polls like any other
		// contention; a second handle on it would let either holder
		// release the other's lock.
		s.mu.Lock()
		_, held := s.locks[lockPath]
		s.mu.Unlock()
		if held {
			return errLockBusy
		}
		locked, err := fl.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !locked {
			return errLockBusy
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, held := s.locks[lockPath]; held {
			fl.Unlock()
			return errLockBusy
		}
		s.locks[lockPath] = &heldLock{fl: fl, lockID: lockID}
		return nil
	}, bo)
	if err != nil {
		if errors.Is(err, errLockBusy) || errors.Is(err, context.DeadlineExceeded) {
			return &domain.LockAcquisitionError{Path: path, Timeout: s.lockTimeout}
		}
		return fmt.Errorf("acquire lock %s: %w", path, err)
	}
	return nil
}

// ReleaseLock drops a lock previously acquired with the same lockID.
func (s *Store) ReleaseLock(path, lockID string) error {
	lockPath := path + lockSuffix
	s.mu.Lock()
	held, ok := s.locks[lockPath]
	if ok && held.lockID == lockID {
		delete(s.locks, lockPath)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("release lock %s: not held", path)
	}
	if held.lockID != lockID {
		return fmt.Errorf("release lock %s: held by different owner", path)
	}
	return held.fl.Unlock()
}
