// Package persist is the only component allowed to touch the on-disk
// representation of project metadata and section state. It enforces no
// transition policy; callers validate before mutating.
package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stateline/internal/domain"
	"stateline/internal/filestore"
)

// Store reads and writes project records and section state under advisory
// file locks.
type Store struct {
	Files *filestore.Store
	Now   func() time.Time
}

// New returns a persistence store over the given file store.
func New(files *filestore.Store) *Store {
	return &Store{Files: files, Now: time.Now}
}

func (s *Store) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// Exists reports whether a project record exists.
func (s *Store) Exists(projectID string) bool {
	return s.Files.Exists(s.Files.MetaPath(projectID))
}

// InitializeProject creates the project record at version 1 together with
// the base directory layout for every section.
func (s *Store) InitializeProject(ctx context.Context, projectID, name string, initial domain.Stage) (domain.ProjectMeta, error) {
	if projectID == "" {
		return domain.ProjectMeta{}, fmt.Errorf("project id required")
	}
	if initial == "" {
		initial = domain.StageCollecting
	}
	if !initial.Valid() {
		return domain.ProjectMeta{}, fmt.Errorf("unknown initial stage %s", initial)
	}
	if s.Exists(projectID) {
		return domain.ProjectMeta{}, fmt.Errorf("project %s: %w", projectID, domain.ErrProjectExists)
	}
	if err := s.Files.EnsureProjectDirs(projectID); err != nil {
		return domain.ProjectMeta{}, err
	}
	now := s.now()
	meta := domain.ProjectMeta{
		CurrentState: initial,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
		Name:         name,
	}
	if err := s.Files.WriteJSON(s.Files.MetaPath(projectID), meta); err != nil {
		return domain.ProjectMeta{}, fmt.Errorf("write meta: %w", err)
	}
	return meta, nil
}

// GetMeta reads the project record.
func (s *Store) GetMeta(ctx context.Context, projectID string) (domain.ProjectMeta, error) {
	var meta domain.ProjectMeta
	found, err := s.Files.ReadJSON(s.Files.MetaPath(projectID), &meta, true)
	if err != nil {
		return domain.ProjectMeta{}, fmt.Errorf("read meta: %w", err)
	}
	if !found {
		return domain.ProjectMeta{}, fmt.Errorf("project %s: %w", projectID, domain.ErrProjectNotFound)
	}
	return meta, nil
}

// UpdateMeta merge-writes the project record under the meta lock. The
// version is bumped unless the patch supplies one explicitly (transition
// operations compute the next version themselves).
func (s *Store) UpdateMeta(ctx context.Context, projectID string, patch domain.MetaPatch) (domain.ProjectMeta, error) {
	metaPath := s.Files.MetaPath(projectID)
	lockID := uuid.NewString()
	if err := s.Files.AcquireLock(ctx, metaPath, lockID); err != nil {
		return domain.ProjectMeta{}, err
	}
	defer s.Files.ReleaseLock(metaPath, lockID)

	meta, err := s.GetMeta(ctx, projectID)
	if err != nil {
		return domain.ProjectMeta{}, err
	}
	if patch.CurrentState != nil {
		meta.CurrentState = *patch.CurrentState
	}
	if patch.Name != nil {
		meta.Name = *patch.Name
	}
	if patch.Version != nil {
		meta.Version = *patch.Version
	} else {
		meta.Version++
	}
	meta.UpdatedAt = s.now()
	if err := s.Files.WriteJSON(metaPath, meta); err != nil {
		return domain.ProjectMeta{}, fmt.Errorf("write meta: %w", err)
	}
	return meta, nil
}

// TransitionState writes the new stage with an incremented version. It
// performs no validation; the engine validates against the rule table
// before calling it.
func (s *Store) TransitionState(ctx context.Context, projectID string, to domain.Stage) (domain.ProjectMeta, error) {
	metaPath := s.Files.MetaPath(projectID)
	lockID := uuid.NewString()
	if err := s.Files.AcquireLock(ctx, metaPath, lockID); err != nil {
		return domain.ProjectMeta{}, err
	}
	defer s.Files.ReleaseLock(metaPath, lockID)

	meta, err := s.GetMeta(ctx, projectID)
	if err != nil {
		return domain.ProjectMeta{}, err
	}
	meta.CurrentState = to
	meta.Version++
	meta.UpdatedAt = s.now()
	if err := s.Files.WriteJSON(metaPath, meta); err != nil {
		return domain.ProjectMeta{}, fmt.Errorf("write meta: %w", err)
	}
	return meta, nil
}

// GetState reads a section's state. With allowMissing an absent value is
// returned as nil instead of an error.
func (s *Store) GetState(ctx context.Context, section domain.Section, projectID string, allowMissing bool) (any, error) {
	if !s.Exists(projectID) {
		if allowMissing {
			return nil, nil
		}
		return nil, fmt.Errorf("project %s: %w", projectID, domain.ErrProjectNotFound)
	}
	var value any
	found, err := s.Files.ReadYAML(s.Files.StatePath(section, projectID), &value, true)
	if err != nil {
		return nil, fmt.Errorf("read %s state: %w", section, err)
	}
	if !found {
		if allowMissing {
			return nil, nil
		}
		return nil, fmt.Errorf("%s state for project %s: %w", section, projectID, domain.ErrStateNotFound)
	}
	return value, nil
}

// SetState replaces a section's state in full and returns the previous
// value. The write is guarded by the section's exclusive lock, released
// unconditionally.
func (s *Store) SetState(ctx context.Context, section domain.Section, projectID string, value any) (any, error) {
	if !s.Exists(projectID) {
		return nil, fmt.Errorf("project %s: %w", projectID, domain.ErrProjectNotFound)
	}
	statePath := s.Files.StatePath(section, projectID)
	lockID := uuid.NewString()
	if err := s.Files.AcquireLock(ctx, statePath, lockID); err != nil {
		return nil, err
	}
	defer s.Files.ReleaseLock(statePath, lockID)

	var previous any
	if _, err := s.Files.ReadYAML(statePath, &previous, true); err != nil {
		return nil, fmt.Errorf("read previous %s state: %w", section, err)
	}
	if err := s.Files.WriteYAML(statePath, value); err != nil {
		return nil, fmt.Errorf("write %s state: %w", section, err)
	}
	return previous, nil
}

// UpdateState shallow-merges patch into a section's state and returns the
// previous and merged values. A missing previous value starts from empty;
// a non-mapping previous value is a validation failure.
func (s *Store) UpdateState(ctx context.Context, section domain.Section, projectID string, patch map[string]any) (previous any, merged map[string]any, err error) {
	if !s.Exists(projectID) {
		return nil, nil, fmt.Errorf("project %s: %w", projectID, domain.ErrProjectNotFound)
	}
	statePath := s.Files.StatePath(section, projectID)
	lockID := uuid.NewString()
	if err := s.Files.AcquireLock(ctx, statePath, lockID); err != nil {
		return nil, nil, err
	}
	defer s.Files.ReleaseLock(statePath, lockID)

	var prev any
	if _, err := s.Files.ReadYAML(statePath, &prev, true); err != nil {
		return nil, nil, fmt.Errorf("read previous %s state: %w", section, err)
	}
	merged = map[string]any{}
	switch existing := prev.(type) {
	case nil:
	case map[string]any:
		for k, v := range existing {
			merged[k] = v
		}
	default:
		return nil, nil, &domain.StateValidationError{Violations: []string{
			fmt.Sprintf("%s state is not a mapping; shallow merge requires one", section),
		}}
	}
	for k, v := range patch {
		merged[k] = v
	}
	if err := s.Files.WriteYAML(statePath, merged); err != nil {
		return nil, nil, fmt.Errorf("write %s state: %w", section, err)
	}
	return prev, merged, nil
}

// ClearState removes a section's stored state and returns the previous
// value, nil when there was none to begin with.
func (s *Store) ClearState(ctx context.Context, section domain.Section, projectID string) (any, error) {
	if !s.Exists(projectID) {
		return nil, fmt.Errorf("project %s: %w", projectID, domain.ErrProjectNotFound)
	}
	statePath := s.Files.StatePath(section, projectID)
	lockID := uuid.NewString()
	if err := s.Files.AcquireLock(ctx, statePath, lockID); err != nil {
		return nil, err
	}
	defer s.Files.ReleaseLock(statePath, lockID)

	var previous any
	if _, err := s.Files.ReadYAML(statePath, &previous, true); err != nil {
		return nil, fmt.Errorf("read previous %s state: %w", section, err)
	}
	if err := s.Files.Remove(statePath); err != nil {
		return nil, fmt.Errorf("remove %s state: %w", section, err)
	}
	return previous, nil
}

// DeleteProject removes the record and every associated section, history,
// checkpoint and audit artifact.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	if !s.Exists(projectID) {
		return fmt.Errorf("project %s: %w", projectID, domain.ErrProjectNotFound)
	}
	return s.Files.RemoveProject(projectID)
}
