// Package history keeps the bounded, append-only records of the state
// engine: per-section history chains, point-in-time checkpoints, and the
// recovery audit log.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stateline/internal/domain"
	"stateline/internal/filestore"
)

// Caps applied when the config leaves them unset.
const (
	DefaultMaxEntries     = 50
	DefaultMaxCheckpoints = 10

	// maxAuditEntries is fixed by the audit log contract.
	maxAuditEntries = 100
)

// Store appends to the bounded record files. Writes go through the same
// file store as persistence so all mutators share one locking scheme.
type Store struct {
	Files          *filestore.Store
	MaxEntries     int
	MaxCheckpoints int
	Now            func() time.Time
}

// New returns a history store with the given caps; non-positive caps fall
// back to the defaults.
func New(files *filestore.Store, maxEntries, maxCheckpoints int) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxCheckpoints <= 0 {
		maxCheckpoints = DefaultMaxCheckpoints
	}
	return &Store{Files: files, MaxEntries: maxEntries, MaxCheckpoints: maxCheckpoints, Now: time.Now}
}

func (s *Store) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// InitializeHistory creates a single-entry chain for a section.
func (s *Store) InitializeHistory(ctx context.Context, projectID string, section domain.Section, initialValue any) (domain.HistoryChain, error) {
	entry := domain.HistoryEntry{
		ID:          uuid.NewString(),
		Value:       initialValue,
		Timestamp:   s.now(),
		Description: "initial value",
	}
	chain := domain.HistoryChain{
		ProjectID: projectID,
		Section:   section,
		CurrentID: entry.ID,
		Entries:   []domain.HistoryEntry{entry},
	}
	if err := s.Files.WriteJSON(s.Files.HistoryPath(section, projectID), chain); err != nil {
		return domain.HistoryChain{}, fmt.Errorf("write history: %w", err)
	}
	return chain, nil
}

// AddEntry prepends a snapshot whose previousId is the prior current entry
// and truncates the tail past the cap. A first entry is synthesized when no
// chain exists yet; this call never fails on missing prior history.
func (s *Store) AddEntry(ctx context.Context, section domain.Section, projectID string, value any, description string) (domain.HistoryEntry, error) {
	path := s.Files.HistoryPath(section, projectID)
	var chain domain.HistoryChain
	found, err := s.Files.ReadJSON(path, &chain, true)
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("read history: %w", err)
	}
	if !found {
		chain = domain.HistoryChain{ProjectID: projectID, Section: section}
	}
	entry := domain.HistoryEntry{
		ID:          uuid.NewString(),
		Value:       value,
		Timestamp:   s.now(),
		Description: description,
		PreviousID:  chain.CurrentID,
	}
	chain.CurrentID = entry.ID
	chain.Entries = append([]domain.HistoryEntry{entry}, chain.Entries...)
	if len(chain.Entries) > s.MaxEntries {
		chain.Entries = chain.Entries[:s.MaxEntries]
	}
	if err := s.Files.WriteJSON(path, chain); err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("write history: %w", err)
	}
	return entry, nil
}

// GetHistory reads a section's chain; a missing chain is returned empty.
func (s *Store) GetHistory(ctx context.Context, section domain.Section, projectID string) (domain.HistoryChain, error) {
	var chain domain.HistoryChain
	found, err := s.Files.ReadJSON(s.Files.HistoryPath(section, projectID), &chain, true)
	if err != nil {
		return domain.HistoryChain{}, fmt.Errorf("read history: %w", err)
	}
	if !found {
		chain = domain.HistoryChain{ProjectID: projectID, Section: section}
	}
	return chain, nil
}

// CheckpointInput carries everything needed to build a snapshot.
type CheckpointInput struct {
	Stage       domain.Stage
	Meta        domain.ProjectMeta
	Sections    map[domain.Section]any
	Trigger     string
	Reason      string
	Transition  *domain.TransitionRef
	OperationID string
}

// CreateCheckpoint prepends a full snapshot to the project's checkpoint
// list, evicting the oldest beyond the cap (FIFO, newest first on disk).
func (s *Store) CreateCheckpoint(ctx context.Context, projectID string, in CheckpointInput) (domain.Checkpoint, error) {
	path := s.Files.CheckpointsPath(projectID)
	var checkpoints []domain.Checkpoint
	if _, err := s.Files.ReadJSON(path, &checkpoints, true); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("read checkpoints: %w", err)
	}
	cp := domain.Checkpoint{
		ID:        uuid.NewString(),
		Stage:     in.Stage,
		Timestamp: s.now(),
		Data: domain.CheckpointData{
			Meta:     in.Meta,
			Sections: in.Sections,
		},
		Metadata: domain.CheckpointMetadata{
			Trigger:     in.Trigger,
			Reason:      in.Reason,
			Transition:  in.Transition,
			OperationID: in.OperationID,
		},
	}
	checkpoints = append([]domain.Checkpoint{cp}, checkpoints...)
	if len(checkpoints) > s.MaxCheckpoints {
		checkpoints = checkpoints[:s.MaxCheckpoints]
	}
	if err := s.Files.WriteJSON(path, checkpoints); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("write checkpoints: %w", err)
	}
	return cp, nil
}

// GetCheckpoints returns the stored list, newest first.
func (s *Store) GetCheckpoints(ctx context.Context, projectID string) ([]domain.Checkpoint, error) {
	var checkpoints []domain.Checkpoint
	if _, err := s.Files.ReadJSON(s.Files.CheckpointsPath(projectID), &checkpoints, true); err != nil {
		return nil, fmt.Errorf("read checkpoints: %w", err)
	}
	return checkpoints, nil
}

// FindByOperation returns the newest checkpoint stamped with the given
// operation id. Recovery uses this as its idempotence key when re-driving
// a compound operation.
func (s *Store) FindByOperation(ctx context.Context, projectID, operationID string) (domain.Checkpoint, bool, error) {
	if operationID == "" {
		return domain.Checkpoint{}, false, nil
	}
	checkpoints, err := s.GetCheckpoints(ctx, projectID)
	if err != nil {
		return domain.Checkpoint{}, false, err
	}
	for _, cp := range checkpoints {
		if cp.Metadata.OperationID == operationID {
			return cp, true, nil
		}
	}
	return domain.Checkpoint{}, false, nil
}

// LoadCheckpoint looks a checkpoint up by id and structurally validates the
// stored payload, reporting every violated field.
func (s *Store) LoadCheckpoint(ctx context.Context, projectID, checkpointID string) (domain.Checkpoint, error) {
	checkpoints, err := s.GetCheckpoints(ctx, projectID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	for _, cp := range checkpoints {
		if cp.ID != checkpointID {
			continue
		}
		var violations []string
		if cp.Stage == "" {
			violations = append(violations, "stage is missing")
		} else if !cp.Stage.Valid() {
			violations = append(violations, fmt.Sprintf("stage %s is not a known stage", cp.Stage))
		}
		if cp.Data.Meta.Version < 1 {
			violations = append(violations, fmt.Sprintf("meta version %d is not a positive number", cp.Data.Meta.Version))
		}
		if cp.Timestamp == "" {
			violations = append(violations, "timestamp is missing")
		}
		if len(violations) > 0 {
			return domain.Checkpoint{}, &domain.CheckpointValidationError{CheckpointID: checkpointID, Violations: violations}
		}
		return cp, nil
	}
	return domain.Checkpoint{}, fmt.Errorf("checkpoint %s for project %s: %w", checkpointID, projectID, domain.ErrCheckpointNotFound)
}

// RecordAudit appends to the capped audit log, filling id and timestamp if
// the caller left them empty.
func (s *Store) RecordAudit(ctx context.Context, projectID string, entry domain.AuditEntry) (domain.AuditEntry, error) {
	path := s.Files.AuditPath(projectID)
	var entries []domain.AuditEntry
	if _, err := s.Files.ReadJSON(path, &entries, true); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("read audit log: %w", err)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp == "" {
		entry.Timestamp = s.now()
	}
	entry.ProjectID = projectID
	entries = append([]domain.AuditEntry{entry}, entries...)
	if len(entries) > maxAuditEntries {
		entries = entries[:maxAuditEntries]
	}
	if err := s.Files.WriteJSON(path, entries); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("write audit log: %w", err)
	}
	return entry, nil
}

// GetAuditLog returns the audit entries, newest first.
func (s *Store) GetAuditLog(ctx context.Context, projectID string) ([]domain.AuditEntry, error) {
	var entries []domain.AuditEntry
	if _, err := s.Files.ReadJSON(s.Files.AuditPath(projectID), &entries, true); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return entries, nil
}
