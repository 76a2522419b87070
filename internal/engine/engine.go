// Package engine is the façade every collaborator goes through. It wires
// the rule table, persistence, history, watcher and recovery together;
// validation happens here, before persistence mutates anything.
package engine

import (
	"context"
	"log"
	"time"

	"stateline/internal/config"
	"stateline/internal/domain"
	"stateline/internal/filestore"
	"stateline/internal/history"
	"stateline/internal/persist"
	"stateline/internal/recovery"
	"stateline/internal/rules"
	"stateline/internal/watch"
)

// Engine composes the five state-engine components. Construct one per
// workspace and pass it to collaborators explicitly; there is no global
// instance.
type Engine struct {
	Rules    *rules.Table
	Files    *filestore.Store
	Store    *persist.Store
	History  *history.Store
	Watcher  *watch.Notifier
	Recovery *recovery.Manager
	Config   *config.Config
}

// New builds an engine rooted at the given workspace.
func New(workspace string, cfg *config.Config, logger *log.Logger) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	files := filestore.New(workspace, cfg.LockTimeout())
	store := persist.New(files)
	hist := history.New(files, cfg.Store.MaxHistoryEntries, cfg.Store.MaxCheckpoints)
	table := cfg.RuleTable()
	watcher := watch.New(files, func(ctx context.Context, section domain.Section, projectID string) (any, error) {
		return store.GetState(ctx, section, projectID, true)
	}, logger)
	return &Engine{
		Rules:    table,
		Files:    files,
		Store:    store,
		History:  hist,
		Watcher:  watcher,
		Recovery: recovery.New(table, store, hist, watcher),
		Config:   cfg,
	}
}

// SetClock injects a time source into every component, for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.Store.Now = now
	e.History.Now = now
}

// InitializeProject creates a new project record and directory layout,
// and seeds every section with an empty starting history chain.
func (e *Engine) InitializeProject(ctx context.Context, projectID, name string, initial domain.Stage) (domain.ProjectMeta, error) {
	meta, err := e.Store.InitializeProject(ctx, projectID, name, initial)
	if err != nil {
		return domain.ProjectMeta{}, err
	}
	for _, section := range domain.Sections {
		if _, err := e.History.InitializeHistory(ctx, projectID, section, nil); err != nil {
			return domain.ProjectMeta{}, err
		}
	}
	return meta, nil
}

// GetMeta returns the project record.
func (e *Engine) GetMeta(ctx context.Context, projectID string) (domain.ProjectMeta, error) {
	return e.Store.GetMeta(ctx, projectID)
}

// GetCurrentState returns just the project's current stage.
func (e *Engine) GetCurrentState(ctx context.Context, projectID string) (domain.Stage, error) {
	meta, err := e.Store.GetMeta(ctx, projectID)
	if err != nil {
		return "", err
	}
	return meta.CurrentState, nil
}

// GetState reads a section's state.
func (e *Engine) GetState(ctx context.Context, section domain.Section, projectID string, allowMissing bool) (any, error) {
	return e.Store.GetState(ctx, section, projectID, allowMissing)
}

// SetState fully replaces a section's state, records history and notifies
// subscribers with precise before/after values.
func (e *Engine) SetState(ctx context.Context, section domain.Section, projectID string, value any, description string) error {
	previous, err := e.Store.SetState(ctx, section, projectID, value)
	if err != nil {
		return err
	}
	if _, err := e.History.AddEntry(ctx, section, projectID, value, description); err != nil {
		return err
	}
	changeType := domain.ChangeUpdate
	if previous == nil {
		changeType = domain.ChangeCreate
	}
	e.Watcher.Notify(projectID, section, previous, value, changeType)
	return nil
}

// UpdateState shallow-merges into a section's state.
func (e *Engine) UpdateState(ctx context.Context, section domain.Section, projectID string, patch map[string]any, description string) (map[string]any, error) {
	previous, merged, err := e.Store.UpdateState(ctx, section, projectID, patch)
	if err != nil {
		return nil, err
	}
	if _, err := e.History.AddEntry(ctx, section, projectID, merged, description); err != nil {
		return nil, err
	}
	changeType := domain.ChangeUpdate
	if previous == nil {
		changeType = domain.ChangeCreate
	}
	e.Watcher.Notify(projectID, section, previous, merged, changeType)
	return merged, nil
}

// TransitionState moves a project along a normal forward edge. Anything
// else is rejected before persistence is touched.
func (e *Engine) TransitionState(ctx context.Context, projectID string, to domain.Stage) (domain.ProjectMeta, error) {
	meta, err := e.Store.GetMeta(ctx, projectID)
	if err != nil {
		return domain.ProjectMeta{}, err
	}
	from := meta.CurrentState
	if !e.Rules.IsValidTransition(from, to) {
		return domain.ProjectMeta{}, &domain.InvalidTransitionError{From: from, To: to, Edge: "normal"}
	}
	meta, err = e.Store.TransitionState(ctx, projectID, to)
	if err != nil {
		return domain.ProjectMeta{}, err
	}
	if _, err := e.History.AddEntry(ctx, domain.SectionProgress, projectID, map[string]any{
		"stage":         string(to),
		"previousStage": string(from),
		"kind":          "normal",
	}, ""); err != nil {
		return domain.ProjectMeta{}, err
	}
	e.Watcher.Notify(projectID, domain.SectionProgress,
		map[string]any{"stage": string(from)},
		map[string]any{"stage": string(to)},
		domain.ChangeUpdate)
	return meta, nil
}

// Rule table passthroughs.

func (e *Engine) IsValidTransition(from, to domain.Stage) bool {
	return e.Rules.IsValidTransition(from, to)
}
func (e *Engine) GetValidTransitions(from domain.Stage) []domain.Stage {
	return e.Rules.ValidTransitions(from)
}
func (e *Engine) GetSkipOptions(from domain.Stage) []domain.Stage { return e.Rules.SkipOptions(from) }
func (e *Engine) GetRecoveryOptions(from domain.Stage) []domain.Stage {
	return e.Rules.RecoveryOptions(from)
}
func (e *Engine) IsStageRequired(s domain.Stage) bool { return e.Rules.IsRequired(s) }
func (e *Engine) GetStagesBetween(from, to domain.Stage) []domain.Stage {
	return e.Rules.StagesBetween(from, to)
}

// GetHistory returns a section's history chain.
func (e *Engine) GetHistory(ctx context.Context, section domain.Section, projectID string) (domain.HistoryChain, error) {
	return e.History.GetHistory(ctx, section, projectID)
}

// WatchState subscribes to state changes for a project, optionally scoped
// to one section. The returned subscription must be unsubscribed.
func (e *Engine) WatchState(ctx context.Context, projectID string, cb watch.Callback, section *domain.Section) (*watch.Subscription, error) {
	return e.Watcher.Watch(ctx, projectID, cb, section)
}

// CreateCheckpoint takes a manual full snapshot and returns it.
func (e *Engine) CreateCheckpoint(ctx context.Context, projectID, reason, performedBy string) (domain.Checkpoint, error) {
	return e.Recovery.Snapshot(ctx, projectID, "manual", reason, performedBy)
}

// GetCheckpoints lists checkpoints, newest first.
func (e *Engine) GetCheckpoints(ctx context.Context, projectID string) ([]domain.Checkpoint, error) {
	return e.History.GetCheckpoints(ctx, projectID)
}

// RestoreCheckpoint rewrites stage and sections from a stored snapshot.
func (e *Engine) RestoreCheckpoint(ctx context.Context, projectID, checkpointID, performedBy string) (recovery.RestoreResult, error) {
	return e.Recovery.RestoreCheckpoint(ctx, projectID, checkpointID, performedBy)
}

// SkipTo jumps over intermediate stages.
func (e *Engine) SkipTo(ctx context.Context, projectID string, target domain.Stage, opts recovery.SkipOptions) (recovery.SkipResult, error) {
	return e.Recovery.SkipTo(ctx, projectID, target, opts)
}

// RecoverTo moves backward along a recovery edge.
func (e *Engine) RecoverTo(ctx context.Context, projectID string, target domain.Stage, reason, performedBy string) (recovery.RecoverResult, error) {
	return e.Recovery.RecoverTo(ctx, projectID, target, reason, performedBy)
}

// AdminOverride transitions unconditionally, with a conspicuous audit
// trail.
func (e *Engine) AdminOverride(ctx context.Context, projectID string, opts recovery.OverrideOptions) (recovery.RecoverResult, error) {
	return e.Recovery.AdminOverride(ctx, projectID, opts)
}

// GetRecoveryAuditLog returns the capped audit log, newest first.
func (e *Engine) GetRecoveryAuditLog(ctx context.Context, projectID string) ([]domain.AuditEntry, error) {
	return e.History.GetAuditLog(ctx, projectID)
}

// DeleteProject removes the record and every associated artifact.
func (e *Engine) DeleteProject(ctx context.Context, projectID string) error {
	return e.Store.DeleteProject(ctx, projectID)
}

// Cleanup releases every filesystem observer. Call it when the engine is
// no longer needed; tests call it per case for isolation.
func (e *Engine) Cleanup() {
	e.Watcher.Close()
}
