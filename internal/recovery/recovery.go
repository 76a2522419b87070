// Package recovery implements the compound, policy-enforcing transitions:
// skip-forward, backward recovery, admin override, and checkpoint restore.
// Each follows validate -> checkpoint -> mutate -> audit -> history; the
// steps are separate file writes, so a crash mid-operation is reconciled by
// re-driving with the same operation id (the checkpoint is the idempotence
// key and is reused, never duplicated).
package recovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"stateline/internal/domain"
	"stateline/internal/history"
	"stateline/internal/persist"
	"stateline/internal/rules"
	"stateline/internal/watch"
)

// Manager layers compound operations over the rule table, persistence and
// history. The notifier is optional; stage changes and rewritten sections
// are announced through it.
type Manager struct {
	Rules   *rules.Table
	Store   *persist.Store
	History *history.Store
	Notify  *watch.Notifier
}

// New wires a recovery manager.
func New(table *rules.Table, store *persist.Store, hist *history.Store, notify *watch.Notifier) *Manager {
	return &Manager{Rules: table, Store: store, History: hist, Notify: notify}
}

// SkipOptions carries the caller's intent for a skip-forward.
type SkipOptions struct {
	Reason string
	// ForceSkipRequired allows bypassing mandatory stages; ApprovedBy
	// records who signed off. The engine records the identity, it does
	// not authenticate it.
	ForceSkipRequired bool
	ApprovedBy        string
	// NoCheckpoint suppresses the pre-skip snapshot (on by default).
	NoCheckpoint bool
	PerformedBy  string
}

// SkipResult reports what a skip did.
type SkipResult struct {
	Meta         domain.ProjectMeta
	Bypassed     []domain.Stage
	CheckpointID string
}

// SkipTo jumps a project directly to target, bypassing intermediate
// stages. Validation happens before any mutation.
func (m *Manager) SkipTo(ctx context.Context, projectID string, target domain.Stage, opts SkipOptions) (SkipResult, error) {
	meta, err := m.Store.GetMeta(ctx, projectID)
	if err != nil {
		return SkipResult{}, err
	}
	from := meta.CurrentState
	if !contains(m.Rules.SkipOptions(from), target) {
		return SkipResult{}, &domain.InvalidSkipError{From: from, To: target}
	}

	bypassed := m.Rules.StagesBetween(from, target)
	var required []domain.Stage
	for _, s := range append(append([]domain.Stage(nil), bypassed...), target) {
		if m.Rules.IsRequired(s) {
			required = append(required, s)
		}
	}
	if len(required) > 0 && !opts.ForceSkipRequired {
		return SkipResult{}, &domain.RequiredStageSkipError{From: from, To: target, Required: required}
	}
	if err := m.checkMinCompletion(ctx, projectID, from, opts.ForceSkipRequired); err != nil {
		return SkipResult{}, err
	}

	opID := operationID(projectID, from, target, domain.AuditSkipForward, meta.Version)
	var checkpointID string
	if !opts.NoCheckpoint {
		cp, err := m.ensureCheckpoint(ctx, projectID, meta, checkpointSpec{
			trigger:    "skip",
			reason:     opts.Reason,
			transition: &domain.TransitionRef{From: from, To: target},
			opID:       opID,
			actor:      opts.PerformedBy,
		})
		if err != nil {
			return SkipResult{}, err
		}
		checkpointID = cp.ID
	}

	meta, err = m.Store.TransitionState(ctx, projectID, target)
	if err != nil {
		return SkipResult{}, err
	}
	bypassedNames := stageNames(bypassed)
	if _, err := m.History.RecordAudit(ctx, projectID, domain.AuditEntry{
		Type:        domain.AuditSkipForward,
		FromState:   from,
		ToState:     target,
		PerformedBy: opts.PerformedBy,
		Details: map[string]any{
			"reason":       opts.Reason,
			"bypassed":     bypassedNames,
			"forced":       opts.ForceSkipRequired,
			"approvedBy":   opts.ApprovedBy,
			"checkpointId": checkpointID,
			"operationId":  opID,
		},
	}); err != nil {
		return SkipResult{}, err
	}
	if err := m.recordTransitionHistory(ctx, projectID, from, target, opts.Reason, "skip"); err != nil {
		return SkipResult{}, err
	}
	return SkipResult{Meta: meta, Bypassed: bypassed, CheckpointID: checkpointID}, nil
}

// RecoverResult reports a backward recovery transition.
type RecoverResult struct {
	Meta         domain.ProjectMeta
	CheckpointID string
}

// RecoverTo moves a project backward along a sanctioned recovery edge. A
// checkpoint is always created first, unlike skips.
func (m *Manager) RecoverTo(ctx context.Context, projectID string, target domain.Stage, reason, performedBy string) (RecoverResult, error) {
	meta, err := m.Store.GetMeta(ctx, projectID)
	if err != nil {
		return RecoverResult{}, err
	}
	from := meta.CurrentState
	if !contains(m.Rules.RecoveryOptions(from), target) {
		return RecoverResult{}, &domain.InvalidTransitionError{From: from, To: target, Edge: "recovery"}
	}

	opID := operationID(projectID, from, target, domain.AuditRecoveryTransition, meta.Version)
	cp, err := m.ensureCheckpoint(ctx, projectID, meta, checkpointSpec{
		trigger:    "recovery",
		reason:     reason,
		transition: &domain.TransitionRef{From: from, To: target},
		opID:       opID,
		actor:      performedBy,
	})
	if err != nil {
		return RecoverResult{}, err
	}

	meta, err = m.Store.TransitionState(ctx, projectID, target)
	if err != nil {
		return RecoverResult{}, err
	}
	if _, err := m.History.RecordAudit(ctx, projectID, domain.AuditEntry{
		Type:        domain.AuditRecoveryTransition,
		FromState:   from,
		ToState:     target,
		PerformedBy: performedBy,
		Details: map[string]any{
			"reason":       reason,
			"checkpointId": cp.ID,
			"operationId":  opID,
		},
	}); err != nil {
		return RecoverResult{}, err
	}
	if err := m.recordTransitionHistory(ctx, projectID, from, target, reason, "recovery"); err != nil {
		return RecoverResult{}, err
	}
	return RecoverResult{Meta: meta, CheckpointID: cp.ID}, nil
}

// OverrideOptions parameterize an admin override.
type OverrideOptions struct {
	Action       string
	TargetState  domain.Stage
	Reason       string
	AuthorizedBy string
}

// AdminOverride transitions unconditionally, bypassing the rule table. It
// is the only operation that can reach a state unreachable by the table;
// the audit trail makes that conspicuous.
func (m *Manager) AdminOverride(ctx context.Context, projectID string, opts OverrideOptions) (RecoverResult, error) {
	var violations []string
	if !opts.TargetState.Valid() {
		violations = append(violations, fmt.Sprintf("targetState %q is not a known stage", opts.TargetState))
	}
	if strings.TrimSpace(opts.Reason) == "" {
		violations = append(violations, "reason is required")
	}
	if strings.TrimSpace(opts.AuthorizedBy) == "" {
		violations = append(violations, "authorizedBy is required")
	}
	if len(violations) > 0 {
		return RecoverResult{}, &domain.StateValidationError{Violations: violations}
	}
	meta, err := m.Store.GetMeta(ctx, projectID)
	if err != nil {
		return RecoverResult{}, err
	}
	from := meta.CurrentState

	opID := operationID(projectID, from, opts.TargetState, domain.AuditAdminOverride, meta.Version)
	cp, err := m.ensureCheckpoint(ctx, projectID, meta, checkpointSpec{
		trigger:    "admin_override",
		reason:     opts.Reason,
		transition: &domain.TransitionRef{From: from, To: opts.TargetState},
		opID:       opID,
		actor:      opts.AuthorizedBy,
	})
	if err != nil {
		return RecoverResult{}, err
	}

	meta, err = m.Store.TransitionState(ctx, projectID, opts.TargetState)
	if err != nil {
		return RecoverResult{}, err
	}
	if _, err := m.History.RecordAudit(ctx, projectID, domain.AuditEntry{
		Type:        domain.AuditAdminOverride,
		FromState:   from,
		ToState:     opts.TargetState,
		PerformedBy: opts.AuthorizedBy,
		Details: map[string]any{
			"action":       opts.Action,
			"reason":       opts.Reason,
			"authorizedBy": opts.AuthorizedBy,
			"checkpointId": cp.ID,
			"operationId":  opID,
		},
	}); err != nil {
		return RecoverResult{}, err
	}
	if err := m.recordTransitionHistory(ctx, projectID, from, opts.TargetState, opts.Reason, "admin_override"); err != nil {
		return RecoverResult{}, err
	}
	return RecoverResult{Meta: meta, CheckpointID: cp.ID}, nil
}

// RestoreResult reports a checkpoint restore.
type RestoreResult struct {
	Meta       domain.ProjectMeta
	Checkpoint domain.Checkpoint
}

// RestoreCheckpoint rewrites the project's stage and every section from a
// stored snapshot; sections empty at capture time are cleared. The version
// counter is not rolled back: restoring moves time forward.
func (m *Manager) RestoreCheckpoint(ctx context.Context, projectID, checkpointID, performedBy string) (RestoreResult, error) {
	cp, err := m.History.LoadCheckpoint(ctx, projectID, checkpointID)
	if err != nil {
		return RestoreResult{}, err
	}
	meta, err := m.Store.GetMeta(ctx, projectID)
	if err != nil {
		return RestoreResult{}, err
	}
	from := meta.CurrentState

	stage := cp.Stage
	meta, err = m.Store.UpdateMeta(ctx, projectID, domain.MetaPatch{CurrentState: &stage})
	if err != nil {
		return RestoreResult{}, err
	}
	for section, value := range cp.Data.Sections {
		if value == nil {
			// empty at capture: anything written since is rolled back too
			previous, err := m.Store.ClearState(ctx, section, projectID)
			if err != nil {
				return RestoreResult{}, fmt.Errorf("clear %s state: %w", section, err)
			}
			if m.Notify != nil && previous != nil {
				m.Notify.Notify(projectID, section, previous, nil, domain.ChangeDelete)
			}
			continue
		}
		previous, err := m.Store.SetState(ctx, section, projectID, value)
		if err != nil {
			return RestoreResult{}, fmt.Errorf("restore %s state: %w", section, err)
		}
		if m.Notify != nil {
			m.Notify.Notify(projectID, section, previous, value, domain.ChangeUpdate)
		}
	}
	if _, err := m.History.RecordAudit(ctx, projectID, domain.AuditEntry{
		Type:        domain.AuditCheckpointRestored,
		FromState:   from,
		ToState:     cp.Stage,
		PerformedBy: performedBy,
		Details: map[string]any{
			"checkpointId": cp.ID,
			"trigger":      cp.Metadata.Trigger,
		},
	}); err != nil {
		return RestoreResult{}, err
	}
	if err := m.recordTransitionHistory(ctx, projectID, from, cp.Stage, "checkpoint restored", "restore"); err != nil {
		return RestoreResult{}, err
	}
	return RestoreResult{Meta: meta, Checkpoint: cp}, nil
}

// Snapshot captures the project's metadata and all section states into a
// new checkpoint and audits the capture.
func (m *Manager) Snapshot(ctx context.Context, projectID, trigger, reason, performedBy string) (domain.Checkpoint, error) {
	meta, err := m.Store.GetMeta(ctx, projectID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	if trigger == "" {
		trigger = "manual"
	}
	return m.ensureCheckpoint(ctx, projectID, meta, checkpointSpec{
		trigger: trigger,
		reason:  reason,
		actor:   performedBy,
	})
}

type checkpointSpec struct {
	trigger    string
	reason     string
	transition *domain.TransitionRef
	opID       string
	actor      string
}

// ensureCheckpoint snapshots meta and every section. When the operation id
// already heads the checkpoint list, that checkpoint is reused so a failed
// compound operation can be re-driven safely.
func (m *Manager) ensureCheckpoint(ctx context.Context, projectID string, meta domain.ProjectMeta, spec checkpointSpec) (domain.Checkpoint, error) {
	if spec.opID != "" {
		if cp, found, err := m.History.FindByOperation(ctx, projectID, spec.opID); err != nil {
			return domain.Checkpoint{}, err
		} else if found {
			return cp, nil
		}
	}
	sections := map[domain.Section]any{}
	for _, section := range domain.Sections {
		value, err := m.Store.GetState(ctx, section, projectID, true)
		if err != nil {
			return domain.Checkpoint{}, fmt.Errorf("snapshot %s state: %w", section, err)
		}
		sections[section] = value
	}
	cp, err := m.History.CreateCheckpoint(ctx, projectID, history.CheckpointInput{
		Stage:       meta.CurrentState,
		Meta:        meta,
		Sections:    sections,
		Trigger:     spec.trigger,
		Reason:      spec.reason,
		Transition:  spec.transition,
		OperationID: spec.opID,
	})
	if err != nil {
		return domain.Checkpoint{}, err
	}
	if _, err := m.History.RecordAudit(ctx, projectID, domain.AuditEntry{
		Type:        domain.AuditCheckpointCreated,
		FromState:   meta.CurrentState,
		ToState:     meta.CurrentState,
		PerformedBy: spec.actor,
		Details: map[string]any{
			"checkpointId": cp.ID,
			"trigger":      spec.trigger,
			"reason":       spec.reason,
		},
	}); err != nil {
		return domain.Checkpoint{}, err
	}
	return cp, nil
}

// checkMinCompletion blocks leaving a stage below its completion threshold
// unless forced. Progress state without a numeric completion field is not
// checked.
func (m *Manager) checkMinCompletion(ctx context.Context, projectID string, from domain.Stage, force bool) error {
	rule, ok := m.Rules.Rule(from)
	if !ok || rule.MinCompletion <= 0 || force {
		return nil
	}
	value, err := m.Store.GetState(ctx, domain.SectionProgress, projectID, true)
	if err != nil {
		return err
	}
	progress, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	completion, ok := asFloat(progress["completion"])
	if !ok {
		return nil
	}
	if completion < rule.MinCompletion {
		return &domain.StateValidationError{Violations: []string{
			fmt.Sprintf("stage %s completion %.2f is below required %.2f", from, completion, rule.MinCompletion),
		}}
	}
	return nil
}

func (m *Manager) recordTransitionHistory(ctx context.Context, projectID string, from, to domain.Stage, reason, kind string) error {
	if _, err := m.History.AddEntry(ctx, domain.SectionProgress, projectID, map[string]any{
		"stage":         string(to),
		"previousStage": string(from),
		"kind":          kind,
	}, reason); err != nil {
		return err
	}
	if m.Notify != nil {
		m.Notify.Notify(projectID, domain.SectionProgress,
			map[string]any{"stage": string(from)},
			map[string]any{"stage": string(to)},
			domain.ChangeUpdate)
	}
	return nil
}

// operationID derives the deterministic idempotence key of a compound
// operation from its identifying tuple. The project version salts the id:
// a successful transition bumps the version, so a later operation over the
// same stage pair gets a fresh id and a fresh checkpoint, while re-driving
// an operation that crashed before its transition reuses the same id.
func operationID(projectID string, from, to domain.Stage, opType domain.AuditType, version int) string {
	seed := strings.Join([]string{projectID, string(from), string(to), string(opType), strconv.Itoa(version)}, "|")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

func contains(stages []domain.Stage, target domain.Stage) bool {
	for _, s := range stages {
		if s == target {
			return true
		}
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func stageNames(stages []domain.Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = string(s)
	}
	return names
}
