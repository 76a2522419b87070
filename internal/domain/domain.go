package domain

// Stage is one discrete lifecycle state a pipeline project occupies.
// The set is closed and totally ordered; the ordering is only used for
// distance calculations (what a skip would bypass), actual reachability
// is governed by the rule table.
type Stage string

const (
	StageCollecting     Stage = "collecting"
	StagePRDDrafting    Stage = "prd_drafting"
	StagePRDApproved    Stage = "prd_approved"
	StageSRSDrafting    Stage = "srs_drafting"
	StageSRSApproved    Stage = "srs_approved"
	StageSDDDrafting    Stage = "sdd_drafting"
	StageSDDApproved    Stage = "sdd_approved"
	StageIssuesCreating Stage = "issues_creating"
	StageIssuesCreated  Stage = "issues_created"
	StageImplementing   Stage = "implementing"
	StageReviewing      Stage = "reviewing"
	StageMerged         Stage = "merged"
	StageCancelled      Stage = "cancelled"
)

// PipelineStages lists every stage in pipeline order. Cancelled sits last
// but is terminal and unordered relative to the forward flow.
var PipelineStages = []Stage{
	StageCollecting,
	StagePRDDrafting,
	StagePRDApproved,
	StageSRSDrafting,
	StageSRSApproved,
	StageSDDDrafting,
	StageSDDApproved,
	StageIssuesCreating,
	StageIssuesCreated,
	StageImplementing,
	StageReviewing,
	StageMerged,
	StageCancelled,
}

// Ordinal returns the stage's position in the pipeline ordering, or -1 for
// an unknown stage.
func (s Stage) Ordinal() int {
	for i, st := range PipelineStages {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return s.Ordinal() >= 0 }

// Section is a named bucket of caller-defined state tracked per project.
// The set is closed; routing to file paths is an exhaustive switch in the
// file store so adding a section is a compile-checked change.
type Section string

const (
	// SectionCollect holds collected requirements input.
	SectionCollect Section = "collect"
	// SectionSpecs holds generated specification documents.
	SectionSpecs Section = "specs"
	// SectionIssues holds generated work items.
	SectionIssues Section = "issues"
	// SectionProgress holds execution/controller progress. Project
	// metadata, checkpoints and the audit log live under its directory.
	SectionProgress Section = "progress"
)

// Sections lists every section.
var Sections = []Section{SectionCollect, SectionSpecs, SectionIssues, SectionProgress}

// Valid reports whether s is a known section.
func (s Section) Valid() bool {
	switch s {
	case SectionCollect, SectionSpecs, SectionIssues, SectionProgress:
		return true
	}
	return false
}

// ProjectMeta is the per-project metadata record. Exactly one exists per
// project id; Version strictly increases on every mutation.
type ProjectMeta struct {
	CurrentState Stage  `json:"currentState"`
	Version      int    `json:"version"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
	Name         string `json:"name,omitempty"`
}

// MetaPatch is a partial update to a ProjectMeta. Nil fields are left
// unchanged. If Version is nil the store bumps the version itself;
// transition operations supply the next version explicitly.
type MetaPatch struct {
	CurrentState *Stage
	Version      *int
	Name         *string
}

// HistoryEntry is one immutable snapshot in a per-section history chain.
// PreviousID links to the prior current entry at write time; chains are
// strictly linear.
type HistoryEntry struct {
	ID          string `json:"id"`
	Value       any    `json:"value"`
	Timestamp   string `json:"timestamp"`
	Description string `json:"description,omitempty"`
	PreviousID  string `json:"previousId,omitempty"`
}

// HistoryChain is the stored form of a (project, section) history.
type HistoryChain struct {
	ProjectID string         `json:"projectId"`
	Section   Section        `json:"section"`
	CurrentID string         `json:"currentId"`
	Entries   []HistoryEntry `json:"entries"`
}

// TransitionRef records the stage pair of a compound operation.
type TransitionRef struct {
	From Stage `json:"from"`
	To   Stage `json:"to"`
}

// CheckpointData is the captured payload of a checkpoint.
type CheckpointData struct {
	Meta     ProjectMeta     `json:"meta"`
	Sections map[Section]any `json:"sections"`
}

// CheckpointMetadata describes why a checkpoint was taken. OperationID is
// the idempotence key for compound recovery operations: re-driving a failed
// operation reuses a checkpoint that already carries the same id.
type CheckpointMetadata struct {
	Trigger     string         `json:"trigger"`
	Reason      string         `json:"reason,omitempty"`
	Transition  *TransitionRef `json:"transition,omitempty"`
	OperationID string         `json:"operationId,omitempty"`
}

// Checkpoint is a full point-in-time capture of a project.
type Checkpoint struct {
	ID        string             `json:"id"`
	Stage     Stage              `json:"stage"`
	Timestamp string             `json:"timestamp"`
	Data      CheckpointData     `json:"data"`
	Metadata  CheckpointMetadata `json:"metadata"`
}

// AuditType classifies recovery audit entries.
type AuditType string

const (
	AuditCheckpointCreated  AuditType = "checkpoint_created"
	AuditCheckpointRestored AuditType = "checkpoint_restored"
	AuditSkipForward        AuditType = "skip_forward"
	AuditRecoveryTransition AuditType = "recovery_transition"
	AuditAdminOverride      AuditType = "admin_override"
)

// AuditEntry is one immutable record in the per-project recovery audit log.
type AuditEntry struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"projectId"`
	Type        AuditType      `json:"type"`
	Timestamp   string         `json:"timestamp"`
	FromState   Stage          `json:"fromState,omitempty"`
	ToState     Stage          `json:"toState,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	PerformedBy string         `json:"performedBy,omitempty"`
}

// ChangeEvent is delivered to watch subscribers. PreviousValue is
// best-effort: filesystem-triggered notifications cannot cheaply know the
// prior value and deliver nil.
type ChangeEvent struct {
	ProjectID     string  `json:"projectId"`
	Section       Section `json:"section"`
	PreviousValue any     `json:"previousValue"`
	NewValue      any     `json:"newValue"`
	Timestamp     string  `json:"timestamp"`
	ChangeType    string  `json:"changeType"`
}

// Change types carried on a ChangeEvent.
const (
	ChangeCreate = "create"
	ChangeUpdate = "update"
	ChangeDelete = "delete"
)

// APIKey is a stored API credential; KeyHash holds a SHA-256 hex digest,
// never the raw key.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at"`
}
