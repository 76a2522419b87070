// Package server exposes the state engine over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"stateline/internal/domain"
	"stateline/internal/engine"
	"stateline/internal/recovery"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid normal transition prd_drafting -> implementing"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the stateline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	keys := KeyStore{Files: cfg.Engine.Files}
	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, keys))
	hcfg := huma.DefaultConfig("Stateline API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerState(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerRecovery(group, cfg.Engine)
	registerCheckpoints(group, cfg.Engine)
	registerRecords(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	default:
		return "internal_error"
	}
}

// handleError translates the engine taxonomy into the HTTP envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, domain.ErrProjectNotFound),
		errors.Is(err, domain.ErrStateNotFound),
		errors.Is(err, domain.ErrCheckpointNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrProjectExists):
		return newAPIError(http.StatusConflict, "already_exists", err.Error(), nil)
	}
	var transitionErr *domain.InvalidTransitionError
	if errors.As(err, &transitionErr) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"from": transitionErr.From, "to": transitionErr.To,
		})
	}
	var skipErr *domain.InvalidSkipError
	if errors.As(err, &skipErr) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_skip", err.Error(), map[string]any{
			"from": skipErr.From, "to": skipErr.To,
		})
	}
	var requiredErr *domain.RequiredStageSkipError
	if errors.As(err, &requiredErr) {
		return newAPIError(http.StatusUnprocessableEntity, "required_stage_skip", err.Error(), map[string]any{
			"required": requiredErr.Required,
		})
	}
	var checkpointErr *domain.CheckpointValidationError
	if errors.As(err, &checkpointErr) {
		return newAPIError(http.StatusUnprocessableEntity, "checkpoint_invalid", err.Error(), map[string]any{
			"violations": checkpointErr.Violations,
		})
	}
	var stateErr *domain.StateValidationError
	if errors.As(err, &stateErr) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{
			"violations": stateErr.Violations,
		})
	}
	var lockErr *domain.LockAcquisitionError
	if errors.As(err, &lockErr) {
		return newAPIError(http.StatusConflict, "lock_timeout", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
}

func parseSection(raw string) (domain.Section, huma.StatusError) {
	section := domain.Section(raw)
	if !section.Valid() {
		return "", newAPIError(http.StatusBadRequest, "bad_request", "unknown section "+raw, nil)
	}
	return section, nil
}

func registerHealth(group *huma.Group) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(group, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})
}

type projectIDInput struct {
	ProjectID string `path:"projectId"`
}

type metaOutput struct {
	Body domain.ProjectMeta
}

func registerProjects(group *huma.Group, e *engine.Engine) {
	type initInput struct {
		Body struct {
			ID           string       `json:"id"`
			Name         string       `json:"name,omitempty"`
			InitialState domain.Stage `json:"initial_state,omitempty"`
		}
	}
	huma.Register(group, huma.Operation{
		OperationID:   "project-init",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Initialize a project",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *initInput) (*metaOutput, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		meta, err := e.InitializeProject(ctx, in.Body.ID, in.Body.Name, in.Body.InitialState)
		if err != nil {
			return nil, handleError(err)
		}
		return &metaOutput{Body: meta}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "project-get",
		Method:      http.MethodGet,
		Path:        "/projects/{projectId}",
		Summary:     "Get project metadata",
	}, func(ctx context.Context, in *projectIDInput) (*metaOutput, error) {
		meta, err := e.GetMeta(ctx, in.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &metaOutput{Body: meta}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID:   "project-delete",
		Method:        http.MethodDelete,
		Path:          "/projects/{projectId}",
		Summary:       "Delete a project and all associated data",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, in *projectIDInput) (*struct{}, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		if err := e.DeleteProject(ctx, in.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerState(group *huma.Group, e *engine.Engine) {
	type sectionInput struct {
		ProjectID    string `path:"projectId"`
		Section      string `path:"section"`
		AllowMissing bool   `query:"allow_missing"`
	}
	type stateOutput struct {
		Body struct {
			Value any `json:"value"`
		}
	}
	huma.Register(group, huma.Operation{
		OperationID: "state-get",
		Method:      http.MethodGet,
		Path:        "/projects/{projectId}/state/{section}",
		Summary:     "Read section state",
	}, func(ctx context.Context, in *sectionInput) (*stateOutput, error) {
		section, herr := parseSection(in.Section)
		if herr != nil {
			return nil, herr
		}
		value, err := e.GetState(ctx, section, in.ProjectID, in.AllowMissing)
		if err != nil {
			return nil, handleError(err)
		}
		out := &stateOutput{}
		out.Body.Value = value
		return out, nil
	})

	type setInput struct {
		ProjectID string `path:"projectId"`
		Section   string `path:"section"`
		Body      struct {
			Value       any    `json:"value"`
			Description string `json:"description,omitempty"`
		}
	}
	huma.Register(group, huma.Operation{
		OperationID: "state-set",
		Method:      http.MethodPut,
		Path:        "/projects/{projectId}/state/{section}",
		Summary:     "Replace section state",
	}, func(ctx context.Context, in *setInput) (*stateOutput, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		section, herr := parseSection(in.Section)
		if herr != nil {
			return nil, herr
		}
		if err := e.SetState(ctx, section, in.ProjectID, in.Body.Value, in.Body.Description); err != nil {
			return nil, handleError(err)
		}
		out := &stateOutput{}
		out.Body.Value = in.Body.Value
		return out, nil
	})

	type patchInput struct {
		ProjectID string `path:"projectId"`
		Section   string `path:"section"`
		Body      struct {
			Patch       map[string]any `json:"patch"`
			Description string         `json:"description,omitempty"`
		}
	}
	huma.Register(group, huma.Operation{
		OperationID: "state-update",
		Method:      http.MethodPatch,
		Path:        "/projects/{projectId}/state/{section}",
		Summary:     "Shallow-merge into section state",
	}, func(ctx context.Context, in *patchInput) (*stateOutput, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		section, herr := parseSection(in.Section)
		if herr != nil {
			return nil, herr
		}
		merged, err := e.UpdateState(ctx, section, in.ProjectID, in.Body.Patch, in.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		out := &stateOutput{}
		out.Body.Value = merged
		return out, nil
	})
}

func registerTransitions(group *huma.Group, e *engine.Engine) {
	type transitionInput struct {
		ProjectID string `path:"projectId"`
		Body      struct {
			To domain.Stage `json:"to"`
		}
	}
	huma.Register(group, huma.Operation{
		OperationID: "transition",
		Method:      http.MethodPost,
		Path:        "/projects/{projectId}/transition",
		Summary:     "Move a project along a normal forward edge",
	}, func(ctx context.Context, in *transitionInput) (*metaOutput, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		meta, err := e.TransitionState(ctx, in.ProjectID, in.Body.To)
		if err != nil {
			return nil, handleError(err)
		}
		return &metaOutput{Body: meta}, nil
	})

	type optionsOutput struct {
		Body struct {
			CurrentState domain.Stage   `json:"current_state"`
			Normal       []domain.Stage `json:"normal"`
			SkipTo       []domain.Stage `json:"skip_to"`
			Recovery     []domain.Stage `json:"recovery"`
		}
	}
	huma.Register(group, huma.Operation{
		OperationID: "transition-options",
		Method:      http.MethodGet,
		Path:        "/projects/{projectId}/transitions",
		Summary:     "List reachable stages for a project",
	}, func(ctx context.Context, in *projectIDInput) (*optionsOutput, error) {
		meta, err := e.GetMeta(ctx, in.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &optionsOutput{}
		out.Body.CurrentState = meta.CurrentState
		out.Body.Normal = e.GetValidTransitions(meta.CurrentState)
		out.Body.SkipTo = e.GetSkipOptions(meta.CurrentState)
		out.Body.Recovery = e.GetRecoveryOptions(meta.CurrentState)
		return out, nil
	})
}

func registerRecovery(group *huma.Group, e *engine.Engine) {
	type skipInput struct {
		ProjectID string `path:"projectId"`
		Body      struct {
			Target            domain.Stage `json:"target"`
			Reason            string       `json:"reason,omitempty"`
			ForceSkipRequired bool         `json:"force_skip_required,omitempty"`
			ApprovedBy        string       `json:"approved_by,omitempty"`
			NoCheckpoint      bool         `json:"no_checkpoint,omitempty"`
		}
	}
	type skipOutput struct {
		Body struct {
			Meta         domain.ProjectMeta `json:"meta"`
			Bypassed     []domain.Stage     `json:"bypassed"`
			CheckpointID string             `json:"checkpoint_id,omitempty"`
		}
	}
	huma.Register(group, huma.Operation{
		OperationID: "skip",
		Method:      http.MethodPost,
		Path:        "/projects/{projectId}/skip",
		Summary:     "Skip directly to a later stage",
	}, func(ctx context.Context, in *skipInput) (*skipOutput, error) {
		actor, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		result, err := e.SkipTo(ctx, in.ProjectID, in.Body.Target, recovery.SkipOptions{
			Reason:            in.Body.Reason,
			ForceSkipRequired: in.Body.ForceSkipRequired,
			ApprovedBy:        in.Body.ApprovedBy,
			NoCheckpoint:      in.Body.NoCheckpoint,
			PerformedBy:       actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &skipOutput{}
		out.Body.Meta = result.Meta
		out.Body.Bypassed = result.Bypassed
		out.Body.CheckpointID = result.CheckpointID
		return out, nil
	})

	type recoverInput struct {
		ProjectID string `path:"projectId"`
		Body      struct {
			Target domain.Stage `json:"target"`
			Reason string       `json:"reason,omitempty"`
		}
	}
	type recoverOutput struct {
		Body struct {
			Meta         domain.ProjectMeta `json:"meta"`
			CheckpointID string             `json:"checkpoint_id"`
		}
	}
	huma.Register(group, huma.Operation{
		OperationID: "recover",
		Method:      http.MethodPost,
		Path:        "/projects/{projectId}/recover",
		Summary:     "Move backward along a recovery edge",
	}, func(ctx context.Context, in *recoverInput) (*recoverOutput, error) {
		actor, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		result, err := e.RecoverTo(ctx, in.ProjectID, in.Body.Target, in.Body.Reason, actor)
		if err != nil {
			return nil, handleError(err)
		}
		out := &recoverOutput{}
		out.Body.Meta = result.Meta
		out.Body.CheckpointID = result.CheckpointID
		return out, nil
	})

	type overrideInput struct {
		ProjectID string `path:"projectId"`
		Body      struct {
			Action       string       `json:"action,omitempty"`
			TargetState  domain.Stage `json:"target_state"`
			Reason       string       `json:"reason"`
			AuthorizedBy string       `json:"authorized_by"`
		}
	}
	huma.Register(group, huma.Operation{
		OperationID: "admin-override",
		Method:      http.MethodPost,
		Path:        "/projects/{projectId}/override",
		Summary:     "Force a transition outside the rule table",
	}, func(ctx context.Context, in *overrideInput) (*recoverOutput, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		result, err := e.AdminOverride(ctx, in.ProjectID, recovery.OverrideOptions{
			Action:       in.Body.Action,
			TargetState:  in.Body.TargetState,
			Reason:       in.Body.Reason,
			AuthorizedBy: in.Body.AuthorizedBy,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &recoverOutput{}
		out.Body.Meta = result.Meta
		out.Body.CheckpointID = result.CheckpointID
		return out, nil
	})
}

func registerCheckpoints(group *huma.Group, e *engine.Engine) {
	type listOutput struct {
		Body struct {
			Checkpoints []domain.Checkpoint `json:"checkpoints"`
		}
	}
	huma.Register(group, huma.Operation{
		OperationID: "checkpoints-list",
		Method:      http.MethodGet,
		Path:        "/projects/{projectId}/checkpoints",
		Summary:     "List checkpoints, newest first",
	}, func(ctx context.Context, in *projectIDInput) (*listOutput, error) {
		checkpoints, err := e.GetCheckpoints(ctx, in.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &listOutput{}
		out.Body.Checkpoints = checkpoints
		return out, nil
	})

	type createInput struct {
		ProjectID string `path:"projectId"`
		Body      struct {
			Reason string `json:"reason,omitempty"`
		}
	}
	type checkpointOutput struct {
		Body domain.Checkpoint
	}
	huma.Register(group, huma.Operation{
		OperationID:   "checkpoint-create",
		Method:        http.MethodPost,
		Path:          "/projects/{projectId}/checkpoints",
		Summary:       "Take a manual checkpoint",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *createInput) (*checkpointOutput, error) {
		actor, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		cp, err := e.CreateCheckpoint(ctx, in.ProjectID, in.Body.Reason, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &checkpointOutput{Body: cp}, nil
	})

	type restoreInput struct {
		ProjectID    string `path:"projectId"`
		CheckpointID string `path:"checkpointId"`
	}
	huma.Register(group, huma.Operation{
		OperationID: "checkpoint-restore",
		Method:      http.MethodPost,
		Path:        "/projects/{projectId}/checkpoints/{checkpointId}/restore",
		Summary:     "Restore a project from a checkpoint",
	}, func(ctx context.Context, in *restoreInput) (*metaOutput, error) {
		actor, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		result, err := e.RestoreCheckpoint(ctx, in.ProjectID, in.CheckpointID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &metaOutput{Body: result.Meta}, nil
	})
}

func registerRecords(group *huma.Group, e *engine.Engine) {
	type auditOutput struct {
		Body struct {
			Entries []domain.AuditEntry `json:"entries"`
		}
	}
	huma.Register(group, huma.Operation{
		OperationID: "audit-log",
		Method:      http.MethodGet,
		Path:        "/projects/{projectId}/audit",
		Summary:     "Read the recovery audit log",
	}, func(ctx context.Context, in *projectIDInput) (*auditOutput, error) {
		entries, err := e.GetRecoveryAuditLog(ctx, in.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &auditOutput{}
		out.Body.Entries = entries
		return out, nil
	})

	type historyInput struct {
		ProjectID string `path:"projectId"`
		Section   string `path:"section"`
	}
	type historyOutput struct {
		Body domain.HistoryChain
	}
	huma.Register(group, huma.Operation{
		OperationID: "history-get",
		Method:      http.MethodGet,
		Path:        "/projects/{projectId}/history/{section}",
		Summary:     "Read a section's history chain",
	}, func(ctx context.Context, in *historyInput) (*historyOutput, error) {
		section, herr := parseSection(in.Section)
		if herr != nil {
			return nil, herr
		}
		chain, err := e.GetHistory(ctx, section, in.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &historyOutput{Body: chain}, nil
	})
}
