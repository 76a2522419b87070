package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for identity and lookup preconditions.
var (
	ErrProjectNotFound    = errors.New("project not found")
	ErrProjectExists      = errors.New("project already exists")
	ErrStateNotFound      = errors.New("state not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// InvalidTransitionError reports a stage change absent from the relevant
// edge set. Edge is "normal" or "recovery".
type InvalidTransitionError struct {
	From Stage
	To   Stage
	Edge string
}

func (e *InvalidTransitionError) Error() string {
	edge := e.Edge
	if edge == "" {
		edge = "normal"
	}
	return fmt.Sprintf("invalid %s transition %s -> %s", edge, e.From, e.To)
}

// InvalidSkipError reports a skip target outside the skipTo set.
type InvalidSkipError struct {
	From Stage
	To   Stage
}

func (e *InvalidSkipError) Error() string {
	return fmt.Sprintf("cannot skip %s -> %s: target not in skip options", e.From, e.To)
}

// RequiredStageSkipError reports every mandatory stage a skip would bypass
// without explicit force and approval.
type RequiredStageSkipError struct {
	From     Stage
	To       Stage
	Required []Stage
}

func (e *RequiredStageSkipError) Error() string {
	names := make([]string, len(e.Required))
	for i, s := range e.Required {
		names[i] = string(s)
	}
	return fmt.Sprintf("skip %s -> %s would bypass required stages: %s", e.From, e.To, strings.Join(names, ", "))
}

// CheckpointValidationError reports every field-level violation found in a
// stored checkpoint, not just the first.
type CheckpointValidationError struct {
	CheckpointID string
	Violations   []string
}

func (e *CheckpointValidationError) Error() string {
	return fmt.Sprintf("checkpoint %s failed validation: %s", e.CheckpointID, strings.Join(e.Violations, "; "))
}

// StateValidationError is a generic payload validation failure with
// field-level violations.
type StateValidationError struct {
	Violations []string
}

func (e *StateValidationError) Error() string {
	return "state validation failed: " + strings.Join(e.Violations, "; ")
}

// LockAcquisitionError reports a timeout acquiring an exclusive file lock.
// The engine never retries these itself.
type LockAcquisitionError struct {
	Path    string
	Timeout time.Duration
}

func (e *LockAcquisitionError) Error() string {
	return fmt.Sprintf("failed to acquire lock on %s within %s", e.Path, e.Timeout)
}
