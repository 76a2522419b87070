// Package rules holds the static transition table governing pipeline stage
// changes. Lookups are pure; absent entries behave as empty sets.
package rules

import (
	"fmt"

	"stateline/internal/domain"
)

// Rule describes the outgoing edges and policy attributes of one stage.
type Rule struct {
	// Normal lists the forward targets reachable by ordinary progression.
	Normal []domain.Stage `yaml:"normal"`
	// Recovery lists sanctioned backward targets.
	Recovery []domain.Stage `yaml:"recovery"`
	// SkipTo lists stages reachable by a direct jump.
	SkipTo []domain.Stage `yaml:"skip_to"`
	// Required marks stages mandatory for overall completion; skipping
	// past one needs explicit force plus approval.
	Required bool `yaml:"required"`
	// MinCompletion, when > 0, is the progress completion threshold for
	// leaving the stage via a skip.
	MinCompletion float64 `yaml:"min_completion"`
}

// Table is an immutable stage -> Rule lookup.
type Table struct {
	rules map[domain.Stage]Rule
}

// Default returns the built-in pipeline rule table.
func Default() *Table {
	return &Table{rules: map[domain.Stage]Rule{
		domain.StageCollecting: {
			Normal:   []domain.Stage{domain.StagePRDDrafting, domain.StageCancelled},
			SkipTo:   []domain.Stage{domain.StagePRDApproved, domain.StageIssuesCreating, domain.StageImplementing},
			Required: true,
		},
		domain.StagePRDDrafting: {
			Normal:   []domain.Stage{domain.StagePRDApproved, domain.StageCancelled},
			Recovery: []domain.Stage{domain.StageCollecting},
			SkipTo:   []domain.Stage{domain.StageIssuesCreating},
			Required: true,
		},
		domain.StagePRDApproved: {
			Normal:   []domain.Stage{domain.StageSRSDrafting, domain.StageIssuesCreating, domain.StageCancelled},
			Recovery: []domain.Stage{domain.StagePRDDrafting, domain.StageCollecting},
			SkipTo:   []domain.Stage{domain.StageIssuesCreating, domain.StageImplementing},
		},
		domain.StageSRSDrafting: {
			Normal:   []domain.Stage{domain.StageSRSApproved, domain.StageCancelled},
			Recovery: []domain.Stage{domain.StagePRDApproved, domain.StagePRDDrafting, domain.StageCollecting},
			SkipTo:   []domain.Stage{domain.StageIssuesCreating},
		},
		domain.StageSRSApproved: {
			Normal:   []domain.Stage{domain.StageSDDDrafting, domain.StageIssuesCreating, domain.StageCancelled},
			Recovery: []domain.Stage{domain.StageSRSDrafting, domain.StagePRDApproved},
			SkipTo:   []domain.Stage{domain.StageIssuesCreating},
		},
		domain.StageSDDDrafting: {
			Normal:   []domain.Stage{domain.StageSDDApproved, domain.StageCancelled},
			Recovery: []domain.Stage{domain.StageSRSApproved, domain.StageSRSDrafting},
		},
		domain.StageSDDApproved: {
			Normal:   []domain.Stage{domain.StageIssuesCreating, domain.StageCancelled},
			Recovery: []domain.Stage{domain.StageSDDDrafting, domain.StageSRSApproved},
		},
		domain.StageIssuesCreating: {
			Normal:   []domain.Stage{domain.StageIssuesCreated, domain.StageCancelled},
			Recovery: []domain.Stage{domain.StagePRDApproved, domain.StageSRSApproved, domain.StageSDDApproved},
			Required: true,
		},
		domain.StageIssuesCreated: {
			Normal:   []domain.Stage{domain.StageImplementing, domain.StageCancelled},
			Recovery: []domain.Stage{domain.StageIssuesCreating},
			Required: true,
		},
		domain.StageImplementing: {
			Normal:        []domain.Stage{domain.StageReviewing, domain.StageCancelled},
			Recovery:      []domain.Stage{domain.StageIssuesCreated, domain.StageIssuesCreating},
			SkipTo:        []domain.Stage{domain.StageMerged},
			Required:      true,
			MinCompletion: 0.8,
		},
		domain.StageReviewing: {
			Normal:   []domain.Stage{domain.StageMerged, domain.StageCancelled},
			Recovery: []domain.Stage{domain.StageImplementing},
			Required: true,
		},
		domain.StageMerged: {
			Required: true,
		},
		domain.StageCancelled: {},
	}}
}

// New overlays per-stage overrides on the default table. Overriding an
// unknown stage is rejected by Validate.
func New(overrides map[domain.Stage]Rule) *Table {
	t := Default()
	for stage, rule := range overrides {
		t.rules[stage] = rule
	}
	return t
}

// Rule returns the table entry for a stage.
func (t *Table) Rule(s domain.Stage) (Rule, bool) {
	r, ok := t.rules[s]
	return r, ok
}

// IsValidTransition reports whether to is a normal forward target of from.
func (t *Table) IsValidTransition(from, to domain.Stage) bool {
	for _, s := range t.rules[from].Normal {
		if s == to {
			return true
		}
	}
	return false
}

// ValidTransitions returns the normal edge set of a stage.
func (t *Table) ValidTransitions(from domain.Stage) []domain.Stage {
	return append([]domain.Stage(nil), t.rules[from].Normal...)
}

// IsRequired reports whether a stage is mandatory for completion.
func (t *Table) IsRequired(s domain.Stage) bool {
	return t.rules[s].Required
}

// SkipOptions returns the direct-jump targets of a stage.
func (t *Table) SkipOptions(from domain.Stage) []domain.Stage {
	return append([]domain.Stage(nil), t.rules[from].SkipTo...)
}

// RecoveryOptions returns the sanctioned backward targets of a stage.
func (t *Table) RecoveryOptions(from domain.Stage) []domain.Stage {
	return append([]domain.Stage(nil), t.rules[from].Recovery...)
}

// StagesBetween returns the stages strictly between from and to in the
// pipeline ordering, or nil when from is not strictly before to.
func (t *Table) StagesBetween(from, to domain.Stage) []domain.Stage {
	lo, hi := from.Ordinal(), to.Ordinal()
	if lo < 0 || hi < 0 || lo+1 >= hi {
		return nil
	}
	return append([]domain.Stage(nil), domain.PipelineStages[lo+1:hi]...)
}

// Validate checks transition closure: every edge target must itself be a
// stage with a table entry.
func (t *Table) Validate() error {
	for stage, rule := range t.rules {
		if !stage.Valid() {
			return fmt.Errorf("rule table contains unknown stage %s", stage)
		}
		for _, edges := range [][]domain.Stage{rule.Normal, rule.Recovery, rule.SkipTo} {
			for _, target := range edges {
				if _, ok := t.rules[target]; !ok {
					return fmt.Errorf("stage %s references dangling target %s", stage, target)
				}
			}
		}
	}
	return nil
}
