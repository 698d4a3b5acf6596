package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/bakerstreetlabs/awxflow/model"
)

// Planner converts an intent and the action catalog into a
// dependency-annotated plan. Implementations return *model.PlanningError
// when no plan can be produced; the state machine never inlines planning.
type Planner interface {
	Plan(ctx context.Context, intent string, catalog []model.ActionTemplate, planContext map[string]any) (*model.Plan, error)
}

// Validate checks a plan against the action catalog and the step-graph
// invariants: every action must be executable, dependency edges must
// reference sibling steps, and the graph must be acyclic. Every step is
// expected to carry an id by the time validation runs.
func Validate(plan *model.Plan, catalog []model.ActionTemplate) error {
	if plan == nil || len(plan.Steps) == 0 {
		return &model.PlanningError{Reason: "plan contains no steps"}
	}
	known := make(map[string]struct{}, len(catalog))
	for _, t := range catalog {
		known[strings.ToLower(t.Name)] = struct{}{}
	}
	ids := make(map[string]int, len(plan.Steps))
	for i, s := range plan.Steps {
		if s.Id == "" {
			return &model.PlanningError{Reason: fmt.Sprintf("step %d has no id", i)}
		}
		if _, dup := ids[s.Id]; dup {
			return &model.PlanningError{Reason: fmt.Sprintf("duplicate step id %s", s.Id)}
		}
		ids[s.Id] = i
		if s.Action == "" {
			return &model.PlanningError{Reason: fmt.Sprintf("step %s has no action", s.Id)}
		}
		if _, ok := known[strings.ToLower(s.Action)]; !ok {
			return &model.PlanningError{Reason: fmt.Sprintf("action %s is not in the action catalog", s.Action)}
		}
	}
	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := ids[dep]; !ok {
				return &model.PlanningError{Reason: fmt.Sprintf("step %s depends on unknown step %s", s.Id, dep)}
			}
			if dep == s.Id {
				return &model.PlanningError{Reason: fmt.Sprintf("step %s depends on itself", s.Id)}
			}
		}
	}
	if cyclic(plan, ids) {
		return &model.PlanningError{Reason: "dependency edges form a cycle"}
	}
	return nil
}

func cyclic(plan *model.Plan, ids map[string]int) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(plan.Steps))
	var visit func(i int) bool
	visit = func(i int) bool {
		color[i] = gray
		for _, dep := range plan.Steps[i].DependsOn {
			j := ids[dep]
			if color[j] == gray {
				return true
			}
			if color[j] == white && visit(j) {
				return true
			}
		}
		color[i] = black
		return false
	}
	for i := range plan.Steps {
		if color[i] == white && visit(i) {
			return true
		}
	}
	return false
}
