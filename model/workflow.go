package model

import (
	"time"
)

type StepStatus string

const STEP_PENDING StepStatus = "PENDING"
const STEP_DISPATCHED StepStatus = "DISPATCHED"
const STEP_RUNNING StepStatus = "RUNNING"
const STEP_SUCCEEDED StepStatus = "SUCCEEDED"
const STEP_FAILED StepStatus = "FAILED"
const STEP_TIMED_OUT StepStatus = "TIMED_OUT"
const STEP_CANCELLED StepStatus = "CANCELLED"

// Terminal reports whether no further transition is allowed for this status
// within the current attempt chain.
func (s StepStatus) Terminal() bool {
	switch s {
	case STEP_SUCCEEDED, STEP_FAILED, STEP_CANCELLED:
		return true
	}
	return false
}

// InFlight reports whether the step has an outstanding external job.
func (s StepStatus) InFlight() bool {
	return s == STEP_DISPATCHED || s == STEP_RUNNING
}

type WorkflowState string

const WORKFLOW_CREATED WorkflowState = "CREATED"
const WORKFLOW_PLANNING WorkflowState = "PLANNING"
const WORKFLOW_PLANNING_FAILED WorkflowState = "PLANNING_FAILED"
const WORKFLOW_EXECUTING WorkflowState = "EXECUTING"
const WORKFLOW_COMPLETED WorkflowState = "COMPLETED"
const WORKFLOW_FAILED WorkflowState = "FAILED"
const WORKFLOW_CANCELLED WorkflowState = "CANCELLED"

func (s WorkflowState) Terminal() bool {
	switch s {
	case WORKFLOW_PLANNING_FAILED, WORKFLOW_COMPLETED, WORKFLOW_FAILED, WORKFLOW_CANCELLED:
		return true
	}
	return false
}

// Step is one dispatchable unit of work inside a workflow. A step is
// submitted to the dispatch target as a single job per attempt; the step
// record survives across attempts, the external job id does not.
type Step struct {
	Id            string         `json:"id"`
	WorkflowId    string         `json:"workflowId"`
	Action        string         `json:"action"`
	Params        map[string]any `json:"params,omitempty"`
	DependsOn     []string       `json:"dependsOn,omitempty"`
	BestEffort    bool           `json:"bestEffort,omitempty"`
	Status        StepStatus     `json:"status"`
	ExternalJobId string         `json:"externalJobId,omitempty"`
	AttemptCount  int            `json:"attemptCount"`
	MaxAttempts   int            `json:"maxAttempts"`
	NotBefore     time.Time      `json:"notBefore,omitempty"`
	DispatchedAt  *time.Time     `json:"dispatchedAt,omitempty"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	ErrorDetail   string         `json:"error,omitempty"`
}

func (s *Step) Clone() *Step {
	cp := *s
	cp.Params = cloneMap(s.Params)
	cp.Result = cloneMap(s.Result)
	cp.DependsOn = append([]string(nil), s.DependsOn...)
	if s.DispatchedAt != nil {
		t := *s.DispatchedAt
		cp.DispatchedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

type Workflow struct {
	Id          string         `json:"id"`
	Intent      string         `json:"intent"`
	Context     map[string]any `json:"context,omitempty"`
	State       WorkflowState  `json:"state"`
	Steps       []*Step        `json:"steps"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

func (w *Workflow) Step(id string) *Step {
	for _, s := range w.Steps {
		if s.Id == id {
			return s
		}
	}
	return nil
}

func (w *Workflow) Clone() *Workflow {
	cp := *w
	cp.Context = cloneMap(w.Context)
	cp.Steps = make([]*Step, 0, len(w.Steps))
	for _, s := range w.Steps {
		cp.Steps = append(cp.Steps, s.Clone())
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
