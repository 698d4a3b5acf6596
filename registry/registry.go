package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/bakerstreetlabs/awxflow/logger"
	"github.com/bakerstreetlabs/awxflow/model"
	"go.uber.org/zap"
)

// StepRef identifies a step inside a workflow. A non-zero Attempt scopes
// the reference to one dispatch attempt: transitions through it are
// rejected once the step has moved on to a later attempt. Zero means
// any attempt.
type StepRef struct {
	WorkflowId string
	StepId     string
	Attempt    int
}

type entry struct {
	mu sync.Mutex
	wf *model.Workflow
}

// Registry is the single source of truth for workflow and step state. All
// status mutations go through compare-and-set methods so that a webhook, a
// reconciliation poll and a timeout sweep racing to report the same outcome
// apply it exactly once. Locking is per workflow; unrelated workflows never
// contend.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*entry
	jobIndex  map[string]StepRef
}

func New() *Registry {
	return &Registry{
		workflows: make(map[string]*entry),
		jobIndex:  make(map[string]StepRef),
	}
}

func (r *Registry) Add(wf *model.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[wf.Id]; ok {
		return fmt.Errorf("workflow %s already exists", wf.Id)
	}
	r.workflows[wf.Id] = &entry{wf: wf}
	return nil
}

func (r *Registry) entry(wfId string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workflows[wfId]
	if !ok {
		return nil, model.ErrNotFound
	}
	return e, nil
}

// GetWorkflow returns a deep copy of the workflow. Callers never observe
// in-place mutation.
func (r *Registry) GetWorkflow(wfId string) (*model.Workflow, error) {
	e, err := r.entry(wfId)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wf.Clone(), nil
}

// Update applies fn to the workflow under its lock. fn must not block on
// network calls.
func (r *Registry) Update(wfId string, fn func(*model.Workflow) error) error {
	e, err := r.entry(wfId)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(e.wf); err != nil {
		return err
	}
	e.wf.UpdatedAt = time.Now().UTC()
	return nil
}

// CompareAndSetWorkflowState transitions the workflow to `to` only if its
// current state is one of `from`, otherwise returns ErrConflict.
func (r *Registry) CompareAndSetWorkflowState(wfId string, from []model.WorkflowState, to model.WorkflowState) error {
	return r.Update(wfId, func(wf *model.Workflow) error {
		if !containsState(from, wf.State) {
			return model.ErrConflict
		}
		wf.State = to
		if to.Terminal() {
			now := time.Now().UTC()
			wf.CompletedAt = &now
		}
		return nil
	})
}

// CompareAndSetStep transitions the step to `to` only if its current status
// is one of `from` and, for attempt-scoped refs, the step is still on the
// referenced attempt. The apply callback runs after the status change,
// still under the workflow lock, so callers can attach results atomically
// with the transition. Returns ErrConflict for stale transitions.
func (r *Registry) CompareAndSetStep(ref StepRef, from []model.StepStatus, to model.StepStatus, apply func(*model.Step)) error {
	return r.Update(ref.WorkflowId, func(wf *model.Workflow) error {
		step := wf.Step(ref.StepId)
		if step == nil {
			return model.ErrNotFound
		}
		if ref.Attempt != 0 && step.AttemptCount != ref.Attempt {
			return model.ErrConflict
		}
		if !containsStatus(from, step.Status) {
			return model.ErrConflict
		}
		step.Status = to
		if to.Terminal() || to == model.STEP_TIMED_OUT {
			now := time.Now().UTC()
			step.CompletedAt = &now
		}
		if apply != nil {
			apply(step)
		}
		return nil
	})
}

// BindExternalJob records the external job id for a step and indexes it for
// O(1) webhook correlation. The step must still be in-flight; a bind racing
// with a timeout sweep that already retired the attempt is rejected.
func (r *Registry) BindExternalJob(ref StepRef, jobId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workflows[ref.WorkflowId]
	if !ok {
		return model.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	step := e.wf.Step(ref.StepId)
	if step == nil {
		return model.ErrNotFound
	}
	if ref.Attempt != 0 && step.AttemptCount != ref.Attempt {
		return model.ErrConflict
	}
	if !step.Status.InFlight() {
		return model.ErrConflict
	}
	step.ExternalJobId = jobId
	e.wf.UpdatedAt = time.Now().UTC()
	// the index entry is scoped to the bound attempt, so signals carrying
	// this job id can never touch a later attempt
	idx := ref
	idx.Attempt = step.AttemptCount
	r.jobIndex[jobId] = idx
	return nil
}

func (r *Registry) UnbindExternalJob(jobId string) {
	if jobId == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobIndex, jobId)
}

// LookupExternalJob maps an external job id back to its step. Unknown ids
// belong to superseded attempts or foreign jobs and are the caller's cue to
// ignore the signal.
func (r *Registry) LookupExternalJob(jobId string) (StepRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.jobIndex[jobId]
	return ref, ok
}

// InFlightSteps returns snapshots of every Dispatched or Running step.
func (r *Registry) InFlightSteps() []*model.Step {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.workflows))
	for _, e := range r.workflows {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var steps []*model.Step
	for _, e := range entries {
		e.mu.Lock()
		for _, s := range e.wf.Steps {
			if s.Status.InFlight() {
				steps = append(steps, s.Clone())
			}
		}
		e.mu.Unlock()
	}
	return steps
}

// ActiveWorkflowIds returns ids of workflows still executing.
func (r *Registry) ActiveWorkflowIds() []string {
	r.mu.RLock()
	entries := make(map[string]*entry, len(r.workflows))
	for id, e := range r.workflows {
		entries[id] = e
	}
	r.mu.RUnlock()

	var ids []string
	for id, e := range entries {
		e.mu.Lock()
		if e.wf.State == model.WORKFLOW_EXECUTING {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	return ids
}

// PurgeTerminal removes terminal workflows whose completion is older than
// the retention window and returns them for archival.
func (r *Registry) PurgeTerminal(retention time.Duration) []*model.Workflow {
	cutoff := time.Now().UTC().Add(-retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	var purged []*model.Workflow
	for id, e := range r.workflows {
		e.mu.Lock()
		expired := e.wf.State.Terminal() && e.wf.CompletedAt != nil && e.wf.CompletedAt.Before(cutoff)
		if expired {
			purged = append(purged, e.wf.Clone())
			for _, s := range e.wf.Steps {
				if s.ExternalJobId != "" {
					delete(r.jobIndex, s.ExternalJobId)
				}
			}
		}
		e.mu.Unlock()
		if expired {
			delete(r.workflows, id)
			logger.Debug("purged workflow past retention", zap.String("workflow", id))
		}
	}
	return purged
}

func containsState(set []model.WorkflowState, s model.WorkflowState) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsStatus(set []model.StepStatus, s model.StepStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
