package flow

import (
	"context"
	"errors"
	"time"

	"github.com/bakerstreetlabs/awxflow/logger"
	"github.com/bakerstreetlabs/awxflow/model"
	"github.com/bakerstreetlabs/awxflow/registry"
	"github.com/bakerstreetlabs/awxflow/util"
	"go.uber.org/zap"
)

// reevaluate is the scheduler pass: it derives the workflow status from the
// step statuses, fails fast when a required step has permanently failed or
// can never run, cancels best-effort steps whose dependencies can never
// succeed, and dispatches every Pending step whose dependency set is fully
// Succeeded, bounded by the per-workflow and global concurrency limits. It
// runs only on the reeval worker.
func (m *Machine) reevaluate(wfId string) error {
	type jobCancel struct {
		stepId string
		jobId  string
	}
	var cancels []jobCancel
	var eligible []string
	var completed, failed bool

	err := m.registry.Update(wfId, func(w *model.Workflow) error {
		if w.State != model.WORKFLOW_EXECUTING {
			return nil
		}
		now := time.Now().UTC()
		// cancel best-effort steps whose dependencies can never succeed,
		// iterated so cancellations cascade through best-effort chains
		for changed := true; changed; {
			changed = false
			for _, s := range w.Steps {
				if s.Status != model.STEP_PENDING || !s.BestEffort {
					continue
				}
				if dep := unsatisfiableDependency(w, s); dep != "" {
					s.Status = model.STEP_CANCELLED
					s.CompletedAt = &now
					s.ErrorDetail = "cancelled: dependency " + dep + " can not succeed"
					changed = true
				}
			}
		}
		// a required step that failed permanently, or that waits on a
		// dependency resolved without success, fails the whole workflow:
		// completing around it would report partial success
		reason := ""
		if failedStep := firstRequiredFailure(w); failedStep != nil {
			reason = "workflow failed on step " + failedStep.Id
		} else if blocked, dep := firstBlockedRequired(w); blocked != nil {
			reason = "required step " + blocked.Id + " can never run, dependency " + dep + " did not succeed"
		}
		if reason != "" {
			// fail fast: cancel everything still outstanding
			w.State = model.WORKFLOW_FAILED
			w.CompletedAt = &now
			failed = true
			for _, s := range w.Steps {
				switch {
				case s.Status.InFlight():
					cancels = append(cancels, jobCancel{stepId: s.Id, jobId: s.ExternalJobId})
					s.Status = model.STEP_CANCELLED
					s.CompletedAt = &now
					s.ErrorDetail = "cancelled: " + reason
				case !s.Status.Terminal():
					s.Status = model.STEP_CANCELLED
					s.CompletedAt = &now
					s.ErrorDetail = "cancelled: " + reason
				}
			}
			return nil
		}
		if allResolved(w) {
			w.State = model.WORKFLOW_COMPLETED
			w.CompletedAt = &now
			completed = true
			return nil
		}
		limit := m.cfg.WorkflowConcurrency
		if limit <= 0 {
			limit = m.cfg.GlobalConcurrency
		}
		inFlight := 0
		for _, s := range w.Steps {
			if s.Status.InFlight() {
				inFlight++
			}
		}
		for _, s := range w.Steps {
			if inFlight >= limit {
				break
			}
			if s.Status != model.STEP_PENDING {
				continue
			}
			if !s.NotBefore.IsZero() && s.NotBefore.After(now) {
				continue
			}
			if !dependenciesSucceeded(w, s) {
				continue
			}
			eligible = append(eligible, s.Id)
			inFlight++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if failed {
		logger.Info("workflow failed", zap.String("workflow", wfId))
		for _, c := range cancels {
			m.releaseSlot()
			if c.jobId != "" {
				m.cancelExternal(wfId, c.stepId, c.jobId)
			}
		}
	}
	if completed {
		logger.Info("workflow completed", zap.String("workflow", wfId))
	}
	for _, stepId := range eligible {
		m.dispatchStep(wfId, stepId)
	}
	return nil
}

// dispatchStep moves one eligible step to Dispatched and submits it in the
// background. Capacity is taken before the transition; if the global limit
// is reached the step simply stays Pending until a later pass.
func (m *Machine) dispatchStep(wfId, stepId string) {
	if !m.tryAcquireSlot() {
		logger.Debug("global concurrency limit reached, step stays pending",
			zap.String("workflow", wfId), zap.String("step", stepId))
		return
	}
	ref := registry.StepRef{WorkflowId: wfId, StepId: stepId}
	var action string
	var attempt int
	err := m.registry.CompareAndSetStep(ref, []model.StepStatus{model.STEP_PENDING}, model.STEP_DISPATCHED, func(s *model.Step) {
		s.AttemptCount++
		now := time.Now().UTC()
		s.DispatchedAt = &now
		s.ExternalJobId = ""
		s.NotBefore = time.Time{}
		action = s.Action
		attempt = s.AttemptCount
	})
	if err != nil {
		m.releaseSlot()
		return
	}
	// everything past the transition acts on this attempt only
	ref.Attempt = attempt
	params := m.resolveParams(wfId, stepId)
	correlationId := CorrelationId(stepId, attempt)
	// logged before the network call so a crash mid-submit is visible to
	// the supervisor's reconciliation pass
	logger.Info("dispatching step",
		zap.String("workflow", wfId),
		zap.String("step", stepId),
		zap.String("action", action),
		zap.String("correlationId", correlationId),
		zap.Int("attempt", attempt))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.submit(ref, action, params, correlationId)
	}()
}

// submit runs the submit-layer retry loop. Transient failures are retried
// here without consuming a step attempt; an ambiguous failure is first
// reconciled through lookup-by-correlation-id so a job that did launch is
// not launched twice.
func (m *Machine) submit(ref registry.StepRef, action string, params map[string]any, correlationId string) {
	ctx := context.Background()
	var jobId string
	var err error
	for try := 0; try <= m.cfg.SubmitRetries; try++ {
		if try > 0 {
			time.Sleep(time.Duration(m.cfg.SubmitRetryDelaySec) * time.Second)
		}
		jobId, err = m.dispatcher.Submit(ctx, action, params, correlationId)
		if err == nil {
			break
		}
		var transient *model.TransientDispatchError
		if !errors.As(err, &transient) {
			break
		}
		logger.Warn("transient submit failure",
			zap.String("workflow", ref.WorkflowId),
			zap.String("step", ref.StepId),
			zap.Int("try", try+1),
			zap.Error(err))
		if id, lerr := m.dispatcher.LookupByCorrelation(ctx, correlationId); lerr == nil {
			logger.Info("submit recovered via correlation lookup",
				zap.String("step", ref.StepId), zap.String("externalJobId", id))
			jobId, err = id, nil
			break
		}
	}
	if err != nil {
		var terminal *model.TerminalDispatchError
		if errors.As(err, &terminal) {
			// the action never executed; fail the step without burning
			// further attempts on inputs the target already rejected
			m.failTerminal(ref, err.Error())
			return
		}
		outcomeErr := m.ApplyOutcome(ref, model.STEP_FAILED, nil, "submit failed: "+err.Error())
		if outcomeErr != nil && !errors.Is(outcomeErr, model.ErrConflict) {
			logger.Error("recording submit failure", zap.String("step", ref.StepId), zap.Error(outcomeErr))
		}
		return
	}
	if bindErr := m.registry.BindExternalJob(ref, jobId); bindErr != nil {
		// the attempt was retired while the submit was on the wire
		logger.Warn("step no longer in flight after submit, cancelling external job",
			zap.String("workflow", ref.WorkflowId),
			zap.String("step", ref.StepId),
			zap.String("externalJobId", jobId))
		_ = m.dispatcher.Cancel(ctx, jobId)
	}
}

// resolveParams substitutes dependency results into the step's params. The
// document exposes the workflow input under $.input and each dependency's
// result under $.steps.<id>.result.
func (m *Machine) resolveParams(wfId, stepId string) map[string]any {
	wf, err := m.registry.GetWorkflow(wfId)
	if err != nil {
		return nil
	}
	step := wf.Step(stepId)
	if step == nil {
		return nil
	}
	if len(step.Params) == 0 {
		return step.Params
	}
	stepData := make(map[string]any, len(wf.Steps))
	for _, s := range wf.Steps {
		if s.Result != nil {
			stepData[s.Id] = map[string]any{"result": s.Result}
		}
	}
	data := map[string]any{
		"input": wf.Context,
		"steps": stepData,
	}
	return util.ResolveParams(data, step.Params)
}

func (m *Machine) tryAcquireSlot() bool {
	select {
	case m.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *Machine) releaseSlot() {
	select {
	case <-m.slots:
	default:
		logger.Error("slot release without matching acquire")
	}
}

func firstRequiredFailure(w *model.Workflow) *model.Step {
	for _, s := range w.Steps {
		if s.Status == model.STEP_FAILED && !s.BestEffort {
			return s
		}
	}
	return nil
}

// firstBlockedRequired returns a required Pending step one of whose
// dependencies has resolved terminally without succeeding. Such a step can
// never run, so the workflow can never legitimately complete.
func firstBlockedRequired(w *model.Workflow) (*model.Step, string) {
	for _, s := range w.Steps {
		if s.Status != model.STEP_PENDING || s.BestEffort {
			continue
		}
		if dep := unsatisfiableDependency(w, s); dep != "" {
			return s, dep
		}
	}
	return nil, ""
}

// unsatisfiableDependency returns the id of a dependency that has resolved
// terminally without succeeding, which means the step can never become
// eligible.
func unsatisfiableDependency(w *model.Workflow, step *model.Step) string {
	for _, dep := range step.DependsOn {
		d := w.Step(dep)
		if d == nil {
			return dep
		}
		if d.Status.Terminal() && d.Status != model.STEP_SUCCEEDED {
			return dep
		}
	}
	return ""
}

func dependenciesSucceeded(w *model.Workflow, step *model.Step) bool {
	for _, dep := range step.DependsOn {
		d := w.Step(dep)
		if d == nil || d.Status != model.STEP_SUCCEEDED {
			return false
		}
	}
	return true
}

// allResolved reports whether every step is terminal. Reached only after
// the required-failure check, so a fully resolved workflow here is
// completed: required steps succeeded and best-effort steps resolved one
// way or the other.
func allResolved(w *model.Workflow) bool {
	for _, s := range w.Steps {
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}
