package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bakerstreetlabs/awxflow/config"
	"github.com/bakerstreetlabs/awxflow/dispatch"
	"github.com/bakerstreetlabs/awxflow/logger"
	"github.com/bakerstreetlabs/awxflow/model"
	"github.com/bakerstreetlabs/awxflow/planner"
	"github.com/bakerstreetlabs/awxflow/registry"
	"github.com/bakerstreetlabs/awxflow/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var inFlightStatuses = []model.StepStatus{model.STEP_DISPATCHED, model.STEP_RUNNING}

// Machine owns the step lifecycle: dispatch eligibility, bounded concurrent
// dispatch, retry policy and workflow status derivation. Completion signals
// from the webhook and the supervisor arrive through ApplyOutcome; the
// dependent-step re-evaluation they trigger runs on a single worker, so one
// workflow is never re-evaluated concurrently with itself.
type Machine struct {
	cfg        config.FlowConfig
	registry   *registry.Registry
	dispatcher dispatch.Dispatcher
	planner    planner.Planner
	slots      chan struct{}
	reeval     *util.Worker
	done       chan struct{}
	wg         *sync.WaitGroup
}

func NewMachine(cfg config.FlowConfig, reg *registry.Registry, dispatcher dispatch.Dispatcher, pl planner.Planner, wg *sync.WaitGroup) *Machine {
	m := &Machine{
		cfg:        cfg,
		registry:   reg,
		dispatcher: dispatcher,
		planner:    pl,
		slots:      make(chan struct{}, cfg.GlobalConcurrency),
		done:       make(chan struct{}),
		wg:         wg,
	}
	m.reeval = util.NewWorker("flow-reeval", wg, m.handleTask, 256)
	return m
}

func (m *Machine) Start() {
	m.reeval.Start()
}

func (m *Machine) Stop() {
	close(m.done)
	m.reeval.Stop()
}

// CorrelationId is the step identity embedded in a submitted job, scoped to
// one attempt so that signals from superseded attempts never match.
func CorrelationId(stepId string, attempt int) string {
	return fmt.Sprintf("%s.%d", stepId, attempt)
}

// Submit plans the intent and starts executing the resulting workflow. It
// returns as soon as the plan is recorded and the initially eligible steps
// are queued for dispatch; it never waits for step completion. A planner
// failure leaves the workflow terminally PLANNING_FAILED with no steps and
// is returned as *model.PlanningError alongside the workflow snapshot.
func (m *Machine) Submit(ctx context.Context, intent string, override *model.Plan, planContext map[string]any) (*model.Workflow, error) {
	now := time.Now().UTC()
	wf := &model.Workflow{
		Id:        uuid.New().String(),
		Intent:    intent,
		Context:   planContext,
		State:     model.WORKFLOW_PLANNING,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.registry.Add(wf); err != nil {
		return nil, err
	}
	plan, err := m.buildPlan(ctx, intent, override, planContext)
	if err != nil {
		_ = m.registry.CompareAndSetWorkflowState(wf.Id,
			[]model.WorkflowState{model.WORKFLOW_PLANNING}, model.WORKFLOW_PLANNING_FAILED)
		logger.Error("planning failed", zap.String("workflow", wf.Id), zap.Error(err))
		snapshot, _ := m.registry.GetWorkflow(wf.Id)
		return snapshot, err
	}
	steps := m.materialize(wf.Id, plan)
	_ = m.registry.Update(wf.Id, func(w *model.Workflow) error {
		w.Steps = steps
		w.State = model.WORKFLOW_EXECUTING
		return nil
	})
	logger.Info("workflow planned",
		zap.String("workflow", wf.Id),
		zap.Int("steps", len(steps)))
	m.Enqueue(wf.Id)
	snapshot, _ := m.registry.GetWorkflow(wf.Id)
	return snapshot, nil
}

func (m *Machine) buildPlan(ctx context.Context, intent string, override *model.Plan, planContext map[string]any) (*model.Plan, error) {
	catalog, err := m.dispatcher.Actions(ctx)
	if err != nil {
		return nil, &model.PlanningError{Reason: "loading action catalog", Err: err}
	}
	plan := override
	if plan == nil {
		plan, err = m.planner.Plan(ctx, intent, catalog, planContext)
		if err != nil {
			var perr *model.PlanningError
			if errors.As(err, &perr) {
				return nil, err
			}
			return nil, &model.PlanningError{Reason: "planner failed", Err: err}
		}
	}
	for i := range plan.Steps {
		if plan.Steps[i].Id == "" {
			plan.Steps[i].Id = uuid.New().String()
		}
	}
	if err := planner.Validate(plan, catalog); err != nil {
		return nil, err
	}
	return plan, nil
}

func (m *Machine) materialize(wfId string, plan *model.Plan) []*model.Step {
	steps := make([]*model.Step, 0, len(plan.Steps))
	for _, ps := range plan.Steps {
		def := m.cfg.ActionDef(ps.Action)
		maxAttempts := ps.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = def.MaxAttempts
		}
		steps = append(steps, &model.Step{
			Id:          ps.Id,
			WorkflowId:  wfId,
			Action:      ps.Action,
			Params:      ps.Params,
			DependsOn:   ps.DependsOn,
			BestEffort:  ps.BestEffort,
			Status:      model.STEP_PENDING,
			MaxAttempts: maxAttempts,
		})
	}
	return steps
}

// Cancel transitions every Pending step to Cancelled, retires in-flight
// steps and issues best-effort cancels for their external jobs. Later
// signals for retired steps are rejected by CAS and logged only.
func (m *Machine) Cancel(wfId string) error {
	type jobCancel struct {
		stepId string
		jobId  string
	}
	var cancels []jobCancel
	err := m.registry.Update(wfId, func(w *model.Workflow) error {
		if w.State.Terminal() {
			return model.ErrWorkflowTerminal
		}
		now := time.Now().UTC()
		w.State = model.WORKFLOW_CANCELLED
		w.CompletedAt = &now
		for _, s := range w.Steps {
			switch {
			case s.Status.InFlight():
				cancels = append(cancels, jobCancel{stepId: s.Id, jobId: s.ExternalJobId})
				s.Status = model.STEP_CANCELLED
				s.CompletedAt = &now
				s.ErrorDetail = "workflow cancelled"
			case !s.Status.Terminal():
				s.Status = model.STEP_CANCELLED
				s.CompletedAt = &now
				s.ErrorDetail = "workflow cancelled"
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("workflow cancelled", zap.String("workflow", wfId))
	for _, c := range cancels {
		m.releaseSlot()
		if c.jobId == "" {
			continue
		}
		m.cancelExternal(wfId, c.stepId, c.jobId)
	}
	return nil
}

func (m *Machine) cancelExternal(wfId, stepId, jobId string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.dispatcher.Cancel(ctx, jobId); err != nil {
			logger.Warn("best-effort job cancel failed",
				zap.String("workflow", wfId),
				zap.String("step", stepId),
				zap.String("externalJobId", jobId),
				zap.Error(err))
		}
	}()
}

// ApplyOutcome records a terminal signal for the step's current attempt.
// The transition is compare-and-set against the Dispatched/Running
// pre-state and, for attempt-scoped refs, against the attempt number;
// duplicate, out-of-order or superseded-attempt signals return
// model.ErrConflict and mutate nothing. Failed and TimedOut outcomes flow through the retry
// policy: while attempts remain the step re-enters the dispatch-eligible
// path after a backoff delay, otherwise it fails permanently.
func (m *Machine) ApplyOutcome(ref registry.StepRef, outcome model.StepStatus, result map[string]any, detail string) error {
	var prevJobId string
	var err error
	switch outcome {
	case model.STEP_SUCCEEDED:
		err = m.registry.CompareAndSetStep(ref, inFlightStatuses, model.STEP_SUCCEEDED, func(s *model.Step) {
			prevJobId = s.ExternalJobId
			s.Result = result
			s.ErrorDetail = ""
		})
		if err == nil {
			logger.Info("step succeeded",
				zap.String("workflow", ref.WorkflowId), zap.String("step", ref.StepId))
		}
	case model.STEP_FAILED, model.STEP_TIMED_OUT:
		err = m.retryOrFail(ref, outcome, result, detail, &prevJobId)
	default:
		return fmt.Errorf("%s is not a step outcome", outcome)
	}
	if err != nil {
		return err
	}
	m.releaseSlot()
	m.registry.UnbindExternalJob(prevJobId)
	m.Enqueue(ref.WorkflowId)
	return nil
}

func (m *Machine) retryOrFail(ref registry.StepRef, outcome model.StepStatus, result map[string]any, detail string, prevJobId *string) error {
	return m.registry.Update(ref.WorkflowId, func(w *model.Workflow) error {
		s := w.Step(ref.StepId)
		if s == nil {
			return model.ErrNotFound
		}
		if ref.Attempt != 0 && s.AttemptCount != ref.Attempt {
			return model.ErrConflict
		}
		if !s.Status.InFlight() {
			return model.ErrConflict
		}
		*prevJobId = s.ExternalJobId
		if s.AttemptCount < s.MaxAttempts {
			def := m.cfg.ActionDef(s.Action)
			retryAfter := util.RetryAfter(def, s.AttemptCount)
			s.Status = model.STEP_PENDING
			s.ExternalJobId = ""
			s.DispatchedAt = nil
			s.NotBefore = time.Now().UTC().Add(retryAfter)
			s.ErrorDetail = detail
			logger.Info("step attempt failed, scheduling retry",
				zap.String("workflow", ref.WorkflowId),
				zap.String("step", ref.StepId),
				zap.String("outcome", string(outcome)),
				zap.Int("attempt", s.AttemptCount),
				zap.Int("maxAttempts", s.MaxAttempts),
				zap.Duration("retryAfter", retryAfter))
			m.scheduleWake(ref.WorkflowId, retryAfter)
			return nil
		}
		now := time.Now().UTC()
		s.Status = model.STEP_FAILED
		s.CompletedAt = &now
		s.Result = result
		if outcome == model.STEP_TIMED_OUT {
			s.ErrorDetail = "timed out: " + detail
		} else {
			s.ErrorDetail = detail
		}
		logger.Error("step failed permanently",
			zap.String("workflow", ref.WorkflowId),
			zap.String("step", ref.StepId),
			zap.Int("attempts", s.AttemptCount),
			zap.String("detail", s.ErrorDetail))
		return nil
	})
}

// failTerminal retires the step without consuming further attempts; used
// when the dispatch target rejected the action outright.
func (m *Machine) failTerminal(ref registry.StepRef, detail string) {
	err := m.registry.CompareAndSetStep(ref, inFlightStatuses, model.STEP_FAILED, func(s *model.Step) {
		s.ExternalJobId = ""
		s.ErrorDetail = detail
	})
	if err != nil {
		return
	}
	logger.Error("step rejected by dispatch target",
		zap.String("workflow", ref.WorkflowId),
		zap.String("step", ref.StepId),
		zap.String("detail", detail))
	m.releaseSlot()
	m.Enqueue(ref.WorkflowId)
}

// Enqueue schedules a dependent-step re-evaluation pass for the workflow.
// The overflow path gives up once the machine has stopped so shutdown never
// waits on a send the worker will not drain.
func (m *Machine) Enqueue(wfId string) {
	select {
	case m.reeval.Sender() <- wfId:
	default:
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			select {
			case m.reeval.Sender() <- wfId:
			case <-m.done:
			}
		}()
	}
}

func (m *Machine) scheduleWake(wfId string, after time.Duration) {
	time.AfterFunc(after+time.Second, func() {
		m.Enqueue(wfId)
	})
}

func (m *Machine) handleTask(t util.Task) error {
	return m.reevaluate(t.(string))
}
