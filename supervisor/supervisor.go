package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bakerstreetlabs/awxflow/config"
	"github.com/bakerstreetlabs/awxflow/dispatch"
	"github.com/bakerstreetlabs/awxflow/flow"
	"github.com/bakerstreetlabs/awxflow/logger"
	"github.com/bakerstreetlabs/awxflow/model"
	"github.com/bakerstreetlabs/awxflow/persistence"
	"github.com/bakerstreetlabs/awxflow/registry"
	"github.com/bakerstreetlabs/awxflow/util"
	"go.uber.org/zap"
)

// Supervisor is the periodic background sweep. It times out stalled steps,
// reconciles completions whose webhook never arrived by polling the
// dispatch target, wakes workflows with retry backoffs due, and archives
// terminal workflows past the retention window. It runs on its own cadence
// with a bounded per-sweep poll budget so heavy webhook traffic can never
// starve it and it can never flood the dispatch target.
type Supervisor struct {
	cfg        config.SupervisorConfig
	flowCfg    config.FlowConfig
	registry   *registry.Registry
	dispatcher dispatch.Dispatcher
	machine    *flow.Machine
	archive    persistence.WorkflowArchive
	stop       chan struct{}
	wg         *sync.WaitGroup
}

func New(cfg config.SupervisorConfig, flowCfg config.FlowConfig, reg *registry.Registry, dispatcher dispatch.Dispatcher, machine *flow.Machine, archive persistence.WorkflowArchive, wg *sync.WaitGroup) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		flowCfg:    flowCfg,
		registry:   reg,
		dispatcher: dispatcher,
		machine:    machine,
		archive:    archive,
		stop:       make(chan struct{}),
		wg:         wg,
	}
}

func (s *Supervisor) Start() {
	tw := util.NewTickWorker("supervisor", s.cfg.TickSeconds, s.stop, s.Sweep, s.wg)
	tw.Start()
}

func (s *Supervisor) Stop() {
	s.stop <- struct{}{}
}

// Sweep is one supervisor pass. Exported so tests can drive it directly.
func (s *Supervisor) Sweep() {
	now := time.Now().UTC()
	budget := s.cfg.ReconcileBudget
	grace := time.Duration(s.cfg.WebhookGraceSeconds) * time.Second

	for _, step := range s.registry.InFlightSteps() {
		if step.DispatchedAt == nil {
			continue
		}
		ref := registry.StepRef{WorkflowId: step.WorkflowId, StepId: step.Id, Attempt: step.AttemptCount}
		def := s.flowCfg.ActionDef(step.Action)
		timeout := time.Duration(def.TimeoutSeconds) * time.Second
		age := now.Sub(*step.DispatchedAt)

		if age > timeout {
			err := s.machine.ApplyOutcome(ref, model.STEP_TIMED_OUT, nil,
				fmt.Sprintf("no completion within %s", timeout))
			if err != nil && !errors.Is(err, model.ErrConflict) {
				logger.Error("applying timeout", zap.String("step", step.Id), zap.Error(err))
			}
			continue
		}
		if age <= grace || budget <= 0 {
			continue
		}
		budget--
		s.reconcile(ref, step)
	}

	// backstop wake-up for retry backoffs and any lost re-evaluation
	for _, wfId := range s.registry.ActiveWorkflowIds() {
		s.machine.Enqueue(wfId)
	}

	s.archiveExpired()
}

// reconcile recovers completion information for a step whose webhook is
// overdue. Polling is the fallback path; the CAS transition makes it safe
// to race a late webhook for the same attempt.
func (s *Supervisor) reconcile(ref registry.StepRef, step *model.Step) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if step.ExternalJobId == "" {
		// submit may have crashed between launch and registry update;
		// the correlation id embedded in the job is the recovery path
		correlationId := flow.CorrelationId(step.Id, step.AttemptCount)
		jobId, err := s.dispatcher.LookupByCorrelation(ctx, correlationId)
		if err != nil {
			if !errors.Is(err, model.ErrNotFound) {
				logger.Warn("correlation lookup failed", zap.String("step", step.Id), zap.Error(err))
			}
			return
		}
		if bindErr := s.registry.BindExternalJob(ref, jobId); bindErr == nil {
			logger.Info("recovered unbound external job",
				zap.String("step", step.Id), zap.String("externalJobId", jobId))
		}
		return
	}

	result, err := s.dispatcher.Status(ctx, step.ExternalJobId)
	if err != nil {
		logger.Warn("reconciliation poll failed",
			zap.String("step", step.Id),
			zap.String("externalJobId", step.ExternalJobId),
			zap.Error(err))
		return
	}
	var outcomeErr error
	switch result.State {
	case dispatch.JOB_SUCCEEDED:
		outcomeErr = s.machine.ApplyOutcome(ref, model.STEP_SUCCEEDED, result.Output, "")
	case dispatch.JOB_FAILED:
		outcomeErr = s.machine.ApplyOutcome(ref, model.STEP_FAILED, result.Output, result.Detail)
	case dispatch.JOB_NOT_FOUND:
		outcomeErr = s.machine.ApplyOutcome(ref, model.STEP_FAILED, nil, "external job not found")
	case dispatch.JOB_RUNNING:
		// informational only; timeout still runs from dispatched_at
		casErr := s.registry.CompareAndSetStep(ref,
			[]model.StepStatus{model.STEP_DISPATCHED}, model.STEP_RUNNING, nil)
		if casErr == nil {
			logger.Debug("observed step running", zap.String("step", step.Id))
		}
	}
	if outcomeErr != nil && !errors.Is(outcomeErr, model.ErrConflict) && !errors.Is(outcomeErr, model.ErrNotFound) {
		logger.Error("applying reconciled outcome", zap.String("step", step.Id), zap.Error(outcomeErr))
	}
}

func (s *Supervisor) archiveExpired() {
	retention := time.Duration(s.cfg.RetentionMinutes) * time.Minute
	purged := s.registry.PurgeTerminal(retention)
	if len(purged) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, wf := range purged {
		if err := s.archive.Archive(ctx, wf); err != nil {
			logger.Error("archiving workflow", zap.String("workflow", wf.Id), zap.Error(err))
		}
	}
	logger.Info("archived workflows past retention", zap.Int("count", len(purged)))
}
