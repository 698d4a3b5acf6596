package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bakerstreetlabs/awxflow/config"
	"github.com/bakerstreetlabs/awxflow/dispatch"
	"github.com/bakerstreetlabs/awxflow/model"
	"github.com/bakerstreetlabs/awxflow/planner"
	"github.com/bakerstreetlabs/awxflow/registry"
	"github.com/stretchr/testify/require"
)

type submission struct {
	action        string
	correlationId string
	jobId         string
	params        map[string]any
}

// fakeDispatcher is an in-memory stand-in for the dispatch target. Submit
// errors can be queued per action; everything else just records calls.
type fakeDispatcher struct {
	mu           sync.Mutex
	nextJob      int
	submissions  []submission
	cancelled    []string
	submitErrs   map[string][]error
	correlations map[string]string
	catalog      []model.ActionTemplate
}

func newFakeDispatcher(actions ...string) *fakeDispatcher {
	d := &fakeDispatcher{
		submitErrs:   make(map[string][]error),
		correlations: make(map[string]string),
	}
	for i, name := range actions {
		d.catalog = append(d.catalog, model.ActionTemplate{Id: i + 1, Name: name})
	}
	return d
}

func (d *fakeDispatcher) failNextSubmit(action string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitErrs[action] = append(d.submitErrs[action], err)
}

func (d *fakeDispatcher) Submit(ctx context.Context, action string, params map[string]any, correlationId string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if errs := d.submitErrs[action]; len(errs) > 0 {
		err := errs[0]
		d.submitErrs[action] = errs[1:]
		return "", err
	}
	d.nextJob++
	jobId := fmt.Sprintf("%d", d.nextJob)
	d.submissions = append(d.submissions, submission{
		action:        action,
		correlationId: correlationId,
		jobId:         jobId,
		params:        params,
	})
	return jobId, nil
}

func (d *fakeDispatcher) Status(ctx context.Context, externalJobId string) (*dispatch.JobResult, error) {
	return &dispatch.JobResult{State: dispatch.JOB_RUNNING}, nil
}

func (d *fakeDispatcher) Cancel(ctx context.Context, externalJobId string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, externalJobId)
	return nil
}

func (d *fakeDispatcher) Actions(ctx context.Context) ([]model.ActionTemplate, error) {
	return d.catalog, nil
}

func (d *fakeDispatcher) LookupByCorrelation(ctx context.Context, correlationId string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if jobId, ok := d.correlations[correlationId]; ok {
		return jobId, nil
	}
	return "", model.ErrNotFound
}

func (d *fakeDispatcher) wasCancelled(jobId string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.cancelled {
		if id == jobId {
			return true
		}
	}
	return false
}

func (d *fakeDispatcher) submitCount(action string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.submissions {
		if s.action == action {
			n++
		}
	}
	return n
}

func (d *fakeDispatcher) lastParams(action string) map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.submissions) - 1; i >= 0; i-- {
		if d.submissions[i].action == action {
			return d.submissions[i].params
		}
	}
	return nil
}

func testFlowConfig() config.FlowConfig {
	return config.FlowConfig{
		GlobalConcurrency:   8,
		WorkflowConcurrency: 4,
		SubmitRetries:       1,
		SubmitRetryDelaySec: 0,
		DefaultAction: model.ActionDef{
			MaxAttempts:       3,
			RetryAfterSeconds: 0,
			RetryPolicy:       model.RETRY_POLICY_FIXED,
			TimeoutSeconds:    1800,
		},
	}
}

func newTestMachine(t *testing.T, cfg config.FlowConfig, d *fakeDispatcher) (*Machine, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	var wg sync.WaitGroup
	m := NewMachine(cfg, reg, d, planner.NewRulePlanner(), &wg)
	m.Start()
	t.Cleanup(m.Stop)
	return m, reg
}

// waitForAttempt blocks until the step's given attempt is in flight with its
// external job bound, and returns an attempt-scoped ref and the job id.
func waitForAttempt(t *testing.T, reg *registry.Registry, wfId, stepId string, attempt int) (registry.StepRef, string) {
	t.Helper()
	ref := registry.StepRef{WorkflowId: wfId, StepId: stepId, Attempt: attempt}
	var jobId string
	require.Eventually(t, func() bool {
		wf, err := reg.GetWorkflow(wfId)
		if err != nil {
			return false
		}
		s := wf.Step(stepId)
		if s == nil || !s.Status.InFlight() || s.AttemptCount != attempt || s.ExternalJobId == "" {
			return false
		}
		jobId = s.ExternalJobId
		return true
	}, 3*time.Second, 10*time.Millisecond, "step %s attempt %d never went in flight", stepId, attempt)
	return ref, jobId
}

func waitForWorkflowState(t *testing.T, reg *registry.Registry, wfId string, state model.WorkflowState) *model.Workflow {
	t.Helper()
	var wf *model.Workflow
	require.Eventually(t, func() bool {
		got, err := reg.GetWorkflow(wfId)
		if err != nil {
			return false
		}
		wf = got
		return got.State == state
	}, 3*time.Second, 10*time.Millisecond, "workflow never reached %s", state)
	return wf
}

func chainPlan() *model.Plan {
	return &model.Plan{Steps: []model.PlanStep{
		{Id: "a", Action: "alpha"},
		{Id: "b", Action: "beta", DependsOn: []string{"a"}},
		{Id: "c", Action: "gamma", DependsOn: []string{"b"}},
	}}
}

func TestLinearChainWithRetriedStep(t *testing.T) {
	d := newFakeDispatcher("alpha", "beta", "gamma")
	m, reg := newTestMachine(t, testFlowConfig(), d)

	wf, err := m.Submit(context.Background(), "run the chain", chainPlan(), nil)
	require.NoError(t, err)

	refA, _ := waitForAttempt(t, reg, wf.Id, "a", 1)
	require.NoError(t, m.ApplyOutcome(refA, model.STEP_SUCCEEDED, map[string]any{"ok": true}, ""))

	// first attempt of b times out, second succeeds
	refB, _ := waitForAttempt(t, reg, wf.Id, "b", 1)
	require.NoError(t, m.ApplyOutcome(refB, model.STEP_TIMED_OUT, nil, "no completion within 30m0s"))
	refB, _ = waitForAttempt(t, reg, wf.Id, "b", 2)
	require.NoError(t, m.ApplyOutcome(refB, model.STEP_SUCCEEDED, nil, ""))

	refC, _ := waitForAttempt(t, reg, wf.Id, "c", 1)
	require.NoError(t, m.ApplyOutcome(refC, model.STEP_SUCCEEDED, nil, ""))

	final := waitForWorkflowState(t, reg, wf.Id, model.WORKFLOW_COMPLETED)
	require.Equal(t, model.STEP_SUCCEEDED, final.Step("b").Status)
	require.Equal(t, 2, final.Step("b").AttemptCount)
	require.Equal(t, 2, d.submitCount("beta"))
	require.NotNil(t, final.CompletedAt)
}

func TestExhaustedRetriesFailWorkflow(t *testing.T) {
	d := newFakeDispatcher("alpha", "beta")
	m, reg := newTestMachine(t, testFlowConfig(), d)

	plan := &model.Plan{Steps: []model.PlanStep{
		{Id: "a", Action: "alpha", MaxAttempts: 3},
		{Id: "b", Action: "beta", DependsOn: []string{"a"}},
	}}
	wf, err := m.Submit(context.Background(), "doomed chain", plan, nil)
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		ref, _ := waitForAttempt(t, reg, wf.Id, "a", attempt)
		require.NoError(t, m.ApplyOutcome(ref, model.STEP_FAILED, nil, "boom"))
	}

	final := waitForWorkflowState(t, reg, wf.Id, model.WORKFLOW_FAILED)
	require.Equal(t, model.STEP_FAILED, final.Step("a").Status)
	require.Equal(t, 3, final.Step("a").AttemptCount)
	require.Equal(t, model.STEP_CANCELLED, final.Step("b").Status)
	require.Equal(t, 3, d.submitCount("alpha"))
	require.Zero(t, d.submitCount("beta"))
}

func TestFanOutFailureCancelsSiblings(t *testing.T) {
	d := newFakeDispatcher("alpha", "beta", "gamma", "delta")
	m, reg := newTestMachine(t, testFlowConfig(), d)

	plan := &model.Plan{Steps: []model.PlanStep{
		{Id: "a", Action: "alpha"},
		{Id: "b", Action: "beta", DependsOn: []string{"a"}, MaxAttempts: 1},
		{Id: "c", Action: "gamma", DependsOn: []string{"a"}},
		{Id: "d", Action: "delta", DependsOn: []string{"b", "c"}},
	}}
	wf, err := m.Submit(context.Background(), "fan out", plan, nil)
	require.NoError(t, err)

	refA, _ := waitForAttempt(t, reg, wf.Id, "a", 1)
	require.NoError(t, m.ApplyOutcome(refA, model.STEP_SUCCEEDED, nil, ""))

	refB, _ := waitForAttempt(t, reg, wf.Id, "b", 1)
	refC, jobC := waitForAttempt(t, reg, wf.Id, "c", 1)
	require.NoError(t, m.ApplyOutcome(refB, model.STEP_FAILED, nil, "playbook error"))

	final := waitForWorkflowState(t, reg, wf.Id, model.WORKFLOW_FAILED)
	require.Equal(t, model.STEP_CANCELLED, final.Step("c").Status)
	require.Equal(t, model.STEP_CANCELLED, final.Step("d").Status)

	// the in-flight sibling's external job gets a best-effort cancel
	require.Eventually(t, func() bool {
		return d.wasCancelled(jobC)
	}, 3*time.Second, 10*time.Millisecond)

	// a late webhook for the cancelled sibling is rejected and changes nothing
	err = m.ApplyOutcome(refC, model.STEP_SUCCEEDED, nil, "")
	require.ErrorIs(t, err, model.ErrConflict)
	after, err := reg.GetWorkflow(wf.Id)
	require.NoError(t, err)
	require.Equal(t, model.STEP_CANCELLED, after.Step("c").Status)
}

func TestConcurrencyBound(t *testing.T) {
	cfg := testFlowConfig()
	cfg.GlobalConcurrency = 2
	cfg.WorkflowConcurrency = 2
	d := newFakeDispatcher("alpha")
	m, reg := newTestMachine(t, cfg, d)

	plan := &model.Plan{Steps: []model.PlanStep{
		{Id: "s1", Action: "alpha"},
		{Id: "s2", Action: "alpha"},
		{Id: "s3", Action: "alpha"},
		{Id: "s4", Action: "alpha"},
	}}
	wf, err := m.Submit(context.Background(), "wide workflow", plan, nil)
	require.NoError(t, err)

	inFlight := func() (n int, first registry.StepRef) {
		got, err := reg.GetWorkflow(wf.Id)
		require.NoError(t, err)
		for _, s := range got.Steps {
			if s.Status.InFlight() && s.ExternalJobId != "" {
				if n == 0 {
					first = registry.StepRef{WorkflowId: wf.Id, StepId: s.Id}
				}
				n++
			}
		}
		return n, first
	}

	require.Eventually(t, func() bool {
		n, _ := inFlight()
		return n == 2
	}, 3*time.Second, 10*time.Millisecond)

	// no further dispatch until a slot frees up
	time.Sleep(100 * time.Millisecond)
	n, ref := inFlight()
	require.Equal(t, 2, n)

	require.NoError(t, m.ApplyOutcome(ref, model.STEP_SUCCEEDED, nil, ""))
	require.Eventually(t, func() bool {
		got, err := reg.GetWorkflow(wf.Id)
		require.NoError(t, err)
		dispatched := 0
		for _, s := range got.Steps {
			if s.AttemptCount > 0 {
				dispatched++
			}
		}
		n, _ := inFlight()
		return dispatched == 3 && n == 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestBestEffortFailureDoesNotFailWorkflow(t *testing.T) {
	d := newFakeDispatcher("alpha", "beta", "gamma")
	m, reg := newTestMachine(t, testFlowConfig(), d)

	plan := &model.Plan{Steps: []model.PlanStep{
		{Id: "a", Action: "alpha", BestEffort: true, MaxAttempts: 1},
		{Id: "b", Action: "beta", BestEffort: true, DependsOn: []string{"a"}},
		{Id: "c", Action: "gamma"},
	}}
	wf, err := m.Submit(context.Background(), "optional branch", plan, nil)
	require.NoError(t, err)

	refA, _ := waitForAttempt(t, reg, wf.Id, "a", 1)
	refC, _ := waitForAttempt(t, reg, wf.Id, "c", 1)
	require.NoError(t, m.ApplyOutcome(refA, model.STEP_FAILED, nil, "host unreachable"))
	require.NoError(t, m.ApplyOutcome(refC, model.STEP_SUCCEEDED, nil, ""))

	final := waitForWorkflowState(t, reg, wf.Id, model.WORKFLOW_COMPLETED)
	require.Equal(t, model.STEP_FAILED, final.Step("a").Status)
	require.Equal(t, model.STEP_CANCELLED, final.Step("b").Status)
	require.Equal(t, model.STEP_SUCCEEDED, final.Step("c").Status)
}

func TestRequiredStepBlockedByBestEffortFailure(t *testing.T) {
	d := newFakeDispatcher("alpha", "beta", "gamma")
	m, reg := newTestMachine(t, testFlowConfig(), d)

	// a required step behind a failed best-effort chain can never run, so
	// the workflow must fail rather than complete around it
	plan := &model.Plan{Steps: []model.PlanStep{
		{Id: "a", Action: "alpha", BestEffort: true, MaxAttempts: 1},
		{Id: "b", Action: "beta", BestEffort: true, DependsOn: []string{"a"}},
		{Id: "c", Action: "gamma", DependsOn: []string{"b"}},
	}}
	wf, err := m.Submit(context.Background(), "required behind optional", plan, nil)
	require.NoError(t, err)

	refA, _ := waitForAttempt(t, reg, wf.Id, "a", 1)
	require.NoError(t, m.ApplyOutcome(refA, model.STEP_FAILED, nil, "host unreachable"))

	final := waitForWorkflowState(t, reg, wf.Id, model.WORKFLOW_FAILED)
	require.Equal(t, model.STEP_FAILED, final.Step("a").Status)
	require.Equal(t, model.STEP_CANCELLED, final.Step("b").Status)
	require.Equal(t, model.STEP_CANCELLED, final.Step("c").Status)
	require.Contains(t, final.Step("c").ErrorDetail, "can never run")
	require.Zero(t, d.submitCount("gamma"))
}

func TestStaleAttemptOutcomeRejected(t *testing.T) {
	d := newFakeDispatcher("alpha")
	m, reg := newTestMachine(t, testFlowConfig(), d)

	plan := &model.Plan{Steps: []model.PlanStep{{Id: "a", Action: "alpha"}}}
	wf, err := m.Submit(context.Background(), "slow first attempt", plan, nil)
	require.NoError(t, err)

	staleRef, _ := waitForAttempt(t, reg, wf.Id, "a", 1)
	require.NoError(t, m.ApplyOutcome(staleRef, model.STEP_FAILED, nil, "worker lost"))
	waitForAttempt(t, reg, wf.Id, "a", 2)

	// a signal scoped to the first attempt must not resolve the second,
	// even though the step is in flight again
	require.ErrorIs(t, m.ApplyOutcome(staleRef, model.STEP_SUCCEEDED, nil, ""), model.ErrConflict)
	got, err := reg.GetWorkflow(wf.Id)
	require.NoError(t, err)
	require.Equal(t, 2, got.Step("a").AttemptCount)
	require.True(t, got.Step("a").Status.InFlight())
}

func TestEnqueueAfterStopReleasesGoroutines(t *testing.T) {
	d := newFakeDispatcher("alpha")
	reg := registry.New()
	var wg sync.WaitGroup
	m := NewMachine(testFlowConfig(), reg, d, planner.NewRulePlanner(), &wg)
	m.Start()
	m.Stop()

	// overflow the reeval buffer so enqueues take the goroutine fallback
	for i := 0; i < 300; i++ {
		m.Enqueue("wf-ghost")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("enqueue goroutines still blocked after stop")
	}
}

func TestPlanningFailureIsTerminal(t *testing.T) {
	// no kubernetes templates in the catalog, so the intent can not be planned
	d := newFakeDispatcher("execute-request")
	m, reg := newTestMachine(t, testFlowConfig(), d)

	wf, err := m.Submit(context.Background(), "deploy the app on kubernetes", nil, nil)
	var perr *model.PlanningError
	require.True(t, errors.As(err, &perr))
	require.NotNil(t, wf)
	require.Equal(t, model.WORKFLOW_PLANNING_FAILED, wf.State)
	require.Empty(t, wf.Steps)

	stored, err := reg.GetWorkflow(wf.Id)
	require.NoError(t, err)
	require.Equal(t, model.WORKFLOW_PLANNING_FAILED, stored.State)
	require.Zero(t, d.submitCount("execute-request"))
}

func TestCancelWorkflow(t *testing.T) {
	d := newFakeDispatcher("alpha", "beta")
	m, reg := newTestMachine(t, testFlowConfig(), d)

	plan := &model.Plan{Steps: []model.PlanStep{
		{Id: "a", Action: "alpha"},
		{Id: "b", Action: "beta", DependsOn: []string{"a"}},
	}}
	wf, err := m.Submit(context.Background(), "cancel me", plan, nil)
	require.NoError(t, err)

	_, jobA := waitForAttempt(t, reg, wf.Id, "a", 1)
	require.NoError(t, m.Cancel(wf.Id))

	final, err := reg.GetWorkflow(wf.Id)
	require.NoError(t, err)
	require.Equal(t, model.WORKFLOW_CANCELLED, final.State)
	require.Equal(t, model.STEP_CANCELLED, final.Step("a").Status)
	require.Equal(t, model.STEP_CANCELLED, final.Step("b").Status)

	require.Eventually(t, func() bool {
		return d.wasCancelled(jobA)
	}, 3*time.Second, 10*time.Millisecond)

	require.ErrorIs(t, m.Cancel(wf.Id), model.ErrWorkflowTerminal)

	// a stale success signal for the cancelled step changes nothing
	refA := registry.StepRef{WorkflowId: wf.Id, StepId: "a"}
	require.ErrorIs(t, m.ApplyOutcome(refA, model.STEP_SUCCEEDED, nil, ""), model.ErrConflict)
	after, err := reg.GetWorkflow(wf.Id)
	require.NoError(t, err)
	require.Equal(t, model.WORKFLOW_CANCELLED, after.State)
}

func TestRejectedSubmitFailsStepWithoutRetry(t *testing.T) {
	d := newFakeDispatcher("alpha")
	d.failNextSubmit("alpha", &model.TerminalDispatchError{Reason: "no job template for action alpha"})
	m, reg := newTestMachine(t, testFlowConfig(), d)

	plan := &model.Plan{Steps: []model.PlanStep{{Id: "a", Action: "alpha"}}}
	wf, err := m.Submit(context.Background(), "rejected", plan, nil)
	require.NoError(t, err)

	final := waitForWorkflowState(t, reg, wf.Id, model.WORKFLOW_FAILED)
	step := final.Step("a")
	require.Equal(t, model.STEP_FAILED, step.Status)
	require.Equal(t, 1, step.AttemptCount)
	require.Contains(t, step.ErrorDetail, "no job template")
	require.Zero(t, d.submitCount("alpha"))
}

func TestTransientSubmitFailureRetriedInPlace(t *testing.T) {
	d := newFakeDispatcher("alpha")
	d.failNextSubmit("alpha", &model.TransientDispatchError{Reason: "gateway timeout"})
	m, reg := newTestMachine(t, testFlowConfig(), d)

	plan := &model.Plan{Steps: []model.PlanStep{{Id: "a", Action: "alpha"}}}
	wf, err := m.Submit(context.Background(), "flaky submit", plan, nil)
	require.NoError(t, err)

	ref, _ := waitForAttempt(t, reg, wf.Id, "a", 1)
	got, err := reg.GetWorkflow(wf.Id)
	require.NoError(t, err)
	// submit-layer retry does not consume a step attempt
	require.Equal(t, 1, got.Step("a").AttemptCount)
	require.Equal(t, 1, d.submitCount("alpha"))

	require.NoError(t, m.ApplyOutcome(ref, model.STEP_SUCCEEDED, nil, ""))
	waitForWorkflowState(t, reg, wf.Id, model.WORKFLOW_COMPLETED)
}

func TestAmbiguousSubmitRecoveredByCorrelation(t *testing.T) {
	d := newFakeDispatcher("alpha")
	d.failNextSubmit("alpha", &model.TransientDispatchError{Reason: "connection reset mid request"})
	d.correlations[CorrelationId("a", 1)] = "launched-anyway"
	m, reg := newTestMachine(t, testFlowConfig(), d)

	plan := &model.Plan{Steps: []model.PlanStep{{Id: "a", Action: "alpha"}}}
	wf, err := m.Submit(context.Background(), "ambiguous submit", plan, nil)
	require.NoError(t, err)

	_, jobId := waitForAttempt(t, reg, wf.Id, "a", 1)
	require.Equal(t, "launched-anyway", jobId)
	// the job that did launch is adopted instead of launched twice
	require.Zero(t, d.submitCount("alpha"))
}

func TestDuplicateOutcomeIgnored(t *testing.T) {
	d := newFakeDispatcher("alpha")
	m, reg := newTestMachine(t, testFlowConfig(), d)

	plan := &model.Plan{Steps: []model.PlanStep{{Id: "a", Action: "alpha"}}}
	wf, err := m.Submit(context.Background(), "duplicate webhook", plan, nil)
	require.NoError(t, err)

	ref, _ := waitForAttempt(t, reg, wf.Id, "a", 1)
	require.NoError(t, m.ApplyOutcome(ref, model.STEP_SUCCEEDED, nil, ""))
	require.ErrorIs(t, m.ApplyOutcome(ref, model.STEP_SUCCEEDED, nil, ""), model.ErrConflict)
	require.ErrorIs(t, m.ApplyOutcome(ref, model.STEP_FAILED, nil, "late failure"), model.ErrConflict)
	waitForWorkflowState(t, reg, wf.Id, model.WORKFLOW_COMPLETED)
}

func TestDependencyResultsFlowIntoParams(t *testing.T) {
	d := newFakeDispatcher("alpha", "beta")
	m, reg := newTestMachine(t, testFlowConfig(), d)

	plan := &model.Plan{Steps: []model.PlanStep{
		{Id: "provision", Action: "alpha"},
		{Id: "configure", Action: "beta", DependsOn: []string{"provision"},
			Params: map[string]any{
				"cluster_ip": "{$.steps.provision.result.cluster_ip}",
				"env":        "{$.input.env}",
			}},
	}}
	wf, err := m.Submit(context.Background(), "chained params", plan, map[string]any{"env": "staging"})
	require.NoError(t, err)

	ref, _ := waitForAttempt(t, reg, wf.Id, "provision", 1)
	require.NoError(t, m.ApplyOutcome(ref, model.STEP_SUCCEEDED, map[string]any{"cluster_ip": "10.0.0.5"}, ""))

	waitForAttempt(t, reg, wf.Id, "configure", 1)
	params := d.lastParams("beta")
	require.Equal(t, "10.0.0.5", params["cluster_ip"])
	require.Equal(t, "staging", params["env"])
}

func TestTimeoutExhaustionMarksDetail(t *testing.T) {
	d := newFakeDispatcher("alpha")
	m, reg := newTestMachine(t, testFlowConfig(), d)

	plan := &model.Plan{Steps: []model.PlanStep{{Id: "a", Action: "alpha", MaxAttempts: 1}}}
	wf, err := m.Submit(context.Background(), "always late", plan, nil)
	require.NoError(t, err)

	ref, _ := waitForAttempt(t, reg, wf.Id, "a", 1)
	require.NoError(t, m.ApplyOutcome(ref, model.STEP_TIMED_OUT, nil, "no completion within 30m0s"))

	final := waitForWorkflowState(t, reg, wf.Id, model.WORKFLOW_FAILED)
	step := final.Step("a")
	require.Equal(t, model.STEP_FAILED, step.Status)
	require.True(t, strings.HasPrefix(step.ErrorDetail, "timed out:"))
}
