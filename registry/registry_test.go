package registry

import (
	"testing"
	"time"

	"github.com/bakerstreetlabs/awxflow/model"
	"github.com/stretchr/testify/require"
)

func testWorkflow(id string) *model.Workflow {
	now := time.Now().UTC()
	return &model.Workflow{
		Id:        id,
		Intent:    "install nginx",
		State:     model.WORKFLOW_EXECUTING,
		CreatedAt: now,
		UpdatedAt: now,
		Steps: []*model.Step{
			{Id: "a", WorkflowId: id, Action: "install-nginx", Status: model.STEP_PENDING, MaxAttempts: 3},
			{Id: "b", WorkflowId: id, Action: "execute-request", Status: model.STEP_PENDING, MaxAttempts: 3, DependsOn: []string{"a"}},
		},
	}
}

func TestRegistry(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, r *Registry){
		"duplicate add rejected":              testDuplicateAdd,
		"snapshot is isolated from mutation":  testSnapshotIsolation,
		"stale step cas is a no-op":           testStaleStepCas,
		"stale workflow cas is a no-op":       testStaleWorkflowCas,
		"job index maps signals back to step": testJobIndex,
		"bind rejected once attempt retired":  testBindRetiredAttempt,
		"superseded attempt cas is a no-op":   testSupersededAttemptCas,
		"purge removes expired terminal only": testPurgeTerminal,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, New())
		})
	}
}

func testDuplicateAdd(t *testing.T, r *Registry) {
	require.NoError(t, r.Add(testWorkflow("wf-1")))
	require.Error(t, r.Add(testWorkflow("wf-1")))
}

func testSnapshotIsolation(t *testing.T, r *Registry) {
	require.NoError(t, r.Add(testWorkflow("wf-1")))
	snap, err := r.GetWorkflow("wf-1")
	require.NoError(t, err)

	snap.State = model.WORKFLOW_FAILED
	snap.Steps[0].Status = model.STEP_SUCCEEDED

	fresh, err := r.GetWorkflow("wf-1")
	require.NoError(t, err)
	require.Equal(t, model.WORKFLOW_EXECUTING, fresh.State)
	require.Equal(t, model.STEP_PENDING, fresh.Steps[0].Status)
}

func testStaleStepCas(t *testing.T, r *Registry) {
	require.NoError(t, r.Add(testWorkflow("wf-1")))
	ref := StepRef{WorkflowId: "wf-1", StepId: "a"}

	err := r.CompareAndSetStep(ref, []model.StepStatus{model.STEP_PENDING}, model.STEP_DISPATCHED, nil)
	require.NoError(t, err)

	// a second writer observing the old status must lose
	err = r.CompareAndSetStep(ref, []model.StepStatus{model.STEP_PENDING}, model.STEP_CANCELLED, nil)
	require.ErrorIs(t, err, model.ErrConflict)

	wf, err := r.GetWorkflow("wf-1")
	require.NoError(t, err)
	require.Equal(t, model.STEP_DISPATCHED, wf.Step("a").Status)
}

func testStaleWorkflowCas(t *testing.T, r *Registry) {
	require.NoError(t, r.Add(testWorkflow("wf-1")))
	err := r.CompareAndSetWorkflowState("wf-1",
		[]model.WorkflowState{model.WORKFLOW_EXECUTING}, model.WORKFLOW_COMPLETED)
	require.NoError(t, err)

	err = r.CompareAndSetWorkflowState("wf-1",
		[]model.WorkflowState{model.WORKFLOW_EXECUTING}, model.WORKFLOW_FAILED)
	require.ErrorIs(t, err, model.ErrConflict)

	wf, err := r.GetWorkflow("wf-1")
	require.NoError(t, err)
	require.Equal(t, model.WORKFLOW_COMPLETED, wf.State)
	require.NotNil(t, wf.CompletedAt)
}

func testJobIndex(t *testing.T, r *Registry) {
	require.NoError(t, r.Add(testWorkflow("wf-1")))
	ref := StepRef{WorkflowId: "wf-1", StepId: "a"}
	require.NoError(t, r.CompareAndSetStep(ref, []model.StepStatus{model.STEP_PENDING}, model.STEP_DISPATCHED, func(s *model.Step) {
		s.AttemptCount = 1
	}))
	require.NoError(t, r.BindExternalJob(ref, "941"))

	// the index entry carries the attempt the job was bound on
	got, ok := r.LookupExternalJob("941")
	require.True(t, ok)
	require.Equal(t, StepRef{WorkflowId: "wf-1", StepId: "a", Attempt: 1}, got)

	_, ok = r.LookupExternalJob("unknown")
	require.False(t, ok)

	r.UnbindExternalJob("941")
	_, ok = r.LookupExternalJob("941")
	require.False(t, ok)
}

func testSupersededAttemptCas(t *testing.T, r *Registry) {
	require.NoError(t, r.Add(testWorkflow("wf-1")))
	unscoped := StepRef{WorkflowId: "wf-1", StepId: "a"}
	require.NoError(t, r.CompareAndSetStep(unscoped, []model.StepStatus{model.STEP_PENDING}, model.STEP_DISPATCHED, func(s *model.Step) {
		s.AttemptCount = 2
	}))

	stale := StepRef{WorkflowId: "wf-1", StepId: "a", Attempt: 1}
	err := r.CompareAndSetStep(stale, []model.StepStatus{model.STEP_DISPATCHED}, model.STEP_SUCCEEDED, nil)
	require.ErrorIs(t, err, model.ErrConflict)
	require.ErrorIs(t, r.BindExternalJob(stale, "941"), model.ErrConflict)

	current := StepRef{WorkflowId: "wf-1", StepId: "a", Attempt: 2}
	require.NoError(t, r.CompareAndSetStep(current, []model.StepStatus{model.STEP_DISPATCHED}, model.STEP_SUCCEEDED, nil))
}

func testBindRetiredAttempt(t *testing.T, r *Registry) {
	require.NoError(t, r.Add(testWorkflow("wf-1")))
	ref := StepRef{WorkflowId: "wf-1", StepId: "a"}
	err := r.BindExternalJob(ref, "941")
	require.ErrorIs(t, err, model.ErrConflict)

	_, ok := r.LookupExternalJob("941")
	require.False(t, ok)
}

func testPurgeTerminal(t *testing.T, r *Registry) {
	expired := testWorkflow("wf-old")
	expired.State = model.WORKFLOW_COMPLETED
	old := time.Now().UTC().Add(-2 * time.Hour)
	expired.CompletedAt = &old
	expired.Steps[0].ExternalJobId = "941"
	require.NoError(t, r.Add(expired))
	require.NoError(t, r.BindExternalJob(StepRef{WorkflowId: "wf-old", StepId: "a"}, "941"))

	fresh := testWorkflow("wf-fresh")
	fresh.State = model.WORKFLOW_COMPLETED
	now := time.Now().UTC()
	fresh.CompletedAt = &now
	require.NoError(t, r.Add(fresh))

	active := testWorkflow("wf-active")
	require.NoError(t, r.Add(active))

	purged := r.PurgeTerminal(time.Hour)
	require.Len(t, purged, 1)
	require.Equal(t, "wf-old", purged[0].Id)

	_, err := r.GetWorkflow("wf-old")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = r.GetWorkflow("wf-fresh")
	require.NoError(t, err)
	_, err = r.GetWorkflow("wf-active")
	require.NoError(t, err)

	_, ok := r.LookupExternalJob("941")
	require.False(t, ok)
}

func TestInFlightStepsAndActiveIds(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(testWorkflow("wf-1")))
	require.NoError(t, r.CompareAndSetStep(StepRef{WorkflowId: "wf-1", StepId: "a"},
		[]model.StepStatus{model.STEP_PENDING}, model.STEP_DISPATCHED, nil))

	done := testWorkflow("wf-2")
	done.State = model.WORKFLOW_COMPLETED
	require.NoError(t, r.Add(done))

	steps := r.InFlightSteps()
	require.Len(t, steps, 1)
	require.Equal(t, "a", steps[0].Id)

	ids := r.ActiveWorkflowIds()
	require.Equal(t, []string{"wf-1"}, ids)
}
