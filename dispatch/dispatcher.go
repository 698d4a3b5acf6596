package dispatch

import (
	"context"

	"github.com/bakerstreetlabs/awxflow/model"
)

type JobState string

const JOB_RUNNING JobState = "RUNNING"
const JOB_SUCCEEDED JobState = "SUCCEEDED"
const JOB_FAILED JobState = "FAILED"
const JOB_NOT_FOUND JobState = "NOT_FOUND"

// JobResult is the dispatch target's view of a job.
type JobResult struct {
	State  JobState
	Output map[string]any
	Detail string
}

// Dispatcher normalizes submit/query/cancel against the external
// job-execution platform. It holds no workflow state; the correlation id
// passed to Submit is embedded in the submitted job so later signals can be
// mapped back to the originating step.
type Dispatcher interface {
	// Submit launches the named action and returns the external job id.
	// Failures are either *model.TransientDispatchError (safe to retry the
	// submit itself) or *model.TerminalDispatchError (the action was
	// rejected).
	Submit(ctx context.Context, action string, params map[string]any, correlationId string) (string, error)
	// Status is the reconciliation poll, never the primary completion path.
	Status(ctx context.Context, externalJobId string) (*JobResult, error)
	// Cancel is best-effort with no guaranteed synchronous effect.
	Cancel(ctx context.Context, externalJobId string) error
	// Actions enumerates the units of work this dispatcher can submit.
	Actions(ctx context.Context) ([]model.ActionTemplate, error)
	// LookupByCorrelation finds a job by the correlation id embedded at
	// submit time, for deduplicating ambiguous submit failures. Returns
	// model.ErrNotFound when the platform knows no such job.
	LookupByCorrelation(ctx context.Context, correlationId string) (string, error)
}

// TerminalJobState maps a dispatch-target status string to a terminal job
// state. The second return is false for non-terminal or unknown statuses.
func TerminalJobState(status string) (JobState, bool) {
	switch status {
	case "successful":
		return JOB_SUCCEEDED, true
	case "failed", "error", "canceled":
		return JOB_FAILED, true
	}
	return "", false
}
