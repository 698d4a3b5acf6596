package persistence

import (
	"context"

	"github.com/bakerstreetlabs/awxflow/model"
)

// WorkflowArchive stores terminal workflows evicted from the registry after
// the retention window, keeping them queryable by id.
type WorkflowArchive interface {
	Archive(ctx context.Context, wf *model.Workflow) error
	Get(ctx context.Context, workflowId string) (*model.Workflow, error)
}

// NoopArchive drops archived workflows. Default when no archive backend is
// configured.
type NoopArchive struct{}

func NewNoopArchive() *NoopArchive {
	return &NoopArchive{}
}

func (a *NoopArchive) Archive(ctx context.Context, wf *model.Workflow) error {
	return nil
}

func (a *NoopArchive) Get(ctx context.Context, workflowId string) (*model.Workflow, error) {
	return nil, model.ErrNotFound
}
