package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bakerstreetlabs/awxflow/model"
	"github.com/bakerstreetlabs/awxflow/persistence"
	rd "github.com/go-redis/redis/v9"
)

const archiveTTL = 7 * 24 * time.Hour

type Config struct {
	Addrs     []string
	Namespace string
}

// WorkflowArchive keeps terminal workflows in redis for a week past their
// registry retention.
type WorkflowArchive struct {
	redisClient rd.UniversalClient
	namespace   string
}

var _ persistence.WorkflowArchive = (*WorkflowArchive)(nil)

func NewWorkflowArchive(conf Config) *WorkflowArchive {
	redisClient := rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs: conf.Addrs,
	})
	return &WorkflowArchive{
		redisClient: redisClient,
		namespace:   conf.Namespace,
	}
}

func (a *WorkflowArchive) getNamespaceKey(args ...string) string {
	return fmt.Sprintf("%s:%s", a.namespace, strings.Join(args, ":"))
}

func (a *WorkflowArchive) Archive(ctx context.Context, wf *model.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return err
	}
	key := a.getNamespaceKey("workflow", wf.Id)
	return a.redisClient.Set(ctx, key, data, archiveTTL).Err()
}

func (a *WorkflowArchive) Get(ctx context.Context, workflowId string) (*model.Workflow, error) {
	key := a.getNamespaceKey("workflow", workflowId)
	data, err := a.redisClient.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	var wf model.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}
