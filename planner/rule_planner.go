package planner

import (
	"context"
	"strings"

	"github.com/bakerstreetlabs/awxflow/model"
)

const fallbackAction = "execute-request"

var knownPackages = []string{"nginx", "docker", "kubernetes", "postgresql", "redis"}

// RulePlanner decomposes an intent by pattern matching against common
// request shapes. It is the default planner; an LLM-backed one satisfies
// the same contract.
type RulePlanner struct{}

func NewRulePlanner() *RulePlanner {
	return &RulePlanner{}
}

func (p *RulePlanner) Plan(ctx context.Context, intent string, catalog []model.ActionTemplate, planContext map[string]any) (*model.Plan, error) {
	request := strings.ToLower(intent)

	var steps []model.PlanStep
	switch {
	case strings.Contains(request, "deploy") && strings.Contains(request, "kubernetes"):
		steps = []model.PlanStep{
			{
				Id:          "provision",
				Action:      "provision-k8s-cluster",
				Description: "Provision Kubernetes cluster",
			},
			{
				Id:          "configure",
				Action:      "configure-k8s",
				Description: "Configure Kubernetes",
				DependsOn:   []string{"provision"},
			},
		}
	case strings.Contains(request, "install"):
		pkg := "nginx"
		for _, candidate := range knownPackages {
			if strings.Contains(request, candidate) {
				pkg = candidate
				break
			}
		}
		steps = []model.PlanStep{
			{
				Id:          "install",
				Action:      "install-" + pkg,
				Description: "Install " + pkg,
			},
		}
	default:
		steps = []model.PlanStep{
			{
				Id:          "execute",
				Action:      fallbackAction,
				Description: intent,
				Params:      map[string]any{"request": intent},
			},
		}
	}
	plan := &model.Plan{Steps: steps}
	if err := Validate(plan, catalog); err != nil {
		return nil, err
	}
	return plan, nil
}
