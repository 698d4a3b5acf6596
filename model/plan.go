package model

// Plan is the dependency-annotated set of steps a planner derives from one
// intent. Step ids are optional in a plan; the state machine assigns ids to
// steps that do not declare one.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

type PlanStep struct {
	Id          string         `json:"id,omitempty"`
	Action      string         `json:"action"`
	Description string         `json:"description,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	DependsOn   []string       `json:"dependsOn,omitempty"`
	BestEffort  bool           `json:"bestEffort,omitempty"`
	MaxAttempts int            `json:"maxAttempts,omitempty"`
}

// ActionTemplate describes one unit of work the dispatch target can execute.
// The catalog of templates constrains what a planner may emit.
type ActionTemplate struct {
	Id          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Playbook    string `json:"playbook,omitempty"`
}
