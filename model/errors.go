package model

import (
	"errors"
	"fmt"
)

// ErrConflict is returned when a compare-and-set transition finds the step
// in a status other than the expected pre-state. Duplicate and out-of-order
// signals surface as this and are treated as harmless no-ops.
var ErrConflict = errors.New("step not in expected status")

var ErrNotFound = errors.New("not found")

var ErrWorkflowTerminal = errors.New("workflow already terminal")

// TransientDispatchError marks a submit failure that is safe to retry at
// the submit layer without consuming a step attempt.
type TransientDispatchError struct {
	Reason string
	Err    error
}

func (e *TransientDispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient dispatch error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transient dispatch error: %s", e.Reason)
}

func (e *TransientDispatchError) Unwrap() error {
	return e.Err
}

// TerminalDispatchError marks a submit rejected by the dispatch target.
type TerminalDispatchError struct {
	Reason string
	Err    error
}

func (e *TerminalDispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("terminal dispatch error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("terminal dispatch error: %s", e.Reason)
}

func (e *TerminalDispatchError) Unwrap() error {
	return e.Err
}

// PlanningError marks a planner failure. The workflow never leaves planning
// and is reported terminal to the caller.
type PlanningError struct {
	Reason string
	Err    error
}

func (e *PlanningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("planning error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("planning error: %s", e.Reason)
}

func (e *PlanningError) Unwrap() error {
	return e.Err
}
