package domain

import (
	"fmt"
	"time"
)

// RunState is the position of a pipeline run in its state machine.
type RunState string

// Run states. Failure states are absorbing.
const (
	RunPending     RunState = "PENDING"
	RunReady       RunState = "READY"
	RunExtracted   RunState = "EXTRACTED"
	RunTransformed RunState = "TRANSFORMED"
	RunRoutedA     RunState = "ROUTED_A"
	RunRoutedB     RunState = "ROUTED_B"
	RunWritten     RunState = "WRITTEN"
	RunDone        RunState = "DONE"

	RunFailedGate      RunState = "FAILED_GATE"
	RunFailedExtract   RunState = "FAILED_EXTRACT"
	RunFailedTransform RunState = "FAILED_TRANSFORM"
	RunFailedWrite     RunState = "FAILED_WRITE"
	RunFailed          RunState = "FAILED"
)

var runTransitions = map[RunState][]RunState{
	RunPending:     {RunReady, RunFailedGate, RunFailed},
	RunReady:       {RunExtracted, RunFailedExtract, RunFailed},
	RunExtracted:   {RunTransformed, RunFailedTransform, RunFailed},
	RunTransformed: {RunRoutedA, RunRoutedB, RunFailed},
	RunRoutedA:     {RunWritten, RunFailedWrite, RunFailed},
	RunRoutedB:     {RunWritten, RunFailedWrite, RunFailed},
	RunWritten:     {RunDone, RunFailed},
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s RunState) CanTransition(next RunState) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s RunState) IsTerminal() bool {
	return len(runTransitions[s]) == 0
}

// IsFailure reports whether s is one of the absorbing failure states.
func (s RunState) IsFailure() bool {
	switch s {
	case RunFailedGate, RunFailedExtract, RunFailedTransform, RunFailedWrite, RunFailed:
		return true
	default:
		return false
	}
}

// StepState is the execution state of one node within a run.
type StepState string

const (
	StepPending        StepState = "pending"
	StepRunning        StepState = "running"
	StepSuccess        StepState = "success"
	StepFailed         StepState = "failed"
	StepSkipped        StepState = "skipped"
	StepUpstreamFailed StepState = "upstream_failed"
)

// RunRecord is the persisted history of one pipeline run.
type RunRecord struct {
	ID              string       `json:"id"`
	PipelineID      string       `json:"pipeline_id"`
	PipelineVersion int          `json:"pipeline_version"`
	Trigger         string       `json:"trigger"`
	State           RunState     `json:"state"`
	Branch          string       `json:"branch,omitempty"`
	FailedNode      string       `json:"failed_node,omitempty"`
	Error           string       `json:"error,omitempty"`
	StartedAt       time.Time    `json:"started_at"`
	EndedAt         time.Time    `json:"ended_at,omitempty"`
	Steps           []StepRecord `json:"steps"`
}

// StepRecord captures the execution of one node within a run.
type StepRecord struct {
	NodeID    string    `json:"node_id"`
	NodeType  string    `json:"node_type"`
	State     StepState `json:"state"`
	Attempts  int       `json:"attempts"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// NewRunRecord creates a pending run with one pending step per pipeline node.
func NewRunRecord(id string, pipeline *Pipeline, trigger string, now time.Time) *RunRecord {
	steps := make([]StepRecord, 0, len(pipeline.Nodes))
	for _, node := range pipeline.Nodes {
		steps = append(steps, StepRecord{NodeID: node.ID, NodeType: node.Type, State: StepPending})
	}
	return &RunRecord{
		ID:              id,
		PipelineID:      pipeline.ID,
		PipelineVersion: pipeline.Version,
		Trigger:         trigger,
		State:           RunPending,
		StartedAt:       now,
		Steps:           steps,
	}
}

// Transition moves the run to next, rejecting moves the state machine does not allow.
func (r *RunRecord) Transition(next RunState) error {
	if r.State == next {
		return nil
	}
	if !r.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.State, next)
	}
	r.State = next
	return nil
}

// Step returns the step record for the node, or nil.
func (r *RunRecord) Step(nodeID string) *StepRecord {
	for i := range r.Steps {
		if r.Steps[i].NodeID == nodeID {
			return &r.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand to stores and API callers.
func (r *RunRecord) Clone() *RunRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Steps = append([]StepRecord(nil), r.Steps...)
	return &out
}
