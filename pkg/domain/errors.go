package domain

import (
	"errors"
	"fmt"
)

// Step failure conditions. Handlers wrap one of these so the executor and callers
// can classify a failed run with errors.Is.
var (
	ErrGateTimeout      = errors.New("endpoint did not become available")
	ErrExtractFailure   = errors.New("extract failed")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrWriteFailure     = errors.New("write failed")
)

// Runner errors.
var (
	ErrPipelineNotFound  = errors.New("pipeline not found")
	ErrRunNotFound       = errors.New("run not found")
	ErrInvalidGraph      = errors.New("invalid pipeline graph")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrIllegalTransition = errors.New("illegal run state transition")
)

// StepError reports the node that failed a run and the absorbing state the run moved to.
type StepError struct {
	NodeID string
	State  RunState
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed (%s): %v", e.NodeID, e.State, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// ErrorResponse defines the JSON error model returned by the run API.
// RunID is set when the failure belongs to a recorded run.
type ErrorResponse struct {
	Code    string     `json:"code"`
	Message string     `json:"message"`
	RunID   string     `json:"run_id,omitempty"`
	Run     *RunRecord `json:"run,omitempty"`
}

// ErrorCode maps an error to the stable code exposed by the run API.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrGateTimeout):
		return "GATE_TIMEOUT"
	case errors.Is(err, ErrExtractFailure):
		return "EXTRACT_FAILURE"
	case errors.Is(err, ErrMalformedPayload):
		return "MALFORMED_PAYLOAD"
	case errors.Is(err, ErrWriteFailure):
		return "WRITE_FAILURE"
	case errors.Is(err, ErrPipelineNotFound), errors.Is(err, ErrRunNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidGraph), errors.Is(err, ErrConfigInvalid):
		return "INVALID_CONFIG"
	default:
		return "RUN_FAILED"
	}
}
