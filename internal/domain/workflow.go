package domain

import (
	"context"
	"time"
)

// Phase identifies one stage of a workflow run.
type Phase string

const (
	PhaseReasoning Phase = "phase1"
	PhaseSummary   Phase = "phase2"
	PhaseWorkflow  Phase = "workflow"
)

// Key returns the tracker key for a phase run in the given mode,
// e.g. "phase1_stream" or "phase2_batch".
func (p Phase) Key(stream bool) string {
	if stream {
		return string(p) + "_stream"
	}
	return string(p) + "_batch"
}

// ReasoningMethod records where phase-1 reasoning text came from.
type ReasoningMethod string

const (
	ReasoningNative            ReasoningMethod = "native"
	ReasoningContentAsFallback ReasoningMethod = "content_as_reasoning"
	ReasoningMarker            ReasoningMethod = "marker"
)

// PhaseStepConfig is one configured step of a phase. Only the first step of
// each phase is executed.
type PhaseStepConfig struct {
	Stream       bool          `json:"stream" yaml:"stream"`
	RetryNum     int           `json:"retry_num" yaml:"retry_num"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	RetryBackoff time.Duration `json:"retry_backoff,omitempty" yaml:"retry_backoff"`
}

// MaxAttempts is the first attempt plus RetryNum retries.
func (c PhaseStepConfig) MaxAttempts() int {
	if c.RetryNum < 0 {
		return 1
	}
	return c.RetryNum + 1
}

// ExecutionSummary is a read-only snapshot of a run's state.
type ExecutionSummary struct {
	RunID               string            `json:"run_id"`
	Success             bool              `json:"success"`
	Message             string            `json:"message,omitempty"`
	Duration            time.Duration     `json:"duration"`
	StartTime           time.Time         `json:"start_time"`
	EndTime             time.Time         `json:"end_time,omitzero"`
	PhasesExecuted      []string          `json:"phases_executed"`
	PhasesSucceeded     []string          `json:"phases_succeeded"`
	PhasesFailed        []string          `json:"phases_failed"`
	Errors              map[string]string `json:"errors"`
	Attempts            map[Phase]int     `json:"attempts"`
	ReasoningObtained   bool              `json:"reasoning_obtained"`
	ReasoningMethod     ReasoningMethod   `json:"reasoning_method,omitempty"`
	ContentObtained     bool              `json:"content_obtained"`
	FinalAnswerObtained bool              `json:"final_answer_obtained"`
	FinalAnswerMethod   string            `json:"final_answer_method,omitempty"`
}

// CompletionHook is called once when a run is finalized, before the run's
// summary is logged.
type CompletionHook func(ctx context.Context, success bool, message string, summary ExecutionSummary)

// NoResultsMarker is returned when a run produced nothing displayable.
const NoResultsMarker = "No results available"

// AggregatedResult is the single answer handed to non-streaming callers.
type AggregatedResult struct {
	Content         string          `json:"content"`
	Reasoning       string          `json:"reasoning_content,omitempty"`
	ReasoningMethod ReasoningMethod `json:"reasoning_method,omitempty"`
	Error           string          `json:"error,omitempty"`
	StatusCode      int             `json:"status_code"`
}
