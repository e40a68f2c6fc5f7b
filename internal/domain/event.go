package domain

// EventKind names a workflow event on the wire and in logs.
type EventKind string

const (
	EventReasoning        EventKind = "reasoning"
	EventContent          EventKind = "content"
	EventPhase1Complete   EventKind = "phase1_complete"
	EventReasoningEnd     EventKind = "reasoning_end"
	EventSummary          EventKind = "summary"
	EventSummaryEnd       EventKind = "summary_end"
	EventError            EventKind = "error"
	EventWorkflowComplete EventKind = "workflow_complete"
)

// WorkflowEvent is the closed set of events a workflow run emits.
// Only types in this package implement it.
type WorkflowEvent interface {
	Kind() EventKind
	isWorkflowEvent()
}

// ReasoningEvent carries one reasoning delta from phase 1.
type ReasoningEvent struct {
	Text string `json:"content"`
}

// ContentEvent carries one answer delta from phase 1, or a decoded text
// delta from the summarization backend before it is re-tagged.
type ContentEvent struct {
	Text string `json:"content"`
}

// Phase1CompleteEvent closes phase 1 with everything it accumulated.
type Phase1CompleteEvent struct {
	Reasoning string          `json:"reasoning_content"`
	Content   string          `json:"content"`
	Method    ReasoningMethod `json:"reasoning_method,omitempty"`
}

// ReasoningEndEvent marks the end of the reasoning block.
type ReasoningEndEvent struct{}

// SummaryEvent carries one final-answer delta from phase 2.
type SummaryEvent struct {
	Text string `json:"content"`
}

// SummaryEndEvent marks the end of phase 2 output.
type SummaryEndEvent struct{}

// ErrorEvent reports a failed attempt or an exhausted phase.
// Retrying is true when another attempt of the same phase follows.
type ErrorEvent struct {
	Text     string    `json:"content"`
	Phase    Phase     `json:"phase"`
	Code     ErrorCode `json:"code,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Retrying bool      `json:"retrying,omitempty"`
}

// WorkflowCompleteEvent is always the last event of a run.
type WorkflowCompleteEvent struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	RunID   string `json:"run_id,omitempty"`
}

func (ReasoningEvent) Kind() EventKind        { return EventReasoning }
func (ContentEvent) Kind() EventKind          { return EventContent }
func (Phase1CompleteEvent) Kind() EventKind   { return EventPhase1Complete }
func (ReasoningEndEvent) Kind() EventKind     { return EventReasoningEnd }
func (SummaryEvent) Kind() EventKind          { return EventSummary }
func (SummaryEndEvent) Kind() EventKind       { return EventSummaryEnd }
func (ErrorEvent) Kind() EventKind            { return EventError }
func (WorkflowCompleteEvent) Kind() EventKind { return EventWorkflowComplete }

func (ReasoningEvent) isWorkflowEvent()        {}
func (ContentEvent) isWorkflowEvent()          {}
func (Phase1CompleteEvent) isWorkflowEvent()   {}
func (ReasoningEndEvent) isWorkflowEvent()     {}
func (SummaryEvent) isWorkflowEvent()          {}
func (SummaryEndEvent) isWorkflowEvent()       {}
func (ErrorEvent) isWorkflowEvent()            {}
func (WorkflowCompleteEvent) isWorkflowEvent() {}

// EventSink receives events in order. Returning false tells the producer the
// consumer is gone; the producer must stop issuing network reads.
type EventSink func(WorkflowEvent) bool
