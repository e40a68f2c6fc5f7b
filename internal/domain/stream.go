package domain

// DeltaKind tags a decoded token.
type DeltaKind int

const (
	DeltaReasoning DeltaKind = iota
	DeltaContent
)

// DecodedDelta is one normalized token pulled out of a backend frame.
// It lives only for the duration of that frame's processing.
type DecodedDelta struct {
	Kind DeltaKind
	Text string
}

// Event converts the delta into the phase-1 workflow event of the same kind.
func (d DecodedDelta) Event() WorkflowEvent {
	if d.Kind == DeltaReasoning {
		return ReasoningEvent{Text: d.Text}
	}
	return ContentEvent{Text: d.Text}
}

// Completion is what a backend call produced once decoding stopped.
type Completion struct {
	Reasoning    string
	Content      string
	Method       ReasoningMethod
	FinishReason string
	// Completed is true when the backend sent a recognized completion
	// signal. Batch responses are always complete.
	Completed   bool
	Frames      int
	EmptyFrames int
}

// Empty reports whether the call produced no usable text at all.
func (c *Completion) Empty() bool {
	return c == nil || (c.Reasoning == "" && c.Content == "")
}
