package domain

import "context"

// BackendKind says which phase a backend serves.
type BackendKind string

const (
	BackendReasoning BackendKind = "reasoning"
	BackendTarget    BackendKind = "target"
)

// Backend is one OpenAI-compatible model endpoint driven by a phase executor.
type Backend interface {
	// Name returns the backend's configured identifier.
	Name() string
	// Stream sends req in streaming mode, reporting decoded events to sink as
	// frames arrive. It returns once the backend signals completion, the
	// stream ends, or sink returns false.
	Stream(ctx context.Context, req ChatRequest, sink EventSink) (*Completion, error)
	// Complete sends req in batch mode and decodes the single response body.
	Complete(ctx context.Context, req ChatRequest) (*Completion, error)
}
