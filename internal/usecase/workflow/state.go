package workflow

import (
	"maps"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"

	"reasonchain/internal/domain"
)

// Tracker records what one workflow run did. It belongs to a single run and
// is only touched from that run's goroutine, so it carries no lock.
type Tracker struct {
	clock clockwork.Clock
	runID string

	executed  []string
	succeeded []string
	failed    []string
	errors    map[string]string
	attempts  map[domain.Phase]int

	reasoning         string
	reasoningMethod   domain.ReasoningMethod
	content           string
	finalAnswer       string
	finalAnswerMethod string

	success   bool
	message   string
	start     time.Time
	end       time.Time
	finalized bool
}

// NewTracker starts tracking a run. The start time is fixed here.
func NewTracker(runID string, clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		clock:    clock,
		runID:    runID,
		errors:   make(map[string]string),
		attempts: make(map[domain.Phase]int),
		start:    clock.Now(),
	}
}

// RunID returns the run identifier.
func (t *Tracker) RunID() string { return t.runID }

// MarkPhaseExecuted records that a phase key was started.
func (t *Tracker) MarkPhaseExecuted(key string) {
	t.executed = addKey(t.executed, key)
}

// MarkPhaseSucceeded moves key into the succeeded set.
func (t *Tracker) MarkPhaseSucceeded(key string) {
	t.failed = removeKey(t.failed, key)
	t.succeeded = addKey(t.succeeded, key)
}

// MarkPhaseFailed moves key into the failed set and records err, if any.
func (t *Tracker) MarkPhaseFailed(key string, err error) {
	t.succeeded = removeKey(t.succeeded, key)
	t.failed = addKey(t.failed, key)
	if err != nil {
		t.errors[key] = err.Error()
	}
}

// Succeeded reports whether key is in the succeeded set.
func (t *Tracker) Succeeded(key string) bool { return slices.Contains(t.succeeded, key) }

// Failed reports whether key is in the failed set.
func (t *Tracker) Failed(key string) bool { return slices.Contains(t.failed, key) }

// IncrementAttempt counts one more attempt of phase and returns the total.
func (t *Tracker) IncrementAttempt(phase domain.Phase) int {
	t.attempts[phase]++
	return t.attempts[phase]
}

// UpdateReasoning stores the phase-1 reasoning and where it came from.
func (t *Tracker) UpdateReasoning(text string, method domain.ReasoningMethod) {
	t.reasoning = text
	t.reasoningMethod = method
}

// SetContent stores the phase-1 answer text.
func (t *Tracker) SetContent(text string) { t.content = text }

// SetFinalAnswer stores the phase-2 answer and the mode that produced it.
func (t *Tracker) SetFinalAnswer(text, method string) {
	t.finalAnswer = text
	t.finalAnswerMethod = method
}

func (t *Tracker) Reasoning() string                       { return t.reasoning }
func (t *Tracker) ReasoningMethod() domain.ReasoningMethod { return t.reasoningMethod }
func (t *Tracker) Content() string                         { return t.content }
func (t *Tracker) FinalAnswer() string                     { return t.finalAnswer }

// Phase2Context is the assistant context handed to phase 2: reasoning if
// any, else phase-1 content, else empty.
func (t *Tracker) Phase2Context() string {
	if t.reasoning != "" {
		return t.reasoning
	}
	return t.content
}

// ExecutionSummary returns a snapshot that shares no memory with the tracker.
func (t *Tracker) ExecutionSummary() domain.ExecutionSummary {
	s := domain.ExecutionSummary{
		RunID:               t.runID,
		Success:             t.success,
		Message:             t.message,
		StartTime:           t.start,
		EndTime:             t.end,
		PhasesExecuted:      slices.Clone(t.executed),
		PhasesSucceeded:     slices.Clone(t.succeeded),
		PhasesFailed:        slices.Clone(t.failed),
		Errors:              maps.Clone(t.errors),
		Attempts:            maps.Clone(t.attempts),
		ReasoningObtained:   t.reasoning != "",
		ReasoningMethod:     t.reasoningMethod,
		ContentObtained:     t.content != "",
		FinalAnswerObtained: t.finalAnswer != "",
		FinalAnswerMethod:   t.finalAnswerMethod,
	}
	if t.finalized {
		s.Duration = t.end.Sub(t.start)
	} else {
		s.Duration = t.clock.Since(t.start)
	}
	return s
}

// Finalize stamps the end time and outcome. Only the first call has effect.
func (t *Tracker) Finalize(success bool, message string) domain.ExecutionSummary {
	if !t.finalized {
		t.finalized = true
		t.success = success
		t.message = message
		t.end = t.clock.Now()
	}
	return t.ExecutionSummary()
}

func addKey(set []string, key string) []string {
	if slices.Contains(set, key) {
		return set
	}
	return append(set, key)
}

func removeKey(set []string, key string) []string {
	return slices.DeleteFunc(set, func(k string) bool { return k == key })
}
