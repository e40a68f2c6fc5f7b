package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"reasonchain/internal/domain"
	"reasonchain/internal/infra/tracer"
)

// errConsumerGone aborts a run whose event consumer stopped reading.
var errConsumerGone = fmt.Errorf("event consumer gone: %w", context.Canceled)

// Final answer methods recorded on the tracker.
const (
	answerStream = "stream"
	answerBatch  = "batch"
)

// Recorder receives workflow metrics. metrics.Prometheus implements it.
type Recorder interface {
	WorkflowStarted()
	WorkflowFinished(success bool, d time.Duration)
	PhaseAttempt(phase domain.Phase, stream bool, result string)
}

type nopRecorder struct{}

func (nopRecorder) WorkflowStarted()                        {}
func (nopRecorder) WorkflowFinished(bool, time.Duration)    {}
func (nopRecorder) PhaseAttempt(domain.Phase, bool, string) {}

// PhaseExecutor drives one phase against one backend, retrying failed
// attempts according to its step config.
type PhaseExecutor struct {
	phase    domain.Phase
	backend  domain.Backend
	step     domain.PhaseStepConfig
	tracker  *Tracker
	clock    clockwork.Clock
	recorder Recorder
	logger   *slog.Logger
}

// NewPhaseExecutor creates an executor for phase using the first configured step.
func NewPhaseExecutor(phase domain.Phase, backend domain.Backend, step domain.PhaseStepConfig, tracker *Tracker, clock clockwork.Clock, recorder Recorder, logger *slog.Logger) *PhaseExecutor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &PhaseExecutor{
		phase:    phase,
		backend:  backend,
		step:     step,
		tracker:  tracker,
		clock:    clock,
		recorder: recorder,
		logger:   logger.With("phase", string(phase), "backend", backend.Name(), "stream", step.Stream),
	}
}

// Run executes the phase, emitting events through emit. It reports whether
// the phase succeeded. An exhausted phase is not an error; err is non-nil
// only when the run must stop because the caller went away.
func (e *PhaseExecutor) Run(ctx context.Context, req domain.ChatRequest, emit domain.EventSink) (bool, error) {
	key := e.phase.Key(e.step.Stream)
	e.tracker.MarkPhaseExecuted(key)
	maxAttempts := e.step.MaxAttempts()

	for attempt := 1; ; attempt++ {
		e.tracker.IncrementAttempt(e.phase)
		start := e.clock.Now()

		comp, err := e.attempt(ctx, req, attempt, emit)
		if err == nil {
			e.recorder.PhaseAttempt(e.phase, e.step.Stream, "success")
			if !e.commit(comp, emit) {
				return false, errConsumerGone
			}
			e.tracker.MarkPhaseSucceeded(key)
			e.logger.Info("phase succeeded", "attempt", attempt, "duration", e.clock.Since(start))
			return true, nil
		}

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			e.recorder.PhaseAttempt(e.phase, e.step.Stream, "canceled")
			e.tracker.MarkPhaseFailed(key, err)
			return false, err
		}

		e.recorder.PhaseAttempt(e.phase, e.step.Stream, "failure")
		code := domain.ErrorCodeOf(err)
		retry := attempt < maxAttempts && domain.IsRetryableError(err)
		e.logger.Warn("phase attempt failed",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"code", code,
			"retrying", retry,
			"error", err,
		)

		if !retry {
			e.keepPartial(comp)
			e.tracker.MarkPhaseFailed(key, err)
			if !emit(domain.ErrorEvent{
				Text:    fmt.Sprintf("%s failed after %d attempt(s) (%s)", e.phase, attempt, code),
				Phase:   e.phase,
				Code:    code,
				Attempt: attempt,
			}) {
				return false, errConsumerGone
			}
			return false, nil
		}

		if !emit(domain.ErrorEvent{
			Text:     fmt.Sprintf("%s attempt %d/%d failed (%s), retrying", e.phase, attempt, maxAttempts, code),
			Phase:    e.phase,
			Code:     code,
			Attempt:  attempt,
			Retrying: true,
		}) {
			return false, errConsumerGone
		}
		if err := e.backoff(ctx); err != nil {
			e.tracker.MarkPhaseFailed(key, err)
			return false, err
		}
	}
}

// attempt makes one backend call under the step timeout and decides whether
// its output counts as a success.
func (e *PhaseExecutor) attempt(ctx context.Context, req domain.ChatRequest, attempt int, emit domain.EventSink) (*domain.Completion, error) {
	attemptCtx := ctx
	if e.step.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, e.step.Timeout)
		defer cancel()
	}

	attemptCtx, span := tracer.PhaseSpan(attemptCtx, e.tracker.RunID(), string(e.phase), attempt, e.step.Stream)
	defer span.End()

	var (
		comp *domain.Completion
		err  error
	)
	if e.step.Stream {
		comp, err = e.backend.Stream(attemptCtx, req, e.forward(emit))
	} else {
		comp, err = e.backend.Complete(attemptCtx, req)
	}

	switch {
	case err != nil:
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrTimeout) {
			err = fmt.Errorf("%w: attempt exceeded %s: %w", domain.ErrTimeout, e.step.Timeout, err)
		}
	case comp == nil:
		err = domain.ErrEmptyContent
	case e.step.Stream && !comp.Completed:
		err = fmt.Errorf("%w: stream ended without a completion signal", domain.ErrProtocol)
	case comp.Empty():
		err = domain.ErrEmptyContent
	}
	if err != nil {
		tracer.Finish(span, err)
		return comp, err
	}
	tracer.Finish(span, nil)
	return comp, nil
}

// forward relays decoder events, re-tagging content as summary in phase 2.
func (e *PhaseExecutor) forward(emit domain.EventSink) domain.EventSink {
	if e.phase != domain.PhaseSummary {
		return emit
	}
	return func(ev domain.WorkflowEvent) bool {
		if c, ok := ev.(domain.ContentEvent); ok {
			return emit(domain.SummaryEvent{Text: c.Text})
		}
		return emit(ev)
	}
}

// commit stores a successful attempt on the tracker and emits the events a
// batch call could not stream, then closes phase 2 with summary_end.
func (e *PhaseExecutor) commit(comp *domain.Completion, emit domain.EventSink) bool {
	if e.phase == domain.PhaseSummary {
		method := answerBatch
		if e.step.Stream {
			method = answerStream
		}
		e.tracker.SetFinalAnswer(comp.Content, method)
		if !e.step.Stream && !emit(domain.SummaryEvent{Text: comp.Content}) {
			return false
		}
		return emit(domain.SummaryEndEvent{})
	}

	if comp.Reasoning != "" {
		e.tracker.UpdateReasoning(comp.Reasoning, comp.Method)
	}
	e.tracker.SetContent(comp.Content)
	if e.step.Stream {
		return true
	}

	events := make([]domain.WorkflowEvent, 0, 4)
	if comp.Reasoning != "" {
		events = append(events, domain.ReasoningEvent{Text: comp.Reasoning})
	}
	if comp.Content != "" {
		events = append(events, domain.ContentEvent{Text: comp.Content})
	}
	events = append(events,
		domain.Phase1CompleteEvent{Reasoning: comp.Reasoning, Content: comp.Content, Method: comp.Method},
		domain.ReasoningEndEvent{},
	)
	for _, ev := range events {
		if !emit(ev) {
			return false
		}
	}
	return true
}

// keepPartial records what the last phase-1 attempt produced before it
// failed, so phase 2 can still build on it.
func (e *PhaseExecutor) keepPartial(comp *domain.Completion) {
	if e.phase != domain.PhaseReasoning || comp.Empty() {
		return
	}
	if comp.Reasoning != "" {
		e.tracker.UpdateReasoning(comp.Reasoning, comp.Method)
	}
	e.tracker.SetContent(comp.Content)
}

func (e *PhaseExecutor) backoff(ctx context.Context) error {
	if e.step.RetryBackoff <= 0 {
		return nil
	}
	select {
	case <-e.clock.After(e.step.RetryBackoff):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
