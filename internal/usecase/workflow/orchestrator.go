package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"reasonchain/internal/domain"
)

// genericFailure is the only failure text a client ever sees for a crashed run.
const genericFailure = "The request could not be completed. Please try again later."

// Config wires one orchestrator. Phase 1 runs only when Phase1Steps is
// non-empty; Phase2Steps is required. Only the first step of each phase is
// executed.
type Config struct {
	Reasoning      domain.Backend
	Target         domain.Backend
	Phase1Steps    []domain.PhaseStepConfig
	Phase2Steps    []domain.PhaseStepConfig
	CompletionHook domain.CompletionHook
	Recorder       Recorder
	Clock          clockwork.Clock
	Logger         *slog.Logger
}

// Orchestrator sequences phase 1 and phase 2 for a request. Each run gets its
// own Tracker; nothing is shared between runs.
type Orchestrator struct {
	reasoning domain.Backend
	target    domain.Backend
	phase1    *domain.PhaseStepConfig
	phase2    domain.PhaseStepConfig
	hook      domain.CompletionHook
	recorder  Recorder
	clock     clockwork.Clock
	logger    *slog.Logger
}

// New validates cfg and builds an orchestrator. Configuration problems are
// reported here, before any backend is contacted.
func New(cfg Config) (*Orchestrator, error) {
	if len(cfg.Phase2Steps) == 0 {
		return nil, domain.NewSubSystemError("workflow", "workflow.New", domain.ErrConfiguration, "phase 2 has no steps")
	}
	if cfg.Target == nil {
		return nil, domain.NewSubSystemError("workflow", "workflow.New", domain.ErrConfiguration, "no target backend")
	}
	if len(cfg.Phase1Steps) > 0 && cfg.Reasoning == nil {
		return nil, domain.NewSubSystemError("workflow", "workflow.New", domain.ErrConfiguration, "phase 1 configured without a reasoning backend")
	}
	for _, steps := range [][]domain.PhaseStepConfig{cfg.Phase1Steps, cfg.Phase2Steps} {
		for _, s := range steps {
			if s.RetryNum < 0 {
				return nil, domain.NewSubSystemError("workflow", "workflow.New", domain.ErrConfiguration, "retry_num must be >= 0")
			}
		}
	}

	o := &Orchestrator{
		reasoning: cfg.Reasoning,
		target:    cfg.Target,
		phase2:    cfg.Phase2Steps[0],
		hook:      cfg.CompletionHook,
		recorder:  cfg.Recorder,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
	if len(cfg.Phase1Steps) > 0 {
		step := cfg.Phase1Steps[0]
		o.phase1 = &step
	}
	if o.recorder == nil {
		o.recorder = nopRecorder{}
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o, nil
}

// Run starts a workflow run and returns its events. The channel is closed
// after the final workflow_complete event. Canceling ctx stops the run at the
// next event boundary; no further backend reads are issued.
func (o *Orchestrator) Run(ctx context.Context, req domain.ChatRequest) (<-chan domain.WorkflowEvent, error) {
	if strings.TrimSpace(req.UserMessage) == "" {
		return nil, domain.NewSubSystemError("workflow", "Orchestrator.Run", domain.ErrInvalidInput, "empty user message")
	}

	runID := newRunID(o.clock.Now())
	ch := make(chan domain.WorkflowEvent)
	go o.run(ctx, runID, req, ch)
	return ch, nil
}

func (o *Orchestrator) run(ctx context.Context, runID string, req domain.ChatRequest, ch chan<- domain.WorkflowEvent) {
	defer close(ch)

	logger := o.logger.With("run_id", runID)
	tracker := NewTracker(runID, o.clock)
	emit := func(ev domain.WorkflowEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	o.recorder.WorkflowStarted()
	logger.Info("workflow started", "phase1", o.phase1 != nil, "phase2_stream", o.phase2.Stream)

	success, message := o.execute(ctx, tracker, req, emit, logger)
	summary := tracker.Finalize(success, message)
	o.recorder.WorkflowFinished(success, summary.Duration)

	emit(domain.WorkflowCompleteEvent{Success: success, Result: tracker.FinalAnswer(), RunID: runID})
	o.invokeHook(ctx, logger, summary)
	logSummary(logger, summary)
}

// execute runs both phases. A panic anywhere ends the run as failed with a
// generic workflow-level error event.
func (o *Orchestrator) execute(ctx context.Context, tracker *Tracker, req domain.ChatRequest, emit domain.EventSink, logger *slog.Logger) (success bool, message string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("workflow panicked", "panic", r, "stack", string(debug.Stack()))
			tracker.MarkPhaseFailed(string(domain.PhaseWorkflow), fmt.Errorf("panic: %v", r))
			emit(domain.ErrorEvent{Text: genericFailure, Phase: domain.PhaseWorkflow, Code: domain.CodeUnknown})
			success, message = false, "workflow aborted by an internal error"
		}
	}()

	phase2Context := req.AssistantContext
	if o.phase1 != nil {
		exec := NewPhaseExecutor(domain.PhaseReasoning, o.reasoning, *o.phase1, tracker, o.clock, o.recorder, logger)
		ok, err := exec.Run(ctx, req, emit)
		if err != nil {
			return false, "workflow canceled during phase 1"
		}
		if !ok {
			logger.Warn("phase 1 failed, continuing with partial output",
				"reasoning_len", len(tracker.Reasoning()),
				"content_len", len(tracker.Content()),
			)
		}
		phase2Context = tracker.Phase2Context()
	}

	phase2Req := domain.ChatRequest{
		SystemMessage:    req.SystemMessage,
		UserMessage:      req.UserMessage,
		AssistantContext: phase2Context,
	}
	exec := NewPhaseExecutor(domain.PhaseSummary, o.target, o.phase2, tracker, o.clock, o.recorder, logger)
	ok, err := exec.Run(ctx, phase2Req, emit)
	switch {
	case err != nil:
		return false, "workflow canceled during phase 2"
	case !ok:
		return false, "phase 2 failed"
	}
	return true, "workflow completed"
}

func (o *Orchestrator) invokeHook(ctx context.Context, logger *slog.Logger, summary domain.ExecutionSummary) {
	if o.hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("completion hook panicked", "panic", r)
		}
	}()
	o.hook(ctx, summary.Success, summary.Message, summary)
}

func logSummary(logger *slog.Logger, s domain.ExecutionSummary) {
	level := slog.LevelInfo
	if !s.Success {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "workflow finished",
		"success", s.Success,
		"message", s.Message,
		"duration", s.Duration.Round(time.Millisecond),
		"phases_executed", strings.Join(s.PhasesExecuted, ","),
		"phases_succeeded", strings.Join(s.PhasesSucceeded, ","),
		"phases_failed", strings.Join(s.PhasesFailed, ","),
		"reasoning_method", s.ReasoningMethod,
		"reasoning_obtained", s.ReasoningObtained,
		"final_answer_obtained", s.FinalAnswerObtained,
		"final_answer_method", s.FinalAnswerMethod,
	)
	for key, msg := range s.Errors {
		logger.Debug("phase error", "phase", key, "error", msg)
	}
}

func newRunID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
