package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reasonchain/internal/domain"
)

type hookCall struct {
	success bool
	message string
	summary domain.ExecutionSummary
}

func hookInto(calls chan<- hookCall) domain.CompletionHook {
	return func(_ context.Context, success bool, message string, summary domain.ExecutionSummary) {
		calls <- hookCall{success, message, summary}
	}
}

func drain(ch <-chan domain.WorkflowEvent) []domain.WorkflowEvent {
	var out []domain.WorkflowEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func newTestOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewFakeClock()
	}
	cfg.Logger = discardLogger()
	o, err := New(cfg)
	require.NoError(t, err)
	return o
}

func reasoningStep() step {
	return step{
		events: []domain.WorkflowEvent{
			domain.ReasoningEvent{Text: "2+2 is 4"},
			domain.Phase1CompleteEvent{Reasoning: "2+2 is 4", Method: domain.ReasoningNative},
			domain.ReasoningEndEvent{},
		},
		comp: &domain.Completion{Reasoning: "2+2 is 4", Method: domain.ReasoningNative, Completed: true},
	}
}

func summaryStep(text string) step {
	return step{
		events: []domain.WorkflowEvent{domain.ContentEvent{Text: text}},
		comp:   &domain.Completion{Content: text, Completed: true},
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	target := newFakeBackend("target", summaryStep("x"))
	one := []domain.PhaseStepConfig{{Stream: true}}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no phase 2 steps", Config{Target: target}},
		{"no target", Config{Phase2Steps: one}},
		{"phase 1 without backend", Config{Target: target, Phase1Steps: one, Phase2Steps: one}},
		{"negative retries", Config{Target: target, Phase2Steps: []domain.PhaseStepConfig{{RetryNum: -1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := New(tt.cfg)
			assert.Nil(t, o)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfiguration)
			assert.Equal(t, domain.CodeConfiguration, domain.ErrorCodeOf(err))
		})
	}
	assert.Zero(t, target.calls(), "configuration errors surface before any backend call")
}

func TestRunRejectsEmptyUserMessage(t *testing.T) {
	target := newFakeBackend("target", summaryStep("x"))
	o := newTestOrchestrator(t, Config{Target: target, Phase2Steps: []domain.PhaseStepConfig{{}}})

	ch, err := o.Run(context.Background(), domain.ChatRequest{UserMessage: "  "})
	assert.Nil(t, ch)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, domain.CodeWorkflowInvalid, domain.ErrorCodeOf(err))
	assert.Zero(t, target.calls())
}

func TestRunBothPhasesStreaming(t *testing.T) {
	reasoner := newFakeBackend("reasoner", reasoningStep())
	target := newFakeBackend("target", summaryStep("4"))
	rec := &spyRecorder{}
	hooks := make(chan hookCall, 1)

	o := newTestOrchestrator(t, Config{
		Reasoning:      reasoner,
		Target:         target,
		Phase1Steps:    []domain.PhaseStepConfig{{Stream: true}},
		Phase2Steps:    []domain.PhaseStepConfig{{Stream: true}},
		CompletionHook: hookInto(hooks),
		Recorder:       rec,
	})

	req := domain.ChatRequest{SystemMessage: "be brief", UserMessage: "what is 2+2?", AssistantContext: "prior"}
	ch, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	events := drain(ch)

	require.Len(t, events, 6)
	assert.Equal(t, domain.ReasoningEvent{Text: "2+2 is 4"}, events[0])
	assert.IsType(t, domain.Phase1CompleteEvent{}, events[1])
	assert.Equal(t, domain.ReasoningEndEvent{}, events[2])
	assert.Equal(t, domain.SummaryEvent{Text: "4"}, events[3])
	assert.Equal(t, domain.SummaryEndEvent{}, events[4])

	done, ok := events[5].(domain.WorkflowCompleteEvent)
	require.True(t, ok, "workflow_complete is last")
	assert.True(t, done.Success)
	assert.Equal(t, "4", done.Result)
	assert.NotEmpty(t, done.RunID)

	assert.Equal(t, "prior", reasoner.request(0).AssistantContext)
	p2 := target.request(0)
	assert.Equal(t, "2+2 is 4", p2.AssistantContext, "phase 2 sees phase 1 reasoning")
	assert.Equal(t, "be brief", p2.SystemMessage)
	assert.Equal(t, "what is 2+2?", p2.UserMessage)

	call := <-hooks
	assert.True(t, call.success)
	assert.Equal(t, "workflow completed", call.message)
	assert.Equal(t, done.RunID, call.summary.RunID)
	assert.Equal(t, []string{"phase1_stream", "phase2_stream"}, call.summary.PhasesSucceeded)
	assert.Equal(t, domain.ReasoningNative, call.summary.ReasoningMethod)
	assert.True(t, call.summary.FinalAnswerObtained)

	assert.Equal(t, 1, rec.started)
	assert.Equal(t, []bool{true}, rec.finished)
}

func TestRunWithoutPhase1PassesContextThrough(t *testing.T) {
	target := newFakeBackend("target", step{comp: &domain.Completion{Content: "done", Completed: true}})
	o := newTestOrchestrator(t, Config{Target: target, Phase2Steps: []domain.PhaseStepConfig{{}}})

	ch, err := o.Run(context.Background(), domain.ChatRequest{UserMessage: "q", AssistantContext: "ctx"})
	require.NoError(t, err)
	events := drain(ch)

	assert.Equal(t, []domain.WorkflowEvent{
		domain.SummaryEvent{Text: "done"},
		domain.SummaryEndEvent{},
	}, events[:2])
	last := events[len(events)-1].(domain.WorkflowCompleteEvent)
	assert.True(t, last.Success)
	assert.Equal(t, "ctx", target.request(0).AssistantContext)
}

func TestRunPhase1FailureContinues(t *testing.T) {
	reasoner := newFakeBackend("reasoner", step{err: domain.ErrProviderError})
	target := newFakeBackend("target", summaryStep("fallback answer"))
	hooks := make(chan hookCall, 1)

	o := newTestOrchestrator(t, Config{
		Reasoning:      reasoner,
		Target:         target,
		Phase1Steps:    []domain.PhaseStepConfig{{RetryNum: 1}},
		Phase2Steps:    []domain.PhaseStepConfig{{Stream: true}},
		CompletionHook: hookInto(hooks),
	})

	ch, err := o.Run(context.Background(), domain.ChatRequest{UserMessage: "q", AssistantContext: "caller"})
	require.NoError(t, err)
	events := drain(ch)

	errs := errorEvents(events)
	require.Len(t, errs, 2)
	assert.Equal(t, domain.PhaseReasoning, errs[1].Phase)
	assert.False(t, errs[1].Retrying)

	last := events[len(events)-1].(domain.WorkflowCompleteEvent)
	assert.True(t, last.Success)
	assert.Equal(t, "fallback answer", last.Result)
	assert.Empty(t, target.request(0).AssistantContext, "phase 1 produced nothing to pass on")

	call := <-hooks
	assert.True(t, call.success)
	assert.Equal(t, []string{"phase1_batch"}, call.summary.PhasesFailed)
	assert.Equal(t, []string{"phase2_stream"}, call.summary.PhasesSucceeded)
	assert.Equal(t, 2, call.summary.Attempts[domain.PhaseReasoning])
}

func TestRunPhase1PartialReasoningReachesPhase2(t *testing.T) {
	reasoner := newFakeBackend("reasoner", step{
		events: []domain.WorkflowEvent{domain.ReasoningEvent{Text: "partial"}},
		comp:   &domain.Completion{Reasoning: "partial", Method: domain.ReasoningNative},
	})
	target := newFakeBackend("target", summaryStep("answer"))
	hooks := make(chan hookCall, 1)

	o := newTestOrchestrator(t, Config{
		Reasoning:      reasoner,
		Target:         target,
		Phase1Steps:    []domain.PhaseStepConfig{{Stream: true}},
		Phase2Steps:    []domain.PhaseStepConfig{{Stream: true}},
		CompletionHook: hookInto(hooks),
	})

	ch, err := o.Run(context.Background(), domain.ChatRequest{UserMessage: "q"})
	require.NoError(t, err)
	events := drain(ch)

	errs := errorEvents(events)
	require.Len(t, errs, 1)
	assert.Equal(t, domain.CodeProtocol, errs[0].Code)
	assert.Equal(t, "partial", target.request(0).AssistantContext)

	res := aggregate(events...)
	assert.Equal(t, "partial", res.Reasoning)
	assert.Equal(t, "answer", res.Content)

	call := <-hooks
	assert.True(t, call.success)
	assert.Equal(t, []string{"phase1_stream"}, call.summary.PhasesFailed)
	assert.Equal(t, domain.ReasoningNative, call.summary.ReasoningMethod)
}

func TestRunPhase1PartialContentReachesPhase2(t *testing.T) {
	reasoner := newFakeBackend("reasoner", step{
		comp: &domain.Completion{Content: "half an answer"},
		err:  domain.ErrTimeout,
	})
	target := newFakeBackend("target", summaryStep("answer"))

	o := newTestOrchestrator(t, Config{
		Reasoning:   reasoner,
		Target:      target,
		Phase1Steps: []domain.PhaseStepConfig{{}},
		Phase2Steps: []domain.PhaseStepConfig{{Stream: true}},
	})

	ch, err := o.Run(context.Background(), domain.ChatRequest{UserMessage: "q"})
	require.NoError(t, err)
	drain(ch)

	assert.Equal(t, "half an answer", target.request(0).AssistantContext)
}

func TestRunPhase2FailureFailsRun(t *testing.T) {
	target := newFakeBackend("target", step{err: domain.ErrTransport})
	hooks := make(chan hookCall, 1)
	o := newTestOrchestrator(t, Config{
		Target:         target,
		Phase2Steps:    []domain.PhaseStepConfig{{Stream: true}},
		CompletionHook: hookInto(hooks),
	})

	ch, err := o.Run(context.Background(), domain.ChatRequest{UserMessage: "q"})
	require.NoError(t, err)
	events := drain(ch)

	require.Len(t, events, 2)
	assert.Equal(t, domain.CodeTransport, events[0].(domain.ErrorEvent).Code)
	assert.Equal(t, domain.WorkflowCompleteEvent{Success: false, RunID: events[1].(domain.WorkflowCompleteEvent).RunID}, events[1])

	call := <-hooks
	assert.False(t, call.success)
	assert.Equal(t, "phase 2 failed", call.message)
	assert.Equal(t, []string{"phase2_stream"}, call.summary.PhasesFailed)
}

func TestRunRecoversFromPanic(t *testing.T) {
	target := newFakeBackend("target", step{panic: "decoder exploded"})
	hooks := make(chan hookCall, 1)
	o := newTestOrchestrator(t, Config{
		Target:         target,
		Phase2Steps:    []domain.PhaseStepConfig{{}},
		CompletionHook: hookInto(hooks),
	})

	ch, err := o.Run(context.Background(), domain.ChatRequest{UserMessage: "q"})
	require.NoError(t, err)
	events := drain(ch)

	require.Len(t, events, 2)
	assert.Equal(t, domain.ErrorEvent{Text: genericFailure, Phase: domain.PhaseWorkflow, Code: domain.CodeUnknown}, events[0])
	assert.False(t, events[1].(domain.WorkflowCompleteEvent).Success)

	call := <-hooks
	assert.False(t, call.success)
	assert.Contains(t, call.summary.PhasesFailed, "workflow")
	assert.Contains(t, call.summary.Errors["workflow"], "decoder exploded")
}

func TestRunSurvivesHookPanic(t *testing.T) {
	target := newFakeBackend("target", summaryStep("x"))
	o := newTestOrchestrator(t, Config{
		Target:      target,
		Phase2Steps: []domain.PhaseStepConfig{{Stream: true}},
		CompletionHook: func(context.Context, bool, string, domain.ExecutionSummary) {
			panic("hook")
		},
	})

	ch, err := o.Run(context.Background(), domain.ChatRequest{UserMessage: "q"})
	require.NoError(t, err)
	events := drain(ch)
	assert.True(t, events[len(events)-1].(domain.WorkflowCompleteEvent).Success)
}

func TestRunCanceledMidPhase(t *testing.T) {
	target := newFakeBackend("target", step{
		events: []domain.WorkflowEvent{domain.ContentEvent{Text: "partial"}},
		block:  true,
	})
	hooks := make(chan hookCall, 1)
	o := newTestOrchestrator(t, Config{
		Target:         target,
		Phase2Steps:    []domain.PhaseStepConfig{{Stream: true, RetryNum: 3}},
		CompletionHook: hookInto(hooks),
	})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := o.Run(ctx, domain.ChatRequest{UserMessage: "q"})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, domain.SummaryEvent{Text: "partial"}, first)
	cancel()
	drain(ch)

	select {
	case call := <-hooks:
		assert.False(t, call.success)
		assert.Equal(t, "workflow canceled during phase 2", call.message)
	case <-time.After(5 * time.Second):
		t.Fatal("completion hook not called")
	}
	assert.Equal(t, 1, target.calls(), "no retry after cancellation")
}

func TestRunThenAggregate(t *testing.T) {
	reasoner := newFakeBackend("reasoner", reasoningStep())
	target := newFakeBackend("target", summaryStep("4"))
	o := newTestOrchestrator(t, Config{
		Reasoning:   reasoner,
		Target:      target,
		Phase1Steps: []domain.PhaseStepConfig{{Stream: true}},
		Phase2Steps: []domain.PhaseStepConfig{{}},
	})

	ch, err := o.Run(context.Background(), domain.ChatRequest{UserMessage: "q"})
	require.NoError(t, err)
	res := Aggregate(context.Background(), ch)

	assert.Equal(t, "4", res.Content)
	assert.Equal(t, "2+2 is 4", res.Reasoning)
	assert.Equal(t, domain.ReasoningNative, res.ReasoningMethod)
	assert.Equal(t, 200, res.StatusCode)
	assert.Empty(t, res.Error)
}

func TestNewRunIDsAreUnique(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := newRunID(now)
		require.False(t, seen[id], "duplicate run id %s", id)
		seen[id] = true
	}
}
