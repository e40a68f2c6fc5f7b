package workflow

import (
	"errors"
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reasonchain/internal/domain"
)

func TestTrackerMarkPhaseMutualExclusion(t *testing.T) {
	tr := NewTracker("run", clockwork.NewFakeClock())

	tr.MarkPhaseExecuted("phase1_stream")
	tr.MarkPhaseFailed("phase1_stream", errors.New("boom"))
	assert.True(t, tr.Failed("phase1_stream"))
	assert.False(t, tr.Succeeded("phase1_stream"))

	tr.MarkPhaseSucceeded("phase1_stream")
	assert.True(t, tr.Succeeded("phase1_stream"))
	assert.False(t, tr.Failed("phase1_stream"))

	s := tr.ExecutionSummary()
	assert.Equal(t, []string{"phase1_stream"}, s.PhasesExecuted)
	assert.Equal(t, []string{"phase1_stream"}, s.PhasesSucceeded)
	assert.Empty(t, s.PhasesFailed)
	assert.Equal(t, "boom", s.Errors["phase1_stream"])
}

func TestTrackerMarkIsIdempotent(t *testing.T) {
	tr := NewTracker("run", clockwork.NewFakeClock())
	for i := 0; i < 3; i++ {
		tr.MarkPhaseExecuted("phase2_batch")
		tr.MarkPhaseSucceeded("phase2_batch")
	}
	s := tr.ExecutionSummary()
	assert.Equal(t, []string{"phase2_batch"}, s.PhasesExecuted)
	assert.Equal(t, []string{"phase2_batch"}, s.PhasesSucceeded)
}

// Random mark sequences never leave a key in both sets.
func TestTrackerSetsStayDisjoint(t *testing.T) {
	keys := []string{"phase1_stream", "phase1_batch", "phase2_stream", "phase2_batch", "workflow"}
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		tr := NewTracker("run", clockwork.NewFakeClock())
		for op := 0; op < 30; op++ {
			key := keys[rng.Intn(len(keys))]
			switch rng.Intn(3) {
			case 0:
				tr.MarkPhaseExecuted(key)
			case 1:
				tr.MarkPhaseSucceeded(key)
			case 2:
				tr.MarkPhaseFailed(key, nil)
			}
			s := tr.ExecutionSummary()
			for _, k := range s.PhasesSucceeded {
				require.False(t, slices.Contains(s.PhasesFailed, k), "key %q in both sets", k)
			}
		}
	}
}

func TestTrackerFinalize(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := NewTracker("run-1", clock)
	start := clock.Now()

	clock.Advance(1500 * time.Millisecond)
	s := tr.Finalize(true, "workflow completed")

	assert.Equal(t, "run-1", s.RunID)
	assert.True(t, s.Success)
	assert.Equal(t, "workflow completed", s.Message)
	assert.Equal(t, start, s.StartTime)
	assert.Equal(t, 1500*time.Millisecond, s.Duration)

	clock.Advance(time.Second)
	again := tr.Finalize(false, "ignored")
	assert.True(t, again.Success, "second finalize has no effect")
	assert.Equal(t, 1500*time.Millisecond, again.Duration)
	assert.Equal(t, start, again.StartTime)
}

func TestTrackerContentAndPhase2Context(t *testing.T) {
	tr := NewTracker("run", clockwork.NewFakeClock())
	assert.Equal(t, "", tr.Phase2Context())

	tr.SetContent("answer")
	assert.Equal(t, "answer", tr.Phase2Context())

	tr.UpdateReasoning("because", domain.ReasoningNative)
	assert.Equal(t, "because", tr.Phase2Context())

	tr.SetFinalAnswer("final", answerStream)
	assert.Equal(t, 1, tr.IncrementAttempt(domain.PhaseReasoning))
	assert.Equal(t, 2, tr.IncrementAttempt(domain.PhaseReasoning))

	s := tr.ExecutionSummary()
	assert.True(t, s.ReasoningObtained)
	assert.True(t, s.ContentObtained)
	assert.True(t, s.FinalAnswerObtained)
	assert.Equal(t, domain.ReasoningNative, s.ReasoningMethod)
	assert.Equal(t, answerStream, s.FinalAnswerMethod)
	assert.Equal(t, 2, s.Attempts[domain.PhaseReasoning])
}

func TestTrackerSummaryIsSnapshot(t *testing.T) {
	tr := NewTracker("run", clockwork.NewFakeClock())
	tr.MarkPhaseFailed("phase1_batch", errors.New("x"))
	s := tr.ExecutionSummary()

	s.PhasesFailed[0] = "mutated"
	s.Errors["phase1_batch"] = "mutated"

	fresh := tr.ExecutionSummary()
	assert.Equal(t, []string{"phase1_batch"}, fresh.PhasesFailed)
	assert.Equal(t, "x", fresh.Errors["phase1_batch"])
}
