package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"reasonchain/internal/domain"
)

// Aggregator folds a run's events into one result for non-streaming callers.
// The zero value is ready to use.
type Aggregator struct {
	summary   strings.Builder
	reasoning strings.Builder
	method    domain.ReasoningMethod
	last      domain.WorkflowEvent
	lastError *domain.ErrorEvent

	completed bool
	success   bool
}

// Add consumes one event.
func (a *Aggregator) Add(ev domain.WorkflowEvent) {
	switch e := ev.(type) {
	case domain.ReasoningEvent:
		a.reasoning.WriteString(e.Text)
	case domain.SummaryEvent:
		a.summary.WriteString(e.Text)
	case domain.ContentEvent:
		a.last = e
	case domain.Phase1CompleteEvent:
		a.method = e.Method
		a.last = e
	case domain.ErrorEvent:
		if e.Retrying {
			// Partial text of the failed attempt is superseded by the retry.
			switch e.Phase {
			case domain.PhaseReasoning:
				a.reasoning.Reset()
			case domain.PhaseSummary:
				a.summary.Reset()
			}
			return
		}
		a.lastError = &e
	case domain.WorkflowCompleteEvent:
		a.completed = true
		a.success = e.Success
	}
}

// Result applies the precedence summary > reasoning > last structured event >
// no-results marker. A failed run that produced neither summary nor reasoning
// carries a generic error and a non-2xx status.
func (a *Aggregator) Result() domain.AggregatedResult {
	summary := a.summary.String()
	reasoning := a.reasoning.String()

	res := domain.AggregatedResult{
		Reasoning:       reasoning,
		ReasoningMethod: a.method,
		StatusCode:      http.StatusOK,
	}
	switch {
	case summary != "":
		res.Content = summary
	case reasoning != "":
		res.Content = reasoning
	case a.last != nil:
		res.Content = encodeEvent(a.last)
	default:
		res.Content = domain.NoResultsMarker
	}

	failed := !a.completed || !a.success
	if failed && summary == "" && reasoning == "" {
		res.Error = genericFailure
		res.StatusCode = http.StatusBadGateway
		if a.lastError != nil && a.lastError.Code == domain.CodeAuthInvalid {
			res.StatusCode = http.StatusUnauthorized
		}
	}
	return res
}

// Aggregate drains events and returns the folded result. It stops early if
// ctx is canceled.
func Aggregate(ctx context.Context, events <-chan domain.WorkflowEvent) domain.AggregatedResult {
	var a Aggregator
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return a.Result()
			}
			a.Add(ev)
		case <-ctx.Done():
			return a.Result()
		}
	}
}

// encodeEvent renders an event as a JSON object tagged with its kind.
func encodeEvent(ev domain.WorkflowEvent) string {
	fields := map[string]any{}
	if raw, err := json.Marshal(ev); err == nil {
		_ = json.Unmarshal(raw, &fields)
	}
	fields["type"] = ev.Kind()
	out, err := json.Marshal(fields)
	if err != nil {
		return string(ev.Kind())
	}
	return string(out)
}
