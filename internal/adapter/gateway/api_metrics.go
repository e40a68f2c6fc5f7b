package gateway

import (
	"context"
	"time"

	"reasonchain/internal/domain"
	"reasonchain/internal/infra/metrics"
)

// completionHook logs a finished run and counts it per composite model.
func (s *Server) completionHook(model string, stream bool) domain.CompletionHook {
	return func(_ context.Context, success bool, message string, summary domain.ExecutionSummary) {
		metrics.ChatCompletion(model, stream, success)
		s.logger.Info("chat completion finished",
			"model", model,
			"stream", stream,
			"run_id", summary.RunID,
			"success", success,
			"message", message,
			"duration", summary.Duration.Round(time.Millisecond),
			"reasoning_method", summary.ReasoningMethod,
			"final_answer_method", summary.FinalAnswerMethod,
		)
	}
}
