package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"reasonchain/internal/domain"
	"reasonchain/internal/infra/config"
)

// SummaryClient drives a target backend (phase 2). It understands the text
// shapes of several vendors through the ordered extractors in extract.go.
type SummaryClient struct {
	chatClient
}

// NewSummaryClient creates a client for a target-kind backend.
func NewSummaryClient(cfg config.BackendConfig, proxyURL string, logger *slog.Logger) *SummaryClient {
	return &SummaryClient{chatClient: newChatClient(cfg, proxyURL, logger)}
}

// Stream implements domain.Backend. Decoded text is reported as content
// events; the executor re-tags them for the workflow.
func (c *SummaryClient) Stream(ctx context.Context, req domain.ChatRequest, sink domain.EventSink) (*domain.Completion, error) {
	return c.stream(ctx, req, func(ctx context.Context, resp *http.Response) (*domain.Completion, error) {
		return newSummaryDecoder(c.logger, sink).decode(ctx, resp.Body)
	})
}

// Complete implements domain.Backend.
func (c *SummaryClient) Complete(ctx context.Context, req domain.ChatRequest) (*domain.Completion, error) {
	return c.complete(ctx, req, decodeSummaryBody)
}

type summaryChunk struct {
	Choices []map[string]json.RawMessage `json:"choices"`
}

type summaryDecoder struct {
	logger  *slog.Logger
	sink    domain.EventSink
	content strings.Builder
	comp    domain.Completion
}

func newSummaryDecoder(logger *slog.Logger, sink domain.EventSink) *summaryDecoder {
	return &summaryDecoder{logger: logger, sink: sink}
}

func (d *summaryDecoder) decode(ctx context.Context, body io.Reader) (*domain.Completion, error) {
	var sinkErr error
	err := readFrames(ctx, body, func(line []byte) bool {
		data, kind := parseFrame(line)
		switch kind {
		case frameSkip:
			return true
		case frameDone:
			d.comp.Completed = true
			return false
		case frameInvalid:
			d.logger.Warn("skipping malformed stream line", "line", truncate(string(line)))
			return true
		}

		done, ok := d.handle(data)
		if !ok {
			sinkErr = errConsumerGone
			return false
		}
		return !done
	})
	if sinkErr != nil {
		err = sinkErr
	}

	d.comp.Content = d.content.String()
	if d.comp.EmptyFrames > 0 {
		d.logger.Debug("stream had frames without text", "empty_frames", d.comp.EmptyFrames, "frames", d.comp.Frames)
	}
	return &d.comp, err
}

func (d *summaryDecoder) handle(data []byte) (done, ok bool) {
	d.comp.Frames++

	var chunk summaryChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		d.logger.Warn("skipping undecodable stream frame", "error", err)
		d.comp.EmptyFrames++
		return false, true
	}
	if len(chunk.Choices) == 0 {
		d.comp.EmptyFrames++
		return false, true
	}

	choice := chunk.Choices[0]
	if text := choiceDeltaText(choice); text != "" {
		d.content.WriteString(text)
		delta := domain.DecodedDelta{Kind: domain.DeltaContent, Text: text}
		if !d.sink(delta.Event()) {
			return false, false
		}
	} else {
		d.comp.EmptyFrames++
	}

	if fr, _ := rawString(choice["finish_reason"]); fr != "" {
		d.comp.FinishReason = fr
		if fr == "stop" || fr == "length" {
			d.comp.Completed = true
			return true, true
		}
	}
	return false, true
}

// choiceDeltaText applies the extractors to the choice's delta object, or to
// the choice itself for legacy completion frames without a delta.
func choiceDeltaText(choice map[string]json.RawMessage) string {
	if raw, ok := choice["delta"]; ok && !isNull(raw) {
		var delta map[string]json.RawMessage
		if err := json.Unmarshal(raw, &delta); err == nil {
			return extractText(delta)
		}
	}
	return extractText(choice)
}

// decodeSummaryBody extracts the answer from a batch response: the first
// choice's message, then the choice itself, then top-level content lists and
// Gemini candidates.
func decodeSummaryBody(body []byte) (*domain.Completion, error) {
	resp, err := decodeCompletionResponse(body)
	if err != nil {
		return nil, err
	}

	comp := &domain.Completion{Completed: true, FinishReason: resp.finishReason()}
	switch {
	case len(resp.Choices) > 0:
		if msg := resp.firstMessage(); msg != nil {
			comp.Content = extractText(msg)
		}
		if comp.Content == "" {
			comp.Content = extractText(resp.Choices[0])
		}
	case len(resp.Content) > 0 && !isNull(resp.Content):
		comp.Content = extractText(map[string]json.RawMessage{"content": resp.Content})
	case len(resp.Candidates) > 0:
		comp.Content = extractText(resp.Candidates[0].Content)
	default:
		return nil, fmt.Errorf("%w: response has no choices or content", domain.ErrProtocol)
	}
	return comp, nil
}

var _ domain.Backend = (*SummaryClient)(nil)
