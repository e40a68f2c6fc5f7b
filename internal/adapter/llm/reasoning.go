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

// Default reasoning markers for backends that inline reasoning in content.
const (
	defaultReasoningMarker    = "<reasoning>"
	defaultReasoningEndMarker = "</reasoning>"
)

// ReasoningClient drives a reasoning backend (phase 1). It separates the
// reasoning trace from the answer text in both streaming and batch mode.
type ReasoningClient struct {
	chatClient
	openMarker  string
	closeMarker string
}

// NewReasoningClient creates a client for a reasoning-kind backend.
func NewReasoningClient(cfg config.BackendConfig, proxyURL string, logger *slog.Logger) *ReasoningClient {
	open, closing := cfg.ReasoningMarker, cfg.ReasoningEndMarker
	if open == "" {
		open, closing = defaultReasoningMarker, defaultReasoningEndMarker
	}
	return &ReasoningClient{
		chatClient:  newChatClient(cfg, proxyURL, logger),
		openMarker:  open,
		closeMarker: closing,
	}
}

// Stream implements domain.Backend.
func (c *ReasoningClient) Stream(ctx context.Context, req domain.ChatRequest, sink domain.EventSink) (*domain.Completion, error) {
	return c.stream(ctx, req, func(ctx context.Context, resp *http.Response) (*domain.Completion, error) {
		return newReasoningDecoder(c.logger, sink).decode(ctx, resp.Body)
	})
}

// Complete implements domain.Backend.
func (c *ReasoningClient) Complete(ctx context.Context, req domain.ChatRequest) (*domain.Completion, error) {
	return c.complete(ctx, req, func(body []byte) (*domain.Completion, error) {
		return decodeReasoningBody(body, c.openMarker, c.closeMarker)
	})
}

type reasoningChunk struct {
	Choices []struct {
		Delta struct {
			ReasoningContent json.RawMessage `json:"reasoning_content"`
			Content          json.RawMessage `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// reasoningDecoder turns a reasoning backend's SSE stream into workflow
// events. Native reasoning arrives in reasoning_content; a backend that never
// sends it has its content treated as reasoning as well.
type reasoningDecoder struct {
	logger *slog.Logger
	sink   domain.EventSink

	reasoning strings.Builder
	content   strings.Builder
	native    bool
	comp      domain.Completion
}

func newReasoningDecoder(logger *slog.Logger, sink domain.EventSink) *reasoningDecoder {
	return &reasoningDecoder{logger: logger, sink: sink}
}

func (d *reasoningDecoder) decode(ctx context.Context, body io.Reader) (*domain.Completion, error) {
	var sinkErr error
	err := readFrames(ctx, body, func(line []byte) bool {
		data, kind := parseFrame(line)
		switch kind {
		case frameSkip:
			return true
		case frameDone:
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

	d.comp.Reasoning = d.reasoning.String()
	d.comp.Content = d.content.String()
	if err != nil {
		return &d.comp, err
	}
	if d.comp.Completed {
		if !d.emit(domain.Phase1CompleteEvent{Reasoning: d.comp.Reasoning, Content: d.comp.Content, Method: d.comp.Method}) ||
			!d.emit(domain.ReasoningEndEvent{}) {
			return &d.comp, errConsumerGone
		}
	}
	return &d.comp, nil
}

// handle processes one data payload. done reports a completion signal; ok is
// false once the sink stops accepting events.
func (d *reasoningDecoder) handle(data []byte) (done, ok bool) {
	d.comp.Frames++

	var chunk reasoningChunk
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
	var deltas []domain.DecodedDelta

	rc, rcPresent := rawString(choice.Delta.ReasoningContent)
	switch {
	case rc != "":
		d.native = true
		d.comp.Method = domain.ReasoningNative
		deltas = append(deltas, domain.DecodedDelta{Kind: domain.DeltaReasoning, Text: rc})
	case rcPresent && d.native:
		// reasoning_content present but empty after reasoning began ends phase 1.
		done = true
	}

	if c, _ := rawString(choice.Delta.Content); c != "" {
		if !d.native {
			d.comp.Method = domain.ReasoningContentAsFallback
			deltas = append(deltas, domain.DecodedDelta{Kind: domain.DeltaReasoning, Text: c})
		}
		deltas = append(deltas, domain.DecodedDelta{Kind: domain.DeltaContent, Text: c})
	}

	if choice.FinishReason != nil {
		d.comp.FinishReason = *choice.FinishReason
		if *choice.FinishReason == "stop" {
			done = true
		}
	}

	if len(deltas) == 0 {
		d.comp.EmptyFrames++
	}
	for _, delta := range deltas {
		if delta.Kind == domain.DeltaReasoning {
			d.reasoning.WriteString(delta.Text)
		} else {
			d.content.WriteString(delta.Text)
		}
		if !d.emit(delta.Event()) {
			return done, false
		}
	}
	if done {
		d.comp.Completed = true
	}
	return done, true
}

func (d *reasoningDecoder) emit(ev domain.WorkflowEvent) bool {
	return d.sink(ev)
}

// decodeReasoningBody splits a batch reasoning response. Native
// reasoning_content wins, then marker-delimited reasoning inside content,
// then the whole content doubles as reasoning.
func decodeReasoningBody(body []byte, openMarker, closeMarker string) (*domain.Completion, error) {
	resp, err := decodeCompletionResponse(body)
	if err != nil {
		return nil, err
	}
	msg := resp.firstMessage()
	if msg == nil {
		return nil, fmt.Errorf("%w: response has no message", domain.ErrProtocol)
	}

	comp := &domain.Completion{Completed: true, FinishReason: resp.finishReason()}
	content := extractText(msg)

	if rc, _ := rawString(msg["reasoning_content"]); rc != "" {
		comp.Reasoning = rc
		comp.Content = content
		comp.Method = domain.ReasoningNative
		return comp, nil
	}
	if reasoning, rest, ok := splitMarkers(content, openMarker, closeMarker); ok && reasoning != "" {
		comp.Reasoning = reasoning
		comp.Content = rest
		comp.Method = domain.ReasoningMarker
		return comp, nil
	}
	if content != "" {
		comp.Reasoning = content
		comp.Content = content
		comp.Method = domain.ReasoningContentAsFallback
	}
	return comp, nil
}

var _ domain.Backend = (*ReasoningClient)(nil)
