package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"reasonchain/internal/domain"
	"reasonchain/internal/infra/config"
	"reasonchain/internal/usecase/workflow"
)

// friendlyFailure replaces phase-2 and workflow error text in streamed answers.
const friendlyFailure = "Encountered some issues while processing the request. Please try again later."

const (
	objectChunk      = "chat.completion.chunk"
	objectCompletion = "chat.completion"
	finishStop       = "stop"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request_too_large", "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", "invalid JSON body")
		return
	}
	if len(body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "empty_messages", "messages must not be empty")
		return
	}

	req := collapseMessages(body.Messages)
	if strings.TrimSpace(req.UserMessage) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "empty_user_message", "no user message with text content")
		return
	}

	composite, err := s.resolveModel(body.Model)
	if err != nil {
		writeError(w, http.StatusNotFound, "invalid_request_error", "model_not_found", fmt.Sprintf("model %q not found", body.Model))
		return
	}
	model := composite.ModelID()
	logger := s.logger.With("model", model, "stream", body.Stream, "request_id", requestID(r))

	orch, err := s.newOrchestrator(composite, model, body.Stream)
	if err != nil {
		logger.Error("cannot build workflow", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", string(domain.ErrorCodeOf(err)), "the model is misconfigured")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := orch.Run(ctx, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", string(domain.ErrorCodeOf(err)), "invalid request")
		return
	}
	logger.Info("chat completion started",
		"system_len", len(req.SystemMessage),
		"user_len", len(req.UserMessage),
		"assistant_len", len(req.AssistantContext),
	)

	if body.Stream {
		s.streamCompletion(ctx, w, events, model)
		return
	}
	s.writeCompletion(ctx, w, events, model)
}

// resolveModel maps a requested model name to a composite, falling back to
// the active composite when the name is unknown or empty.
func (s *Server) resolveModel(name string) (*config.CompositeConfig, error) {
	if c, err := s.cfg.ResolveComposite(name); err == nil {
		return c, nil
	}
	return s.cfg.ActiveComposite()
}

// newOrchestrator wires a workflow for one request against the composite's
// backends.
func (s *Server) newOrchestrator(c *config.CompositeConfig, model string, stream bool) (*workflow.Orchestrator, error) {
	target, err := s.backends.Get(c.Target)
	if err != nil {
		return nil, err
	}
	var reasoning domain.Backend
	if c.Reasoning != "" {
		if reasoning, err = s.backends.Get(c.Reasoning); err != nil {
			return nil, err
		}
	}
	return workflow.New(workflow.Config{
		Reasoning:      reasoning,
		Target:         target,
		Phase1Steps:    s.cfg.Phase1Steps(),
		Phase2Steps:    s.cfg.Phase2Steps(),
		CompletionHook: s.completionHook(model, stream),
		Recorder:       s.recorder,
		Clock:          s.clock,
		Logger:         s.logger.With("model", model),
	})
}

func (s *Server) streamCompletion(ctx context.Context, w http.ResponseWriter, events <-chan domain.WorkflowEvent, model string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming_unsupported", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	tr := newStreamTranslator(s.newCompletionID(), model, s.clock.Now().Unix(), s.cfg.Server.AnswerPrefix)
	for ev := range events {
		for _, chunk := range tr.Translate(ev) {
			raw, err := json.Marshal(chunk)
			if err != nil {
				continue
			}
			if err := writeSSEData(w, raw); err != nil {
				s.logger.Debug("client went away", "error", err)
				return
			}
			flusher.Flush()
		}
		if _, done := ev.(domain.WorkflowCompleteEvent); done {
			_ = writeSSEData(w, []byte("[DONE]"))
			flusher.Flush()
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Server) writeCompletion(ctx context.Context, w http.ResponseWriter, events <-chan domain.WorkflowEvent, model string) {
	res := workflow.Aggregate(ctx, events)
	if res.Error != "" {
		kind := "api_error"
		if res.StatusCode == http.StatusUnauthorized {
			kind = "authentication_error"
		}
		writeError(w, res.StatusCode, kind, "upstream_failed", res.Error)
		return
	}

	writeJSON(w, http.StatusOK, ChatCompletion{
		ID:      s.newCompletionID(),
		Object:  objectCompletion,
		Created: s.clock.Now().Unix(),
		Model:   model,
		Choices: []CompletionChoice{{
			Message: ResponseMessage{
				Role:             domain.RoleAssistant,
				Content:          res.Content,
				ReasoningContent: res.Reasoning,
			},
			FinishReason: finishStop,
		}},
		ReasoningMethod: string(res.ReasoningMethod),
	})
}

// streamTranslator turns workflow events into OpenAI chunks for one response.
type streamTranslator struct {
	id      string
	model   string
	created int64
	prefix  string

	reasoningOpen  bool
	summaryStarted bool
}

func newStreamTranslator(id, model string, created int64, prefix string) *streamTranslator {
	return &streamTranslator{id: id, model: model, created: created, prefix: prefix}
}

// Translate returns the chunks ev maps to, possibly none. Phase-1 content
// and phase1_complete stay internal.
func (t *streamTranslator) Translate(ev domain.WorkflowEvent) []ChatCompletionChunk {
	switch e := ev.(type) {
	case domain.ReasoningEvent:
		if e.Text == "" {
			return nil
		}
		t.reasoningOpen = true
		return []ChatCompletionChunk{t.chunk(Delta{Role: domain.RoleAssistant, ReasoningContent: &e.Text}, nil)}

	case domain.ReasoningEndEvent:
		if !t.reasoningOpen {
			return nil
		}
		t.reasoningOpen = false
		nl := "\n"
		return []ChatCompletionChunk{t.chunk(Delta{Role: domain.RoleAssistant, ReasoningContent: &nl}, nil)}

	case domain.SummaryEvent:
		if e.Text == "" {
			return nil
		}
		var out []ChatCompletionChunk
		if !t.summaryStarted {
			t.summaryStarted = true
			if t.prefix != "" {
				prefix := t.prefix
				out = append(out, t.chunk(Delta{Role: domain.RoleAssistant, Content: &prefix}, nil))
			}
		}
		return append(out, t.chunk(Delta{Role: domain.RoleAssistant, Content: &e.Text}, nil))

	case domain.ErrorEvent:
		if e.Retrying || e.Phase == domain.PhaseReasoning {
			return nil
		}
		msg := friendlyFailure
		return []ChatCompletionChunk{t.chunk(Delta{Role: domain.RoleAssistant, Content: &msg}, nil)}

	case domain.WorkflowCompleteEvent:
		stop := finishStop
		return []ChatCompletionChunk{t.chunk(Delta{}, &stop)}
	}
	return nil
}

func (t *streamTranslator) chunk(d Delta, finish *string) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      t.id,
		Object:  objectChunk,
		Created: t.created,
		Model:   t.model,
		Choices: []ChunkChoice{{Delta: d, FinishReason: finish}},
	}
}

// collapseMessages folds an OpenAI message list into the three-part request
// both phases use: the last system message, user turns and assistant turns
// each joined by a blank line.
func collapseMessages(msgs []ChatMessage) domain.ChatRequest {
	var (
		req       domain.ChatRequest
		user      []string
		assistant []string
	)
	for _, m := range msgs {
		text := messageText(m.Content)
		switch strings.ToLower(m.Role) {
		case domain.RoleSystem:
			req.SystemMessage = text
		case domain.RoleUser:
			user = append(user, text)
		case domain.RoleAssistant, "model":
			assistant = append(assistant, text)
		}
	}
	req.UserMessage = strings.Join(user, "\n\n")
	req.AssistantContext = strings.Join(assistant, "\n\n")
	return req
}

// messageText reads string content, or the text parts of a content list
// joined by spaces.
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

func writeSSEData(w http.ResponseWriter, data []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Message: message, Type: kind, Code: code}})
}
