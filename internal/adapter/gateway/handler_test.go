package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reasonchain/internal/domain"
	"reasonchain/internal/infra/config"
)

func postChat(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestCollapseMessages(t *testing.T) {
	msgs := []ChatMessage{
		{Role: "system", Content: json.RawMessage(`"first system"`)},
		{Role: "user", Content: json.RawMessage(`"hello"`)},
		{Role: "assistant", Content: json.RawMessage(`"earlier answer"`)},
		{Role: "System", Content: json.RawMessage(`"second system"`)},
		{Role: "USER", Content: json.RawMessage(`[{"type":"text","text":"part"},{"type":"image_url","image_url":{"url":"x"}},{"type":"text","text":"two"}]`)},
		{Role: "model", Content: json.RawMessage(`"model turn"`)},
		{Role: "tool", Content: json.RawMessage(`"ignored"`)},
	}

	req := collapseMessages(msgs)
	assert.Equal(t, "second system", req.SystemMessage)
	assert.Equal(t, "hello\n\npart two", req.UserMessage)
	assert.Equal(t, "earlier answer\n\nmodel turn", req.AssistantContext)
}

func TestMessageText(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"string", `"plain"`, "plain"},
		{"parts", `[{"type":"text","text":"a"},{"type":"text","text":"b"}]`, "a b"},
		{"non-text parts", `[{"type":"image_url"}]`, ""},
		{"null", `null`, ""},
		{"number", `42`, ""},
		{"empty", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, messageText(json.RawMessage(tt.raw)))
		})
	}
}

func TestStreamTranslator(t *testing.T) {
	tr := newStreamTranslator("chatcmpl-1", "deepseek-x", 100, "")

	assert.Nil(t, tr.Translate(domain.ReasoningEndEvent{}), "no reasoning opened yet")
	assert.Nil(t, tr.Translate(domain.ReasoningEvent{}))

	chunks := tr.Translate(domain.ReasoningEvent{Text: "step"})
	require.Len(t, chunks, 1)
	assert.Equal(t, "chatcmpl-1", chunks[0].ID)
	assert.Equal(t, objectChunk, chunks[0].Object)
	assert.Equal(t, "deepseek-x", chunks[0].Model)
	assert.Equal(t, int64(100), chunks[0].Created)
	assert.Equal(t, "step", *chunks[0].Choices[0].Delta.ReasoningContent)
	assert.Nil(t, chunks[0].Choices[0].Delta.Content)

	assert.Nil(t, tr.Translate(domain.ContentEvent{Text: "phase one answer"}))
	assert.Nil(t, tr.Translate(domain.Phase1CompleteEvent{Reasoning: "step"}))

	chunks = tr.Translate(domain.ReasoningEndEvent{})
	require.Len(t, chunks, 1)
	assert.Equal(t, "\n", *chunks[0].Choices[0].Delta.ReasoningContent)
	assert.Nil(t, tr.Translate(domain.ReasoningEndEvent{}), "closed once")

	assert.Nil(t, tr.Translate(domain.ErrorEvent{Phase: domain.PhaseReasoning, Text: "boom"}))
	assert.Nil(t, tr.Translate(domain.ErrorEvent{Phase: domain.PhaseSummary, Retrying: true}))

	chunks = tr.Translate(domain.SummaryEvent{Text: "answer"})
	require.Len(t, chunks, 1)
	assert.Equal(t, "answer", *chunks[0].Choices[0].Delta.Content)
	assert.Nil(t, tr.Translate(domain.SummaryEndEvent{}))

	chunks = tr.Translate(domain.ErrorEvent{Phase: domain.PhaseSummary, Text: "internal detail"})
	require.Len(t, chunks, 1)
	assert.Equal(t, friendlyFailure, *chunks[0].Choices[0].Delta.Content)

	chunks = tr.Translate(domain.WorkflowCompleteEvent{Success: true})
	require.Len(t, chunks, 1)
	require.NotNil(t, chunks[0].Choices[0].FinishReason)
	assert.Equal(t, finishStop, *chunks[0].Choices[0].FinishReason)
	assert.Nil(t, chunks[0].Choices[0].Delta.Content)
}

func TestStreamTranslatorPrefix(t *testing.T) {
	tr := newStreamTranslator("id", "m", 0, "Answer: ")

	chunks := tr.Translate(domain.SummaryEvent{Text: "one"})
	require.Len(t, chunks, 2)
	assert.Equal(t, "Answer: ", *chunks[0].Choices[0].Delta.Content)
	assert.Equal(t, "one", *chunks[1].Choices[0].Delta.Content)

	chunks = tr.Translate(domain.SummaryEvent{Text: "two"})
	require.Len(t, chunks, 1)
	assert.Equal(t, "two", *chunks[0].Choices[0].Delta.Content)
}

func TestChatCompletionsBatch(t *testing.T) {
	target := answerer("final answer")
	srv := newTestServer(t, testConfig(), reasoner(), target)

	w := postChat(t, srv, `{"model":"deepseek-x","messages":[{"role":"system","content":"be brief"},{"role":"user","content":"why?"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ChatCompletion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, objectCompletion, resp.Object)
	assert.Equal(t, "deepseek-x", resp.Model)
	assert.Equal(t, string(domain.ReasoningNative), resp.ReasoningMethod)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, domain.RoleAssistant, resp.Choices[0].Message.Role)
	assert.Equal(t, "final answer", resp.Choices[0].Message.Content)
	assert.Equal(t, "think", resp.Choices[0].Message.ReasoningContent)
	assert.Equal(t, finishStop, resp.Choices[0].FinishReason)

	reqs := target.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "be brief", reqs[0].SystemMessage)
	assert.Equal(t, "why?", reqs[0].UserMessage)
	assert.Equal(t, "think", reqs[0].AssistantContext)
}

func TestChatCompletionsBatchTargetFails(t *testing.T) {
	srv := newTestServer(t, testConfig(), failing("reasoner", domain.ErrTransport), failing("target", domain.ErrTransport))

	w := postChat(t, srv, `{"model":"deepseek-x","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	e := decodeError(t, w)
	assert.Equal(t, "api_error", e.Type)
	assert.Equal(t, "upstream_failed", e.Code)
	assert.NotEmpty(t, e.Message)
}

func TestChatCompletionsBatchReasoningOnly(t *testing.T) {
	srv := newTestServer(t, testConfig(), reasoner(), failing("target", domain.ErrTransport))

	w := postChat(t, srv, `{"model":"deepseek-x","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ChatCompletion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "think", resp.Choices[0].Message.Content)
}

func TestChatCompletionsBatchAuthFailure(t *testing.T) {
	srv := newTestServer(t, testConfig(), failing("reasoner", domain.ErrTransport), failing("target", domain.ErrAuthInvalid))

	w := postChat(t, srv, `{"model":"deepseek-x","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "authentication_error", decodeError(t, w).Type)
}

func TestChatCompletionsReasoningFailureStillAnswers(t *testing.T) {
	target := answerer("answer anyway")
	srv := newTestServer(t, testConfig(), failing("reasoner", domain.ErrTransport), target)

	w := postChat(t, srv, `{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ChatCompletion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "answer anyway", resp.Choices[0].Message.Content)
	assert.Empty(t, resp.Choices[0].Message.ReasoningContent)

	reqs := target.requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].AssistantContext)
}

func TestChatCompletionsRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"invalid json", `{"messages":`, http.StatusBadRequest, "invalid_json"},
		{"no messages", `{"model":"deepseek-x","messages":[]}`, http.StatusBadRequest, "empty_messages"},
		{"no user text", `{"messages":[{"role":"system","content":"s"},{"role":"user","content":"   "}]}`, http.StatusBadRequest, "empty_user_message"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, testConfig(), reasoner(), answerer("x"))
			w := postChat(t, srv, tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			e := decodeError(t, w)
			assert.Equal(t, "invalid_request_error", e.Type)
			assert.Equal(t, tt.wantErr, e.Code)
		})
	}
}

func TestChatCompletionsBodyTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxBodyBytes = 64
	srv := newTestServer(t, cfg, reasoner(), answerer("x"))

	w := postChat(t, srv, `{"messages":[{"role":"user","content":"`+strings.Repeat("a", 200)+`"}]}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestChatCompletionsUnknownModelFallsBackToActive(t *testing.T) {
	srv := newTestServer(t, testConfig(), reasoner(), answerer("ok"))

	w := postChat(t, srv, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ChatCompletion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "deepseek-x", resp.Model)
}

func TestChatCompletionsResolvesAlias(t *testing.T) {
	srv := newTestServer(t, testConfig(), reasoner(), answerer("ok"))

	w := postChat(t, srv, `{"model":"deepseek-x","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = postChat(t, srv, `{"model":"DeepSeek X","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestChatCompletionsNoActiveModel(t *testing.T) {
	cfg := testConfig()
	cfg.Composites = []config.CompositeConfig{
		{ID: "a", Reasoning: "reasoner", Target: "target"},
		{ID: "b", Reasoning: "reasoner", Target: "target"},
	}
	srv := newTestServer(t, cfg, reasoner(), answerer("ok"))

	w := postChat(t, srv, `{"model":"c","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "model_not_found", decodeError(t, w).Code)
}

func TestChatCompletionsMissingBackend(t *testing.T) {
	srv := newTestServer(t, testConfig(), answerer("ok"))

	w := postChat(t, srv, `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	e := decodeError(t, w)
	assert.Equal(t, "server_error", e.Type)
	assert.Equal(t, string(domain.CodeBackendNotFound), e.Code)
}

func TestChatCompletionsReasoningStepsWithoutReasoner(t *testing.T) {
	cfg := testConfig()
	cfg.Composites = []config.CompositeConfig{{ID: "plain", Target: "target", Active: true}}
	srv := newTestServer(t, cfg, answerer("ok"))

	w := postChat(t, srv, `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, string(domain.CodeConfiguration), decodeError(t, w).Code)
}

func TestChatCompletionsTargetOnly(t *testing.T) {
	cfg := testConfig()
	cfg.Composites = []config.CompositeConfig{{ID: "plain", Target: "target", Active: true}}
	cfg.Workflow.Phase1.Steps = nil
	srv := newTestServer(t, cfg, answerer("direct"))

	w := postChat(t, srv, `{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ChatCompletion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "direct", resp.Choices[0].Message.Content)
	assert.Empty(t, resp.ReasoningMethod)
}
