package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Reasoning.Stream", ErrEmptyContent, "deepseek")
	want := "Reasoning.Stream: deepseek: backend returned no content"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Orchestrator.Run", ErrConfiguration, "")
	want := "Orchestrator.Run: invalid workflow configuration"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Summary.Complete", ErrAuthInvalid, "HTTP 401")
	if !errors.Is(err, ErrAuthInvalid) {
		t.Error("errors.Is should match ErrAuthInvalid")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := fmt.Errorf("phase2: %w", NewDomainError("Summary.Stream", ErrTransport, "dial tcp"))
	var de *DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "Summary.Stream", de.Op)
}

// --- ErrorCode tests ---

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeTransport, ErrorCodeOf(ErrTransport))
	assert.Equal(t, CodeEmptyContent, ErrorCodeOf(ErrEmptyContent))
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(ErrRateLimit))
	assert.Equal(t, CodeAuthInvalid, ErrorCodeOf(ErrAuthInvalid))
}

func TestErrorCodeOf_DomainError(t *testing.T) {
	err := NewDomainError("Reasoning.Stream", ErrProtocol, "no completion signal")
	assert.Equal(t, CodeProtocol, ErrorCodeOf(err))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("attempt 2: %w", ErrCircuitOpen)
	assert.Equal(t, CodeCircuitOpen, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_TimeoutWinsOverTransport(t *testing.T) {
	err := fmt.Errorf("%w: %w", ErrTransport, ErrTimeout)
	assert.Equal(t, CodeTimeout, ErrorCodeOf(err))
}

func TestErrorCodeOf_DeadlineExceeded(t *testing.T) {
	err := fmt.Errorf("read body: %w", context.DeadlineExceeded)
	assert.Equal(t, CodeTimeout, ErrorCodeOf(err))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
}

func TestErrorCodeOf_Nil(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestDomainError_CodeUnknownSentinel(t *testing.T) {
	err := NewDomainError("Op", fmt.Errorf("custom"), "detail")
	assert.Equal(t, CodeUnknown, err.Code())
}

func TestAllSentinelsHaveCodes(t *testing.T) {
	require.NotEmpty(t, errorCodeMap)
	for sentinel, code := range errorCodeMap {
		assert.NotEmpty(t, code, "sentinel %v has empty code", sentinel)
		assert.NotEqual(t, CodeUnknown, code, "sentinel %v maps to UNKNOWN", sentinel)
	}
	for _, sentinel := range chainPriority {
		_, ok := errorCodeMap[sentinel]
		assert.True(t, ok, "sentinel %v missing from errorCodeMap", sentinel)
	}
}

// --- NewSubSystemError tests ---

func TestNewSubSystemError_Format(t *testing.T) {
	err := NewSubSystemError("workflow", "Run", ErrInvalidInput, "empty user message")
	assert.Equal(t, "Run: empty user message: invalid input", err.Error())
	assert.Equal(t, "workflow", err.SubSystem)
}

func TestErrorCodeOf_SubSystemTimeout(t *testing.T) {
	err := NewSubSystemError("backend", "Stream", ErrTimeout, "")
	assert.Equal(t, CodeBackendTimeout, ErrorCodeOf(err))
}

func TestErrorCodeOf_SubSystemFallback(t *testing.T) {
	err := NewSubSystemError("unknown-subsystem", "Op", ErrTimeout, "")
	assert.Equal(t, CodeTimeout, ErrorCodeOf(err))
}

// --- WrapOp tests ---

func TestWrapOp_Nil(t *testing.T) {
	assert.Nil(t, WrapOp("anything", nil))
}

func TestWrapOp_Chain(t *testing.T) {
	inner := WrapOp("inner", ErrEmptyContent)
	outer := WrapOp("outer", inner)
	assert.Equal(t, "outer: inner: backend returned no content", outer.Error())
	assert.True(t, errors.Is(outer, ErrEmptyContent))
	assert.Equal(t, CodeEmptyContent, ErrorCodeOf(outer))
}

// --- IsRetryableError tests ---

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transport", ErrTransport, true},
		{"empty content", ErrEmptyContent, true},
		{"protocol", ErrProtocol, true},
		{"rate limit", ErrRateLimit, true},
		{"provider 5xx", fmt.Errorf("HTTP 503: %w", ErrProviderError), true},
		{"auth", fmt.Errorf("HTTP 401: %w", ErrAuthInvalid), false},
		{"configuration", ErrConfiguration, false},
		{"invalid input", ErrInvalidInput, false},
		{"caller canceled", fmt.Errorf("read: %w", context.Canceled), false},
		{"unclassified", fmt.Errorf("boom"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}
