package domain

import (
	"context"
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrConfigLoad    = fmt.Errorf("failed to load configuration")
	ErrConfiguration = fmt.Errorf("invalid workflow configuration")
	ErrDecryption    = fmt.Errorf("decryption failed")
	ErrEncryption    = fmt.Errorf("encryption operation failed")

	// Backend errors.
	ErrBackendNotFound = fmt.Errorf("backend not found")
	ErrModelNotFound   = fmt.Errorf("composite model not found")
	ErrTransport       = fmt.Errorf("backend transport failed")
	ErrProtocol        = fmt.Errorf("backend stream protocol violation")
	ErrEmptyContent    = fmt.Errorf("backend returned no content")
	ErrCircuitOpen     = fmt.Errorf("backend circuit open")

	// Resilience errors.
	ErrRateLimit   = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid = fmt.Errorf("authentication failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Reasoning.Stream")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "workflow"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether another attempt with the same inputs could
// succeed. Credential, configuration and caller-side failures never can.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrAuthInvalid),
		errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeInvalidInput    ErrorCode = "INVALID_INPUT"
	CodeProviderError   ErrorCode = "PROVIDER_ERROR"
	CodeConfigLoad      ErrorCode = "CONFIG_LOAD"
	CodeConfiguration   ErrorCode = "CONFIGURATION"
	CodeDecryption      ErrorCode = "DECRYPTION"
	CodeEncryption      ErrorCode = "ENCRYPTION"
	CodeBackendNotFound ErrorCode = "BACKEND_NOT_FOUND"
	CodeModelNotFound   ErrorCode = "MODEL_NOT_FOUND"
	CodeTransport       ErrorCode = "TRANSPORT"
	CodeProtocol        ErrorCode = "PROTOCOL"
	CodeEmptyContent    ErrorCode = "EMPTY_CONTENT"
	CodeCircuitOpen     ErrorCode = "CIRCUIT_OPEN"
	CodeRateLimit       ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid     ErrorCode = "AUTH_INVALID"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeWorkflowTimeout ErrorCode = "WORKFLOW_TIMEOUT"
	CodeWorkflowInvalid ErrorCode = "WORKFLOW_INVALID_INPUT"
	CodeBackendTimeout  ErrorCode = "BACKEND_TIMEOUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
// Order of evaluation in ErrorCodeOf matters only for errors wrapping
// several sentinels, so the more specific ones are checked first there.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:        CodeNotFound,
	ErrTimeout:         CodeTimeout,
	ErrInvalidInput:    CodeInvalidInput,
	ErrProviderError:   CodeProviderError,
	ErrConfigLoad:      CodeConfigLoad,
	ErrConfiguration:   CodeConfiguration,
	ErrDecryption:      CodeDecryption,
	ErrEncryption:      CodeEncryption,
	ErrBackendNotFound: CodeBackendNotFound,
	ErrModelNotFound:   CodeModelNotFound,
	ErrTransport:       CodeTransport,
	ErrProtocol:        CodeProtocol,
	ErrEmptyContent:    CodeEmptyContent,
	ErrCircuitOpen:     CodeCircuitOpen,
	ErrRateLimit:       CodeRateLimit,
	ErrAuthInvalid:     CodeAuthInvalid,
}

// chainPriority is the order sentinels are checked when walking an error chain.
// A timeout is also a transport failure; the narrower code wins.
var chainPriority = []error{
	ErrAuthInvalid,
	ErrRateLimit,
	ErrTimeout,
	ErrCircuitOpen,
	ErrEmptyContent,
	ErrProtocol,
	ErrProviderError,
	ErrTransport,
	ErrConfiguration,
	ErrConfigLoad,
	ErrDecryption,
	ErrEncryption,
	ErrBackendNotFound,
	ErrModelNotFound,
	ErrNotFound,
	ErrInvalidInput,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrTimeout: {
		"workflow": CodeWorkflowTimeout,
		"backend":  CodeBackendTimeout,
	},
	ErrInvalidInput: {
		"workflow": CodeWorkflowInvalid,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for _, sentinel := range chainPriority {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
