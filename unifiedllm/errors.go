package unifiedllm

import (
	"context"
	"errors"
	"fmt"
)

// SDKError is the base error type for all unified LLM errors.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// ProviderError represents an error reported by an LLM provider.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	ErrorCode  string
	Retryable  bool
	RetryAfter *float64
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// Concrete provider error types.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContentFilterError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }
type QuotaExceededError struct{ ProviderError }

// Non-provider errors.

type RequestTimeoutError struct{ SDKError }
type AbortError struct{ SDKError }
type NetworkError struct{ SDKError }
type ConfigurationError struct{ SDKError }

// MalformedResponseError reports a provider response that could not be
// interpreted: a stream that ended early, out-of-order events, or a body
// that did not decode.
type MalformedResponseError struct{ SDKError }

// MalformedToolInputError reports a tool call whose accumulated input is
// not a valid JSON object.
type MalformedToolInputError struct {
	MalformedResponseError
	ToolCallID string
	ToolName   string
	Input      string
}

// NewMalformedResponse builds a MalformedResponseError.
func NewMalformedResponse(format string, args ...any) *MalformedResponseError {
	return &MalformedResponseError{SDKError{Message: fmt.Sprintf(format, args...)}}
}

// ErrorKind is the coarse classification the turn loop acts on.
type ErrorKind string

const (
	KindTransport        ErrorKind = "transport"
	KindMalformed        ErrorKind = "malformed_response"
	KindRateLimited      ErrorKind = "rate_limited"
	KindProviderRejected ErrorKind = "provider_rejected"
	KindProviderFailure  ErrorKind = "provider_failure"
	KindCancelled        ErrorKind = "cancelled"
	KindConfiguration    ErrorKind = "configuration"
)

// KindOf classifies err. Unknown errors are treated as transport failures.
func KindOf(err error) ErrorKind {
	var (
		abort     *AbortError
		malformed *MalformedResponseError
		toolInput *MalformedToolInputError
		rate      *RateLimitError
		server    *ServerError
		network   *NetworkError
		timeout   *RequestTimeoutError
		cfg       *ConfigurationError
		auth      *AuthenticationError
		denied    *AccessDeniedError
		notFound  *NotFoundError
		invalid   *InvalidRequestError
		filter    *ContentFilterError
		ctxLen    *ContextLengthError
		quota     *QuotaExceededError
		provider  *ProviderError
	)
	switch {
	case errors.As(err, &abort), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.As(err, &toolInput), errors.As(err, &malformed):
		return KindMalformed
	case errors.As(err, &rate):
		return KindRateLimited
	case errors.As(err, &server):
		return KindProviderFailure
	case errors.As(err, &network), errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return KindTransport
	case errors.As(err, &cfg):
		return KindConfiguration
	case errors.As(err, &auth), errors.As(err, &denied), errors.As(err, &notFound),
		errors.As(err, &invalid), errors.As(err, &filter), errors.As(err, &ctxLen),
		errors.As(err, &quota):
		return KindProviderRejected
	case errors.As(err, &provider):
		if provider.Retryable {
			return KindProviderFailure
		}
		return KindProviderRejected
	}
	return KindTransport
}

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
func ErrorFromStatusCode(statusCode int, message, provider, errorCode string, retryAfter *float64) error {
	return statusError(statusCode, message, provider, errorCode, retryAfter, nil)
}

func statusError(statusCode int, message, provider, errorCode string, retryAfter *float64, cause error) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message, Cause: cause},
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		RetryAfter: retryAfter,
	}

	switch statusCode {
	case 400, 422:
		if errorCode == "content_filter" || errorCode == "content_policy_violation" {
			return &ContentFilterError{ProviderError: pe}
		}
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
	case 402:
		return &QuotaExceededError{ProviderError: pe}
	case 403:
		return &AccessDeniedError{ProviderError: pe}
	case 404:
		return &NotFoundError{ProviderError: pe}
	case 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: message, Cause: cause}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case 500, 502, 503, 504:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		// Unknown errors default to retryable.
		pe.Retryable = true
		return &pe
	}
}

// IsRetryable returns true if the error is safe to retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTransport, KindMalformed, KindRateLimited, KindProviderFailure:
		return true
	}
	return false
}
