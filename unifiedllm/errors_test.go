package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFromStatusCode(t *testing.T) {
	tests := []struct {
		status    int
		code      string
		kind      ErrorKind
		retryable bool
	}{
		{400, "", KindProviderRejected, false},
		{400, "content_policy_violation", KindProviderRejected, false},
		{401, "", KindProviderRejected, false},
		{402, "", KindProviderRejected, false},
		{403, "", KindProviderRejected, false},
		{404, "", KindProviderRejected, false},
		{408, "", KindTransport, true},
		{413, "", KindProviderRejected, false},
		{422, "", KindProviderRejected, false},
		{429, "", KindRateLimited, true},
		{500, "", KindProviderFailure, true},
		{502, "", KindProviderFailure, true},
		{503, "", KindProviderFailure, true},
		{504, "", KindProviderFailure, true},
		{599, "", KindProviderFailure, true},
	}

	for _, tt := range tests {
		err := ErrorFromStatusCode(tt.status, "test error", "openai", tt.code, nil)
		if got := KindOf(err); got != tt.kind {
			t.Errorf("status %d: expected kind %s, got %s", tt.status, tt.kind, got)
		}
		if IsRetryable(err) != tt.retryable {
			t.Errorf("status %d: expected retryable=%v", tt.status, tt.retryable)
		}
	}

	var filter *ContentFilterError
	if !errors.As(ErrorFromStatusCode(400, "blocked", "openai", "content_filter", nil), &filter) {
		t.Error("expected content_filter code to map to ContentFilterError")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"auth error", &AuthenticationError{}, false},
		{"access denied", &AccessDeniedError{}, false},
		{"not found", &NotFoundError{}, false},
		{"invalid request", &InvalidRequestError{}, false},
		{"context length", &ContextLengthError{}, false},
		{"quota exceeded", &QuotaExceededError{}, false},
		{"content filter", &ContentFilterError{}, false},
		{"config error", &ConfigurationError{}, false},
		{"abort", &AbortError{}, false},
		{"cancelled", context.Canceled, false},
		{"rate limit", &RateLimitError{ProviderError: ProviderError{Retryable: true}}, true},
		{"server error", &ServerError{ProviderError: ProviderError{Retryable: true}}, true},
		{"network error", &NetworkError{}, true},
		{"malformed", NewMalformedResponse("truncated"), true},
		{"malformed tool input", &MalformedToolInputError{ToolCallID: "1"}, true},
		{"timeout error", &RequestTimeoutError{}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped rate limit", fmt.Errorf("call: %w", &RateLimitError{}), true},
		{"wrapped auth", fmt.Errorf("call: %w", &AuthenticationError{}), false},
		{"unknown error", errors.New("unknown"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsRetryable(tt.err)
			if got != tt.retryable {
				t.Errorf("IsRetryable(%T) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}

func TestKindOfMalformedToolInput(t *testing.T) {
	err := &MalformedToolInputError{
		MalformedResponseError: MalformedResponseError{SDKError{Message: "bad input"}},
		ToolCallID:             "call_1",
	}
	if KindOf(err) != KindMalformed {
		t.Errorf("expected malformed kind, got %s", KindOf(err))
	}
}

func TestSDKErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &SDKError{Message: "wrapper", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("expected SDKError to unwrap to its cause")
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := &ProviderError{
		SDKError:   SDKError{Message: "rate limit exceeded"},
		Provider:   "openai",
		StatusCode: 429,
		Retryable:  true,
	}
	msg := err.Error()
	if !strings.Contains(msg, "openai") || !strings.Contains(msg, "rate limit") {
		t.Errorf("error message missing expected content: %q", msg)
	}
}
