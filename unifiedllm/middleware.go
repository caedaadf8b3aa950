package unifiedllm

import (
	"context"
	"log/slog"
	"time"
)

// LoggingMiddleware logs every blocking provider call at debug level and
// failures at warn level.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		attrs := []any{
			"provider", req.Provider,
			"model", req.Model,
			"messages", len(req.Messages),
			"tools", len(req.Tools),
			"duration", time.Since(start),
		}
		if err != nil {
			logger.WarnContext(ctx, "Provider call failed", append(attrs, "error", err, "kind", KindOf(err))...)
			return nil, err
		}
		logger.DebugContext(ctx, "Provider call completed", append(attrs,
			"finish_reason", resp.FinishReason.Reason,
			"tool_calls", len(resp.ToolCalls()),
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens,
		)...)
		return resp, nil
	}
}

// StreamLoggingMiddleware logs the opening of streaming calls.
func StreamLoggingMiddleware(logger *slog.Logger) StreamMiddleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error) {
		ch, err := next(ctx, req)
		if err != nil {
			logger.WarnContext(ctx, "Provider stream failed to open", "provider", req.Provider, "model", req.Model, "error", err)
			return nil, err
		}
		logger.DebugContext(ctx, "Provider stream opened", "provider", req.Provider, "model", req.Model, "messages", len(req.Messages))
		return ch, nil
	}
}
