// Package unifiedllm is the provider boundary of the agent: a canonical
// message model, the ProviderAdapter contract, and concrete backends.
//
// # Messages
//
// A Message carries ordered ContentParts. Assistant tool calls are tool_use
// parts; each is answered by a tool-role message holding a tool_result
// part with the same id. PendingToolCalls and ValidateConversation check
// that pairing.
//
// # Providers
//
// Every backend implements ProviderAdapter (Complete and Stream). Two are
// included:
//
//   - GollmAdapter wraps github.com/teilomillet/gollm and recovers tool
//     calls from a JSON envelope in the model's reply.
//   - OpenAIAdapter speaks the OpenAI chat completions protocol with native
//     tool calls, including any compatible endpoint.
//
// A Client routes requests between registered adapters and applies
// middleware; it is itself a ProviderAdapter:
//
//	adapter := unifiedllm.NewOpenAIAdapter(unifiedllm.OpenAIConfig{APIKey: key, Model: "gpt-4o"})
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("openai", adapter),
//	    unifiedllm.WithMiddleware(unifiedllm.LoggingMiddleware(slog.Default())),
//	)
//
// # Streaming
//
// Stream returns a channel of StreamEvents. Accumulate folds one stream
// into a GenerateResponse, buffering tool call input by call id.
//
// # Errors
//
// KindOf classifies an error as transport, malformed response, rate
// limited, provider failure, provider rejected or cancelled. Retry applies
// a RetryPolicy, retrying only the retryable kinds and bounding retries
// spent on malformed responses separately.
package unifiedllm
