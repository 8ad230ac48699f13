// Package upstream defines the Provider interface over the remote model API
// and the shared request/response types used by both protocol adapters.
//
// Two adapters exist: the legacy turn-based chat-completion protocol
// (chatapi) and the newer block-based structured protocol (responsesapi).
// Both translate the internal [chat.Message] history into their wire shape
// without protocol-specific fields ever leaking back into the history store.
//
// Implementors must be safe for concurrent use. Channels returned by Stream
// must be closed by the implementation when the stream ends or the supplied
// context is cancelled.
package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/parleybot/parley/internal/chat"
)

// Error classification sentinels. Adapters wrap provider SDK errors so the
// engine can match them with [errors.Is] without importing the SDK.
var (
	// ErrRateLimited marks transient rate-limit rejections; the engine
	// retries these per its fixed policy.
	ErrRateLimited = errors.New("upstream: rate limited")

	// ErrInvalidRequest marks requests the provider rejected as malformed.
	ErrInvalidRequest = errors.New("upstream: invalid request")

	// ErrEmptyResponse marks syntactically valid responses with no usable
	// content (zero choices, no image data).
	ErrEmptyResponse = errors.New("upstream: empty response")
)

// Usage holds token accounting returned by the provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ToolDefinition describes a function offered to the model.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is the JSON Schema for the function's arguments.
	Parameters map[string]any
}

// ToolOutput carries one executed tool result back to an in-flight
// structured response.
type ToolOutput struct {
	// CallID matches the [chat.ToolCall] ID being answered.
	CallID string

	Output string
}

// Request carries everything one upstream call needs. Messages must be
// non-empty except on structured continuations, where PreviousResponseID and
// ToolOutputs drive the request instead.
type Request struct {
	Model    string
	Messages []chat.Message

	// MaxTokens is the completion-token reservation.
	MaxTokens int

	Temperature      float64
	PresencePenalty  float64
	FrequencyPenalty float64

	// N is the number of choices requested. Zero means provider default.
	// Only the legacy protocol honours values above one.
	N int

	// Tools is the function set offered to the model.
	Tools []ToolDefinition

	// DisableTools forces the model to answer in plain text even when Tools
	// is non-empty. Set by the resolver once the consecutive-call ceiling is
	// reached.
	DisableTools bool

	// EnableWebSearch attaches the provider's web-search tool. Structured
	// protocol only.
	EnableWebSearch bool

	// PlainTextGuard prepends a synthetic system instruction forcing
	// markup-free output. Structured protocol only; set whenever tool use is
	// enabled because the rendering surface cannot display rich markup
	// reliably alongside tool output.
	PlainTextGuard bool

	// PreviousResponseID continues an in-flight structured response instead
	// of replaying Messages. Ignored by the legacy protocol, which carries
	// tool results in Messages.
	PreviousResponseID string

	// ToolOutputs are submitted together with PreviousResponseID.
	ToolOutputs []ToolOutput
}

// Choice is one candidate answer.
type Choice struct {
	Text string
}

// Result is the outcome of a non-streaming call.
type Result struct {
	// Choices holds the candidate answers. Non-empty unless the model
	// responded exclusively with tool calls.
	Choices []Choice

	// ToolCalls lists function invocations the model requests. The caller
	// executes them and either appends results to history (legacy) or
	// submits them via PreviousResponseID (structured).
	ToolCalls []chat.ToolCall

	Usage Usage

	// ResponseID identifies the response for structured continuations.
	// Empty on the legacy protocol.
	ResponseID string
}

// Chunk is one increment of a streaming call. The final chunk carries
// FinishReason and, when the provider reports it, Usage; accumulated tool
// calls are delivered only on the final chunk.
type Chunk struct {
	// Delta is the incremental answer text. May be empty on the final chunk.
	Delta string

	// FinishReason is non-empty on the final chunk.
	FinishReason string

	ToolCalls []chat.ToolCall
	Usage     *Usage

	// ResponseID identifies the structured response once known.
	ResponseID string

	// Err reports a mid-stream failure. The channel is closed after an
	// error chunk.
	Err error
}

// Provider is one protocol's view of the upstream model API.
type Provider interface {
	// Complete issues req and waits for the full response.
	Complete(ctx context.Context, req Request) (*Result, error)

	// Stream issues req and returns a channel of incremental chunks. The
	// channel is closed when generation finishes, an error chunk is emitted,
	// or ctx is cancelled. Callers must drain the channel.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Retry policy for rate-limited calls: fixed-interval, bounded attempts,
// original error re-surfaced on exhaustion.
const (
	retryAttempts = 3
	retryBackoff  = 20 * time.Second
)

// CompleteWithRetry calls p.Complete, retrying [ErrRateLimited] failures up
// to three attempts with a fixed 20-second backoff. Any other error returns
// immediately. sleep may be nil, selecting a context-aware time.Sleep; tests
// inject their own.
func CompleteWithRetry(ctx context.Context, p Provider, req Request, sleep func(context.Context, time.Duration) error) (*Result, error) {
	if sleep == nil {
		sleep = sleepContext
	}
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, retryBackoff); err != nil {
				return nil, err
			}
		}
		res, err := p.Complete(ctx, req)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrRateLimited) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// StreamWithRetry opens a stream via p.Stream under the same policy as
// [CompleteWithRetry]: rate-limited issuance failures are retried up to three
// attempts with a fixed 20-second backoff. Failures after the stream opened
// arrive as error chunks and are not retried here.
func StreamWithRetry(ctx context.Context, p Provider, req Request, sleep func(context.Context, time.Duration) error) (<-chan Chunk, error) {
	if sleep == nil {
		sleep = sleepContext
	}
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, retryBackoff); err != nil {
				return nil, err
			}
		}
		ch, err := p.Stream(ctx, req)
		if err == nil {
			return ch, nil
		}
		if !errors.Is(err, ErrRateLimited) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
