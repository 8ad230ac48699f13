package engine

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/pkg/provider/upstream"
)

// StatusNotFinished marks every streaming update except the last. The final
// update's Status carries the total token count as text.
const StatusNotFinished = "not_finished"

// Update is one element of a streaming answer sequence. Answer always holds
// the cumulative text so far, not a delta.
type Update struct {
	Answer string
	Status string

	// Err reports a terminal failure; it is always the last update.
	Err error
}

// StreamMessage handles one user turn like [Engine.SendMessage] but yields
// the answer incrementally. The channel closes after the final update. The
// answer is committed to history only when generation completes; abandoning
// the stream by cancelling ctx leaves history without a partial assistant
// turn.
func (e *Engine) StreamMessage(ctx context.Context, conversationID, text string) (<-chan Update, error) {
	s := e.currentSettings()

	e.ensureFresh(ctx, conversationID, s)
	e.store.Append(conversationID, chat.Text(chat.RoleUser, text))
	if err := e.budgeter.Ensure(ctx, conversationID); err != nil {
		return nil, e.userError(err)
	}

	out := make(chan Update)
	go e.streamResolve(ctx, conversationID, s, e.store.VisionMode(conversationID), out)
	return out, nil
}

// streamResolve is the streaming counterpart of resolve: the same bounded
// tool loop, but answer text is forwarded to out as it arrives.
func (e *Engine) streamResolve(ctx context.Context, conversationID string, s Settings, vision bool, out chan<- Update) {
	defer close(out)
	start := time.Now()

	msgs, err := e.store.Messages(conversationID)
	if err != nil {
		e.emit(ctx, out, Update{Err: e.userError(err)})
		return
	}
	req := e.buildRequest(msgs, s, vision)
	req.N = 1

	var answer strings.Builder
	var pluginsUsed []string
	var usage upstream.Usage

	for calls := 0; ; {
		final, ok := e.streamOnce(ctx, req, &answer, out)
		if !ok {
			return
		}
		if final.Usage != nil {
			usage = *final.Usage
		}

		if len(final.ToolCalls) == 0 {
			break
		}

		if !e.structured {
			e.store.Append(conversationID, chat.AssistantToolCalls("", final.ToolCalls...))
		}
		var outputs []upstream.ToolOutput
		for i, tc := range final.ToolCalls {
			result, direct, err := e.invoke(ctx, tc)
			if err != nil {
				e.emit(ctx, out, Update{Answer: answer.String(), Err: e.userError(err)})
				return
			}
			if direct != "" {
				// The plugin already delivered content; zero cost.
				e.settleDirectResult(conversationID, final.ToolCalls[i:])
				e.emit(ctx, out, Update{Answer: direct, Status: "0"})
				return
			}
			if name := e.plugins.SourceName(tc.Name); name != "" && !slices.Contains(pluginsUsed, name) {
				pluginsUsed = append(pluginsUsed, name)
			}
			if e.structured {
				outputs = append(outputs, upstream.ToolOutput{CallID: tc.ID, Output: result})
			} else {
				e.store.Append(conversationID, chat.FunctionResult(tc.Name, tc.ID, result))
			}
		}

		calls++
		if e.structured {
			req = e.buildRequest(nil, s, vision)
			req.N = 1
			req.PreviousResponseID = final.ResponseID
			req.ToolOutputs = outputs
		} else {
			msgs, err := e.store.Messages(conversationID)
			if err != nil {
				e.emit(ctx, out, Update{Err: e.userError(err)})
				return
			}
			req = e.buildRequest(msgs, s, vision)
			req.N = 1
		}
		if calls >= s.FunctionsMaxConsecutiveCalls {
			e.log.Warn("consecutive function-call ceiling reached, forcing plain answer",
				"conversation", conversationID, "calls", calls)
			req.DisableTools = true
		}
	}

	text := answer.String()
	if text == "" {
		e.emit(ctx, out, Update{Err: e.userError(upstream.ErrEmptyResponse)})
		return
	}

	e.store.Append(conversationID, chat.Text(chat.RoleAssistant, text))
	e.metrics.RecordTokens(ctx, usage.PromptTokens, usage.CompletionTokens)
	e.metrics.ChatDuration.Record(ctx, time.Since(start).Seconds())

	if s.ShowPluginsUsed && len(pluginsUsed) > 0 {
		text += "\n\n🔌 " + strings.Join(pluginsUsed, ", ")
	}
	e.emit(ctx, out, Update{Answer: text, Status: strconv.Itoa(usage.TotalTokens)})
}

// streamOnce drains a single upstream stream, forwarding text deltas, and
// returns the final chunk. A false result means the failure (or cancellation)
// was already reported and the caller must stop. Mid-stream failures on the
// structured protocol fall back to one non-streaming call.
func (e *Engine) streamOnce(ctx context.Context, req upstream.Request, answer *strings.Builder, out chan<- Update) (upstream.Chunk, bool) {
	t0 := time.Now()
	ch, err := upstream.StreamWithRetry(ctx, e.provider, req, e.sleep)
	if err != nil {
		e.metrics.RecordUpstreamError(ctx, e.protocol, "stream")
		e.emit(ctx, out, Update{Answer: answer.String(), Err: e.userError(err)})
		return upstream.Chunk{}, false
	}

	var final upstream.Chunk
	for chunk := range ch {
		if chunk.Err != nil {
			e.metrics.RecordUpstreamError(ctx, e.protocol, "stream")
			if e.structured {
				return e.streamFallback(ctx, req, answer, out, chunk.Err)
			}
			e.emit(ctx, out, Update{Answer: answer.String(), Err: e.userError(chunk.Err)})
			return upstream.Chunk{}, false
		}
		if chunk.Delta != "" {
			answer.WriteString(chunk.Delta)
			if !e.emit(ctx, out, Update{Answer: answer.String(), Status: StatusNotFinished}) {
				return upstream.Chunk{}, false
			}
		}
		if chunk.FinishReason != "" || chunk.ToolCalls != nil || chunk.Usage != nil {
			if chunk.ToolCalls != nil {
				final.ToolCalls = chunk.ToolCalls
			}
			if chunk.Usage != nil {
				final.Usage = chunk.Usage
			}
			if chunk.FinishReason != "" {
				final.FinishReason = chunk.FinishReason
			}
			if chunk.ResponseID != "" {
				final.ResponseID = chunk.ResponseID
			}
		}
	}
	if ctx.Err() != nil {
		return upstream.Chunk{}, false
	}
	e.metrics.UpstreamDuration.Record(ctx, time.Since(t0).Seconds())
	e.metrics.RecordUpstreamRequest(ctx, e.protocol, "stream", "ok")
	return final, true
}

// streamFallback retries a failed structured stream as a single non-streaming
// call and replays its outcome as if it had streamed.
func (e *Engine) streamFallback(ctx context.Context, req upstream.Request, answer *strings.Builder, out chan<- Update, streamErr error) (upstream.Chunk, bool) {
	e.log.Warn("structured stream failed, falling back to non-streaming call", "err", streamErr)

	res, err := upstream.CompleteWithRetry(ctx, e.provider, req, e.sleep)
	if err != nil {
		e.emit(ctx, out, Update{Answer: answer.String(), Err: e.userError(err)})
		return upstream.Chunk{}, false
	}
	e.metrics.RecordUpstreamRequest(ctx, e.protocol, "complete", "ok")

	if len(res.Choices) > 0 && res.Choices[0].Text != "" {
		answer.WriteString(res.Choices[0].Text)
		if !e.emit(ctx, out, Update{Answer: answer.String(), Status: StatusNotFinished}) {
			return upstream.Chunk{}, false
		}
	}
	final := upstream.Chunk{
		FinishReason: "stop",
		ToolCalls:    res.ToolCalls,
		Usage:        &res.Usage,
		ResponseID:   res.ResponseID,
	}
	return final, true
}

// emit sends one update unless the consumer is gone. A false result means
// ctx was cancelled and nothing more may be committed.
func (e *Engine) emit(ctx context.Context, out chan<- Update, u Update) bool {
	select {
	case out <- u:
		return true
	case <-ctx.Done():
		return false
	}
}
