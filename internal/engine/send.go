package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/plugin"
	"github.com/parleybot/parley/pkg/provider/upstream"
)

// directResultNote closes out a tool call whose plugin answered the user
// directly. The legacy protocol replays history on every request, and an
// assistant tool-call turn without a matching result turn is rejected
// upstream.
const directResultNote = `{"result": "Done, the content has been sent to the user."}`

// SendMessage handles one user turn end to end and returns the rendered
// answer with the total token usage. A zero usage with a non-empty answer
// means a plugin delivered a direct result.
func (e *Engine) SendMessage(ctx context.Context, conversationID, text string) (string, int, error) {
	start := time.Now()
	s := e.currentSettings()

	e.ensureFresh(ctx, conversationID, s)
	e.store.Append(conversationID, chat.Text(chat.RoleUser, text))
	if err := e.budgeter.Ensure(ctx, conversationID); err != nil {
		return "", 0, e.userError(err)
	}

	res, pluginsUsed, direct, err := e.resolve(ctx, conversationID, s, e.store.VisionMode(conversationID))
	e.metrics.ChatDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return "", 0, e.userError(err)
	}
	if direct != "" {
		return direct, 0, nil
	}
	if len(res.Choices) == 0 {
		return "", 0, e.userError(upstream.ErrEmptyResponse)
	}

	// Only the first choice becomes conversation state; alternatives are
	// rendered for display but never replayed upstream.
	e.store.Append(conversationID, chat.Text(chat.RoleAssistant, res.Choices[0].Text))
	e.metrics.RecordTokens(ctx, res.Usage.PromptTokens, res.Usage.CompletionTokens)

	return e.render(res, pluginsUsed, s), res.Usage.TotalTokens, nil
}

// resolve runs the bounded tool-resolution loop: it issues the upstream call,
// executes any requested plugin functions, feeds their results back, and
// repeats until the model answers in plain text, a plugin short-circuits with
// a direct result, or the consecutive-call ceiling forces a final answer.
func (e *Engine) resolve(ctx context.Context, conversationID string, s Settings, vision bool) (*upstream.Result, []string, string, error) {
	msgs, err := e.store.Messages(conversationID)
	if err != nil {
		return nil, nil, "", err
	}
	req := e.buildRequest(msgs, s, vision)

	var pluginsUsed []string
	for calls := 0; ; {
		t0 := time.Now()
		res, err := upstream.CompleteWithRetry(ctx, e.provider, req, e.sleep)
		e.metrics.UpstreamDuration.Record(ctx, time.Since(t0).Seconds())
		if err != nil {
			e.metrics.RecordUpstreamError(ctx, e.protocol, "complete")
			return nil, nil, "", err
		}
		e.metrics.RecordUpstreamRequest(ctx, e.protocol, "complete", "ok")

		if len(res.ToolCalls) == 0 {
			return res, pluginsUsed, "", nil
		}

		if !e.structured {
			// The tool request itself becomes an assistant turn so the
			// follow-up request replays a coherent history.
			e.store.Append(conversationID, chat.AssistantToolCalls(firstChoiceText(res), res.ToolCalls...))
		}

		var outputs []upstream.ToolOutput
		for i, tc := range res.ToolCalls {
			out, direct, err := e.invoke(ctx, tc)
			if err != nil {
				return nil, nil, "", err
			}
			if direct != "" {
				e.settleDirectResult(conversationID, res.ToolCalls[i:])
				return nil, pluginsUsed, direct, nil
			}
			if name := e.plugins.SourceName(tc.Name); name != "" && !slices.Contains(pluginsUsed, name) {
				pluginsUsed = append(pluginsUsed, name)
			}
			if e.structured {
				outputs = append(outputs, upstream.ToolOutput{CallID: tc.ID, Output: out})
			} else {
				e.store.Append(conversationID, chat.FunctionResult(tc.Name, tc.ID, out))
			}
		}

		calls++
		if e.structured {
			req = e.buildRequest(nil, s, vision)
			req.PreviousResponseID = res.ResponseID
			req.ToolOutputs = outputs
		} else {
			msgs, err := e.store.Messages(conversationID)
			if err != nil {
				return nil, nil, "", err
			}
			req = e.buildRequest(msgs, s, vision)
		}
		if calls >= s.FunctionsMaxConsecutiveCalls {
			e.log.Warn("consecutive function-call ceiling reached, forcing plain answer",
				"conversation", conversationID, "calls", calls)
			req.DisableTools = true
		}
	}
}

// settleDirectResult appends placeholder result turns for the direct-result
// call and any sibling calls left unexecuted, so the persisted tool-call turn
// replays cleanly. Structured conversations never persist the turn and need
// no settling.
func (e *Engine) settleDirectResult(conversationID string, unresolved []chat.ToolCall) {
	if e.structured {
		return
	}
	for _, tc := range unresolved {
		e.store.Append(conversationID, chat.FunctionResult(tc.Name, tc.ID, directResultNote))
	}
}

// invoke executes a single plugin function. The second return value carries
// the unwrapped payload of a direct result, which ends the resolution chain.
func (e *Engine) invoke(ctx context.Context, tc chat.ToolCall) (string, string, error) {
	t0 := time.Now()
	out, err := e.plugins.Call(ctx, tc.Name, tc.Arguments)
	e.metrics.PluginDuration.Record(ctx, time.Since(t0).Seconds())
	if err != nil {
		e.metrics.RecordPluginCall(ctx, tc.Name, "error")
		return "", "", fmt.Errorf("engine: function %q: %w", tc.Name, err)
	}
	e.metrics.RecordPluginCall(ctx, tc.Name, "ok")
	if raw, ok := plugin.DirectResult(out); ok {
		return "", string(raw), nil
	}
	return out, "", nil
}

// buildRequest assembles an upstream request from the message sequence and
// the settings snapshot. Vision turns use the vision profile and never offer
// tools.
func (e *Engine) buildRequest(msgs []chat.Message, s Settings, vision bool) upstream.Request {
	profile := e.profile
	maxTokens := s.MaxTokens
	n := s.NChoices
	if vision {
		profile = e.visionProfile
		if s.Vision.MaxTokens > 0 {
			maxTokens = s.Vision.MaxTokens
		}
		n = 1
	}

	req := upstream.Request{
		Model:            profile.Name,
		Messages:         msgs,
		MaxTokens:        maxTokens,
		Temperature:      s.Temperature,
		PresencePenalty:  s.PresencePenalty,
		FrequencyPenalty: s.FrequencyPenalty,
		N:                n,
	}

	toolsOn := s.EnableFunctions && profile.SupportsFunctions && !vision && !e.plugins.Empty()
	if toolsOn {
		req.Tools = e.plugins.Specs()
	}
	if e.structured {
		req.EnableWebSearch = s.EnableWebSearch && !vision
		req.PlainTextGuard = toolsOn || req.EnableWebSearch
	}
	return req
}

// render formats the final answer for display: enumerated choices when more
// than one was requested and returned, then the optional plugin and usage
// footers.
func (e *Engine) render(res *upstream.Result, pluginsUsed []string, s Settings) string {
	var b strings.Builder
	if s.NChoices > 1 && len(res.Choices) > 1 {
		for i, c := range res.Choices {
			if i > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, "%d⃣\n%s", i+1, strings.TrimSpace(c.Text))
		}
	} else {
		b.WriteString(strings.TrimSpace(res.Choices[0].Text))
	}

	if s.ShowPluginsUsed && len(pluginsUsed) > 0 {
		fmt.Fprintf(&b, "\n\n🔌 %s", strings.Join(pluginsUsed, ", "))
	}
	if s.ShowUsage {
		fmt.Fprintf(&b, "\n\n---\n💰 %d %s (%d %s, %d %s)",
			res.Usage.TotalTokens, e.text("stats_tokens"),
			res.Usage.PromptTokens, e.text("prompt"),
			res.Usage.CompletionTokens, e.text("completion"))
	}
	return b.String()
}

func firstChoiceText(res *upstream.Result) string {
	if len(res.Choices) > 0 {
		return res.Choices[0].Text
	}
	return ""
}
