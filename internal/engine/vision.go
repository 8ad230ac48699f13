package engine

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/imgcodec"
	"github.com/parleybot/parley/internal/tokencost"
	"github.com/parleybot/parley/pkg/provider/upstream"
)

// InterpretImage asks the vision model about an image. An empty prompt
// selects the configured default question. With follow-up questions enabled
// the image stays in history and the conversation enters vision mode;
// otherwise only the prompt text is persisted and the image is sent upstream
// once.
func (e *Engine) InterpretImage(ctx context.Context, conversationID string, image []byte, prompt string) (string, int, error) {
	start := time.Now()
	s := e.currentSettings()

	msgs, err := e.prepareVisionTurn(ctx, conversationID, image, prompt, s)
	if err != nil {
		return "", 0, err
	}

	req := e.buildRequest(msgs, s, true)
	t0 := time.Now()
	res, err := upstream.CompleteWithRetry(ctx, e.provider, req, e.sleep)
	e.metrics.UpstreamDuration.Record(ctx, time.Since(t0).Seconds())
	if err != nil {
		e.metrics.RecordUpstreamError(ctx, e.protocol, "complete")
		return "", 0, e.userError(err)
	}
	e.metrics.RecordUpstreamRequest(ctx, e.protocol, "complete", "ok")
	if len(res.Choices) == 0 {
		return "", 0, e.userError(upstream.ErrEmptyResponse)
	}

	e.store.Append(conversationID, chat.Text(chat.RoleAssistant, res.Choices[0].Text))
	e.metrics.RecordTokens(ctx, res.Usage.PromptTokens, res.Usage.CompletionTokens)
	e.metrics.ChatDuration.Record(ctx, time.Since(start).Seconds())

	return e.render(res, nil, s), res.Usage.TotalTokens, nil
}

// InterpretImageStream is the streaming counterpart of
// [Engine.InterpretImage]. Vision turns never involve tools, so the sequence
// is a single upstream stream.
func (e *Engine) InterpretImageStream(ctx context.Context, conversationID string, image []byte, prompt string) (<-chan Update, error) {
	s := e.currentSettings()

	msgs, err := e.prepareVisionTurn(ctx, conversationID, image, prompt, s)
	if err != nil {
		return nil, err
	}

	req := e.buildRequest(msgs, s, true)
	req.N = 1

	out := make(chan Update)
	go func() {
		defer close(out)
		start := time.Now()

		var answer strings.Builder
		final, ok := e.streamOnce(ctx, req, &answer, out)
		if !ok {
			return
		}

		text := answer.String()
		if text == "" {
			e.emit(ctx, out, Update{Err: e.userError(upstream.ErrEmptyResponse)})
			return
		}

		var usage upstream.Usage
		if final.Usage != nil {
			usage = *final.Usage
		}
		e.store.Append(conversationID, chat.Text(chat.RoleAssistant, text))
		e.metrics.RecordTokens(ctx, usage.PromptTokens, usage.CompletionTokens)
		e.metrics.ChatDuration.Record(ctx, time.Since(start).Seconds())
		e.emit(ctx, out, Update{Answer: text, Status: strconv.Itoa(usage.TotalTokens)})
	}()
	return out, nil
}

// prepareVisionTurn validates the detail setting, persists the user turn per
// the follow-up policy, runs the budgeter, and returns the message sequence
// to send upstream (which always ends with the full multimodal turn).
func (e *Engine) prepareVisionTurn(ctx context.Context, conversationID string, image []byte, prompt string, s Settings) ([]chat.Message, error) {
	if !s.Vision.Detail.IsValid() {
		return nil, tokencost.ErrUnsupportedDetail
	}
	if prompt == "" {
		prompt = s.Vision.Prompt
	}

	turn := chat.Multimodal(chat.RoleUser,
		chat.TextBlock(prompt),
		chat.ImageBlock(imgcodec.EncodeDataURL(image), s.Vision.Detail),
	)

	e.ensureFresh(ctx, conversationID, s)
	if s.Vision.EnableFollowUpQuestions {
		e.store.Append(conversationID, turn)
		e.store.SetVisionMode(conversationID, true)
	} else {
		// The image goes upstream once but never re-enters history.
		e.store.Append(conversationID, chat.Text(chat.RoleUser, prompt))
	}

	if err := e.budgeter.Ensure(ctx, conversationID); err != nil {
		return nil, e.userError(err)
	}

	msgs, err := e.store.Messages(conversationID)
	if err != nil {
		return nil, e.userError(err)
	}
	if !s.Vision.EnableFollowUpQuestions {
		msgs[len(msgs)-1] = turn
	}
	return msgs, nil
}
