// Package summary condenses conversation history so long chats fit back into
// the model's context window.
package summary

import (
	"context"
	"fmt"
	"strings"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/model"
	"github.com/parleybot/parley/pkg/provider/upstream"
)

// summarisationPrompt asks the model for a compact summary. The character
// bound keeps the result far below one history slot.
const summarisationPrompt = "Summarize this conversation in 700 characters or less"

// Summariser produces a concise summary of a conversation segment.
type Summariser interface {
	// Summarise takes a slice of messages and returns a condensed summary
	// string.
	Summarise(ctx context.Context, messages []chat.Message) (string, error)
}

// UpstreamSummariser asks the upstream model to summarise conversations. The
// summary temperature comes from the model profile; reasoning-family models
// only accept their default.
type UpstreamSummariser struct {
	provider upstream.Provider
	profile  model.Profile
}

// New creates an [UpstreamSummariser] backed by the given provider.
func New(provider upstream.Provider, profile model.Profile) *UpstreamSummariser {
	return &UpstreamSummariser{provider: provider, profile: profile}
}

// Summarise formats the messages into a readable transcript, sends it with
// the summarisation prompt and returns the summary text.
func (s *UpstreamSummariser) Summarise(ctx context.Context, messages []chat.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, m := range messages {
		speaker := string(m.Role)
		if m.Name != "" {
			speaker = m.Name
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", speaker, m.PlainText())
	}

	res, err := s.provider.Complete(ctx, upstream.Request{
		Model: s.profile.Name,
		Messages: []chat.Message{
			chat.Text(chat.RoleAssistant, summarisationPrompt),
			chat.Text(chat.RoleUser, sb.String()),
		},
		Temperature: s.profile.SummaryTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("summarise: %w", err)
	}
	if len(res.Choices) == 0 {
		return "", fmt.Errorf("summarise: %w", upstream.ErrEmptyResponse)
	}
	return res.Choices[0].Text, nil
}
