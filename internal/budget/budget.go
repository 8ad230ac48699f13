// Package budget keeps conversations inside the model's context window.
//
// Before each upstream request the budgeter measures the pending history; an
// oversized conversation is condensed into a summary, falling back to hard
// truncation when summarisation itself fails. The user's latest message
// always survives either path.
package budget

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/history"
	"github.com/parleybot/parley/internal/summary"
)

// Estimator predicts the prompt-token cost of a message slice.
type Estimator interface {
	EstimateMessages(msgs []chat.Message) (int, error)
}

// Limits bound a conversation's size.
type Limits struct {
	// MaxTotalTokens is the model's usable context window.
	MaxTotalTokens int

	// MaxReplyTokens is the completion reservation. A history only fits if
	// its estimate plus this reservation stays within MaxTotalTokens.
	MaxReplyTokens int

	// MaxHistoryMessages caps the message count independently of tokens.
	MaxHistoryMessages int
}

// Budgeter shrinks conversations that outgrew their limits.
type Budgeter struct {
	store      *history.Store
	estimator  Estimator
	summariser summary.Summariser
	limits     Limits
	log        *slog.Logger
}

// New creates a Budgeter. log may be nil, selecting slog.Default.
func New(store *history.Store, estimator Estimator, summariser summary.Summariser, limits Limits, log *slog.Logger) *Budgeter {
	if log == nil {
		log = slog.Default()
	}
	return &Budgeter{
		store:      store,
		estimator:  estimator,
		summariser: summariser,
		limits:     limits,
		log:        log,
	}
}

// Ensure checks the conversation against its limits and condenses it when
// either bound is exceeded. On the summary path the history collapses to
// priming, summary and the latest message; when summarisation fails the
// history is instead cut to its most recent MaxHistoryMessages entries and
// the failure is only logged.
func (b *Budgeter) Ensure(ctx context.Context, conversationID string) error {
	msgs, err := b.store.Messages(conversationID)
	if err != nil {
		return fmt.Errorf("budget: %w", err)
	}
	if len(msgs) <= 1 {
		return nil
	}

	tokens, err := b.estimator.EstimateMessages(msgs)
	if err != nil {
		return fmt.Errorf("budget: estimate history: %w", err)
	}

	overTokens := tokens+b.limits.MaxReplyTokens > b.limits.MaxTotalTokens
	overCount := len(msgs) > b.limits.MaxHistoryMessages
	if !overTokens && !overCount {
		return nil
	}

	b.log.Info("conversation exceeds budget, summarising",
		"conversation", conversationID,
		"tokens", tokens,
		"messages", len(msgs),
		"over_tokens", overTokens,
		"over_count", overCount,
	)

	last := msgs[len(msgs)-1]

	sum, err := b.summariser.Summarise(ctx, msgs[:len(msgs)-1])
	if err != nil {
		b.log.Warn("summarisation failed, truncating history",
			"conversation", conversationID,
			"error", err,
		)
		keep := msgs
		if len(keep) > b.limits.MaxHistoryMessages {
			keep = keep[len(keep)-b.limits.MaxHistoryMessages:]
		}
		if err := b.store.Replace(conversationID, keep); err != nil {
			return fmt.Errorf("budget: truncate history: %w", err)
		}
		return nil
	}

	// The priming text survives the reset even when the first slot was
	// already evicted by an earlier truncation.
	b.store.Reset(conversationID, msgs[0].PlainText())
	b.store.Append(conversationID, chat.Text(chat.RoleAssistant, sum))
	b.store.Append(conversationID, last)
	return nil
}
