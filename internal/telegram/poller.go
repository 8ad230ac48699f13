package telegram

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	maxConsecutivePollingErrors = 5
	errorPauseDuration          = 30 * time.Second
	defaultPollingTimeout       = 30 // seconds, long-poll hold time
)

// UpdateHandler processes one inbound update. Handlers run synchronously in
// the polling goroutine unless they spawn their own.
type UpdateHandler func(ctx context.Context, update Update)

// Poller receives updates via long polling and hands them to an
// UpdateHandler.
type Poller struct {
	client  *Client
	handler UpdateHandler
	logger  *slog.Logger

	// PollingTimeout is the long-poll hold time in seconds. Zero selects
	// the default.
	PollingTimeout int
}

// NewPoller creates a new Poller. logger may be nil, selecting slog.Default.
func NewPoller(client *Client, handler UpdateHandler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client:  client,
		handler: handler,
		logger:  logger,
	}
}

// Run polls until ctx is cancelled. After several consecutive transport
// failures polling pauses briefly so a broken network or revoked token does
// not produce a tight error loop. Always returns ctx.Err().
func (p *Poller) Run(ctx context.Context) error {
	timeout := p.PollingTimeout
	if timeout <= 0 {
		timeout = defaultPollingTimeout
	}

	var offset int
	var consecutiveErrors int

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		updates, err := p.client.GetUpdates(ctx, GetUpdatesRequest{
			Offset:         offset,
			Timeout:        timeout,
			AllowedUpdates: []string{"message"},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			consecutiveErrors++
			p.logger.Error("polling getUpdates failed",
				"error", err,
				"consecutive_errors", consecutiveErrors,
			)

			if consecutiveErrors >= maxConsecutivePollingErrors {
				p.logger.Warn("polling paused after consecutive errors",
					"pause", errorPauseDuration,
				)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(errorPauseDuration):
				}
				consecutiveErrors = 0
			}
			continue
		}

		consecutiveErrors = 0

		for _, update := range updates {
			offset = update.UpdateID + 1
			p.handler(ctx, update)
		}
	}
}
