// Package engine orchestrates conversations: it owns the request lifecycle
// from an incoming user turn through budgeting, the upstream model call, the
// bounded tool-resolution loop, and final rendering. Frontends (the Telegram
// bot) call the Engine and never touch the history store or the upstream
// adapters directly.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parleybot/parley/internal/budget"
	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/config"
	"github.com/parleybot/parley/internal/history"
	"github.com/parleybot/parley/internal/i18n"
	"github.com/parleybot/parley/internal/model"
	"github.com/parleybot/parley/internal/observe"
	"github.com/parleybot/parley/internal/plugin"
	"github.com/parleybot/parley/pkg/provider/media"
	"github.com/parleybot/parley/pkg/provider/upstream"
)

// ErrNoMediaProvider is returned by the media pass-throughs when no media
// provider was configured.
var ErrNoMediaProvider = errors.New("engine: media provider not configured")

// VisionSettings tunes image interpretation.
type VisionSettings struct {
	// EnableFollowUpQuestions keeps the image in history so later turns can
	// refer back to it. The conversation enters vision mode and functions
	// are disabled for it.
	EnableFollowUpQuestions bool

	// Prompt is the default question when the user sends an image without a
	// caption.
	Prompt string

	Detail    chat.ImageDetail
	MaxTokens int
}

// Settings holds the per-request tunables. All of them are safe to swap at
// runtime via [Engine.ApplySettings]; protocol selection and credentials are
// constructor-time decisions.
type Settings struct {
	Temperature      float64
	PresencePenalty  float64
	FrequencyPenalty float64
	MaxTokens        int
	NChoices         int

	// AssistantPrompt is the default priming text for new conversations.
	AssistantPrompt string

	// BotLanguage selects the localization table for user-facing text.
	BotLanguage string

	ShowUsage       bool
	ShowPluginsUsed bool

	EnableFunctions              bool
	EnableWebSearch              bool
	FunctionsMaxConsecutiveCalls int

	// MaxConversationAge is the idle span after which a conversation is
	// reset before the next turn. Zero disables expiry.
	MaxConversationAge time.Duration

	// ChatModes maps mode names to alternative priming prompts.
	ChatModes map[string]string

	Vision VisionSettings
}

// SettingsFromConfig derives engine settings from the loaded configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Temperature:                  cfg.Chat.Temperature,
		PresencePenalty:              cfg.Chat.PresencePenalty,
		FrequencyPenalty:             cfg.Chat.FrequencyPenalty,
		MaxTokens:                    cfg.Chat.MaxTokens,
		NChoices:                     cfg.Chat.NChoices,
		AssistantPrompt:              cfg.Chat.AssistantPrompt,
		BotLanguage:                  cfg.Chat.BotLanguage,
		ShowUsage:                    cfg.Chat.ShowUsage,
		ShowPluginsUsed:              cfg.Chat.ShowPluginsUsed,
		EnableFunctions:              cfg.Chat.EnableFunctions,
		EnableWebSearch:              cfg.Chat.EnableWebSearch,
		FunctionsMaxConsecutiveCalls: cfg.Chat.FunctionsMaxConsecutiveCalls,
		MaxConversationAge:           time.Duration(cfg.Chat.MaxConversationAgeMinutes) * time.Minute,
		ChatModes:                    cfg.Chat.ChatModes,
		Vision: VisionSettings{
			EnableFollowUpQuestions: cfg.Vision.EnableFollowUpQuestions,
			Prompt:                  cfg.Vision.Prompt,
			Detail:                  chat.ImageDetail(cfg.Vision.Detail),
			MaxTokens:               cfg.Vision.MaxTokens,
		},
	}
}

// Options collects the engine's collaborators. Store, Provider, Accountant,
// Budgeter and Locale are required.
type Options struct {
	Store      *history.Store
	Accountant budget.Estimator
	Budgeter   *budget.Budgeter
	Provider   upstream.Provider

	// Plugins may be nil when no plugin servers are configured.
	Plugins *plugin.Registry

	// Media may be nil; the media pass-throughs then fail with
	// [ErrNoMediaProvider].
	Media media.Provider

	Locale  *i18n.Table
	Metrics *observe.Metrics
	Logger  *slog.Logger

	Profile model.Profile

	// VisionProfile is the model used for image turns. Falls back to
	// Profile when zero.
	VisionProfile model.Profile

	// Structured selects the structured response protocol semantics for the
	// tool loop (previous-response continuation instead of history replay).
	// Must match the Provider implementation.
	Structured bool

	Settings Settings

	// Sleep overrides the retry backoff timer. Nil selects a real timer;
	// tests inject a recording stub.
	Sleep func(context.Context, time.Duration) error
}

// Engine implements the conversation orchestration surface.
type Engine struct {
	store      *history.Store
	accountant budget.Estimator
	budgeter   *budget.Budgeter
	provider   upstream.Provider
	plugins    *plugin.Registry
	media      media.Provider
	locale     *i18n.Table
	metrics    *observe.Metrics
	log        *slog.Logger

	profile       model.Profile
	visionProfile model.Profile

	structured bool
	protocol   string

	mu       sync.RWMutex
	settings Settings

	// sleep is injectable for retry tests; nil selects a real timer.
	sleep func(context.Context, time.Duration) error
}

// New constructs an Engine from opts.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: Store is required")
	}
	if opts.Accountant == nil {
		return nil, fmt.Errorf("engine: Accountant is required")
	}
	if opts.Budgeter == nil {
		return nil, fmt.Errorf("engine: Budgeter is required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("engine: Provider is required")
	}
	if opts.Locale == nil {
		return nil, fmt.Errorf("engine: Locale is required")
	}
	if opts.Plugins == nil {
		opts.Plugins = plugin.NewRegistry()
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.VisionProfile.Name == "" {
		opts.VisionProfile = opts.Profile
	}

	protocol := "chat"
	if opts.Structured {
		protocol = "responses"
	}

	return &Engine{
		store:         opts.Store,
		accountant:    opts.Accountant,
		budgeter:      opts.Budgeter,
		provider:      opts.Provider,
		plugins:       opts.Plugins,
		media:         opts.Media,
		locale:        opts.Locale,
		metrics:       opts.Metrics,
		log:           opts.Logger,
		profile:       opts.Profile,
		visionProfile: opts.VisionProfile,
		structured:    opts.Structured,
		protocol:      protocol,
		settings:      opts.Settings,
		sleep:         opts.Sleep,
	}, nil
}

// ApplySettings swaps the per-request tunables. In-flight requests keep the
// snapshot they started with.
func (e *Engine) ApplySettings(s Settings) {
	e.mu.Lock()
	e.settings = s
	e.mu.Unlock()
	e.log.Info("engine settings updated")
}

func (e *Engine) currentSettings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// ResetConversation replaces the conversation with a single priming message.
// An empty primingText selects the configured assistant prompt.
func (e *Engine) ResetConversation(conversationID, primingText string) {
	if primingText == "" {
		primingText = e.currentSettings().AssistantPrompt
	}
	e.store.Reset(conversationID, primingText)
}

// ChatModePrompt returns the priming prompt configured for a named chat mode.
func (e *Engine) ChatModePrompt(mode string) (string, bool) {
	s := e.currentSettings()
	prompt, ok := s.ChatModes[mode]
	return prompt, ok
}

// ConversationStats returns the conversation's message count and estimated
// token footprint. An unknown conversation is primed with the assistant
// prompt first, so the stats describe the context the next message would see.
func (e *Engine) ConversationStats(conversationID string) (messages, tokens int, err error) {
	if !e.store.Exists(conversationID) {
		e.store.Reset(conversationID, e.currentSettings().AssistantPrompt)
	}
	msgs, err := e.store.Messages(conversationID)
	if err != nil {
		return 0, 0, err
	}
	tokens, err = e.accountant.EstimateMessages(msgs)
	if err != nil {
		return 0, 0, err
	}
	return len(msgs), tokens, nil
}

// ensureFresh resets an expired conversation and records activity. Called at
// the top of every orchestration entry point.
func (e *Engine) ensureFresh(ctx context.Context, conversationID string, s Settings) {
	if !e.store.Exists(conversationID) {
		e.metrics.ActiveConversations.Add(ctx, 1)
	} else if s.MaxConversationAge > 0 && e.store.IsExpired(conversationID, s.MaxConversationAge) {
		e.log.Info("conversation expired, resetting", "conversation", conversationID)
		e.store.Reset(conversationID, s.AssistantPrompt)
	}
	e.store.Touch(conversationID)
}

// text resolves a localization key in the configured bot language.
func (e *Engine) text(key string) string {
	return e.locale.Text(key, e.currentSettings().BotLanguage)
}

// userError wraps an upstream failure in a localized, user-facing message.
// The original error stays in the chain for errors.Is matching and logs.
func (e *Engine) userError(err error) error {
	switch {
	case errors.Is(err, upstream.ErrInvalidRequest):
		return fmt.Errorf("%s: %w", e.text("openai_invalid"), err)
	case errors.Is(err, upstream.ErrEmptyResponse):
		return fmt.Errorf("%s. %s: %w", e.text("error"), e.text("try_again"), err)
	default:
		return fmt.Errorf("%s: %w", e.text("error"), err)
	}
}
