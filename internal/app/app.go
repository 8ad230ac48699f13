// Package app wires all Parley subsystems into a running application.
//
// New creates and connects the subsystems, Run executes the serving loops
// until the context is cancelled, and Shutdown tears everything down in
// order. Tests inject mock collaborators via functional options; when an
// option is not provided, New creates the real implementation from the
// config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/parleybot/parley/internal/budget"
	"github.com/parleybot/parley/internal/config"
	"github.com/parleybot/parley/internal/engine"
	"github.com/parleybot/parley/internal/health"
	"github.com/parleybot/parley/internal/history"
	"github.com/parleybot/parley/internal/i18n"
	"github.com/parleybot/parley/internal/model"
	"github.com/parleybot/parley/internal/observe"
	"github.com/parleybot/parley/internal/plugin"
	"github.com/parleybot/parley/internal/plugin/mcphost"
	"github.com/parleybot/parley/internal/summary"
	"github.com/parleybot/parley/internal/telegram"
	"github.com/parleybot/parley/internal/tokencost"
	"github.com/parleybot/parley/pkg/provider/media"
	openaimedia "github.com/parleybot/parley/pkg/provider/media/openai"
	"github.com/parleybot/parley/pkg/provider/upstream"
	"github.com/parleybot/parley/pkg/provider/upstream/chatapi"
	"github.com/parleybot/parley/pkg/provider/upstream/responsesapi"
)

const (
	// sweepInterval is how often idle conversations are evicted.
	sweepInterval = 10 * time.Minute

	httpShutdownTimeout = 5 * time.Second
)

// options holds injectable collaborators.
type options struct {
	provider  upstream.Provider
	media     media.Provider
	plugins   *plugin.Registry
	estimator budget.Estimator
	metrics   *observe.Metrics
}

// Option overrides one collaborator, usually with a mock.
type Option func(*options)

// WithUpstreamProvider replaces the OpenAI-backed chat provider.
func WithUpstreamProvider(p upstream.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithMediaProvider replaces the OpenAI-backed media provider.
func WithMediaProvider(p media.Provider) Option {
	return func(o *options) { o.media = p }
}

// WithPlugins replaces the MCP-backed plugin registry.
func WithPlugins(r *plugin.Registry) Option {
	return func(o *options) { o.plugins = r }
}

// WithEstimator replaces the tiktoken-backed token estimator.
func WithEstimator(e budget.Estimator) Option {
	return func(o *options) { o.estimator = e }
}

// WithMetrics replaces the OTel-backed metrics and skips global telemetry
// initialisation.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// App owns the lifecycle of the bot: the conversation engine, the Telegram
// poller, the ops HTTP server and the conversation expiry sweep.
type App struct {
	cfg     *config.Config
	store   *history.Store
	engine  *engine.Engine
	poller  *telegram.Poller
	server  *http.Server
	metrics *observe.Metrics

	closers      []func() error
	shutdownOTel func(context.Context) error
	stopOnce     sync.Once
}

// New builds the application from cfg. The config must already be validated
// by the loader.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg}

	profile, err := model.Resolve(cfg.Chat.Model)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	visionProfile := profile
	if cfg.Chat.VisionModel != "" {
		visionProfile, err = model.Resolve(cfg.Chat.VisionModel)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}

	a.metrics = o.metrics
	if a.metrics == nil {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "parley"})
		if err != nil {
			return nil, fmt.Errorf("app: init telemetry: %w", err)
		}
		a.shutdownOTel = shutdown
		a.metrics, err = observe.NewMetrics(otel.GetMeterProvider())
		if err != nil {
			return nil, fmt.Errorf("app: create metrics: %w", err)
		}
	}

	locale, err := i18n.Load()
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	provider := o.provider
	if provider == nil {
		provider, err = buildUpstream(cfg, profile)
		if err != nil {
			return nil, fmt.Errorf("app: create upstream provider: %w", err)
		}
	}

	mediaProvider := o.media
	if mediaProvider == nil {
		mediaProvider, err = buildMedia(cfg)
		if err != nil {
			return nil, fmt.Errorf("app: create media provider: %w", err)
		}
	}

	plugins := o.plugins
	if plugins == nil {
		plugins, err = a.connectPlugins(ctx, cfg.Plugins.Servers)
		if err != nil {
			a.closeAll()
			return nil, err
		}
	}

	estimator := o.estimator
	if estimator == nil {
		estimator, err = tokencost.New(profile)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: create token estimator: %w", err)
		}
	}

	a.store = history.New(profile.PrimingRole, cfg.Chat.AssistantPrompt)
	budgeter := budget.New(a.store, estimator, summary.New(provider, profile), budget.Limits{
		MaxTotalTokens:     profile.ContextWindow,
		MaxReplyTokens:     cfg.Chat.MaxTokens,
		MaxHistoryMessages: cfg.Chat.MaxHistoryMessages,
	}, nil)

	a.engine, err = engine.New(engine.Options{
		Store:         a.store,
		Accountant:    estimator,
		Budgeter:      budgeter,
		Provider:      provider,
		Plugins:       plugins,
		Media:         mediaProvider,
		Locale:        locale,
		Metrics:       a.metrics,
		Profile:       profile,
		VisionProfile: visionProfile,
		Structured:    cfg.Chat.UseResponsesAPI,
		Settings:      engine.SettingsFromConfig(cfg),
	})
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: %w", err)
	}

	client := telegram.NewClient(cfg.Telegram.Token, cfg.Telegram.BaseURL)
	bot := telegram.NewBot(client, a.engine, locale, telegram.BotConfig{
		AllowedChatIDs: cfg.Telegram.AllowedChatIDs,
		StreamAnswers:  cfg.Telegram.StreamAnswers,
		Language:       cfg.Chat.BotLanguage,
	}, nil)
	a.poller = telegram.NewPoller(client, bot.HandleUpdate, nil)
	a.poller.PollingTimeout = cfg.Telegram.PollingTimeout

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	probes := health.New()
	probes.Add("telegram", func(ctx context.Context) error {
		_, err := client.GetMe(ctx)
		return err
	})
	probes.Register(mux)
	a.server = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(a.metrics)(mux),
	}

	return a, nil
}

// Engine exposes the conversation engine, for settings reloads.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// ApplySettings pushes hot-reloadable settings from a freshly loaded config
// into the running engine.
func (a *App) ApplySettings(cfg *config.Config) {
	a.engine.ApplySettings(engine.SettingsFromConfig(cfg))
}

// Run serves until ctx is cancelled: the ops HTTP endpoint, the Telegram
// long-poll loop and the periodic conversation sweep. Returns the context
// error on orderly shutdown.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- a.server.ListenAndServe() }()
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			_ = a.server.Shutdown(shutdownCtx)
			return ctx.Err()
		case err := <-errCh:
			return fmt.Errorf("app: http server: %w", err)
		}
	})

	g.Go(func() error {
		return a.poller.Run(ctx)
	})

	g.Go(func() error {
		a.sweepLoop(ctx)
		return ctx.Err()
	})

	slog.Info("app running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"model", a.cfg.Chat.Model,
		"protocol", protocolName(a.cfg.Chat.UseResponsesAPI),
	)
	return g.Wait()
}

// sweepLoop evicts idle conversations so an abandoned chat does not pin its
// history forever.
func (a *App) sweepLoop(ctx context.Context) {
	maxAge := time.Duration(a.cfg.Chat.MaxConversationAgeMinutes) * time.Minute
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := a.store.Sweep(maxAge); evicted > 0 {
				a.metrics.ActiveConversations.Add(ctx, -int64(evicted))
				slog.Debug("swept idle conversations", "evicted", evicted)
			}
		}
	}
}

// Shutdown closes plugin connections and flushes telemetry. Safe to call
// more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.closeAll()
		if a.shutdownOTel != nil {
			shutdownErr = a.shutdownOTel(ctx)
		}
	})
	return shutdownErr
}

// connectPlugins dials every configured MCP server and registers the closers.
func (a *App) connectPlugins(ctx context.Context, servers []config.PluginServerConfig) (*plugin.Registry, error) {
	var invokers []plugin.Invoker
	for _, s := range servers {
		host, err := mcphost.Connect(ctx, mcphost.ServerConfig{
			Name:      s.Name,
			Transport: mcphost.Transport(s.Transport),
			Command:   s.Command,
			URL:       s.URL,
			Env:       s.Env,
		})
		if err != nil {
			return nil, fmt.Errorf("app: connect plugin server %q: %w", s.Name, err)
		}
		a.closers = append(a.closers, host.Close)
		invokers = append(invokers, host)
		slog.Info("plugin server connected", "name", s.Name, "functions", len(host.Specs()))
	}
	return plugin.NewRegistry(invokers...), nil
}

func (a *App) closeAll() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}

func buildUpstream(cfg *config.Config, profile model.Profile) (upstream.Provider, error) {
	if cfg.Chat.UseResponsesAPI {
		var opts []responsesapi.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, responsesapi.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		if cfg.OpenAI.Organization != "" {
			opts = append(opts, responsesapi.WithOrganization(cfg.OpenAI.Organization))
		}
		return responsesapi.New(cfg.OpenAI.APIKey, profile, opts...)
	}
	var opts []chatapi.Option
	if cfg.OpenAI.BaseURL != "" {
		opts = append(opts, chatapi.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	if cfg.OpenAI.Organization != "" {
		opts = append(opts, chatapi.WithOrganization(cfg.OpenAI.Organization))
	}
	return chatapi.New(cfg.OpenAI.APIKey, profile, opts...)
}

func buildMedia(cfg *config.Config) (media.Provider, error) {
	var opts []openaimedia.Option
	if cfg.OpenAI.BaseURL != "" {
		opts = append(opts, openaimedia.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	return openaimedia.New(cfg.OpenAI.APIKey, openaimedia.Config{
		ImageModel:    cfg.Image.Model,
		ImageSize:     cfg.Image.Size,
		ImageQuality:  cfg.Image.Quality,
		ImageStyle:    cfg.Image.Style,
		TTSModel:      cfg.Speech.Model,
		TTSVoice:      cfg.Speech.Voice,
		WhisperModel:  cfg.Whisper.Model,
		WhisperPrompt: cfg.Whisper.Prompt,
	}, opts...)
}

func protocolName(structured bool) string {
	if structured {
		return "responses"
	}
	return "chat"
}
