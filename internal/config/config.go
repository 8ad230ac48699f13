// Package config provides the configuration schema and loader for the Parley
// chat bot.
package config

// LogLevel controls log verbosity for the Parley server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Telegram TelegramConfig `yaml:"telegram"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Chat     ChatConfig     `yaml:"chat"`
	Vision   VisionConfig   `yaml:"vision"`
	Image    ImageConfig    `yaml:"image"`
	Speech   SpeechConfig   `yaml:"speech"`
	Whisper  WhisperConfig  `yaml:"whisper"`
	Plugins  PluginsConfig  `yaml:"plugins"`
}

// ServerConfig holds network and logging settings for the ops endpoint.
type ServerConfig struct {
	// ListenAddr is the TCP address the metrics/health server listens on
	// (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// TelegramConfig holds the Bot API settings.
type TelegramConfig struct {
	// Token is the Bot API token.
	Token string `yaml:"token"`

	// BaseURL overrides the public Bot API endpoint. Leave empty for the
	// default.
	BaseURL string `yaml:"base_url"`

	// AllowedChatIDs restricts the bot to the listed chats. Empty means all
	// chats are served.
	AllowedChatIDs []int64 `yaml:"allowed_chat_ids"`

	// PollingTimeout is the long-poll hold time in seconds.
	PollingTimeout int `yaml:"polling_timeout"`

	// StreamAnswers delivers answers incrementally by editing a placeholder
	// message while the model is still generating.
	StreamAnswers bool `yaml:"stream_answers"`
}

// OpenAIConfig holds upstream API credentials.
type OpenAIConfig struct {
	// APIKey authenticates against the upstream API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the upstream API endpoint. Leave empty for the
	// default.
	BaseURL string `yaml:"base_url"`

	// Organization is the optional organization ID sent on all requests.
	Organization string `yaml:"organization"`
}

// ChatConfig tunes the conversation engine.
type ChatConfig struct {
	// Model is the chat model id, validated against the supported set.
	Model string `yaml:"model"`

	// VisionModel handles image interpretation. Empty means Model is used
	// and must support vision.
	VisionModel string `yaml:"vision_model"`

	Temperature      float64 `yaml:"temperature"`
	NChoices         int     `yaml:"n_choices"`
	MaxTokens        int     `yaml:"max_tokens"`
	PresencePenalty  float64 `yaml:"presence_penalty"`
	FrequencyPenalty float64 `yaml:"frequency_penalty"`

	// MaxHistoryMessages caps the conversation length in messages.
	MaxHistoryMessages int `yaml:"max_history_messages"`

	// MaxConversationAgeMinutes expires idle conversations.
	MaxConversationAgeMinutes int `yaml:"max_conversation_age_minutes"`

	// AssistantPrompt is the priming text installed on conversation start.
	AssistantPrompt string `yaml:"assistant_prompt"`

	// BotLanguage selects the localisation table for user-facing strings.
	BotLanguage string `yaml:"bot_language"`

	// ShowUsage appends a token-usage footer to answers.
	ShowUsage bool `yaml:"show_usage"`

	// ShowPluginsUsed appends a plugins footer to answers that used tools.
	ShowPluginsUsed bool `yaml:"show_plugins_used"`

	// UseResponsesAPI selects the structured response protocol instead of
	// the legacy chat-completion protocol.
	UseResponsesAPI bool `yaml:"use_responses_api"`

	// EnableWebSearch attaches the built-in web-search tool. Structured
	// protocol only.
	EnableWebSearch bool `yaml:"enable_web_search"`

	// EnableFunctions offers plugin functions to the model.
	EnableFunctions bool `yaml:"enable_functions"`

	// FunctionsMaxConsecutiveCalls bounds tool rounds per request.
	FunctionsMaxConsecutiveCalls int `yaml:"functions_max_consecutive_calls"`

	// ChatModes maps mode keys to alternative priming prompts selectable
	// per conversation.
	ChatModes map[string]string `yaml:"chat_modes"`
}

// VisionConfig tunes image interpretation.
type VisionConfig struct {
	// EnableFollowUpQuestions keeps interpreted images in history so later
	// turns can refer back to them. While such a conversation is active,
	// plugin functions are disabled.
	EnableFollowUpQuestions bool `yaml:"enable_follow_up_questions"`

	// Prompt is the default instruction used when the user sends an image
	// without a caption.
	Prompt string `yaml:"prompt"`

	// Detail is the image fidelity level: low, high or auto.
	Detail string `yaml:"detail"`

	// MaxTokens is the completion reservation for vision requests.
	MaxTokens int `yaml:"max_tokens"`
}

// ImageConfig tunes image generation.
type ImageConfig struct {
	Model   string `yaml:"model"`
	Quality string `yaml:"quality"`
	Style   string `yaml:"style"`
	Size    string `yaml:"size"`
}

// SpeechConfig tunes speech synthesis.
type SpeechConfig struct {
	Model string `yaml:"model"`
	Voice string `yaml:"voice"`
}

// WhisperConfig tunes audio transcription.
type WhisperConfig struct {
	Model string `yaml:"model"`

	// Prompt primes the transcription with expected vocabulary or style.
	Prompt string `yaml:"prompt"`
}

// PluginsConfig holds the list of MCP plugin servers to connect to.
type PluginsConfig struct {
	Servers []PluginServerConfig `yaml:"servers"`
}

// PluginServerConfig describes how to connect to a single MCP plugin server.
type PluginServerConfig struct {
	// Name is a unique human-readable identifier, shown in plugin footers.
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism: stdio or
	// streamable-http.
	Transport string `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http transport.
	Command string `yaml:"command"`

	// URL is the endpoint address used when Transport is "streamable-http".
	// Ignored for stdio transport.
	URL string `yaml:"url"`

	// Env holds additional environment variables for stdio servers.
	Env map[string]string `yaml:"env"`
}

// Defaults mirror the long-standing bot behaviour: moderate history bounds,
// three-hour idle expiry, a single answer choice, automatic image detail.
const (
	DefaultMaxTokens                    = 1200
	DefaultMaxHistoryMessages           = 15
	DefaultMaxConversationAgeMinutes    = 180
	DefaultTemperature                  = 1.0
	DefaultNChoices                     = 1
	DefaultBotLanguage                  = "en"
	DefaultVisionDetail                 = "auto"
	DefaultVisionPrompt                 = "What is in this image"
	DefaultAssistantPrompt              = "You are a helpful assistant."
	DefaultFunctionsMaxConsecutiveCalls = 10
)

// ApplyDefaults fills zero-valued optional fields. Called by the loader
// before validation; exported for tests that build configs directly.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Chat.MaxTokens == 0 {
		c.Chat.MaxTokens = DefaultMaxTokens
	}
	if c.Chat.MaxHistoryMessages == 0 {
		c.Chat.MaxHistoryMessages = DefaultMaxHistoryMessages
	}
	if c.Chat.MaxConversationAgeMinutes == 0 {
		c.Chat.MaxConversationAgeMinutes = DefaultMaxConversationAgeMinutes
	}
	if c.Chat.Temperature == 0 {
		c.Chat.Temperature = DefaultTemperature
	}
	if c.Chat.NChoices == 0 {
		c.Chat.NChoices = DefaultNChoices
	}
	if c.Chat.BotLanguage == "" {
		c.Chat.BotLanguage = DefaultBotLanguage
	}
	if c.Chat.AssistantPrompt == "" {
		c.Chat.AssistantPrompt = DefaultAssistantPrompt
	}
	if c.Chat.FunctionsMaxConsecutiveCalls == 0 {
		c.Chat.FunctionsMaxConsecutiveCalls = DefaultFunctionsMaxConsecutiveCalls
	}
	if c.Vision.Detail == "" {
		c.Vision.Detail = DefaultVisionDetail
	}
	if c.Vision.Prompt == "" {
		c.Vision.Prompt = DefaultVisionPrompt
	}
	if c.Vision.MaxTokens == 0 {
		c.Vision.MaxTokens = c.Chat.MaxTokens
	}
}
