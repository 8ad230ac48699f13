package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/model"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}

	if cfg.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("openai.api_key is required"))
	}

	// An unresolvable model id is a deployment mistake and must fail
	// startup rather than every request.
	if cfg.Chat.Model == "" {
		errs = append(errs, errors.New("chat.model is required"))
	} else if _, err := model.Resolve(cfg.Chat.Model); err != nil {
		errs = append(errs, fmt.Errorf("chat.model: %w", err))
	}
	if cfg.Chat.VisionModel != "" {
		profile, err := model.Resolve(cfg.Chat.VisionModel)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("chat.vision_model: %w", err))
		case !profile.SupportsVision:
			errs = append(errs, fmt.Errorf("chat.vision_model %q does not accept image input", cfg.Chat.VisionModel))
		}
	}

	if cfg.Chat.NChoices < 1 {
		errs = append(errs, fmt.Errorf("chat.n_choices %d must be at least 1", cfg.Chat.NChoices))
	}
	if cfg.Chat.NChoices > 1 && cfg.Chat.UseResponsesAPI {
		errs = append(errs, errors.New("chat.n_choices above 1 requires the legacy protocol; unset chat.use_responses_api"))
	}
	if cfg.Chat.Temperature < 0 || cfg.Chat.Temperature > 2 {
		errs = append(errs, fmt.Errorf("chat.temperature %.2f is out of range [0, 2]", cfg.Chat.Temperature))
	}
	if cfg.Chat.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("chat.max_tokens %d must be positive", cfg.Chat.MaxTokens))
	}
	if cfg.Chat.MaxHistoryMessages < 1 {
		errs = append(errs, fmt.Errorf("chat.max_history_messages %d must be positive", cfg.Chat.MaxHistoryMessages))
	}
	if cfg.Chat.EnableWebSearch && !cfg.Chat.UseResponsesAPI {
		errs = append(errs, errors.New("chat.enable_web_search requires chat.use_responses_api"))
	}

	if !chat.ImageDetail(cfg.Vision.Detail).IsValid() {
		errs = append(errs, fmt.Errorf("vision.detail %q is invalid; valid values: low, high, auto", cfg.Vision.Detail))
	}

	seen := make(map[string]int, len(cfg.Plugins.Servers))
	for i, srv := range cfg.Plugins.Servers {
		prefix := fmt.Sprintf("plugins.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of plugins.servers[%d]", prefix, srv.Name, prev))
			}
			seen[srv.Name] = i
		}
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
			}
		case "streamable-http":
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
	}

	return errors.Join(errs...)
}
