package config

import "maps"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything else
// (tokens, listen address, plugin servers) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TuningChanged covers the sampling knobs the engine reads per request:
	// temperature, penalties, max_tokens, n_choices.
	TuningChanged bool

	PromptChanged    bool
	ChatModesChanged bool
	VisionChanged    bool
}

// Changed reports whether any hot-reloadable field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.TuningChanged || d.PromptChanged ||
		d.ChatModesChanged || d.VisionChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Chat.Temperature != new.Chat.Temperature ||
		old.Chat.PresencePenalty != new.Chat.PresencePenalty ||
		old.Chat.FrequencyPenalty != new.Chat.FrequencyPenalty ||
		old.Chat.MaxTokens != new.Chat.MaxTokens ||
		old.Chat.NChoices != new.Chat.NChoices {
		d.TuningChanged = true
	}

	if old.Chat.AssistantPrompt != new.Chat.AssistantPrompt {
		d.PromptChanged = true
	}

	if !maps.Equal(old.Chat.ChatModes, new.Chat.ChatModes) {
		d.ChatModesChanged = true
	}

	if old.Vision.Prompt != new.Vision.Prompt ||
		old.Vision.Detail != new.Vision.Detail ||
		old.Vision.MaxTokens != new.Vision.MaxTokens ||
		old.Vision.EnableFollowUpQuestions != new.Vision.EnableFollowUpQuestions {
		d.VisionChanged = true
	}

	return d
}
