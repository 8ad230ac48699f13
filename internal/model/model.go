// Package model resolves upstream model identifiers into static profiles:
// context window size, default output-token reservation, function-calling
// support, and the protocol quirks of each family.
//
// Resolution is strict. An identifier that does not map to exactly one known
// family is a deployment misconfiguration and fails with
// [ErrUnsupportedModel] rather than being silently defaulted — mis-costing a
// request risks silently exceeding the provider's real context limit.
package model

import (
	"fmt"

	"github.com/parleybot/parley/internal/chat"
)

// ErrUnsupportedModel is returned by [Resolve] for identifiers outside every
// known family.
var ErrUnsupportedModel = fmt.Errorf("model: unsupported model identifier")

// Family groups models that share limits and protocol behaviour.
type Family string

const (
	FamilyGPT35    Family = "gpt-3.5"
	FamilyGPT35x16 Family = "gpt-3.5-16k"
	FamilyGPT4     Family = "gpt-4"
	FamilyGPT4x32  Family = "gpt-4-32k"
	FamilyGPT4x128 Family = "gpt-4-128k"
	FamilyGPT4o    Family = "gpt-4o"
	FamilyGPT41    Family = "gpt-4.1"
	FamilyO        Family = "o"
)

// Known model identifiers per family. Matching is exact, not prefix-based:
// a new model name must be added here before the engine will accept it.
var (
	gpt35Models    = []string{"gpt-3.5-turbo", "gpt-3.5-turbo-0301", "gpt-3.5-turbo-0613"}
	gpt35x16Models = []string{"gpt-3.5-turbo-16k", "gpt-3.5-turbo-16k-0613", "gpt-3.5-turbo-1106", "gpt-3.5-turbo-0125"}
	gpt4Models     = []string{"gpt-4", "gpt-4-0314", "gpt-4-0613"}
	gpt4x32Models  = []string{"gpt-4-32k", "gpt-4-32k-0314", "gpt-4-32k-0613"}
	gpt4x128Models = []string{"gpt-4-1106-preview", "gpt-4-0125-preview", "gpt-4-turbo-preview", "gpt-4-turbo", "gpt-4-turbo-2024-04-09"}
	gpt4oModels    = []string{"gpt-4o", "gpt-4o-mini", "chatgpt-4o-latest"}
	gpt41Models    = []string{"gpt-4.1", "gpt-4.1-mini", "gpt-4.1-nano"}
	oModels        = []string{"o1", "o1-mini", "o1-preview"}
)

// noFunctionModels are snapshots that predate function calling.
var noFunctionModels = map[string]bool{
	"gpt-3.5-turbo-0301":     true,
	"gpt-4-0314":             true,
	"gpt-4-32k-0314":         true,
	"gpt-3.5-turbo-0613":     true,
	"gpt-3.5-turbo-16k-0613": true,
}

// Profile is the static description of one model identifier.
type Profile struct {
	// Name is the identifier the profile was resolved from.
	Name string

	Family Family

	// ContextWindow is the model's maximum total token count (input + output).
	ContextWindow int

	// DefaultMaxTokens is the default completion-token reservation used when
	// the configuration does not override it.
	DefaultMaxTokens int

	// SupportsFunctions reports whether the model accepts tool/function
	// definitions.
	SupportsFunctions bool

	// SupportsVision reports whether the model accepts image inputs.
	SupportsVision bool

	// UsesMaxCompletionTokens is true for families whose output-token request
	// parameter is named max_completion_tokens instead of max_tokens.
	UsesMaxCompletionTokens bool

	// PrimingRole is the role of the conversation's first (priming) message.
	// The "o" family rejects system turns and is primed with an assistant turn.
	PrimingRole chat.Role

	// SummaryTemperature is the sampling temperature used for history
	// summarisation requests. The "o" family only accepts the default of 1.
	SummaryTemperature float64
}

// Resolve maps a model identifier to its [Profile]. Identifiers outside every
// known family fail with [ErrUnsupportedModel].
func Resolve(name string) (Profile, error) {
	family, ok := familyOf(name)
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnsupportedModel, name)
	}

	p := Profile{
		Name:               name,
		Family:             family,
		SupportsFunctions:  !noFunctionModels[name] && family != FamilyO,
		PrimingRole:        chat.RoleSystem,
		SummaryTemperature: 0.4,
	}

	switch family {
	case FamilyGPT35:
		p.ContextWindow = 4096
		p.DefaultMaxTokens = 1200
	case FamilyGPT35x16:
		p.ContextWindow = 16384
		p.DefaultMaxTokens = 4800
		if name == "gpt-3.5-turbo-1106" {
			p.DefaultMaxTokens = 4096
		}
	case FamilyGPT4:
		p.ContextWindow = 8192
		p.DefaultMaxTokens = 2400
	case FamilyGPT4x32:
		p.ContextWindow = 32768
		p.DefaultMaxTokens = 9600
	case FamilyGPT4x128:
		p.ContextWindow = 126976
		p.DefaultMaxTokens = 4096
		p.SupportsVision = name == "gpt-4-turbo" || name == "gpt-4-turbo-2024-04-09"
	case FamilyGPT4o:
		p.ContextWindow = 126976
		p.DefaultMaxTokens = 4096
		p.SupportsVision = true
	case FamilyGPT41:
		p.ContextWindow = 262144
		p.DefaultMaxTokens = 30000
		p.SupportsVision = true
	case FamilyO:
		p.DefaultMaxTokens = 4096
		p.UsesMaxCompletionTokens = true
		p.PrimingRole = chat.RoleAssistant
		p.SummaryTemperature = 1
		switch name {
		case "o1":
			p.ContextWindow = 100000
		case "o1-preview":
			p.ContextWindow = 32768
		default:
			p.ContextWindow = 65536
		}
	}

	return p, nil
}

// MustResolve is like [Resolve] but panics on unknown identifiers. Intended
// for call sites that run after configuration validation.
func MustResolve(name string) Profile {
	p, err := Resolve(name)
	if err != nil {
		panic(err)
	}
	return p
}

func familyOf(name string) (Family, bool) {
	for family, names := range map[Family][]string{
		FamilyGPT35:    gpt35Models,
		FamilyGPT35x16: gpt35x16Models,
		FamilyGPT4:     gpt4Models,
		FamilyGPT4x32:  gpt4x32Models,
		FamilyGPT4x128: gpt4x128Models,
		FamilyGPT4o:    gpt4oModels,
		FamilyGPT41:    gpt41Models,
		FamilyO:        oModels,
	} {
		for _, n := range names {
			if n == name {
				return family, true
			}
		}
	}
	return "", false
}
