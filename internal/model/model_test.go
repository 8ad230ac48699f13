package model

import (
	"errors"
	"testing"

	"github.com/parleybot/parley/internal/chat"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name          string
		family        Family
		contextWindow int
		functions     bool
		vision        bool
	}{
		{"gpt-3.5-turbo", FamilyGPT35, 4096, true, false},
		{"gpt-3.5-turbo-0301", FamilyGPT35, 4096, false, false},
		{"gpt-3.5-turbo-16k", FamilyGPT35x16, 16384, true, false},
		{"gpt-3.5-turbo-0125", FamilyGPT35x16, 16384, true, false},
		{"gpt-4", FamilyGPT4, 8192, true, false},
		{"gpt-4-0314", FamilyGPT4, 8192, false, false},
		{"gpt-4-32k", FamilyGPT4x32, 32768, true, false},
		{"gpt-4-1106-preview", FamilyGPT4x128, 126976, true, false},
		{"gpt-4-turbo", FamilyGPT4x128, 126976, true, true},
		{"gpt-4o", FamilyGPT4o, 126976, true, true},
		{"gpt-4o-mini", FamilyGPT4o, 126976, true, true},
		{"gpt-4.1", FamilyGPT41, 262144, true, true},
		{"o1", FamilyO, 100000, false, false},
		{"o1-preview", FamilyO, 32768, false, false},
		{"o1-mini", FamilyO, 65536, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Resolve(tt.name)
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.name, err)
			}
			if p.Name != tt.name {
				t.Errorf("Name = %q", p.Name)
			}
			if p.Family != tt.family {
				t.Errorf("Family = %q, want %q", p.Family, tt.family)
			}
			if p.ContextWindow != tt.contextWindow {
				t.Errorf("ContextWindow = %d, want %d", p.ContextWindow, tt.contextWindow)
			}
			if p.SupportsFunctions != tt.functions {
				t.Errorf("SupportsFunctions = %v, want %v", p.SupportsFunctions, tt.functions)
			}
			if p.SupportsVision != tt.vision {
				t.Errorf("SupportsVision = %v, want %v", p.SupportsVision, tt.vision)
			}
		})
	}
}

func TestResolveUnknown(t *testing.T) {
	for _, name := range []string{"", "gpt-5", "gpt-4o-2024", "claude-3"} {
		if _, err := Resolve(name); !errors.Is(err, ErrUnsupportedModel) {
			t.Errorf("Resolve(%q) err = %v, want ErrUnsupportedModel", name, err)
		}
	}
}

func TestResolveOFamilyQuirks(t *testing.T) {
	p := MustResolve("o1")
	if !p.UsesMaxCompletionTokens {
		t.Error("o family should request max_completion_tokens")
	}
	if p.PrimingRole != chat.RoleAssistant {
		t.Errorf("PrimingRole = %q, want assistant", p.PrimingRole)
	}
	if p.SummaryTemperature != 1 {
		t.Errorf("SummaryTemperature = %v, want 1", p.SummaryTemperature)
	}

	std := MustResolve("gpt-4o")
	if std.UsesMaxCompletionTokens {
		t.Error("gpt-4o should request max_tokens")
	}
	if std.PrimingRole != chat.RoleSystem {
		t.Errorf("PrimingRole = %q, want system", std.PrimingRole)
	}
	if std.SummaryTemperature != 0.4 {
		t.Errorf("SummaryTemperature = %v, want 0.4", std.SummaryTemperature)
	}
}

func TestMustResolvePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("MustResolve did not panic for an unknown model")
		}
	}()
	MustResolve("gpt-99-ultra")
}

func TestDefaultMaxTokens(t *testing.T) {
	tests := map[string]int{
		"gpt-3.5-turbo":      1200,
		"gpt-3.5-turbo-16k":  4800,
		"gpt-3.5-turbo-1106": 4096,
		"gpt-4":              2400,
		"gpt-4-32k":          9600,
		"gpt-4o":             4096,
		"gpt-4.1":            30000,
	}
	for name, want := range tests {
		if got := MustResolve(name).DefaultMaxTokens; got != want {
			t.Errorf("%s DefaultMaxTokens = %d, want %d", name, got, want)
		}
	}
}
