package responsesapi

import (
	"strings"
	"testing"

	oresponses "github.com/openai/openai-go/responses"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/model"
	"github.com/parleybot/parley/pkg/provider/upstream"
)

func newTestProvider(t *testing.T, modelName string) *Provider {
	t.Helper()
	p, err := New("sk-test", model.MustResolve(modelName))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New("", model.MustResolve("gpt-4o")); err == nil {
		t.Fatal("expected an error for an empty API key")
	}
}

func TestBuildParamsFullHistory(t *testing.T) {
	p := newTestProvider(t, "gpt-4o")

	params, err := p.buildParams(upstream.Request{
		Model:       "gpt-4o",
		Temperature: 0.4,
		MaxTokens:   900,
		Messages: []chat.Message{
			chat.Text(chat.RoleSystem, "You are terse."),
			chat.Text(chat.RoleUser, "hello"),
			chat.Text(chat.RoleAssistant, "hi"),
			chat.Text(chat.RoleUser, "tell me more"),
		},
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}

	if got := params.Temperature.Value; got != 0.4 {
		t.Errorf("Temperature = %v", got)
	}
	if got := params.MaxOutputTokens.Value; got != 900 {
		t.Errorf("MaxOutputTokens = %d", got)
	}
	if got := params.Instructions.Value; got != "You are terse." {
		t.Errorf("Instructions = %q", got)
	}
	// System text travels as instructions, so only the three chat turns
	// remain in the input list.
	if got := len(params.Input.OfInputItemList); got != 3 {
		t.Fatalf("input items = %d", got)
	}
	if params.PreviousResponseID.Valid() {
		t.Error("PreviousResponseID should be unset on a fresh request")
	}
}

func TestBuildParamsContinuation(t *testing.T) {
	p := newTestProvider(t, "gpt-4o")

	params, err := p.buildParams(upstream.Request{
		Model:              "gpt-4o",
		PreviousResponseID: "resp_42",
		Messages: []chat.Message{
			chat.Text(chat.RoleUser, "must not appear"),
		},
		ToolOutputs: []upstream.ToolOutput{
			{CallID: "call_1", Output: `{"temp": 21}`},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := params.PreviousResponseID.Value; got != "resp_42" {
		t.Errorf("PreviousResponseID = %q", got)
	}
	items := params.Input.OfInputItemList
	if len(items) != 1 {
		t.Fatalf("input items = %d", len(items))
	}
	out := items[0].OfFunctionCallOutput
	if out == nil || out.CallID != "call_1" {
		t.Fatalf("item = %+v", items[0])
	}
}

func TestBuildParamsAssistantToolCalls(t *testing.T) {
	p := newTestProvider(t, "gpt-4o")

	params, err := p.buildParams(upstream.Request{
		Model: "gpt-4o",
		Messages: []chat.Message{
			chat.AssistantToolCalls("", chat.ToolCall{
				ID: "call_1", Name: "get_weather", Arguments: `{"city": "Berlin"}`,
			}),
			chat.FunctionResult("get_weather", "call_1", `{"temp": 21}`),
			chat.Text(chat.RoleAssistant, "21 degrees."),
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	// The bare tool-call turn and the final answer survive; the replayed
	// tool result is dropped.
	items := params.Input.OfInputItemList
	if len(items) != 2 {
		t.Fatalf("input items = %d", len(items))
	}
	call := items[0].OfFunctionCall
	if call == nil || call.Name != "get_weather" || call.CallID != "call_1" {
		t.Fatalf("item = %+v", items[0])
	}
}

func TestBuildParamsUnknownRole(t *testing.T) {
	p := newTestProvider(t, "gpt-4o")

	_, err := p.buildParams(upstream.Request{
		Model:    "gpt-4o",
		Messages: []chat.Message{{Role: "narrator", Content: "meanwhile"}},
	})
	if err == nil {
		t.Fatal("expected an error for an unknown role")
	}
}

func TestBuildParamsTools(t *testing.T) {
	tools := []upstream.ToolDefinition{{
		Name:       "get_weather",
		Parameters: map[string]any{"type": "object"},
	}}

	t.Run("offered with plain text guard", func(t *testing.T) {
		p := newTestProvider(t, "gpt-4o")
		params, err := p.buildParams(upstream.Request{
			Model:          "gpt-4o",
			Messages:       []chat.Message{chat.Text(chat.RoleSystem, "You are terse.")},
			Tools:          tools,
			PlainTextGuard: true,
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(params.Tools) != 1 {
			t.Fatalf("Tools = %+v", params.Tools)
		}
		instr := params.Instructions.Value
		if !strings.HasPrefix(instr, plainTextGuard) || !strings.Contains(instr, "You are terse.") {
			t.Fatalf("Instructions = %q", instr)
		}
	})

	t.Run("web search appended", func(t *testing.T) {
		p := newTestProvider(t, "gpt-4o")
		params, err := p.buildParams(upstream.Request{
			Model: "gpt-4o", Tools: tools, EnableWebSearch: true,
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(params.Tools) != 2 {
			t.Fatalf("Tools = %+v", params.Tools)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		p := newTestProvider(t, "gpt-4o")
		params, err := p.buildParams(upstream.Request{
			Model: "gpt-4o", Tools: tools, DisableTools: true, EnableWebSearch: true,
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(params.Tools) != 0 {
			t.Fatalf("Tools = %+v", params.Tools)
		}
	})

	t.Run("dropped on pre-function snapshots", func(t *testing.T) {
		p := newTestProvider(t, "gpt-4-0314")
		params, err := p.buildParams(upstream.Request{Model: "gpt-4-0314", Tools: tools})
		if err != nil {
			t.Fatal(err)
		}
		if len(params.Tools) != 0 {
			t.Fatalf("Tools = %+v", params.Tools)
		}
	})
}

func TestConvertUserMessage(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		item, err := convertUserMessage(chat.Text(chat.RoleUser, "hi"))
		if err != nil {
			t.Fatal(err)
		}
		msg := item.OfMessage
		if msg == nil || msg.Content.OfString.Value != "hi" {
			t.Fatalf("item = %+v", item)
		}
	})

	t.Run("multimodal", func(t *testing.T) {
		item, err := convertUserMessage(chat.Multimodal(chat.RoleUser,
			chat.TextBlock("what is this"),
			chat.ImageBlock("data:image/png;base64,AAAA", chat.DetailLow),
		))
		if err != nil {
			t.Fatal(err)
		}
		msg := item.OfMessage
		if msg == nil {
			t.Fatalf("item = %+v", item)
		}
		parts := msg.Content.OfInputItemContentList
		if len(parts) != 2 {
			t.Fatalf("parts = %d", len(parts))
		}
		img := parts[1].OfInputImage
		if img == nil || img.Detail != oresponses.ResponseInputImageDetailLow {
			t.Fatalf("image part = %+v", parts[1])
		}
		if got := img.ImageURL.Value; !strings.HasPrefix(got, "data:image/png") {
			t.Fatalf("ImageURL = %q", got)
		}
	})
}

func TestFinishReason(t *testing.T) {
	cases := []struct {
		status oresponses.ResponseStatus
		want   string
	}{
		{oresponses.ResponseStatusCompleted, "stop"},
		{oresponses.ResponseStatusIncomplete, "length"},
		{oresponses.ResponseStatusFailed, "error"},
		{oresponses.ResponseStatusCancelled, "error"},
		{oresponses.ResponseStatus("queued"), "unknown"},
	}
	for _, tc := range cases {
		if got := finishReason(tc.status); got != tc.want {
			t.Errorf("finishReason(%q) = %q, want %q", tc.status, got, tc.want)
		}
	}
}
