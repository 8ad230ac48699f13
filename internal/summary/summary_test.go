package summary

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/model"
	"github.com/parleybot/parley/pkg/provider/upstream"
	"github.com/parleybot/parley/pkg/provider/upstream/mock"
)

func TestSummarise(t *testing.T) {
	p := &mock.Provider{
		CompleteResult: &upstream.Result{
			Choices: []upstream.Choice{{Text: "They talked about the weather."}},
		},
	}
	profile := model.Profile{Name: "gpt-4o", SummaryTemperature: 0.4}
	s := New(p, profile)

	messages := []chat.Message{
		chat.Text(chat.RoleUser, "How is the weather today?"),
		chat.Text(chat.RoleAssistant, "Sunny with light wind."),
	}

	got, err := s.Summarise(context.Background(), messages)
	if err != nil {
		t.Fatalf("Summarise() error = %v", err)
	}
	if got != "They talked about the weather." {
		t.Errorf("Summarise() = %q", got)
	}

	if len(p.CompleteCalls) != 1 {
		t.Fatalf("Complete called %d times, want 1", len(p.CompleteCalls))
	}
	req := p.CompleteCalls[0].Req

	if req.Temperature != 0.4 {
		t.Errorf("Temperature = %v, want 0.4", req.Temperature)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("request carried %d messages, want 2", len(req.Messages))
	}
	if req.Messages[0].Role != chat.RoleAssistant {
		t.Errorf("instruction role = %q, want assistant", req.Messages[0].Role)
	}
	if !strings.Contains(req.Messages[0].Content, "700 characters or less") {
		t.Errorf("instruction = %q, want the character bound", req.Messages[0].Content)
	}
	transcript := req.Messages[1].Content
	if !strings.Contains(transcript, "[user]: How is the weather today?") {
		t.Errorf("transcript missing user turn: %q", transcript)
	}
	if !strings.Contains(transcript, "[assistant]: Sunny with light wind.") {
		t.Errorf("transcript missing assistant turn: %q", transcript)
	}
}

func TestSummariseEmptyHistory(t *testing.T) {
	p := &mock.Provider{}
	s := New(p, model.Profile{Name: "gpt-4o"})

	got, err := s.Summarise(context.Background(), nil)
	if err != nil {
		t.Fatalf("Summarise() error = %v", err)
	}
	if got != "" {
		t.Errorf("Summarise() = %q, want empty", got)
	}
	if len(p.CompleteCalls) != 0 {
		t.Errorf("Complete was called for an empty history")
	}
}

func TestSummariseProviderFailure(t *testing.T) {
	p := &mock.Provider{CompleteErr: fmt.Errorf("boom")}
	s := New(p, model.Profile{Name: "gpt-4o"})

	_, err := s.Summarise(context.Background(), []chat.Message{
		chat.Text(chat.RoleUser, "hi"),
	})
	if err == nil {
		t.Fatal("Summarise() error = nil, want failure")
	}
}
