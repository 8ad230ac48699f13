// Package chatapi implements the upstream.Provider interface over the
// turn-based chat-completion protocol.
//
// This is the legacy wire shape: the full message history is replayed on
// every call, function results travel as tool messages inside the history,
// and multiple answer choices per request are supported.
package chatapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/model"
	"github.com/parleybot/parley/pkg/provider/upstream"
)

// Provider implements upstream.Provider using the chat-completion API.
type Provider struct {
	client  oai.Client
	profile model.Profile
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a chat-completion Provider for the given model profile.
func New(apiKey string, profile model.Profile, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("chatapi: apiKey must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), profile: profile}, nil
}

// Complete implements upstream.Provider.
func (p *Provider) Complete(ctx context.Context, req upstream.Request) (*upstream.Result, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("chatapi: build params: %w", err)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chatapi: chat completion: %w", upstream.WrapError(err))
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chatapi: %w", upstream.ErrEmptyResponse)
	}

	result := &upstream.Result{
		Usage: upstream.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, choice := range resp.Choices {
		result.Choices = append(result.Choices, upstream.Choice{Text: choice.Message.Content})
	}
	// Tool calls are only ever acted on for the first choice.
	for _, tc := range resp.Choices[0].Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, chat.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// Stream implements upstream.Provider.
func (p *Provider) Stream(ctx context.Context, req upstream.Request) (<-chan upstream.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("chatapi: build params: %w", err)
	}
	params.StreamOptions = oai.ChatCompletionStreamOptionsParam{
		IncludeUsage: param.NewOpt(true),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("chatapi: start stream: %w", upstream.WrapError(err))
	}

	ch := make(chan upstream.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		// accumulated tool calls keyed by index
		toolCallAccum := map[int]*chat.ToolCall{}
		var usage *upstream.Usage

		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.TotalTokens > 0 {
				usage = &upstream.Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			out := upstream.Chunk{
				Delta:        delta.Content,
				FinishReason: choice.FinishReason,
			}

			// Accumulate tool call fragments.
			for _, tc := range delta.ToolCalls {
				idx := int(tc.Index)
				if _, ok := toolCallAccum[idx]; !ok {
					toolCallAccum[idx] = &chat.ToolCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
					}
				}
				existing := toolCallAccum[idx]
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}

			// On the final chunk emit accumulated tool calls.
			if choice.FinishReason != "" {
				for i := 0; i < len(toolCallAccum); i++ {
					if tc, ok := toolCallAccum[i]; ok {
						out.ToolCalls = append(out.ToolCalls, *tc)
					}
				}
				out.Usage = usage
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- upstream.Chunk{Err: fmt.Errorf("chatapi: stream: %w", upstream.WrapError(err))}:
			case <-ctx.Done():
			}
			return
		}
		// Usage can arrive after the finish-reason chunk; deliver it late.
		if usage != nil {
			select {
			case ch <- upstream.Chunk{FinishReason: "stop", Usage: usage}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// buildParams converts an upstream.Request into chat-completion SDK params.
func (p *Provider) buildParams(req upstream.Request) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
	}

	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.PresencePenalty != 0 {
		params.PresencePenalty = param.NewOpt(req.PresencePenalty)
	}
	if req.FrequencyPenalty != 0 {
		params.FrequencyPenalty = param.NewOpt(req.FrequencyPenalty)
	}
	if req.N > 1 {
		params.N = param.NewOpt(int64(req.N))
	}
	if req.MaxTokens > 0 {
		// Reasoning-family models reject the legacy max_tokens field.
		if p.profile.UsesMaxCompletionTokens {
			params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
		} else {
			params.MaxTokens = param.NewOpt(int64(req.MaxTokens))
		}
	}

	if p.profile.SupportsFunctions {
		for _, td := range req.Tools {
			params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        td.Name,
					Description: param.NewOpt(td.Description),
					Parameters:  shared.FunctionParameters(td.Parameters),
				},
			})
		}
		if req.DisableTools && len(params.Tools) > 0 {
			params.ToolChoice = oai.ChatCompletionToolChoiceOptionUnionParam{
				OfAuto: param.NewOpt("none"),
			}
		}
	}

	return params, nil
}

// convertMessage converts a chat.Message to a chat-completion message param.
func convertMessage(m chat.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case chat.RoleSystem:
		return oai.SystemMessage(m.Content), nil

	case chat.RoleDeveloper:
		return oai.DeveloperMessage(m.Content), nil

	case chat.RoleUser:
		if !m.IsMultimodal() {
			return oai.UserMessage(m.Content), nil
		}
		parts := make([]oai.ChatCompletionContentPartUnionParam, 0, len(m.Blocks))
		for _, b := range m.Blocks {
			switch b.Kind {
			case chat.BlockText:
				parts = append(parts, oai.TextContentPart(b.Text))
			case chat.BlockImage:
				parts = append(parts, oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
					URL:    b.URL,
					Detail: string(b.Detail),
				}))
			default:
				return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("chatapi: unknown content block kind %q", b.Kind)
			}
		}
		return oai.UserMessage(parts), nil

	case chat.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case chat.RoleFunction:
		return oai.ToolMessage(m.Content, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("chatapi: unknown message role %q", m.Role)
	}
}
