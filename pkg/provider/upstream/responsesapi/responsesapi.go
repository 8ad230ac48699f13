// Package responsesapi implements the upstream.Provider interface over the
// block-based structured response protocol.
//
// Unlike the legacy protocol, system text travels as instructions, tool
// results are submitted against the previous response ID instead of being
// replayed in the history, and the provider's built-in web-search tool can
// be attached. Only a single answer choice is produced per request.
package responsesapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/model"
	"github.com/parleybot/parley/pkg/provider/upstream"
)

// plainTextGuard is prepended to the instructions whenever the caller asks
// for markup-free output. The rendering surface cannot display markdown or
// HTML produced alongside tool output.
const plainTextGuard = "Reply in plain text only. Do not use markdown, HTML or any other markup in your answer."

// Provider implements upstream.Provider using the structured response API.
type Provider struct {
	client  openai.Client
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

// New constructs a structured-response Provider for the given model profile.
func New(apiKey string, profile model.Profile, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("responsesapi: apiKey must not be empty")
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

	return &Provider{client: openai.NewClient(reqOpts...), profile: profile}, nil
}

// Complete implements upstream.Provider.
func (p *Provider) Complete(ctx context.Context, req upstream.Request) (*upstream.Result, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("responsesapi: build params: %w", err)
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("responsesapi: create response: %w", upstream.WrapError(err))
	}

	result := &upstream.Result{
		ResponseID: resp.ID,
		Usage: upstream.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}

	var text strings.Builder
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			msg := item.AsMessage()
			for _, part := range msg.Content {
				if part.Type != "output_text" {
					continue
				}
				if text.Len() > 0 {
					text.WriteString("\n")
				}
				text.WriteString(part.Text)
			}
		case "function_call":
			call := item.AsFunctionCall()
			result.ToolCalls = append(result.ToolCalls, chat.ToolCall{
				ID:        call.CallID,
				Name:      call.Name,
				Arguments: call.Arguments,
			})
		}
	}
	if text.Len() > 0 {
		result.Choices = append(result.Choices, upstream.Choice{Text: text.String()})
	}
	if len(result.Choices) == 0 && len(result.ToolCalls) == 0 {
		return nil, fmt.Errorf("responsesapi: %w", upstream.ErrEmptyResponse)
	}
	return result, nil
}

// Stream implements upstream.Provider.
func (p *Provider) Stream(ctx context.Context, req upstream.Request) (<-chan upstream.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("responsesapi: build params: %w", err)
	}

	stream := p.client.Responses.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("responsesapi: start stream: %w", upstream.WrapError(err))
	}

	ch := make(chan upstream.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		// tool call fragments keyed by output item ID
		type partialCall struct {
			callID string
			name   string
			args   strings.Builder
		}
		partials := map[string]*partialCall{}
		order := []string{}

		partialFor := func(itemID string) *partialCall {
			if pc, ok := partials[itemID]; ok {
				return pc
			}
			pc := &partialCall{callID: itemID}
			partials[itemID] = pc
			order = append(order, itemID)
			return pc
		}

		var final *upstream.Chunk

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "response.output_text.delta":
				delta := event.Delta.OfString
				if delta == "" {
					continue
				}
				select {
				case ch <- upstream.Chunk{Delta: delta}:
				case <-ctx.Done():
					return
				}

			case "response.output_item.added":
				item := event.Item
				if item.Type != "function_call" {
					continue
				}
				pc := partialFor(item.ID)
				if item.CallID != "" {
					pc.callID = item.CallID
				}
				if item.Name != "" {
					pc.name = item.Name
				}
				pc.args.WriteString(item.Arguments)

			case "response.function_call_arguments.delta":
				partialFor(event.ItemID).args.WriteString(event.Delta.OfString)

			case "response.function_call_arguments.done":
				pc := partialFor(event.ItemID)
				if event.Arguments != "" {
					pc.args.Reset()
					pc.args.WriteString(event.Arguments)
				}

			case "response.output_item.done":
				item := event.Item
				if item.Type != "function_call" {
					continue
				}
				pc := partialFor(item.ID)
				if item.CallID != "" {
					pc.callID = item.CallID
				}
				if item.Name != "" {
					pc.name = item.Name
				}
				if item.Arguments != "" && pc.args.Len() == 0 {
					pc.args.WriteString(item.Arguments)
				}

			case "response.completed":
				resp := event.Response
				final = &upstream.Chunk{
					FinishReason: finishReason(resp.Status),
					ResponseID:   resp.ID,
					Usage: &upstream.Usage{
						PromptTokens:     int(resp.Usage.InputTokens),
						CompletionTokens: int(resp.Usage.OutputTokens),
						TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
					},
				}
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- upstream.Chunk{Err: fmt.Errorf("responsesapi: stream: %w", upstream.WrapError(err))}:
			case <-ctx.Done():
			}
			return
		}

		if final == nil {
			final = &upstream.Chunk{FinishReason: "stop"}
		}
		for _, id := range order {
			pc := partials[id]
			if pc.name == "" {
				continue
			}
			final.ToolCalls = append(final.ToolCalls, chat.ToolCall{
				ID:        pc.callID,
				Name:      pc.name,
				Arguments: pc.args.String(),
			})
		}
		select {
		case ch <- *final:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

// buildParams converts an upstream.Request into structured-response SDK
// params. On a continuation request (PreviousResponseID set) the input holds
// only the tool outputs; otherwise the full message history is translated.
func (p *Provider) buildParams(req upstream.Request) (oresponses.ResponseNewParams, error) {
	params := oresponses.ResponseNewParams{
		Model: oshared.ResponsesModel(req.Model),
	}
	if req.Temperature != 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxTokens))
	}

	var items oresponses.ResponseInputParam
	var instructions []string

	if req.PreviousResponseID != "" {
		params.PreviousResponseID = openai.String(req.PreviousResponseID)
		for _, out := range req.ToolOutputs {
			items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(out.CallID, out.Output))
		}
	} else {
		for _, m := range req.Messages {
			switch m.Role {
			case chat.RoleSystem, chat.RoleDeveloper:
				if txt := m.PlainText(); txt != "" {
					instructions = append(instructions, txt)
				}

			case chat.RoleUser:
				item, err := convertUserMessage(m)
				if err != nil {
					return oresponses.ResponseNewParams{}, err
				}
				items = append(items, item)

			case chat.RoleAssistant:
				if m.Content != "" {
					items = append(items, oresponses.ResponseInputItemParamOfMessage(m.Content, oresponses.EasyInputMessageRoleAssistant))
				}
				for _, tc := range m.ToolCalls {
					items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(tc.Arguments, tc.ID, tc.Name))
				}

			case chat.RoleFunction:
				// Tool results belong to a finished response chain and are
				// not replayable as standalone input items. The answer the
				// model derived from them already sits in the following
				// assistant turn.
				continue

			default:
				return oresponses.ResponseNewParams{}, fmt.Errorf("responsesapi: unknown message role %q", m.Role)
			}
		}
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: items}

	var tools []oresponses.ToolUnionParam
	if p.profile.SupportsFunctions && !req.DisableTools {
		for _, td := range req.Tools {
			tools = append(tools, oresponses.ToolParamOfFunction(td.Name, td.Parameters, false))
		}
		if req.EnableWebSearch {
			tools = append(tools, oresponses.ToolParamOfWebSearchPreview(oresponses.WebSearchToolTypeWebSearchPreview))
		}
	}
	if len(tools) > 0 {
		params.Tools = tools
		if req.PlainTextGuard {
			instructions = append([]string{plainTextGuard}, instructions...)
		}
	}
	if len(instructions) > 0 {
		params.Instructions = openai.String(strings.Join(instructions, "\n\n"))
	}

	return params, nil
}

// convertUserMessage maps a user turn to an input item, expanding multimodal
// blocks into typed content parts.
func convertUserMessage(m chat.Message) (oresponses.ResponseInputItemUnionParam, error) {
	if !m.IsMultimodal() {
		return oresponses.ResponseInputItemParamOfMessage(m.Content, oresponses.EasyInputMessageRoleUser), nil
	}
	content := make(oresponses.ResponseInputMessageContentListParam, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		switch b.Kind {
		case chat.BlockText:
			content = append(content, oresponses.ResponseInputContentUnionParam{
				OfInputText: &oresponses.ResponseInputTextParam{Text: b.Text},
			})
		case chat.BlockImage:
			content = append(content, oresponses.ResponseInputContentUnionParam{
				OfInputImage: &oresponses.ResponseInputImageParam{
					Detail:   oresponses.ResponseInputImageDetail(b.Detail),
					ImageURL: openai.String(b.URL),
				},
			})
		default:
			return oresponses.ResponseInputItemUnionParam{}, fmt.Errorf("responsesapi: unknown content block kind %q", b.Kind)
		}
	}
	return oresponses.ResponseInputItemParamOfMessage(content, oresponses.EasyInputMessageRoleUser), nil
}

// finishReason maps the structured response status onto the legacy
// finish-reason vocabulary used across the engine.
func finishReason(status oresponses.ResponseStatus) string {
	switch status {
	case oresponses.ResponseStatusCompleted:
		return "stop"
	case oresponses.ResponseStatusIncomplete:
		return "length"
	case oresponses.ResponseStatusFailed, oresponses.ResponseStatusCancelled:
		return "error"
	default:
		return "unknown"
	}
}
