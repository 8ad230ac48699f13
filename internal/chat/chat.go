// Package chat defines the internal conversation message model shared by the
// history store, the token accountant, and the upstream protocol adapters.
//
// A message's content is either a plain string or an ordered list of typed
// content blocks (text, image). Protocol-specific fields never appear here;
// translating to and from the upstream wire shapes is the job of the
// pkg/provider/upstream adapters.
package chat

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// RoleFunction marks a function/tool result turn. Messages with this role
	// always carry the invoking function's name in [Message.Name].
	RoleFunction Role = "function"
)

// ImageDetail selects the fidelity level for image inputs.
type ImageDetail string

const (
	DetailLow  ImageDetail = "low"
	DetailHigh ImageDetail = "high"
	DetailAuto ImageDetail = "auto"
)

// IsValid reports whether d is a recognised detail level.
func (d ImageDetail) IsValid() bool {
	switch d {
	case DetailLow, DetailHigh, DetailAuto:
		return true
	}
	return false
}

// BlockKind tags a content block variant.
type BlockKind string

const (
	BlockText  BlockKind = "text"
	BlockImage BlockKind = "image"
)

// ContentBlock is one element of a multimodal message. Exactly one variant is
// populated, selected by Kind. Block order within a message is meaningful and
// must be preserved by all adapters.
type ContentBlock struct {
	Kind BlockKind

	// Text is set when Kind is BlockText.
	Text string

	// URL and Detail are set when Kind is BlockImage. URL is either an
	// https URL or a base64 data URL produced by internal/imgcodec.
	URL    string
	Detail ImageDetail
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Kind: BlockText, Text: text}
}

// ImageBlock returns an image content block.
func ImageBlock(url string, detail ImageDetail) ContentBlock {
	return ContentBlock{Kind: BlockImage, URL: url, Detail: detail}
}

// ToolCall records a function invocation issued by the assistant. Arguments
// is the raw JSON payload exactly as the model produced it.
type ToolCall struct {
	// ID is the provider-assigned correlation token, matched by the
	// ToolCallID of the RoleFunction message answering this call.
	ID string

	Name      string
	Arguments string
}

// Message is a single turn in a conversation.
//
// Content and Blocks are mutually exclusive: Blocks non-nil means the message
// carries ordered multimodal content, otherwise Content holds plain text.
type Message struct {
	Role Role

	// Content is the plain-text body. Ignored when Blocks is non-nil.
	Content string

	// Blocks is the ordered multimodal body, or nil for plain-text messages.
	Blocks []ContentBlock

	// Name is the invoking function's name on RoleFunction messages.
	Name string

	// ToolCallID correlates a RoleFunction message with the upstream tool
	// call that produced it. Opaque to everything except the adapters.
	ToolCallID string

	// ToolCalls holds the function invocations issued in this turn. Only
	// set on RoleAssistant messages.
	ToolCalls []ToolCall
}

// AssistantToolCalls returns an assistant turn that requests the given
// function invocations, optionally alongside partial text content.
func AssistantToolCalls(content string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// Text returns a message holding plain text.
func Text(role Role, content string) Message {
	return Message{Role: role, Content: content}
}

// Multimodal returns a message holding ordered content blocks.
func Multimodal(role Role, blocks ...ContentBlock) Message {
	return Message{Role: role, Blocks: blocks}
}

// FunctionResult returns a function-result message. name must be the invoked
// function's name; callID is the upstream correlation token.
func FunctionResult(name, callID, content string) Message {
	return Message{Role: RoleFunction, Name: name, ToolCallID: callID, Content: content}
}

// IsMultimodal reports whether the message carries block content.
func (m Message) IsMultimodal() bool {
	return m.Blocks != nil
}

// PlainText flattens the message body into a single string: the Content field
// for plain messages, the concatenated text blocks for multimodal ones.
// Image blocks contribute nothing.
func (m Message) PlainText() string {
	if m.Blocks == nil {
		return m.Content
	}
	var out string
	for _, b := range m.Blocks {
		if b.Kind != BlockText {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += b.Text
	}
	return out
}
