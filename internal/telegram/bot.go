package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/parleybot/parley/internal/engine"
	"github.com/parleybot/parley/internal/i18n"
	"github.com/parleybot/parley/internal/observe"
	"github.com/parleybot/parley/pkg/provider/media"
)

const (
	// maxMessageLength is the Bot API limit for one text message.
	maxMessageLength = 4096

	// streamPlaceholder is shown while the first answer chunk is pending.
	streamPlaceholder = "…"

	// minEditDelta is the minimum number of new bytes before the streaming
	// placeholder is edited again. Keeps edits under Telegram's rate limits.
	minEditDelta = 120
)

// Engine is the conversation surface the bot drives. Implemented by
// [engine.Engine]; narrowed to an interface so handler tests can substitute
// a scripted fake.
type Engine interface {
	SendMessage(ctx context.Context, conversationID, text string) (string, int, error)
	StreamMessage(ctx context.Context, conversationID, text string) (<-chan engine.Update, error)
	InterpretImage(ctx context.Context, conversationID string, image []byte, prompt string) (string, int, error)
	ResetConversation(conversationID, primingText string)
	ChatModePrompt(mode string) (string, bool)
	ConversationStats(conversationID string) (messages, tokens int, err error)
	GenerateImage(ctx context.Context, prompt string) (*media.Image, error)
	GenerateSpeech(ctx context.Context, text string) (*media.Speech, int, error)
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}

// BotConfig holds the handler-level settings of the bot.
type BotConfig struct {
	// AllowedChatIDs restricts the bot to the listed chats. Empty serves
	// everyone.
	AllowedChatIDs []int64

	// StreamAnswers delivers chat answers by editing a placeholder message
	// while the model generates.
	StreamAnswers bool

	// Language selects the localisation table for user-facing strings.
	Language string
}

// Bot routes incoming Telegram updates to the conversation engine and sends
// the results back. One Bot serves all chats; the chat ID doubles as the
// conversation ID.
type Bot struct {
	client  *Client
	engine  Engine
	locale  *i18n.Table
	lang    string
	allowed map[int64]bool
	stream  bool
	logger  *slog.Logger
}

// NewBot creates a Bot. logger may be nil, selecting slog.Default.
func NewBot(client *Client, eng Engine, locale *i18n.Table, cfg BotConfig, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	var allowed map[int64]bool
	if len(cfg.AllowedChatIDs) > 0 {
		allowed = make(map[int64]bool, len(cfg.AllowedChatIDs))
		for _, id := range cfg.AllowedChatIDs {
			allowed[id] = true
		}
	}
	return &Bot{
		client:  client,
		engine:  eng,
		locale:  locale,
		lang:    cfg.Language,
		allowed: allowed,
		stream:  cfg.StreamAnswers,
		logger:  logger,
	}
}

// HandleUpdate is the poller's UpdateHandler.
func (b *Bot) HandleUpdate(ctx context.Context, update Update) {
	msg := update.Message
	if msg == nil {
		return
	}
	chatID := msg.Chat.ID

	// Updates arrive over long polling, not through the instrumented HTTP
	// server, so each one opens its own trace.
	ctx, span := observe.StartSpan(ctx, "telegram.update",
		trace.WithAttributes(attribute.Int64("chat.id", chatID)))
	defer span.End()

	if b.allowed != nil && !b.allowed[chatID] {
		b.logger.Warn("rejected update from disallowed chat",
			"chat_id", chatID, "trace_id", observe.CorrelationID(ctx))
		b.reply(ctx, chatID, b.text("disallowed"))
		return
	}

	conversationID := strconv.FormatInt(chatID, 10)

	switch {
	case len(msg.Photo) > 0:
		b.handlePhoto(ctx, conversationID, msg)
	case msg.Voice != nil || msg.Audio != nil:
		b.handleAudio(ctx, conversationID, msg)
	case strings.HasPrefix(msg.Text, "/"):
		b.handleCommand(ctx, conversationID, msg)
	case msg.Text != "":
		b.handleText(ctx, conversationID, chatID, msg.Text)
	}
}

func (b *Bot) handleCommand(ctx context.Context, conversationID string, msg *Message) {
	chatID := msg.Chat.ID
	command, args := splitCommand(msg.Text)

	switch command {
	case "/start", "/help":
		b.reply(ctx, chatID, b.text("help"))

	case "/reset":
		prompt := ""
		if args != "" {
			p, ok := b.engine.ChatModePrompt(args)
			if !ok {
				b.reply(ctx, chatID, fmt.Sprintf("%s: %q", b.text("unknown_chat_mode"), args))
				return
			}
			prompt = p
		}
		b.engine.ResetConversation(conversationID, prompt)
		b.reply(ctx, chatID, b.text("reset_done"))

	case "/stats":
		messages, tokens, err := b.engine.ConversationStats(conversationID)
		if err != nil {
			b.replyError(ctx, chatID, err)
			return
		}
		b.reply(ctx, chatID, fmt.Sprintf("💬 %d %s (~%d %s)",
			messages, b.text("stats_messages"), tokens, b.text("stats_tokens")))

	case "/image":
		b.handleImageCommand(ctx, chatID, args)

	case "/tts":
		b.handleTTSCommand(ctx, chatID, args)

	default:
		b.reply(ctx, chatID, b.text("help"))
	}
}

func (b *Bot) handleImageCommand(ctx context.Context, chatID int64, prompt string) {
	if prompt == "" {
		b.reply(ctx, chatID, b.text("image_no_prompt"))
		return
	}
	b.chatAction(ctx, chatID, "upload_photo")

	img, err := b.engine.GenerateImage(ctx, prompt)
	if err != nil {
		b.replyError(ctx, chatID, err)
		return
	}

	if img.URL != "" {
		_, err = b.client.SendPhoto(ctx, SendPhotoRequest{ChatID: chatID, Photo: img.URL})
	} else {
		_, err = b.client.SendPhotoUpload(ctx, chatID, "image.png", img.Data)
	}
	if err != nil {
		b.logger.Error("sending generated image failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleTTSCommand(ctx context.Context, chatID int64, text string) {
	if text == "" {
		b.reply(ctx, chatID, b.text("tts_no_prompt"))
		return
	}
	b.chatAction(ctx, chatID, "record_voice")

	speech, _, err := b.engine.GenerateSpeech(ctx, text)
	if err != nil {
		b.replyError(ctx, chatID, err)
		return
	}
	if _, err := b.client.SendVoiceUpload(ctx, chatID, "speech."+speech.Format, speech.Data); err != nil {
		b.logger.Error("sending synthesized speech failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handlePhoto(ctx context.Context, conversationID string, msg *Message) {
	chatID := msg.Chat.ID
	b.chatAction(ctx, chatID, "typing")

	// Telegram lists photo sizes ascending; the last is the original.
	data, _, err := b.download(ctx, msg.Photo[len(msg.Photo)-1].FileID)
	if err != nil {
		b.logger.Error("photo download failed", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, b.text("error"))
		return
	}

	answer, _, err := b.engine.InterpretImage(ctx, conversationID, data, msg.Caption)
	if err != nil {
		b.replyError(ctx, chatID, err)
		return
	}
	b.reply(ctx, chatID, answer)
}

func (b *Bot) handleAudio(ctx context.Context, conversationID string, msg *Message) {
	chatID := msg.Chat.ID
	b.chatAction(ctx, chatID, "typing")

	fileID := ""
	filename := ""
	switch {
	case msg.Voice != nil:
		fileID = msg.Voice.FileID
	case msg.Audio != nil:
		fileID = msg.Audio.FileID
		filename = msg.Audio.FileName
	}

	data, filePath, err := b.download(ctx, fileID)
	if err != nil {
		b.logger.Error("audio download failed", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, b.text("error"))
		return
	}
	if filename == "" {
		filename = path.Base(filePath)
	}

	transcript, err := b.engine.Transcribe(ctx, filename, bytes.NewReader(data))
	if err != nil {
		b.replyError(ctx, chatID, err)
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf("🎙 %s: %s", b.text("transcript"), transcript))

	b.handleText(ctx, conversationID, chatID, transcript)
}

func (b *Bot) handleText(ctx context.Context, conversationID string, chatID int64, text string) {
	b.chatAction(ctx, chatID, "typing")
	if b.stream {
		b.handleTextStreaming(ctx, conversationID, chatID, text)
		return
	}

	answer, _, err := b.engine.SendMessage(ctx, conversationID, text)
	if err != nil {
		b.replyError(ctx, chatID, err)
		return
	}
	b.reply(ctx, chatID, answer)
}

// handleTextStreaming sends a placeholder message and edits it as the answer
// grows. Edits are throttled by byte delta; the final update always lands.
func (b *Bot) handleTextStreaming(ctx context.Context, conversationID string, chatID int64, text string) {
	placeholder, err := b.client.SendMessage(ctx, SendMessageRequest{
		ChatID: chatID,
		Text:   streamPlaceholder,
	})
	if err != nil {
		b.logger.Error("sending stream placeholder failed", "chat_id", chatID, "error", err)
		return
	}

	updates, err := b.engine.StreamMessage(ctx, conversationID, text)
	if err != nil {
		b.edit(ctx, chatID, placeholder.MessageID, b.errorText(err))
		return
	}

	lastFlushed := 0
	for u := range updates {
		if u.Err != nil {
			b.edit(ctx, chatID, placeholder.MessageID, b.errorText(u.Err))
			return
		}
		final := u.Status != engine.StatusNotFinished
		if !final && len(u.Answer)-lastFlushed < minEditDelta {
			continue
		}
		b.edit(ctx, chatID, placeholder.MessageID, u.Answer)
		lastFlushed = len(u.Answer)
		if final {
			return
		}
	}
}

// download resolves a file ID and fetches its bytes. Returns the file path
// reported by the API alongside, for filename hints.
func (b *Bot) download(ctx context.Context, fileID string) ([]byte, string, error) {
	file, err := b.client.GetFile(ctx, fileID)
	if err != nil {
		return nil, "", err
	}
	data, err := b.client.DownloadFile(ctx, file.FilePath)
	if err != nil {
		return nil, "", err
	}
	return data, file.FilePath, nil
}

// reply sends text to a chat, splitting it when it exceeds the Bot API
// message limit.
func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	for _, part := range splitText(text, maxMessageLength) {
		if _, err := b.client.SendMessage(ctx, SendMessageRequest{ChatID: chatID, Text: part}); err != nil {
			b.logger.Error("sending message failed", "chat_id", chatID, "error", err)
			return
		}
	}
}

// replyError reports an engine failure to the user. Engine errors are
// already localized.
func (b *Bot) replyError(ctx context.Context, chatID int64, err error) {
	b.logger.Error("request failed", "chat_id", chatID, "error", err)
	b.reply(ctx, chatID, b.errorText(err))
}

// errorText extracts the user-facing part of an engine error. Media
// operations without a configured provider get a dedicated hint.
func (b *Bot) errorText(err error) string {
	if errors.Is(err, engine.ErrNoMediaProvider) {
		return b.text("media_disabled")
	}
	return err.Error()
}

func (b *Bot) edit(ctx context.Context, chatID int64, messageID int, text string) {
	if len(text) > maxMessageLength {
		text = splitText(text, maxMessageLength)[0]
	}
	_, err := b.client.EditMessageText(ctx, EditMessageTextRequest{
		ChatID:    chatID,
		MessageID: messageID,
		Text:      text,
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == 400 && strings.Contains(apiErr.Description, "not modified") {
			return
		}
		b.logger.Warn("editing streamed message failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) chatAction(ctx context.Context, chatID int64, action string) {
	if err := b.client.SendChatAction(ctx, chatID, action); err != nil {
		b.logger.Debug("sending chat action failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) text(key string) string {
	return b.locale.Text(key, b.lang)
}

// splitCommand splits "/cmd@botname args" into the bare command and its
// trimmed argument string.
func splitCommand(text string) (command, args string) {
	command, args, _ = strings.Cut(text, " ")
	command, _, _ = strings.Cut(command, "@")
	return command, strings.TrimSpace(args)
}

// splitText chunks text into pieces of at most max bytes, cutting on rune
// boundaries and preferring line breaks.
func splitText(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}
	var parts []string
	for len(text) > max {
		cut := max
		if i := strings.LastIndexByte(text[:max], '\n'); i > 0 {
			cut = i
		} else {
			for cut > 0 && !isRuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = max
			}
		}
		parts = append(parts, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
