package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/parleybot/parley/internal/engine"
	"github.com/parleybot/parley/internal/i18n"
	"github.com/parleybot/parley/pkg/provider/media"
)

// apiCall is one recorded Bot API request.
type apiCall struct {
	method string
	fields map[string]string
	file   []byte
}

// fakeAPI serves a minimal Bot API over httptest and records every call.
type fakeAPI struct {
	mu       sync.Mutex
	calls    []apiCall
	fileData []byte
	srv      *httptest.Server
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{}
	api.srv = httptest.NewServer(http.HandlerFunc(api.handle))
	t.Cleanup(api.srv.Close)
	return api
}

func (a *fakeAPI) handle(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/file/") {
		a.mu.Lock()
		data := a.fileData
		a.mu.Unlock()
		_, _ = w.Write(data)
		return
	}

	method := r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]
	call := apiCall{method: method, fields: map[string]string{}}

	if ct := r.Header.Get("Content-Type"); strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(10 << 20); err == nil {
			for k, v := range r.MultipartForm.Value {
				call.fields[k] = v[0]
			}
			for _, files := range r.MultipartForm.File {
				f, err := files[0].Open()
				if err == nil {
					call.file, _ = io.ReadAll(f)
					_ = f.Close()
				}
			}
		}
	} else if r.Body != nil {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			for k, v := range body {
				call.fields[k] = fmt.Sprintf("%v", v)
			}
		}
	}

	a.mu.Lock()
	a.calls = append(a.calls, call)
	n := len(a.calls)
	a.mu.Unlock()

	var result any
	switch method {
	case "sendChatAction":
		result = true
	case "getFile":
		result = map[string]any{"file_id": call.fields["file_id"], "file_path": "voice/file_7.oga"}
	default:
		result = map[string]any{"message_id": n, "chat": map[string]any{"id": 42}}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

// of returns the recorded calls to one Bot API method.
func (a *fakeAPI) of(method string) []apiCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []apiCall
	for _, c := range a.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

// texts returns the text field of every sendMessage call.
func (a *fakeAPI) texts() []string {
	var out []string
	for _, c := range a.of("sendMessage") {
		out = append(out, c.fields["text"])
	}
	return out
}

type sentMessage struct {
	conversation string
	text         string
}

type resetCall struct {
	conversation string
	prompt       string
}

type imageCall struct {
	conversation string
	prompt       string
	imageBytes   int
}

// fakeEngine is a scripted Engine implementation.
type fakeEngine struct {
	answer  string
	sendErr error
	sent    []sentMessage

	updates   []engine.Update
	streamErr error

	visionAnswer string
	visionErr    error
	visionCalls  []imageCall

	resets    []resetCall
	chatModes map[string]string

	statsMessages int
	statsTokens   int

	image    *media.Image
	imageErr error

	speech    *media.Speech
	speechErr error

	transcript    string
	transcribeErr error
	transcribed   []string
}

func (f *fakeEngine) SendMessage(_ context.Context, conversationID, text string) (string, int, error) {
	f.sent = append(f.sent, sentMessage{conversationID, text})
	return f.answer, 0, f.sendErr
}

func (f *fakeEngine) StreamMessage(_ context.Context, conversationID, text string) (<-chan engine.Update, error) {
	f.sent = append(f.sent, sentMessage{conversationID, text})
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan engine.Update, len(f.updates))
	for _, u := range f.updates {
		ch <- u
	}
	close(ch)
	return ch, nil
}

func (f *fakeEngine) InterpretImage(_ context.Context, conversationID string, image []byte, prompt string) (string, int, error) {
	f.visionCalls = append(f.visionCalls, imageCall{conversationID, prompt, len(image)})
	return f.visionAnswer, 0, f.visionErr
}

func (f *fakeEngine) ResetConversation(conversationID, primingText string) {
	f.resets = append(f.resets, resetCall{conversationID, primingText})
}

func (f *fakeEngine) ChatModePrompt(mode string) (string, bool) {
	prompt, ok := f.chatModes[mode]
	return prompt, ok
}

func (f *fakeEngine) ConversationStats(string) (int, int, error) {
	return f.statsMessages, f.statsTokens, nil
}

func (f *fakeEngine) GenerateImage(context.Context, string) (*media.Image, error) {
	return f.image, f.imageErr
}

func (f *fakeEngine) GenerateSpeech(_ context.Context, text string) (*media.Speech, int, error) {
	return f.speech, len(text), f.speechErr
}

func (f *fakeEngine) Transcribe(_ context.Context, filename string, _ io.Reader) (string, error) {
	f.transcribed = append(f.transcribed, filename)
	return f.transcript, f.transcribeErr
}

func newTestBot(t *testing.T, eng *fakeEngine, cfg BotConfig) (*Bot, *fakeAPI) {
	t.Helper()
	api := newFakeAPI(t)
	locale, err := i18n.Load()
	if err != nil {
		t.Fatalf("loading translations: %v", err)
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	client := NewClient("test-token", api.srv.URL)
	return NewBot(client, eng, locale, cfg, nil), api
}

func textUpdate(chatID int64, text string) Update {
	return Update{
		UpdateID: 1,
		Message:  &Message{MessageID: 10, Chat: Chat{ID: chatID}, Text: text},
	}
}

func TestHandleUpdateText(t *testing.T) {
	eng := &fakeEngine{answer: "Hello there."}
	bot, api := newTestBot(t, eng, BotConfig{})

	bot.HandleUpdate(context.Background(), textUpdate(42, "hi"))

	if len(eng.sent) != 1 || eng.sent[0] != (sentMessage{"42", "hi"}) {
		t.Fatalf("engine calls = %+v", eng.sent)
	}
	if got := api.texts(); len(got) != 1 || got[0] != "Hello there." {
		t.Fatalf("sent messages = %q", got)
	}
	if actions := api.of("sendChatAction"); len(actions) != 1 || actions[0].fields["action"] != "typing" {
		t.Fatalf("chat actions = %+v", actions)
	}
}

func TestHandleUpdateIgnoresNonMessage(t *testing.T) {
	eng := &fakeEngine{}
	bot, api := newTestBot(t, eng, BotConfig{})

	bot.HandleUpdate(context.Background(), Update{UpdateID: 1})

	if len(eng.sent) != 0 || len(api.of("sendMessage")) != 0 {
		t.Fatal("expected no activity for an update without a message")
	}
}

func TestHandleUpdateDisallowedChat(t *testing.T) {
	eng := &fakeEngine{answer: "should not happen"}
	bot, api := newTestBot(t, eng, BotConfig{AllowedChatIDs: []int64{1}})

	bot.HandleUpdate(context.Background(), textUpdate(42, "hi"))

	if len(eng.sent) != 0 {
		t.Fatalf("engine was called for a disallowed chat: %+v", eng.sent)
	}
	if got := api.texts(); len(got) != 1 || got[0] != "Sorry, you are not allowed to use this bot." {
		t.Fatalf("sent messages = %q", got)
	}
}

func TestHandleUpdateAllowedChat(t *testing.T) {
	eng := &fakeEngine{answer: "ok"}
	bot, _ := newTestBot(t, eng, BotConfig{AllowedChatIDs: []int64{42}})

	bot.HandleUpdate(context.Background(), textUpdate(42, "hi"))

	if len(eng.sent) != 1 {
		t.Fatalf("engine calls = %+v", eng.sent)
	}
}

func TestResetCommand(t *testing.T) {
	eng := &fakeEngine{}
	bot, api := newTestBot(t, eng, BotConfig{})

	bot.HandleUpdate(context.Background(), textUpdate(42, "/reset"))

	if len(eng.resets) != 1 || eng.resets[0] != (resetCall{"42", ""}) {
		t.Fatalf("resets = %+v", eng.resets)
	}
	if got := api.texts(); len(got) != 1 || got[0] != "Done! The conversation starts fresh." {
		t.Fatalf("sent messages = %q", got)
	}
}

func TestResetCommandWithChatMode(t *testing.T) {
	eng := &fakeEngine{chatModes: map[string]string{"pirate": "You are a pirate."}}
	bot, _ := newTestBot(t, eng, BotConfig{})

	bot.HandleUpdate(context.Background(), textUpdate(42, "/reset pirate"))

	if len(eng.resets) != 1 || eng.resets[0] != (resetCall{"42", "You are a pirate."}) {
		t.Fatalf("resets = %+v", eng.resets)
	}
}

func TestResetCommandUnknownChatMode(t *testing.T) {
	eng := &fakeEngine{chatModes: map[string]string{"pirate": "You are a pirate."}}
	bot, api := newTestBot(t, eng, BotConfig{})

	bot.HandleUpdate(context.Background(), textUpdate(42, "/reset wizard"))

	if len(eng.resets) != 0 {
		t.Fatalf("conversation was reset despite unknown mode: %+v", eng.resets)
	}
	got := api.texts()
	if len(got) != 1 || !strings.Contains(got[0], "Unknown chat mode") || !strings.Contains(got[0], "wizard") {
		t.Fatalf("sent messages = %q", got)
	}
}

func TestStatsCommand(t *testing.T) {
	eng := &fakeEngine{statsMessages: 4, statsTokens: 120}
	bot, api := newTestBot(t, eng, BotConfig{})

	bot.HandleUpdate(context.Background(), textUpdate(42, "/stats"))

	if got := api.texts(); len(got) != 1 || got[0] != "💬 4 messages in history (~120 tokens)" {
		t.Fatalf("sent messages = %q", got)
	}
}

func TestHelpCommand(t *testing.T) {
	for _, cmd := range []string{"/start", "/help", "/definitely_unknown"} {
		t.Run(cmd, func(t *testing.T) {
			bot, api := newTestBot(t, &fakeEngine{}, BotConfig{})

			bot.HandleUpdate(context.Background(), textUpdate(42, cmd))

			got := api.texts()
			if len(got) != 1 || !strings.Contains(got[0], "/reset") {
				t.Fatalf("sent messages = %q", got)
			}
		})
	}
}

func TestCommandWithBotSuffix(t *testing.T) {
	eng := &fakeEngine{}
	bot, _ := newTestBot(t, eng, BotConfig{})

	bot.HandleUpdate(context.Background(), textUpdate(42, "/reset@parley_bot"))

	if len(eng.resets) != 1 {
		t.Fatalf("resets = %+v", eng.resets)
	}
}

func TestImageCommandByURL(t *testing.T) {
	eng := &fakeEngine{image: &media.Image{URL: "https://img.example/cat.png"}}
	bot, api := newTestBot(t, eng, BotConfig{})

	bot.HandleUpdate(context.Background(), textUpdate(42, "/image a cat"))

	photos := api.of("sendPhoto")
	if len(photos) != 1 || photos[0].fields["photo"] != "https://img.example/cat.png" {
		t.Fatalf("sendPhoto calls = %+v", photos)
	}
	if actions := api.of("sendChatAction"); len(actions) != 1 || actions[0].fields["action"] != "upload_photo" {
		t.Fatalf("chat actions = %+v", actions)
	}
}

func TestImageCommandUploadsRawBytes(t *testing.T) {
	eng := &fakeEngine{image: &media.Image{Data: []byte{0x89, 0x50, 0x4e, 0x47}}}
	bot, api := newTestBot(t, eng, BotConfig{})

	bot.HandleUpdate(context.Background(), textUpdate(42, "/image a cat"))

	photos := api.of("sendPhoto")
	if len(photos) != 1 {
		t.Fatalf("sendPhoto calls = %+v", photos)
	}
	if string(photos[0].file) != "\x89PNG" {
		t.Fatalf("uploaded bytes = %v", photos[0].file)
	}
}

func TestImageCommandWithoutPrompt(t *testing.T) {
	bot, api := newTestBot(t, &fakeEngine{}, BotConfig{})

	bot.HandleUpdate(context.Background(), textUpdate(42, "/image"))

	got := api.texts()
	if len(got) != 1 || !strings.Contains(got[0], "/image") {
		t.Fatalf("sent messages = %q", got)
	}
	if len(api.of("sendPhoto")) != 0 {
		t.Fatal("sendPhoto was called without a prompt")
	}
}

func TestImageCommandWithoutMediaProvider(t *testing.T) {
	eng := &fakeEngine{imageErr: fmt.Errorf("image: %w", engine.ErrNoMediaProvider)}
	bot, api := newTestBot(t, eng, BotConfig{})

	bot.HandleUpdate(context.Background(), textUpdate(42, "/image a cat"))

	if got := api.texts(); len(got) != 1 || got[0] != "This feature is not configured on this bot." {
		t.Fatalf("sent messages = %q", got)
	}
}

func TestTTSCommand(t *testing.T) {
	eng := &fakeEngine{speech: &media.Speech{Data: []byte("opus-bytes"), Format: "opus"}}
	bot, api := newTestBot(t, eng, BotConfig{})

	bot.HandleUpdate(context.Background(), textUpdate(42, "/tts hello there"))

	voices := api.of("sendVoice")
	if len(voices) != 1 {
		t.Fatalf("sendVoice calls = %+v", voices)
	}
	if string(voices[0].file) != "opus-bytes" {
		t.Fatalf("uploaded bytes = %q", voices[0].file)
	}
	if actions := api.of("sendChatAction"); len(actions) != 1 || actions[0].fields["action"] != "record_voice" {
		t.Fatalf("chat actions = %+v", actions)
	}
}

func TestHandlePhoto(t *testing.T) {
	eng := &fakeEngine{visionAnswer: "A cat on a mat."}
	bot, api := newTestBot(t, eng, BotConfig{})
	api.fileData = []byte("jpeg-bytes")

	bot.HandleUpdate(context.Background(), Update{
		UpdateID: 1,
		Message: &Message{
			MessageID: 10,
			Chat:      Chat{ID: 42},
			Caption:   "What animal?",
			Photo: []PhotoSize{
				{FileID: "small", Width: 90},
				{FileID: "big", Width: 800},
			},
		},
	})

	if len(eng.visionCalls) != 1 {
		t.Fatalf("vision calls = %+v", eng.visionCalls)
	}
	call := eng.visionCalls[0]
	if call.conversation != "42" || call.prompt != "What animal?" || call.imageBytes != len("jpeg-bytes") {
		t.Fatalf("vision call = %+v", call)
	}
	if files := api.of("getFile"); len(files) != 1 || files[0].fields["file_id"] != "big" {
		t.Fatalf("getFile calls = %+v", files)
	}
	if got := api.texts(); len(got) != 1 || got[0] != "A cat on a mat." {
		t.Fatalf("sent messages = %q", got)
	}
}

func TestHandleVoice(t *testing.T) {
	eng := &fakeEngine{transcript: "how are you", answer: "Fine, thanks."}
	bot, api := newTestBot(t, eng, BotConfig{})
	api.fileData = []byte("ogg-bytes")

	bot.HandleUpdate(context.Background(), Update{
		UpdateID: 1,
		Message: &Message{
			MessageID: 10,
			Chat:      Chat{ID: 42},
			Voice:     &Voice{FileID: "voice-1", Duration: 3},
		},
	})

	// Filename falls back to the API-reported file path.
	if len(eng.transcribed) != 1 || eng.transcribed[0] != "file_7.oga" {
		t.Fatalf("transcribe calls = %+v", eng.transcribed)
	}
	if len(eng.sent) != 1 || eng.sent[0] != (sentMessage{"42", "how are you"}) {
		t.Fatalf("engine chat calls = %+v", eng.sent)
	}
	got := api.texts()
	if len(got) != 2 {
		t.Fatalf("sent messages = %q", got)
	}
	if !strings.Contains(got[0], "Transcript") || !strings.Contains(got[0], "how are you") {
		t.Fatalf("transcript message = %q", got[0])
	}
	if got[1] != "Fine, thanks." {
		t.Fatalf("answer message = %q", got[1])
	}
}

func TestHandleAudioKeepsFileName(t *testing.T) {
	eng := &fakeEngine{transcript: "lyrics", answer: "ok"}
	bot, _ := newTestBot(t, eng, BotConfig{})

	bot.HandleUpdate(context.Background(), Update{
		UpdateID: 1,
		Message: &Message{
			MessageID: 10,
			Chat:      Chat{ID: 42},
			Audio:     &Audio{FileID: "audio-1", FileName: "song.mp3"},
		},
	})

	if len(eng.transcribed) != 1 || eng.transcribed[0] != "song.mp3" {
		t.Fatalf("transcribe calls = %+v", eng.transcribed)
	}
}

func TestHandleTextError(t *testing.T) {
	eng := &fakeEngine{sendErr: fmt.Errorf("An error has occurred: boom")}
	bot, api := newTestBot(t, eng, BotConfig{})

	bot.HandleUpdate(context.Background(), textUpdate(42, "hi"))

	if got := api.texts(); len(got) != 1 || got[0] != "An error has occurred: boom" {
		t.Fatalf("sent messages = %q", got)
	}
}

func TestStreamingDelivery(t *testing.T) {
	eng := &fakeEngine{updates: []engine.Update{
		{Answer: "Hel", Status: engine.StatusNotFinished},
		{Answer: "Hello there, this is the answer.", Status: "9"},
	}}
	bot, api := newTestBot(t, eng, BotConfig{StreamAnswers: true})

	bot.HandleUpdate(context.Background(), textUpdate(42, "hi"))

	if got := api.texts(); len(got) != 1 || got[0] != streamPlaceholder {
		t.Fatalf("sent messages = %q", got)
	}
	edits := api.of("editMessageText")
	// The short intermediate update stays under the edit threshold.
	if len(edits) != 1 || edits[0].fields["text"] != "Hello there, this is the answer." {
		t.Fatalf("edits = %+v", edits)
	}
}

func TestStreamingError(t *testing.T) {
	eng := &fakeEngine{updates: []engine.Update{
		{Err: fmt.Errorf("An error has occurred: boom")},
	}}
	bot, api := newTestBot(t, eng, BotConfig{StreamAnswers: true})

	bot.HandleUpdate(context.Background(), textUpdate(42, "hi"))

	edits := api.of("editMessageText")
	if len(edits) != 1 || edits[0].fields["text"] != "An error has occurred: boom" {
		t.Fatalf("edits = %+v", edits)
	}
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		in      string
		command string
		args    string
	}{
		{"/reset", "/reset", ""},
		{"/reset pirate", "/reset", "pirate"},
		{"/reset@parley_bot pirate", "/reset", "pirate"},
		{"/image a cat in space", "/image", "a cat in space"},
		{"/tts  padded  ", "/tts", "padded"},
	}
	for _, tt := range tests {
		command, args := splitCommand(tt.in)
		if command != tt.command || args != tt.args {
			t.Errorf("splitCommand(%q) = %q, %q, want %q, %q", tt.in, command, args, tt.command, tt.args)
		}
	}
}

func TestSplitText(t *testing.T) {
	t.Run("short text stays whole", func(t *testing.T) {
		parts := splitText("hello", 100)
		if len(parts) != 1 || parts[0] != "hello" {
			t.Fatalf("parts = %q", parts)
		}
	})

	t.Run("splits on line breaks", func(t *testing.T) {
		parts := splitText("first line\nsecond line", 15)
		if len(parts) != 2 || parts[0] != "first line" || parts[1] != "second line" {
			t.Fatalf("parts = %q", parts)
		}
	})

	t.Run("hard split respects rune boundaries", func(t *testing.T) {
		text := strings.Repeat("ü", 30)
		for _, part := range splitText(text, 17) {
			if !strings.HasPrefix(part, "ü") {
				t.Fatalf("part %q does not start on a rune boundary", part)
			}
		}
	})

	t.Run("long reply is sent in order", func(t *testing.T) {
		parts := splitText(strings.Repeat("a", 250), 100)
		if len(parts) != 3 {
			t.Fatalf("parts = %d", len(parts))
		}
		total := 0
		for _, p := range parts {
			total += len(p)
		}
		if total != 250 {
			t.Fatalf("total length = %d", total)
		}
	})
}
