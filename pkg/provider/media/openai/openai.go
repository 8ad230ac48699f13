// Package openai provides a media provider backed by the OpenAI API.
package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/parleybot/parley/pkg/provider/media"
	"github.com/parleybot/parley/pkg/provider/upstream"
)

// Config selects the models and formats used for each media surface.
type Config struct {
	// ImageModel is the image generation model, e.g. "dall-e-3".
	ImageModel string

	// ImageSize is the generated image size, e.g. "1024x1024".
	ImageSize string

	// ImageQuality and ImageStyle are optional dall-e-3 knobs
	// ("standard"/"hd", "vivid"/"natural"). Empty means API default.
	ImageQuality string
	ImageStyle   string

	// TTSModel is the speech synthesis model, e.g. "tts-1".
	TTSModel string

	// TTSVoice is the synthesis voice, e.g. "alloy".
	TTSVoice string

	// WhisperModel is the transcription model, e.g. "whisper-1".
	WhisperModel string

	// WhisperPrompt primes the transcription with expected vocabulary.
	WhisperPrompt string
}

// Provider implements media.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	cfg    Config
}

// config holds optional constructor configuration.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs an OpenAI media Provider. Zero-value Config fields fall
// back to dall-e-3, 1024x1024, tts-1, alloy and whisper-1.
func New(apiKey string, cfg Config, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("media: apiKey must not be empty")
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = "dall-e-3"
	}
	if cfg.ImageSize == "" {
		cfg.ImageSize = "1024x1024"
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = "tts-1"
	}
	if cfg.TTSVoice == "" {
		cfg.TTSVoice = "alloy"
	}
	if cfg.WhisperModel == "" {
		cfg.WhisperModel = "whisper-1"
	}

	c := &config{}
	for _, o := range opts {
		o(c)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if c.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(c.baseURL))
	}
	if c.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: c.timeout,
		}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), cfg: cfg}, nil
}

// GenerateImage implements media.Provider.
func (p *Provider) GenerateImage(ctx context.Context, prompt string) (*media.Image, error) {
	params := oai.ImageGenerateParams{
		Prompt:         prompt,
		Model:          oai.ImageModel(p.cfg.ImageModel),
		N:              oai.Int(1),
		Size:           oai.ImageGenerateParamsSize(p.cfg.ImageSize),
		ResponseFormat: oai.ImageGenerateParamsResponseFormatURL,
	}
	if p.cfg.ImageQuality != "" {
		params.Quality = oai.ImageGenerateParamsQuality(p.cfg.ImageQuality)
	}
	if p.cfg.ImageStyle != "" {
		params.Style = oai.ImageGenerateParamsStyle(p.cfg.ImageStyle)
	}
	resp, err := p.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("media: generate image: %w", upstream.WrapError(err))
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("media: generate image: %w", upstream.ErrEmptyResponse)
	}

	img := &media.Image{URL: resp.Data[0].URL}
	if img.URL == "" && resp.Data[0].B64JSON != "" {
		data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
		if err != nil {
			return nil, fmt.Errorf("media: decode image payload: %w", err)
		}
		img.Data = data
	}
	if img.URL == "" && img.Data == nil {
		return nil, fmt.Errorf("media: generate image: %w", upstream.ErrEmptyResponse)
	}
	return img, nil
}

// Synthesize implements media.Provider. Audio is produced as Opus, which
// Telegram accepts for voice messages without re-encoding.
func (p *Provider) Synthesize(ctx context.Context, text string) (*media.Speech, error) {
	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.cfg.TTSModel),
		Voice:          oai.AudioSpeechNewParamsVoice(p.cfg.TTSVoice),
		Input:          text,
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatOpus,
	})
	if err != nil {
		return nil, fmt.Errorf("media: synthesize speech: %w", upstream.WrapError(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("media: read speech payload: %w", err)
	}
	return &media.Speech{Data: data, Format: "opus"}, nil
}

// Transcribe implements media.Provider.
func (p *Provider) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	params := oai.AudioTranscriptionNewParams{
		Model: oai.AudioModel(p.cfg.WhisperModel),
		File:  oai.File(audio, filename, ""),
	}
	if p.cfg.WhisperPrompt != "" {
		params.Prompt = oai.String(p.cfg.WhisperPrompt)
	}
	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("media: transcribe: %w", upstream.WrapError(err))
	}
	return resp.Text, nil
}
