package engine

import (
	"context"
	"io"

	"github.com/parleybot/parley/pkg/provider/media"
)

// GenerateImage renders an image from a prompt. A thin pass-through; image
// generation never touches conversation state.
func (e *Engine) GenerateImage(ctx context.Context, prompt string) (*media.Image, error) {
	if e.media == nil {
		return nil, ErrNoMediaProvider
	}
	img, err := e.media.GenerateImage(ctx, prompt)
	if err != nil {
		return nil, e.userError(err)
	}
	return img, nil
}

// GenerateSpeech synthesizes spoken audio for text and reports the input
// text length alongside.
func (e *Engine) GenerateSpeech(ctx context.Context, text string) (*media.Speech, int, error) {
	if e.media == nil {
		return nil, 0, ErrNoMediaProvider
	}
	sp, err := e.media.Synthesize(ctx, text)
	if err != nil {
		return nil, 0, e.userError(err)
	}
	return sp, len(text), nil
}

// Transcribe converts audio to text.
func (e *Engine) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	if e.media == nil {
		return "", ErrNoMediaProvider
	}
	text, err := e.media.Transcribe(ctx, filename, audio)
	if err != nil {
		return "", e.userError(err)
	}
	return text, nil
}
