// Package media defines the provider interface for the non-chat model
// surfaces: image generation, speech synthesis and audio transcription.
//
// These operations pass through to the backing API without touching
// conversation state.
package media

import (
	"context"
	"io"
)

// Image is one generated image. Exactly one of URL and Data is set,
// depending on the response format the provider was configured with.
type Image struct {
	// URL is a short-lived download link.
	URL string

	// Data is the raw decoded image payload.
	Data []byte
}

// Speech is a synthesized audio clip.
type Speech struct {
	// Data is the encoded audio payload.
	Data []byte

	// Format is the audio container ("opus", "mp3", ...).
	Format string
}

// Provider generates media through the backing model API.
type Provider interface {
	// GenerateImage renders prompt into an image.
	GenerateImage(ctx context.Context, prompt string) (*Image, error)

	// Synthesize renders text into speech audio.
	Synthesize(ctx context.Context, text string) (*Speech, error)

	// Transcribe converts audio into text. filename hints the container
	// format to the API.
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}
