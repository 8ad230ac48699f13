// Package mock provides a test double for the media.Provider interface.
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/parleybot/parley/pkg/provider/media"
)

// Provider is a mock implementation of media.Provider. Zero values for
// response fields cause methods to return zero values and nil errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Image is returned by GenerateImage. May be nil (returns nil, nil).
	Image *media.Image

	// ImageErr, if non-nil, is returned from GenerateImage.
	ImageErr error

	// Speech is returned by Synthesize. May be nil (returns nil, nil).
	Speech *media.Speech

	// SpeechErr, if non-nil, is returned from Synthesize.
	SpeechErr error

	// Transcript is returned by Transcribe.
	Transcript string

	// TranscribeErr, if non-nil, is returned from Transcribe.
	TranscribeErr error

	// --- Call records (read after test) ---

	// ImagePrompts records every prompt passed to GenerateImage.
	ImagePrompts []string

	// SpeechTexts records every text passed to Synthesize.
	SpeechTexts []string

	// TranscribeFiles records every filename passed to Transcribe.
	TranscribeFiles []string
}

// GenerateImage records the call and returns Image, ImageErr.
func (p *Provider) GenerateImage(ctx context.Context, prompt string) (*media.Image, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ImagePrompts = append(p.ImagePrompts, prompt)
	return p.Image, p.ImageErr
}

// Synthesize records the call and returns Speech, SpeechErr.
func (p *Provider) Synthesize(ctx context.Context, text string) (*media.Speech, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SpeechTexts = append(p.SpeechTexts, text)
	return p.Speech, p.SpeechErr
}

// Transcribe records the call and returns Transcript, TranscribeErr.
func (p *Provider) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeFiles = append(p.TranscribeFiles, filename)
	return p.Transcript, p.TranscribeErr
}

// Ensure Provider implements media.Provider at compile time.
var _ media.Provider = (*Provider)(nil)
