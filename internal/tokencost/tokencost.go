// Package tokencost estimates the context-window cost of message lists before
// a request is issued, so the budgeter can summarise or truncate in time.
//
// Text is costed with the model's real BPE tokenizer (tiktoken); images are
// costed with the upstream tile formula. Estimates follow the upstream
// message-overhead accounting: a fixed per-message overhead plus a fixed
// terminal overhead for the primed reply.
package tokencost

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/parleybot/parley/internal/chat"
	"github.com/parleybot/parley/internal/imgcodec"
	"github.com/parleybot/parley/internal/model"
)

const (
	// tokensPerMessage is the fixed per-message framing overhead.
	tokensPerMessage = 3

	// tokensPerName is the extra cost of a message carrying a name field.
	tokensPerName = 1

	// replyPrimer is the fixed terminal overhead for the assistant reply
	// priming tokens.
	replyPrimer = 3
)

// Vision tile constants from the upstream pricing formula.
const (
	visionBaseCost = 85
	visionTileCost = 170
	tileEdge       = 512
	maxShortEdge   = 768
	maxLongEdge    = 2048
)

// ErrUnsupportedDetail is returned for image detail levels outside
// low/high/auto.
var ErrUnsupportedDetail = fmt.Errorf("tokencost: unsupported image detail level")

// encoder is the slice of the tiktoken API the accountant needs.
type encoder interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
}

// Accountant estimates token costs for one model profile. Safe for concurrent
// use once constructed.
type Accountant struct {
	profile model.Profile
	enc     encoder
}

// New creates an Accountant for the given profile. The model's own encoding
// is used when tiktoken knows it; otherwise the o200k_base encoding, which
// covers every family the profile resolver accepts.
func New(profile model.Profile) (*Accountant, error) {
	enc, err := tiktoken.EncodingForModel(profile.Name)
	if err != nil {
		enc, err = tiktoken.GetEncoding("o200k_base")
		if err != nil {
			return nil, fmt.Errorf("tokencost: load encoding for %q: %w", profile.Name, err)
		}
	}
	return &Accountant{profile: profile, enc: enc}, nil
}

// EstimateMessages returns the estimated prompt cost of sending msgs.
func (a *Accountant) EstimateMessages(msgs []chat.Message) (int, error) {
	total := 0
	for _, m := range msgs {
		total += tokensPerMessage
		total += a.count(string(m.Role))
		if m.Name != "" {
			total += a.count(m.Name) + tokensPerName
		}

		if m.Blocks == nil {
			total += a.count(m.Content)
			continue
		}
		for _, b := range m.Blocks {
			switch b.Kind {
			case chat.BlockText:
				total += a.count(b.Text)
			case chat.BlockImage:
				cost, err := a.estimateImageURL(b.URL, b.Detail)
				if err != nil {
					return 0, err
				}
				total += cost
			}
		}
	}
	return total + replyPrimer, nil
}

// EstimateText returns the encoded length of a single string.
func (a *Accountant) EstimateText(text string) int {
	return a.count(text)
}

// ImageCost returns the vision cost of an image with the given pixel
// dimensions at the given detail level.
func ImageCost(width, height int, detail chat.ImageDetail) (int, error) {
	switch detail {
	case chat.DetailLow:
		return visionBaseCost, nil
	case chat.DetailHigh, chat.DetailAuto:
		// auto is costed as its worst case.
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedDetail, detail)
	}

	// Orient so w is the short edge and h the long edge, then scale down
	// uniformly until the short edge fits 768 and the long edge fits 2048.
	w, h := width, height
	if w > h {
		w, h = h, w
	}
	f := max(float64(w)/maxShortEdge, float64(h)/maxLongEdge)
	if f > 1 {
		w = int(float64(w) / f)
		h = int(float64(h) / f)
	}

	// Partial tiles count as whole tiles.
	tiles := ((w + tileEdge - 1) / tileEdge) * ((h + tileEdge - 1) / tileEdge)
	return visionBaseCost + tiles*visionTileCost, nil
}

// estimateImageURL decodes an embedded image and prices it by its dimensions.
func (a *Accountant) estimateImageURL(url string, detail chat.ImageDetail) (int, error) {
	raw, err := imgcodec.DecodeDataURL(url)
	if err != nil {
		return 0, fmt.Errorf("tokencost: image block: %w", err)
	}
	w, h, err := imgcodec.Dimensions(raw)
	if err != nil {
		return 0, fmt.Errorf("tokencost: image block: %w", err)
	}
	return ImageCost(w, h, detail)
}

func (a *Accountant) count(s string) int {
	if s == "" {
		return 0
	}
	return len(a.enc.Encode(s, nil, nil))
}
