// Package imgcodec converts raw images to and from the base64 data-URL form
// the upstream API embeds in multimodal messages, and probes pixel dimensions
// for vision token costing.
package imgcodec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"net/http"
	"strings"

	// Register decoders for the formats chat platforms deliver.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// EncodeDataURL wraps raw image bytes into a base64 data URL. The MIME type
// is sniffed from the payload.
func EncodeDataURL(raw []byte) string {
	mime := http.DetectContentType(raw)
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(raw)
}

// DecodeDataURL extracts the raw bytes from a base64 data URL produced by
// [EncodeDataURL] (or by any compliant encoder).
func DecodeDataURL(url string) ([]byte, error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return nil, fmt.Errorf("imgcodec: not a data URL")
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("imgcodec: malformed data URL")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, fmt.Errorf("imgcodec: unsupported data URL encoding %q", meta)
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("imgcodec: decode base64 payload: %w", err)
	}
	return raw, nil
}

// Dimensions returns the pixel width and height of an encoded image without
// decoding the full pixel data.
func Dimensions(raw []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return 0, 0, fmt.Errorf("imgcodec: read image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}
