package upstream

import (
	"errors"
	"fmt"
	"net/http"

	openai "github.com/openai/openai-go"
)

// WrapError maps a provider SDK error onto the package's classification
// sentinels. HTTP 429 becomes [ErrRateLimited], 4xx becomes
// [ErrInvalidRequest]; everything else passes through unchanged.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	default:
		return err
	}
}
