// Package quality checks provider output before it is accepted as a job
// result.
package quality

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrQualityRejected = errors.New("result failed quality checks")

const (
	maxRefLength      = 2048
	maxMetadataBytes  = 16 << 10
	minimaxFilePrefix = "minimax-file:"
)

// ValidateResult rejects completions that do not reference a retrievable
// artifact: an empty ref, an unknown scheme or oversized metadata.
func ValidateResult(ref string, metadata map[string]any) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("%w: empty result reference", ErrQualityRejected)
	}
	if len(ref) > maxRefLength {
		return fmt.Errorf("%w: result reference longer than %d bytes", ErrQualityRejected, maxRefLength)
	}

	if strings.HasPrefix(ref, minimaxFilePrefix) {
		if strings.TrimPrefix(ref, minimaxFilePrefix) == "" {
			return fmt.Errorf("%w: empty file id", ErrQualityRejected)
		}
	} else if err := validateURL(ref); err != nil {
		return err
	}

	if len(metadata) > 0 {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("%w: metadata is not serializable", ErrQualityRejected)
		}
		if len(encoded) > maxMetadataBytes {
			return fmt.Errorf("%w: metadata larger than %d bytes", ErrQualityRejected, maxMetadataBytes)
		}
	}
	return nil
}

func validateURL(ref string) error {
	parsed, err := url.Parse(ref)
	if err != nil {
		return fmt.Errorf("%w: malformed result reference", ErrQualityRejected)
	}
	switch parsed.Scheme {
	case "https", "http":
		if parsed.Host == "" {
			return fmt.Errorf("%w: result url without host", ErrQualityRejected)
		}
	case "file":
		if parsed.Path == "" && parsed.Opaque == "" && parsed.Host == "" {
			return fmt.Errorf("%w: empty blob key", ErrQualityRejected)
		}
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrQualityRejected, parsed.Scheme)
	}
	return nil
}
