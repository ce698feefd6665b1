package capture

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"unicode/utf8"

	"github.com/dgnsrekt/scrape_agent/internal/types"
)

func truncateBytes(in []byte, maxBytes int) ([]byte, bool, int, string) {
	if maxBytes <= 0 || len(in) <= maxBytes {
		return in, false, len(in), ""
	}
	sum := sha256.Sum256(in)
	return in[:maxBytes], true, len(in), hex.EncodeToString(sum[:])
}

func truncateStringBytes(in string, maxBytes int) (string, bool, int, string) {
	out, truncated, originalSize, hash := truncateBytes([]byte(in), maxBytes)
	return string(out), truncated, originalSize, hash
}

// attachBody stores body on ev, truncated to maxBytes. Non-UTF-8 content is
// base64 encoded.
func attachBody(ev *types.Event, body []byte, maxBytes int) {
	kept, truncated, originalSize, hash := truncateBytes(body, maxBytes)
	if truncated && utf8.Valid(body) {
		for len(kept) > 0 && !utf8.Valid(kept) {
			kept = kept[:len(kept)-1]
		}
	}
	if utf8.Valid(kept) {
		ev.Body = string(kept)
	} else {
		ev.Body = base64.StdEncoding.EncodeToString(kept)
		ev.Base64 = true
	}
	if truncated {
		ev.Truncated = true
		ev.OriginalSize = originalSize
		ev.SHA256 = hash
	}
}
