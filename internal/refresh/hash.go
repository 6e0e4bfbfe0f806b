package refresh

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// HashPayload derives the canonical content hash used for delta detection.
// JSON payloads are compacted first so formatting-only differences between
// fetches do not register as content changes; anything else hashes its
// trimmed bytes.
func HashPayload(body []byte) string {
	canonical := bytes.TrimSpace(body)
	if json.Valid(canonical) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, canonical); err == nil {
			canonical = buf.Bytes()
		}
	}
	return fmt.Sprintf("%x", sha256.Sum256(canonical))
}
