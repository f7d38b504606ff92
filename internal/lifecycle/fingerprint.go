package lifecycle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// fingerprintFields lists the request fields that make two requests
// "the same" for dedup purposes, per §3's Request Fingerprint definition.
// Nondeterministic fields (request IDs, headers) are excluded by omission.
var fingerprintFields = []string{"model", "messages", "tools", "system", "max_tokens", "temperature", "stream"}

// Fingerprint computes the dedup key for a canonical (Anthropic-shape)
// request body. encoding/json already serializes map keys in sorted order,
// which is exactly the key-order normalization the fingerprint needs.
func Fingerprint(body map[string]any) string {
	canonical := make(map[string]any, len(fingerprintFields))
	for _, f := range fingerprintFields {
		if v, ok := body[f]; ok {
			canonical[f] = v
		}
	}
	b, err := json.Marshal(canonical)
	if err != nil {
		// Fall back to hashing nothing useful rather than panicking; this
		// only degrades dedup effectiveness, it never breaks correctness.
		b = []byte(err.Error())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
