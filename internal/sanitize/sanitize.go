package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// MaxTokenLength bounds identifiers used as NATS subject tokens and metric labels.
	MaxTokenLength = 48

	// DefaultToken is used when sanitization produces an empty result.
	DefaultToken = "unknown"
)

// Token sanitizes an identifier (actor ID, label) for use as a single NATS
// subject token or metric label value.
//
//	"Alice Smith" -> "alice_smith"
//	"actor:bob"   -> "actor_bob"
//	"" or "..."   -> "unknown"
func Token(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range strings.ToLower(s) {
		valid := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-'
		if valid {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteRune('_')
			lastUnderscore = true
		}
	}

	token := strings.Trim(b.String(), "_")
	if token == "" {
		return DefaultToken
	}
	if len(token) > MaxTokenLength {
		sum := sha256.Sum256([]byte(token))
		token = strings.TrimRight(token[:MaxTokenLength-9], "_") + "_" + hex.EncodeToString(sum[:])[:8]
	}
	return token
}
