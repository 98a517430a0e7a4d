// Package fingerprint computes the content hash used to deduplicate
// identical submissions across the cache.
package fingerprint

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// separator cannot appear inside a language identifier, so it is safe to
// concatenate language and code without ambiguity.
const separator = ":"

// Of returns the hex-encoded BLAKE2b-256 fingerprint of language and code.
func Of(language, code string) string {
	sum := blake2b.Sum256([]byte(language + separator + code))
	return hex.EncodeToString(sum[:])
}
