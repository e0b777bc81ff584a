package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
)

// Fingerprint derives the deterministic cache key for a request. The key
// covers the prompt, the model and the decoding options plus the backend
// pin; volatile fields (request id, fallback and disable lists) are
// excluded so retries and traced requests hit the same entry.
func Fingerprint(req *backend.Request) string {
	var sb strings.Builder

	sb.WriteString("prompt=")
	sb.WriteString(req.Prompt)
	sb.WriteString("|model=")
	sb.WriteString(req.Model)
	sb.WriteString("|max_tokens=")
	sb.WriteString(strconv.Itoa(req.MaxTokens))
	sb.WriteString("|temperature=")
	sb.WriteString(strconv.FormatFloat(req.Temperature, 'g', -1, 64))
	sb.WriteString("|backend=")
	sb.WriteString(req.Backend)

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// HashKey returns the SHA-256 hex digest of an arbitrary key. Used by the
// durable Redis tier to bound key length.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// validateKey rejects keys the tiers cannot store.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("cache key must not be empty")
	}
	return nil
}
