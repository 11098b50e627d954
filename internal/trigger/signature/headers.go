package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/inkeep/agents-run/internal/trigger/models"
)

// HeaderCheckResult distinguishes a missing header from a value
// mismatch so callers can map them to different HTTP statuses.
type HeaderCheckResult int

const (
	HeadersOK HeaderCheckResult = iota
	HeaderMissing
	HeaderMismatch
)

// HashHeaderValue produces the stored form of an allow-listed header
// value: hex(sha256(salt || value)).
func HashHeaderValue(salt, value string) string {
	sum := sha256.Sum256([]byte(salt + value))
	return hex.EncodeToString(sum[:])
}

// CheckHeaders validates every configured allow-list entry against the
// request headers. All entries must match; comparison of the hashes is
// constant-time.
func CheckHeaders(entries []models.HeaderAuth, headers http.Header) (HeaderCheckResult, string) {
	for _, entry := range entries {
		value := headers.Get(entry.Name)
		if value == "" {
			return HeaderMissing, entry.Name
		}
		computed := HashHeaderValue(entry.Salt, value)
		if !hmac.Equal([]byte(computed), []byte(entry.Hash)) {
			return HeaderMismatch, entry.Name
		}
	}
	return HeadersOK, ""
}
