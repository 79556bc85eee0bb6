package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// OpaqueTokenBytes is the entropy of a QR login token.
const OpaqueTokenBytes = 32

// NewOpaqueToken returns a URL-safe random token. It is shown to the account
// holder once; only HashToken(token) is stored.
func NewOpaqueToken() (string, error) {
	return randomURLString(OpaqueTokenBytes)
}

// HashToken returns the hex sha256 digest used to index QR tokens.
func HashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}

func randomURLString(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
