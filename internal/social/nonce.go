package social

import (
	"crypto/rand"
	"encoding/hex"
)

// DefaultNonceLength is the number of random bytes drawn for Apple nonces.
const DefaultNonceLength = 32

// GenerateNonce returns length random bytes from crypto/rand as lowercase hex,
// two digits per byte. Negative lengths yield an empty string.
func GenerateNonce(length int) string {
	if length <= 0 {
		return ""
	}
	buffer := make([]byte, length)
	// crypto/rand.Read never returns an error.
	_, _ = rand.Read(buffer)
	return hex.EncodeToString(buffer)
}
