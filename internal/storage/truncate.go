package storage

import (
	"crypto/sha256"
	"encoding/hex"
)

// truncateBytes caps in at maxBytes. When it cuts, it also returns the
// original length and the sha256 of the full input.
func truncateBytes(in []byte, maxBytes int) ([]byte, bool, int, string) {
	if maxBytes <= 0 || len(in) <= maxBytes {
		return in, false, len(in), ""
	}
	sum := sha256.Sum256(in)
	return in[:maxBytes], true, len(in), hex.EncodeToString(sum[:])
}
