package utils

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// Digest returns the hex BLAKE3-256 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
