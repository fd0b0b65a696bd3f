package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns an identifier like "pad_6f1a2b…": a type prefix over 96 bits
// of randomness, hex-encoded. With an empty prefix the bare hex comes back.
func NewID(prefix string) string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; identifiers must
		// not silently collide if it somehow does.
		panic("util: reading random bytes: " + err.Error())
	}
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
