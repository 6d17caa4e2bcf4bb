// Package id generates identifiers for watch records.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// Generate returns "<prefix>_<8 hex chars>", e.g. "watch_3fa85f64".
func Generate(prefix string) string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		b = []byte(time.Now().Format("0405.000"))[:4]
	}
	return prefix + "_" + hex.EncodeToString(b)
}

// HasPrefix reports whether s looks like an ID generated with prefix.
func HasPrefix(s, prefix string) bool {
	rest, ok := strings.CutPrefix(s, prefix+"_")
	if !ok || len(rest) != 8 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}
