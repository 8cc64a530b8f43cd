// Package fingerprint derives deterministic content digests used as cache
// keys and as image identity tokens.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
)

// separator delimits fields of a composite key. It is a control character
// that never appears in captions or style keys, and escape guarantees it
// cannot be injected through field values either.
const separator = "\x1f"

// escaper doubles backslashes and rewrites separator bytes inside field
// values, so an escaped separator can never be confused with a real field
// boundary when fields are joined.
var escaper = strings.NewReplacer("\\", "\\\\", separator, "\\x1f")

// Bytes returns the hex digest of raw content.
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Text returns the hex digest of a string.
func Text(s string) string {
	return Bytes([]byte(s))
}

// File returns the digest of a file's contents.
func File(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return Bytes(b), nil
}

// Composite returns the digest of several fields joined unambiguously.
// Distinct field tuples always produce distinct inputs, even when a field
// contains the separator or escape characters.
func Composite(fields ...string) string {
	escaped := make([]string, len(fields))
	for i, f := range fields {
		escaped[i] = escaper.Replace(f)
	}
	return Text(strings.Join(escaped, separator))
}
