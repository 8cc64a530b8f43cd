package fingerprint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytesDeterministic(t *testing.T) {
	a := Bytes([]byte("hello"))
	b := Bytes([]byte("hello"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64) // sha256 hex

	c := Bytes([]byte("hello!"))
	assert.NotEqual(t, a, c)
}

func TestTextMatchesBytes(t *testing.T) {
	assert.Equal(t, Bytes([]byte("payload")), Text("payload"))
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img.png")
	if err := os.WriteFile(path, []byte("fake image bytes"), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	digest, err := File(path)
	assert.NoError(t, err)
	assert.Equal(t, Bytes([]byte("fake image bytes")), digest)

	_, err = File(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}

func TestCompositeFieldBoundaries(t *testing.T) {
	// Shifting content across field boundaries must change the key.
	assert.NotEqual(t, Composite("ab", "c"), Composite("a", "bc"))
	assert.NotEqual(t, Composite("a", "b", "c"), Composite("a", "b\x1fc"))

	// A field containing the separator must not collide with two fields.
	assert.NotEqual(t, Composite("a\x1fb"), Composite("a", "b"))

	// Backslashes cannot be used to forge an escaped separator.
	assert.NotEqual(t, Composite(`a\`, "b"), Composite("a", `\b`))

	// Same tuple, same key.
	assert.Equal(t, Composite("caption", "style", ""), Composite("caption", "style", ""))
}
