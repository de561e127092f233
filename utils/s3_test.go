// utils/s3_test.go
package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhotoKey(t *testing.T) {
	key := PhotoKey("Vintage Watch (1960s)!", "front.PNG")

	assert.True(t, strings.HasPrefix(key, "photos/vintage-watch-1960s-"))
	assert.True(t, strings.HasSuffix(key, ".PNG"))

	// No extension falls back to jpg.
	key = PhotoKey("Vase", "photo")
	assert.True(t, strings.HasSuffix(key, ".jpg"))

	// Keys are unique per call even for identical inputs.
	assert.NotEqual(t, PhotoKey("Vase", "a.jpg"), PhotoKey("Vase", "a.jpg"))
}
