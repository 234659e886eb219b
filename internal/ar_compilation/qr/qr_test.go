package qr

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	out := filepath.Join(t.TempDir(), "ar", "qr.png")
	path, err := NewGenerator(256).Encode("https://ar.example.com/ar/view/p-1", out)
	require.NoError(t, err)
	assert.Equal(t, out, path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 256, img.Bounds().Dx())
	assert.Equal(t, 256, img.Bounds().Dy())
}

func TestEncode_EmptyURL(t *testing.T) {
	_, err := NewGenerator(0).Encode("", filepath.Join(t.TempDir(), "qr.png"))
	assert.Error(t, err)
}
