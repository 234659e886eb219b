package marker

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/fogleman/gg"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePhoto(t *testing.T, path string, w, h int, shift uint8) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x*3) + shift, G: uint8(y * 5), B: uint8(x + y), A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func copyTo(t *testing.T, src, dst string) {
	t.Helper()
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dst, data, 0o644))
}

func TestEnhance_Deterministic(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	photoA := filepath.Join(dirA, "photo.png")
	writePhoto(t, photoA, 120, 90, 0)
	photoB := filepath.Join(dirB, "photo.png")
	copyTo(t, photoA, photoB)

	e := NewEnhancer(zerolog.Nop())
	first := e.EnhanceWithTag(photoA, "abc123")
	require.True(t, first.Applied)
	firstBytes, err := os.ReadFile(first.Path)
	require.NoError(t, err)

	again := e.EnhanceWithTag(photoA, "abc123")
	againBytes, err := os.ReadFile(again.Path)
	require.NoError(t, err)

	other := e.EnhanceWithTag(photoB, "abc123")
	otherBytes, err := os.ReadFile(other.Path)
	require.NoError(t, err)

	assert.Equal(t, first.Seed, again.Seed)
	assert.Equal(t, first.Seed, other.Seed)
	assert.Equal(t, first.BorderPx, other.BorderPx)
	assert.Equal(t, firstBytes, againBytes)
	assert.Equal(t, firstBytes, otherBytes)
}

func TestEnhance_DifferentPhotosDifferentSeeds(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.png")
	b := filepath.Join(dir, "b.png")
	writePhoto(t, a, 64, 64, 0)
	writePhoto(t, b, 64, 64, 7)

	seedA, err := SeedFromFile(a)
	require.NoError(t, err)
	seedB, err := SeedFromFile(b)
	require.NoError(t, err)
	assert.NotEqual(t, seedA, seedB)
}

func TestEnhance_LeavesOriginalUntouched(t *testing.T) {
	dir := t.TempDir()
	photo := filepath.Join(dir, "photo.png")
	writePhoto(t, photo, 80, 80, 0)
	before, err := os.ReadFile(photo)
	require.NoError(t, err)

	path, applied := NewEnhancer(zerolog.Nop()).Enhance(photo)
	require.True(t, applied)
	assert.NotEqual(t, photo, path)
	assert.Equal(t, filepath.Join(dir, "photo_enhanced.png"), path)

	after, err := os.ReadFile(photo)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestEnhance_BorderWithinBand(t *testing.T) {
	dir := t.TempDir()
	for _, size := range [][2]int{{100, 100}, {400, 300}, {90, 250}} {
		photo := filepath.Join(dir, "p.png")
		writePhoto(t, photo, size[0], size[1], uint8(size[0]))

		res := NewEnhancer(zerolog.Nop()).EnhanceWithTag(photo, "")
		require.True(t, res.Applied)

		longer := math.Max(float64(size[0]), float64(size[1]))
		assert.GreaterOrEqual(t, res.BorderPx, int(math.Floor(longer*minBorderRatio)))
		assert.LessOrEqual(t, res.BorderPx, int(math.Ceil(longer*maxBorderRatio)))

		img, err := gg.LoadImage(res.Path)
		require.NoError(t, err)
		assert.Equal(t, size[0]+2*res.BorderPx, img.Bounds().Dx())
		assert.Equal(t, size[1]+2*res.BorderPx, img.Bounds().Dy())
	}
}

func TestEnhance_BorderIsTextured(t *testing.T) {
	dir := t.TempDir()
	photo := filepath.Join(dir, "photo.png")
	writePhoto(t, photo, 200, 200, 0)

	res := NewEnhancer(zerolog.Nop()).EnhanceWithTag(photo, "")
	require.True(t, res.Applied)
	img, err := gg.LoadImage(res.Path)
	require.NoError(t, err)

	colors := map[color.RGBA]struct{}{}
	for y := 0; y < res.BorderPx; y++ {
		for x := 0; x < img.Bounds().Dx(); x++ {
			colors[color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)] = struct{}{}
		}
	}
	assert.Greater(t, len(colors), 4)
}

func TestCropBorder_RestoresOriginalPixels(t *testing.T) {
	dir := t.TempDir()
	photo := filepath.Join(dir, "photo.png")
	writePhoto(t, photo, 96, 72, 0)

	res := NewEnhancer(zerolog.Nop()).EnhanceWithTag(photo, "tag")
	require.True(t, res.Applied)

	cropped, err := CropBorder(res.Path, res.BorderPx)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "photo_cropped.png"), cropped)

	orig, err := gg.LoadImage(photo)
	require.NoError(t, err)
	got, err := gg.LoadImage(cropped)
	require.NoError(t, err)
	require.Equal(t, orig.Bounds().Size(), got.Bounds().Size())

	for y := 0; y < 72; y++ {
		for x := 0; x < 96; x++ {
			want := color.RGBAModel.Convert(orig.At(x, y))
			have := color.RGBAModel.Convert(got.At(got.Bounds().Min.X+x, got.Bounds().Min.Y+y))
			if want != have {
				t.Fatalf("pixel (%d,%d): want %v, got %v", x, y, want, have)
			}
		}
	}
}

func TestCropBorder_RejectsOversizedBorder(t *testing.T) {
	dir := t.TempDir()
	photo := filepath.Join(dir, "photo.png")
	writePhoto(t, photo, 40, 40, 0)

	_, err := CropBorder(photo, 20)
	assert.Error(t, err)
	_, err = CropBorder(photo, 0)
	assert.Error(t, err)
}

func TestEnhance_FallsBackOnFailure(t *testing.T) {
	dir := t.TempDir()
	e := NewEnhancer(zerolog.Nop())

	missing := filepath.Join(dir, "missing.png")
	path, applied := e.Enhance(missing)
	assert.False(t, applied)
	assert.Equal(t, missing, path)

	garbage := filepath.Join(dir, "garbage.jpg")
	require.NoError(t, os.WriteFile(garbage, []byte("not an image"), 0o644))
	path, applied = e.Enhance(garbage)
	assert.False(t, applied)
	assert.Equal(t, garbage, path)

	tiny := filepath.Join(dir, "tiny.png")
	writePhoto(t, tiny, 4, 4, 0)
	path, applied = e.Enhance(tiny)
	assert.False(t, applied)
	assert.Equal(t, tiny, path)
}

func TestLCG_Ranges(t *testing.T) {
	g := newLCG(42)
	for i := 0; i < 1000; i++ {
		v := g.between(-4, 4)
		assert.True(t, v >= -4 && v <= 4)
		f := g.float()
		assert.True(t, f >= 0 && f < 1)
	}
	a, b := newLCG(7), newLCG(7)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.next(), b.next())
	}
}
