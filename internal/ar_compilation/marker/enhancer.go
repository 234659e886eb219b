// Package marker makes marker photos easier to recognize by surrounding them
// with a deterministic, high-texture border.
package marker

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/fogleman/gg"
	"github.com/rs/zerolog"
)

const (
	minBorderRatio = 0.12
	maxBorderRatio = 0.15
	minPhotoSide   = 16
)

// Result describes one enhancement attempt.
type Result struct {
	Path     string
	Applied  bool
	BorderPx int
	Seed     uint64
}

// Enhancer draws the border. It never mutates the source photo.
type Enhancer struct {
	logger zerolog.Logger
}

func NewEnhancer(logger zerolog.Logger) *Enhancer {
	return &Enhancer{logger: logger}
}

// Enhance returns the path of the bordered composite, or the original path
// and false when enhancement failed.
func (e *Enhancer) Enhance(photoPath string) (string, bool) {
	res := e.EnhanceWithTag(photoPath, "")
	return res.Path, res.Applied
}

// EnhanceWithTag is Enhance with a faint text tag stamped along the top and
// bottom border.
func (e *Enhancer) EnhanceWithTag(photoPath, tag string) Result {
	res, err := e.enhance(photoPath, tag)
	if err != nil {
		e.logger.Warn().Err(err).Str("photo", photoPath).Msg("marker enhancement skipped")
		return Result{Path: photoPath}
	}
	return res
}

// CropBorder is the package-level CropBorder.
func (e *Enhancer) CropBorder(enhancedPath string, thicknessPx int) (string, error) {
	return CropBorder(enhancedPath, thicknessPx)
}

func (e *Enhancer) enhance(photoPath, tag string) (Result, error) {
	seed, err := SeedFromFile(photoPath)
	if err != nil {
		return Result{}, err
	}
	src, err := gg.LoadImage(photoPath)
	if err != nil {
		return Result{}, fmt.Errorf("decode marker photo: %w", err)
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < minPhotoSide || h < minPhotoSide {
		return Result{}, fmt.Errorf("marker photo too small: %dx%d", w, h)
	}

	rng := newLCG(seed)
	t := borderThickness(w, h, rng)
	W, H := w+2*t, h+2*t

	dc := gg.NewContext(W, H)
	dc.SetRGB(0.97, 0.97, 0.95)
	dc.Clear()

	tileBorder(dc, rng, pickPatterns(rng), t, W, H)
	drawCorners(dc, rng, t, W, H)
	if tag != "" {
		drawTag(dc, tag, t, W, H)
	}

	canvas, ok := dc.Image().(*image.RGBA)
	if !ok {
		return Result{}, errors.New("unexpected canvas type")
	}
	draw.Draw(canvas, image.Rect(t, t, t+w, t+h), src, b.Min, draw.Src)

	out := derivedPath(photoPath, "_enhanced")
	if err := dc.SavePNG(out); err != nil {
		_ = os.Remove(out)
		return Result{}, fmt.Errorf("write enhanced marker: %w", err)
	}
	return Result{Path: out, Applied: true, BorderPx: t, Seed: seed}, nil
}

// borderThickness picks a thickness in [12%, 15%] of the longer side.
func borderThickness(w, h int, g *lcg) int {
	longer := w
	if h > longer {
		longer = h
	}
	ratio := minBorderRatio + (maxBorderRatio-minBorderRatio)*g.float()
	t := int(math.Round(float64(longer) * ratio))
	if t < 4 {
		t = 4
	}
	return t
}

func tileBorder(dc *gg.Context, g *lcg, patterns []cellPattern, t, W, H int) {
	base := t / 3
	if base < 10 {
		base = 10
	}
	for y := 0; y < H; y += base {
		for x := 0; x < W; x += base {
			if x >= t && x+base <= W-t && y >= t && y+base <= H-t {
				continue
			}
			size := base + g.between(-4, 4)
			if size < 4 {
				size = 4
			}
			dx, dy := g.between(-3, 3), g.between(-3, 3)
			p := patterns[g.intn(len(patterns))]
			ink := inkPalette[g.intn(len(inkPalette))]
			p(dc, float64(x+dx), float64(y+dy), float64(size), g, ink)
		}
	}
}

func drawCorners(dc *gg.Context, g *lcg, t, W, H int) {
	s := float64(t)
	pad := s * 0.12
	corners := [][2]float64{{0, 0}, {float64(W) - s, 0}, {0, float64(H) - s}, {float64(W) - s, float64(H) - s}}
	for _, c := range corners {
		glyph := glyphPool[g.intn(len(glyphPool))]
		turns := g.intn(4)

		dc.SetRGB(0.97, 0.97, 0.95)
		dc.DrawRectangle(c[0], c[1], s, s)
		dc.Fill()

		dc.Push()
		dc.RotateAbout(gg.Radians(float64(90*turns)), c[0]+s/2, c[1]+s/2)
		dc.SetRGB(0.05, 0.05, 0.05)
		glyph(dc, c[0]+pad, c[1]+pad, s-2*pad)
		dc.Pop()
	}
}

func drawTag(dc *gg.Context, tag string, t, W, H int) {
	if t < 16 {
		return
	}
	dc.SetRGBA(0, 0, 0, 0.18)
	dc.DrawStringAnchored(tag, float64(W)/2, float64(t)/2, 0.5, 0.5)
	dc.DrawStringAnchored(tag, float64(W)/2, float64(H)-float64(t)/2, 0.5, 0.5)
}

// CropBorder cuts thicknessPx from every side of the enhanced composite and
// writes the remaining center region to a new file.
func CropBorder(enhancedPath string, thicknessPx int) (string, error) {
	img, err := gg.LoadImage(enhancedPath)
	if err != nil {
		return "", fmt.Errorf("decode enhanced marker: %w", err)
	}
	b := img.Bounds()
	if thicknessPx <= 0 || 2*thicknessPx >= b.Dx() || 2*thicknessPx >= b.Dy() {
		return "", fmt.Errorf("border %dpx does not fit a %dx%d image", thicknessPx, b.Dx(), b.Dy())
	}

	rect := image.Rect(b.Min.X+thicknessPx, b.Min.Y+thicknessPx, b.Max.X-thicknessPx, b.Max.Y-thicknessPx)
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)

	ext := filepath.Ext(enhancedPath)
	out := strings.TrimSuffix(strings.TrimSuffix(enhancedPath, ext), "_enhanced") + "_cropped.png"
	if err := gg.SavePNG(out, dst); err != nil {
		_ = os.Remove(out)
		return "", fmt.Errorf("write cropped marker: %w", err)
	}
	return out, nil
}

func derivedPath(p, suffix string) string {
	return strings.TrimSuffix(p, filepath.Ext(p)) + suffix + ".png"
}
