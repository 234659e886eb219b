package marker

import (
	"image/color"
	"math"

	"github.com/fogleman/gg"
)

// cellPattern draws one micro-pattern into the s×s cell at (x, y).
type cellPattern func(dc *gg.Context, x, y, s float64, g *lcg, ink color.Color)

var patternPool = []cellPattern{
	drawChecker,
	drawNestedCircles,
	drawDiagonals,
	drawPairedDots,
}

var inkPalette = []color.Color{
	color.RGBA{R: 0x11, G: 0x11, B: 0x11, A: 0xff},
	color.RGBA{R: 0x1f, G: 0x3a, B: 0x93, A: 0xff},
	color.RGBA{R: 0x9b, G: 0x1c, B: 0x1c, A: 0xff},
	color.RGBA{R: 0x0f, G: 0x5e, B: 0x3a, A: 0xff},
	color.RGBA{R: 0x5b, G: 0x21, B: 0xb6, A: 0xff},
}

// pickPatterns selects 2 or 3 distinct patterns from the pool.
func pickPatterns(g *lcg) []cellPattern {
	n := g.between(2, 3)
	idx := make([]int, len(patternPool))
	for i := range idx {
		idx[i] = i
	}
	for i := len(idx) - 1; i > 0; i-- {
		j := g.intn(i + 1)
		idx[i], idx[j] = idx[j], idx[i]
	}
	out := make([]cellPattern, 0, n)
	for _, i := range idx[:n] {
		out = append(out, patternPool[i])
	}
	return out
}

func drawChecker(dc *gg.Context, x, y, s float64, g *lcg, ink color.Color) {
	half := s / 2
	dc.SetColor(ink)
	if g.intn(2) == 0 {
		dc.DrawRectangle(x, y, half, half)
		dc.DrawRectangle(x+half, y+half, half, half)
	} else {
		dc.DrawRectangle(x+half, y, half, half)
		dc.DrawRectangle(x, y+half, half, half)
	}
	dc.Fill()
}

func drawNestedCircles(dc *gg.Context, x, y, s float64, g *lcg, ink color.Color) {
	cx, cy := x+s/2, y+s/2
	dc.SetColor(ink)
	dc.SetLineWidth(math.Max(1, s/10))
	for r := s * 0.45; r > 1.5; r *= 0.55 {
		dc.DrawCircle(cx, cy, r)
		dc.Stroke()
	}
	if g.intn(2) == 0 {
		dc.DrawCircle(cx, cy, math.Max(1, s/12))
		dc.Fill()
	}
}

func drawDiagonals(dc *gg.Context, x, y, s float64, g *lcg, ink color.Color) {
	n := g.between(2, 4)
	step := s / float64(n)
	dc.SetColor(ink)
	dc.SetLineWidth(math.Max(1, s/12))
	forward := g.intn(2) == 0
	for i := 1; i <= n; i++ {
		d := step * float64(i)
		if forward {
			dc.DrawLine(x, y+d, x+d, y)
		} else {
			dc.DrawLine(x+s-d, y, x+s, y+d)
		}
		dc.Stroke()
	}
}

func drawPairedDots(dc *gg.Context, x, y, s float64, g *lcg, ink color.Color) {
	r := math.Max(1, s/7)
	dc.SetColor(ink)
	if g.intn(2) == 0 {
		dc.DrawCircle(x+s*0.3, y+s*0.3, r)
		dc.DrawCircle(x+s*0.72, y+s*0.68, r*0.6)
	} else {
		dc.DrawCircle(x+s*0.7, y+s*0.3, r)
		dc.DrawCircle(x+s*0.28, y+s*0.7, r*0.6)
	}
	dc.Fill()
}

// cornerGlyph draws an asymmetric symbol inside the s×s box at (x, y).
type cornerGlyph func(dc *gg.Context, x, y, s float64)

var glyphPool = []cornerGlyph{
	glyphRightTriangle,
	glyphEll,
	glyphFlag,
	glyphHalfDisc,
	glyphArrow,
	glyphOffsetRing,
}

func glyphRightTriangle(dc *gg.Context, x, y, s float64) {
	dc.MoveTo(x, y)
	dc.LineTo(x+s, y)
	dc.LineTo(x, y+s*0.6)
	dc.ClosePath()
	dc.Fill()
}

func glyphEll(dc *gg.Context, x, y, s float64) {
	dc.DrawRectangle(x, y, s*0.25, s)
	dc.DrawRectangle(x, y+s*0.75, s*0.7, s*0.25)
	dc.Fill()
}

func glyphFlag(dc *gg.Context, x, y, s float64) {
	dc.DrawRectangle(x+s*0.1, y, s*0.12, s)
	dc.Fill()
	dc.MoveTo(x+s*0.22, y)
	dc.LineTo(x+s*0.9, y+s*0.2)
	dc.LineTo(x+s*0.22, y+s*0.45)
	dc.ClosePath()
	dc.Fill()
}

func glyphHalfDisc(dc *gg.Context, x, y, s float64) {
	dc.DrawArc(x+s/2, y+s/2, s*0.45, 0, math.Pi)
	dc.ClosePath()
	dc.Fill()
	dc.DrawCircle(x+s*0.78, y+s*0.2, s*0.1)
	dc.Fill()
}

func glyphArrow(dc *gg.Context, x, y, s float64) {
	dc.MoveTo(x, y+s*0.4)
	dc.LineTo(x+s*0.55, y+s*0.4)
	dc.LineTo(x+s*0.55, y+s*0.15)
	dc.LineTo(x+s, y+s*0.55)
	dc.LineTo(x+s*0.55, y+s*0.95)
	dc.LineTo(x+s*0.55, y+s*0.7)
	dc.LineTo(x, y+s*0.7)
	dc.ClosePath()
	dc.Fill()
}

func glyphOffsetRing(dc *gg.Context, x, y, s float64) {
	dc.SetLineWidth(math.Max(1, s/9))
	dc.DrawCircle(x+s/2, y+s/2, s*0.4)
	dc.Stroke()
	dc.DrawCircle(x+s*0.64, y+s*0.36, s*0.12)
	dc.Fill()
}
