package domain

import "math"

// FitMode decides how the video aspect ratio is reconciled with the marker's.
type FitMode string

const (
	FitContain FitMode = "contain"
	FitCover   FitMode = "cover"
	FitFill    FitMode = "fill"
	FitExact   FitMode = "exact"
)

func (m FitMode) Valid() bool {
	switch m {
	case FitContain, FitCover, FitFill, FitExact:
		return true
	}
	return false
}

const (
	DefaultZoom = 1.0
	MinZoom     = 0.5
	MaxZoom     = 2.0
	MinOffset   = -0.5
	MaxOffset   = 0.5
)

// Vec3 is a position, rotation (degrees) or scale override for a plane.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Region is a normalized crop rectangle; every field lies in [0,1].
type Region struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// FitConfig is the per-marker placement configuration.
type FitConfig struct {
	FitMode      FitMode `json:"fitMode"`
	Zoom         float64 `json:"zoom"`
	OffsetX      float64 `json:"offsetX"`
	OffsetY      float64 `json:"offsetY"`
	AspectLocked bool    `json:"aspectLocked"`
	Position     *Vec3   `json:"position,omitempty"`
	Rotation     *Vec3   `json:"rotation,omitempty"`
	Scale        *Vec3   `json:"scale,omitempty"`
	ShapeType    string  `json:"shapeType,omitempty"`
	VideoRegion  *Region `json:"videoRegion,omitempty"`
}

// DefaultFitConfig returns contain with no zoom or offset.
func DefaultFitConfig() FitConfig {
	return FitConfig{FitMode: FitContain, Zoom: DefaultZoom, AspectLocked: true}
}

// WithDefaults fills unset fields.
func (c FitConfig) WithDefaults() FitConfig {
	if c.FitMode == "" {
		c.FitMode = FitContain
	}
	if c.Zoom == 0 {
		c.Zoom = DefaultZoom
	}
	return c
}

// Validate enforces the bounded numeric fields and enumerations.
func (c FitConfig) Validate() error {
	if !c.FitMode.Valid() {
		return Validationf("unknown fit mode %q", c.FitMode)
	}
	if !finite(c.Zoom) || c.Zoom < MinZoom || c.Zoom > MaxZoom {
		return Validationf("zoom must be within [%.1f, %.1f], got %v", MinZoom, MaxZoom, c.Zoom)
	}
	if !finite(c.OffsetX) || c.OffsetX < MinOffset || c.OffsetX > MaxOffset {
		return Validationf("offsetX must be within [%.1f, %.1f], got %v", MinOffset, MaxOffset, c.OffsetX)
	}
	if !finite(c.OffsetY) || c.OffsetY < MinOffset || c.OffsetY > MaxOffset {
		return Validationf("offsetY must be within [%.1f, %.1f], got %v", MinOffset, MaxOffset, c.OffsetY)
	}
	for name, v := range map[string]*Vec3{"position": c.Position, "rotation": c.Rotation, "scale": c.Scale} {
		if v != nil && (!finite(v.X) || !finite(v.Y) || !finite(v.Z)) {
			return Validationf("%s must be finite", name)
		}
	}
	if c.Scale != nil && (c.Scale.X <= 0 || c.Scale.Y <= 0 || c.Scale.Z <= 0) {
		return Validationf("scale components must be positive")
	}
	if c.VideoRegion != nil {
		if err := c.VideoRegion.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (r Region) Validate() error {
	for _, v := range []float64{r.X, r.Y, r.W, r.H} {
		if !finite(v) || v < 0 || v > 1 {
			return Validationf("video region values must be within [0, 1]")
		}
	}
	if r.W == 0 || r.H == 0 {
		return Validationf("video region must have a non-zero size")
	}
	if r.X+r.W > 1 || r.Y+r.H > 1 {
		return Validationf("video region exceeds the frame")
	}
	return nil
}

// ConfigPatch is a partial config update coming from the API.
type ConfigPatch struct {
	FitMode      *FitMode `json:"fitMode,omitempty"`
	Zoom         *float64 `json:"zoom,omitempty"`
	OffsetX      *float64 `json:"offsetX,omitempty"`
	OffsetY      *float64 `json:"offsetY,omitempty"`
	AspectLocked *bool    `json:"aspectLocked,omitempty"`
	Position     *Vec3    `json:"position,omitempty"`
	Rotation     *Vec3    `json:"rotation,omitempty"`
	Scale        *Vec3    `json:"scale,omitempty"`
	ShapeType    *string  `json:"shapeType,omitempty"`
	VideoRegion  *Region  `json:"videoRegion,omitempty"`
}

// Merge applies the patch on top of c and validates the result.
func (c FitConfig) Merge(p ConfigPatch) (FitConfig, error) {
	out := c.WithDefaults()
	if p.FitMode != nil {
		out.FitMode = *p.FitMode
	}
	if p.Zoom != nil {
		out.Zoom = *p.Zoom
	}
	if p.OffsetX != nil {
		out.OffsetX = *p.OffsetX
	}
	if p.OffsetY != nil {
		out.OffsetY = *p.OffsetY
	}
	if p.AspectLocked != nil {
		out.AspectLocked = *p.AspectLocked
	}
	if p.Position != nil {
		out.Position = p.Position
	}
	if p.Rotation != nil {
		out.Rotation = p.Rotation
	}
	if p.Scale != nil {
		out.Scale = p.Scale
	}
	if p.ShapeType != nil {
		out.ShapeType = *p.ShapeType
	}
	if p.VideoRegion != nil {
		out.VideoRegion = p.VideoRegion
	}
	if err := out.Validate(); err != nil {
		return c, err
	}
	return out, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
