// Package geometry sizes the video plane on top of a marker.
//
// All sizes are in marker-relative units: the marker plane is 1 unit wide and
// 1/photoAR units tall.
package geometry

import (
	"fmt"
	"math"

	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
)

const (
	// A marker this close to square with a video this far from square is
	// escalated from contain to cover.
	squareMarkerTolerance = 0.10
	nonSquareVideoMargin  = 0.20

	// Aspect ratios closer than this are treated as already matching.
	matchTolerance = 0.05
)

// PlaneScale is the size of the video plane.
type PlaneScale struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Fit is the resolved placement for one marker/video pair.
type Fit struct {
	Requested domain.FitMode
	Effective domain.FitMode
	Plane     PlaneScale
	// CropVideo is true when the video must be cropped to the marker's
	// aspect ratio before it is composited.
	CropVideo bool
}

// EffectiveFitMode applies the auto-escalation rule.
func EffectiveFitMode(photoAR, videoAR float64, mode domain.FitMode) domain.FitMode {
	if mode == domain.FitContain &&
		math.Abs(photoAR-1) < squareMarkerTolerance &&
		math.Abs(videoAR-1) > nonSquareVideoMargin {
		return domain.FitCover
	}
	return mode
}

// AspectRatiosMatch reports whether two ratios are close enough that
// cropping the video would be a no-op.
func AspectRatiosMatch(photoAR, videoAR float64) bool {
	return math.Abs(photoAR-videoAR) < matchTolerance
}

// ComputePlaneScale returns the plane size for mode without escalation.
func ComputePlaneScale(photoAR, videoAR float64, mode domain.FitMode) (PlaneScale, error) {
	if err := validateRatio("photo", photoAR); err != nil {
		return PlaneScale{}, err
	}
	if err := validateRatio("video", videoAR); err != nil {
		return PlaneScale{}, err
	}

	markerHeight := 1 / photoAR

	var ps PlaneScale
	switch mode {
	case domain.FitContain:
		if videoAR >= photoAR {
			ps = PlaneScale{Width: 1, Height: 1 / videoAR}
		} else {
			ps = PlaneScale{Width: markerHeight * videoAR, Height: markerHeight}
		}
	case domain.FitCover, domain.FitFill:
		ps = PlaneScale{Width: 1, Height: markerHeight}
	case domain.FitExact:
		ps = PlaneScale{Width: 1, Height: 1 / videoAR}
	default:
		return PlaneScale{}, domain.Validationf("unknown fit mode %q", mode)
	}

	if !finite(ps.Width) || !finite(ps.Height) {
		return PlaneScale{}, domain.Validationf("plane size is not finite for photoAR=%v videoAR=%v", photoAR, videoAR)
	}
	return ps, nil
}

// Resolve escalates the mode, sizes the plane and decides whether the video
// region processor has to run.
func Resolve(photoAR, videoAR float64, mode domain.FitMode) (Fit, error) {
	if mode == "" {
		mode = domain.FitContain
	}
	effective := EffectiveFitMode(photoAR, videoAR, mode)
	plane, err := ComputePlaneScale(photoAR, videoAR, effective)
	if err != nil {
		return Fit{}, err
	}
	return Fit{
		Requested: mode,
		Effective: effective,
		Plane:     plane,
		CropVideo: effective == domain.FitCover && !AspectRatiosMatch(photoAR, videoAR),
	}, nil
}

// AspectRatio divides width by height, rejecting empty dimensions.
func AspectRatio(width, height int) (float64, error) {
	if width <= 0 || height <= 0 {
		return 0, fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	return float64(width) / float64(height), nil
}

// CenterCrop returns the largest even-sized rectangle of aspect targetAR
// centered inside a width x height frame.
func CenterCrop(width, height int, targetAR float64) (x, y, w, h int) {
	if width <= 0 || height <= 0 || !finite(targetAR) || targetAR <= 0 {
		return 0, 0, width, height
	}
	srcAR := float64(width) / float64(height)
	if srcAR > targetAR {
		h = height
		w = int(math.Round(float64(height) * targetAR))
	} else {
		w = width
		h = int(math.Round(float64(width) / targetAR))
	}
	w -= w % 2
	h -= h % 2
	if w < 2 {
		w = 2
	}
	if h < 2 {
		h = 2
	}
	x = (width - w) / 2
	y = (height - h) / 2
	return x, y, w, h
}

// FitRegion shrinks a normalized region of a width x height frame around its
// center until its pixel aspect ratio equals targetAR.
func FitRegion(r domain.Region, width, height int, targetAR float64) domain.Region {
	if width <= 0 || height <= 0 || !finite(targetAR) || targetAR <= 0 || r.W <= 0 || r.H <= 0 {
		return r
	}
	pw := r.W * float64(width)
	ph := r.H * float64(height)
	if pw/ph > targetAR {
		w := ph * targetAR / float64(width)
		r.X += (r.W - w) / 2
		r.W = w
	} else {
		h := pw / targetAR / float64(height)
		r.Y += (r.H - h) / 2
		r.H = h
	}
	return r
}

// RegionAspectRatio is the pixel aspect ratio of a normalized region.
func RegionAspectRatio(r domain.Region, width, height int) (float64, error) {
	if width <= 0 || height <= 0 || r.W <= 0 || r.H <= 0 {
		return 0, fmt.Errorf("invalid region %+v of %dx%d", r, width, height)
	}
	return (r.W * float64(width)) / (r.H * float64(height)), nil
}

func validateRatio(name string, ar float64) error {
	if !finite(ar) || ar <= 0 {
		return domain.Validationf("%s aspect ratio must be positive, got %v", name, ar)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
