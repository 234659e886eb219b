package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
)

// DefaultTranscodeTimeout bounds every ffmpeg invocation.
const DefaultTranscodeTimeout = 60 * time.Second

// RegionProcessor crops videos with ffmpeg.
type RegionProcessor struct {
	runner     CommandRunner
	ffmpegPath string
	timeout    time.Duration
}

func NewRegionProcessor(runner CommandRunner, ffmpegPath string, timeout time.Duration) *RegionProcessor {
	if runner == nil {
		runner = ExecRunner{}
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = DefaultTranscodeTimeout
	}
	return &RegionProcessor{runner: runner, ffmpegPath: ffmpegPath, timeout: timeout}
}

// CropToAspectRatio center-crops the video so that its aspect ratio equals
// targetAR.
func (r *RegionProcessor) CropToAspectRatio(ctx context.Context, inPath, outPath string, targetAR float64) error {
	if targetAR <= 0 {
		return domain.Validationf("target aspect ratio must be positive, got %v", targetAR)
	}
	ar := strconv.FormatFloat(targetAR, 'f', 6, 64)
	// Keep the full height when the source is wider than the target,
	// otherwise keep the full width. Dimensions are rounded down to even.
	filter := fmt.Sprintf(
		"crop='trunc(if(gt(iw/ih,%[1]s),ih*%[1]s,iw)/2)*2':'trunc(if(gt(iw/ih,%[1]s),ih,iw/%[1]s)/2)*2'",
		ar,
	)
	return r.transcode(ctx, "crop_to_aspect", inPath, outPath, filter)
}

// CropByNormalizedRegion crops an explicit region given in [0,1] units.
func (r *RegionProcessor) CropByNormalizedRegion(ctx context.Context, inPath, outPath string, region domain.Region) error {
	if err := region.Validate(); err != nil {
		return err
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }
	filter := fmt.Sprintf(
		"crop='trunc(iw*%s/2)*2':'trunc(ih*%s/2)*2':'iw*%s':'ih*%s'",
		f(region.W), f(region.H), f(region.X), f(region.Y),
	)
	return r.transcode(ctx, "crop_region", inPath, outPath, filter)
}

func (r *RegionProcessor) transcode(ctx context.Context, op, inPath, outPath, filter string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("%s: create output dir: %w", op, err)
	}

	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.runner.Run(tctx, r.ffmpegPath,
		"-y",
		"-v", "error",
		"-i", inPath,
		"-vf", filter,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-c:a", "copy",
		"-movflags", "+faststart",
		outPath,
	)
	if err == nil {
		return nil
	}
	_ = os.Remove(outPath)
	if errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return domain.NewError(domain.ErrTranscodingTimeout, op, fmt.Errorf("ffmpeg exceeded %s", r.timeout))
	}
	return fmt.Errorf("%s: %w", op, err)
}
