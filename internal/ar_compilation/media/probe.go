package media

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
	"github.com/arlens/ar-backend/internal/ar_compilation/geometry"
)

// Metadata describes a probed photo or video.
type Metadata struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	DurationMs  *int64  `json:"durationMs,omitempty"`
	AspectRatio float64 `json:"aspectRatio"`
}

// Prober reads dimensions from image headers and falls back to ffprobe for
// everything else.
type Prober struct {
	runner      CommandRunner
	ffprobePath string
	timeout     time.Duration
}

func NewProber(runner CommandRunner, ffprobePath string) *Prober {
	if runner == nil {
		runner = ExecRunner{}
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{runner: runner, ffprobePath: ffprobePath, timeout: 20 * time.Second}
}

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true}

// Probe fails with ErrUnreadableMedia when dimensions cannot be determined.
func (p *Prober) Probe(ctx context.Context, path string) (Metadata, error) {
	if imageExts[strings.ToLower(filepath.Ext(path))] {
		if md, err := probeImage(path); err == nil {
			return md, nil
		}
	}
	md, err := p.probeVideo(ctx, path)
	if err != nil {
		return Metadata{}, domain.NewError(domain.ErrUnreadableMedia, "probe "+filepath.Base(path), err)
	}
	return md, nil
}

func probeImage(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return Metadata{}, fmt.Errorf("decode image header: %w", err)
	}
	return newMetadata(cfg.Width, cfg.Height, nil)
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
		Tags      struct {
			Rotate string `json:"rotate"`
		} `json:"tags"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (p *Prober) probeVideo(ctx context.Context, path string) (Metadata, error) {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.runner.Run(pctx, p.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	)
	if err != nil {
		return Metadata{}, err
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return Metadata{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	for _, s := range parsed.Streams {
		if s.CodecType != "" && s.CodecType != "video" {
			continue
		}
		if s.Width == 0 || s.Height == 0 {
			continue
		}
		w, h := s.Width, s.Height
		// Phone footage stores portrait video as landscape plus a rotate tag.
		if s.Tags.Rotate == "90" || s.Tags.Rotate == "270" || s.Tags.Rotate == "-90" {
			w, h = h, w
		}
		dur := parseDurationMs(s.Duration)
		if dur == nil {
			dur = parseDurationMs(parsed.Format.Duration)
		}
		return newMetadata(w, h, dur)
	}
	return Metadata{}, fmt.Errorf("no video stream with dimensions")
}

func newMetadata(w, h int, durationMs *int64) (Metadata, error) {
	ar, err := geometry.AspectRatio(w, h)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{Width: w, Height: h, DurationMs: durationMs, AspectRatio: ar}, nil
}

func parseDurationMs(s string) *int64 {
	if s == "" {
		return nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs < 0 || math.IsInf(secs, 0) {
		return nil
	}
	ms := int64(math.Round(secs * 1000))
	return &ms
}
