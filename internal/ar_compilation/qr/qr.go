package qr

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	qrcode "github.com/skip2/go-qrcode"
)

const DefaultSize = 512

// Generator writes QR code PNGs.
type Generator struct {
	size  int
	level qrcode.RecoveryLevel
}

func NewGenerator(size int) *Generator {
	if size <= 0 {
		size = DefaultSize
	}
	return &Generator{size: size, level: qrcode.Medium}
}

// Encode renders url as a PNG at outPath and returns outPath.
func (g *Generator) Encode(url, outPath string) (string, error) {
	if url == "" {
		return "", errors.New("qr: empty url")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("qr: create dir: %w", err)
	}
	if err := qrcode.WriteFile(url, g.level, g.size, outPath); err != nil {
		return "", fmt.Errorf("qr: encode: %w", err)
	}
	return outPath, nil
}
