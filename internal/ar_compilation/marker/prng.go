package marker

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// lcg is a 64-bit linear congruential generator (Knuth MMIX constants).
type lcg struct {
	state uint64
}

func newLCG(seed uint64) *lcg {
	return &lcg{state: seed}
}

func (g *lcg) next() uint32 {
	g.state = g.state*6364136223846793005 + 1442695040888963407
	return uint32(g.state >> 33)
}

// intn returns a value in [0, n).
func (g *lcg) intn(n int) int {
	if n <= 1 {
		return 0
	}
	return int(g.next() % uint32(n))
}

// between returns a value in [lo, hi].
func (g *lcg) between(lo, hi int) int {
	return lo + g.intn(hi-lo+1)
}

// float returns a value in [0, 1).
func (g *lcg) float() float64 {
	return float64(g.next()) / float64(1<<31)
}

// SeedFromFile derives the border seed from the SHA-256 of the file bytes.
func SeedFromFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open marker photo: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("hash marker photo: %w", err)
	}
	return binary.BigEndian.Uint64(h.Sum(nil)[:8]), nil
}
