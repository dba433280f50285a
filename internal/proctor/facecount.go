package proctor

import (
	"bytes"
	"image"
	"image/jpeg"
)

// FaceCounter is the on-device face presence/multiplicity model used when
// the remote inference service is unreachable.
type FaceCounter interface {
	// CountFaces returns the number of face-like regions in the encoded frame.
	CountFaces(frame []byte) int
}

// SkinRegionCounter is a coarse heuristic FaceCounter: it downsamples the
// frame to a grid, marks skin-toned cells, and counts connected regions of
// plausible face size. It badly underperforms a real detector — that is
// acceptable, it only backs the degraded fallback path.
type SkinRegionCounter struct {
	// GridSize is the sampling grid edge length (default 48).
	GridSize int
	// MinCells is the minimum connected-region size counted as a face
	// (default 9, about 2% of a 48x48 grid).
	MinCells int
}

// NewSkinRegionCounter returns a counter with the default tuning.
func NewSkinRegionCounter() *SkinRegionCounter {
	return &SkinRegionCounter{GridSize: 48, MinCells: 9}
}

// CountFaces implements FaceCounter.
func (c *SkinRegionCounter) CountFaces(frame []byte) int {
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return 0
	}
	return c.countRegions(img)
}

func (c *SkinRegionCounter) countRegions(img image.Image) int {
	grid := c.GridSize
	if grid <= 0 {
		grid = 48
	}
	minCells := c.MinCells
	if minCells <= 0 {
		minCells = 9
	}

	bounds := img.Bounds()
	if bounds.Dx() < grid || bounds.Dy() < grid {
		return 0
	}

	// Downsample: one probe pixel per cell.
	skin := make([]bool, grid*grid)
	cellW := bounds.Dx() / grid
	cellH := bounds.Dy() / grid
	for gy := 0; gy < grid; gy++ {
		for gx := 0; gx < grid; gx++ {
			x := bounds.Min.X + gx*cellW + cellW/2
			y := bounds.Min.Y + gy*cellH + cellH/2
			r, g, b, _ := img.At(x, y).RGBA()
			skin[gy*grid+gx] = isSkinTone(uint8(r>>8), uint8(g>>8), uint8(b>>8))
		}
	}

	// Count connected skin regions of at least minCells (4-neighbor flood).
	visited := make([]bool, grid*grid)
	regions := 0
	var stack []int
	for start := range skin {
		if !skin[start] || visited[start] {
			continue
		}
		size := 0
		stack = append(stack[:0], start)
		visited[start] = true
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			size++
			x := idx % grid
			for _, n := range [4]int{idx - 1, idx + 1, idx - grid, idx + grid} {
				if n < 0 || n >= grid*grid || visited[n] || !skin[n] {
					continue
				}
				// Prevent horizontal wrap-around.
				nx := n % grid
				if (nx == 0 && x == grid-1) || (nx == grid-1 && x == 0) {
					continue
				}
				visited[n] = true
				stack = append(stack, n)
			}
		}
		if size >= minCells {
			regions++
		}
	}
	return regions
}

// isSkinTone is a permissive RGB skin classifier (Peer et al. style rules).
func isSkinTone(r, g, b uint8) bool {
	if r <= 95 || g <= 40 || b <= 20 {
		return false
	}
	max := maxU8(r, maxU8(g, b))
	min := minU8(r, minU8(g, b))
	if max-min <= 15 {
		return false
	}
	return int(r)-int(g) > 15 && r > b
}

func maxU8(a, b uint8) uint8 {
	if a > b {
		return a
	}
	return b
}

func minU8(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}
