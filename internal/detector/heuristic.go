package detector

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"challan-service/internal/domain/challan"
)

// HeuristicDetector is the classical-vision fallback used when no
// inference service is reachable. It looks for edge-dense regions of
// vehicle-like size and reports them as low-confidence helmet
// candidates, capped at two per frame. Crude on purpose: it keeps the
// pipeline alive, and every detection carries the heuristic backend tag
// so provenance is auditable.
type HeuristicDetector struct {
	threshold float64
}

const (
	heuristicConfidence  = 0.65
	heuristicMaxPerFrame = 2

	// Candidate regions must have a pixel area in this band to be
	// considered vehicle-sized.
	minRegionArea = 2000
	maxRegionArea = 50000

	cellSize      = 16
	edgeCellLimit = 24 // mean gradient above which a cell counts as edge-dense
)

func NewHeuristicDetector(threshold float64) *HeuristicDetector {
	return &HeuristicDetector{threshold: threshold}
}

func (d *HeuristicDetector) Backend() string { return BackendHeuristic }

func (d *HeuristicDetector) Detect(_ context.Context, frame *challan.Frame) ([]challan.Detection, error) {
	if len(frame.Image) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrDetection)
	}
	img, _, err := image.Decode(bytes.NewReader(frame.Image))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", ErrDetection, err)
	}

	regions := edgeRegions(img)

	var dets []challan.Detection
	for _, r := range regions {
		if r.Area() < minRegionArea || r.Area() > maxRegionArea {
			continue
		}
		dets = append(dets, challan.Detection{
			Type:       challan.ViolationNoHelmet,
			Region:     r,
			Confidence: heuristicConfidence,
			Backend:    BackendHeuristic,
		})
		if len(dets) >= heuristicMaxPerFrame {
			break
		}
	}
	return filterByThreshold(dets, d.threshold), nil
}

// edgeRegions rasterizes the image into cells, marks cells with high
// mean gradient magnitude, and merges adjacent marked cells into
// bounding regions.
func edgeRegions(img image.Image) []challan.Region {
	b := img.Bounds()
	cols := (b.Dx() + cellSize - 1) / cellSize
	rows := (b.Dy() + cellSize - 1) / cellSize
	if cols == 0 || rows == 0 {
		return nil
	}

	gray := make([][]uint8, b.Dy())
	for y := range gray {
		gray[y] = make([]uint8, b.Dx())
		for x := range gray[y] {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			gray[y][x] = uint8((299*r + 587*g + 114*bl) / 1000 >> 8)
		}
	}

	marked := make([]bool, cols*rows)
	for cy := 0; cy < rows; cy++ {
		for cx := 0; cx < cols; cx++ {
			var sum, n int
			for y := cy * cellSize; y < (cy+1)*cellSize && y < b.Dy()-1; y++ {
				for x := cx * cellSize; x < (cx+1)*cellSize && x < b.Dx()-1; x++ {
					gx := int(gray[y][x+1]) - int(gray[y][x])
					gy := int(gray[y+1][x]) - int(gray[y][x])
					sum += abs(gx) + abs(gy)
					n++
				}
			}
			if n > 0 && sum/n > edgeCellLimit {
				marked[cy*cols+cx] = true
			}
		}
	}

	// Merge 4-connected marked cells into regions via flood fill.
	seen := make([]bool, cols*rows)
	var regions []challan.Region
	for i := range marked {
		if !marked[i] || seen[i] {
			continue
		}
		minX, minY, maxX, maxY := cols, rows, -1, -1
		stack := []int{i}
		seen[i] = true
		for len(stack) > 0 {
			c := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			cx, cy := c%cols, c/cols
			minX, minY = min(minX, cx), min(minY, cy)
			maxX, maxY = max(maxX, cx), max(maxY, cy)
			for _, nb := range [4][2]int{{cx - 1, cy}, {cx + 1, cy}, {cx, cy - 1}, {cx, cy + 1}} {
				nx, ny := nb[0], nb[1]
				if nx < 0 || ny < 0 || nx >= cols || ny >= rows {
					continue
				}
				j := ny*cols + nx
				if marked[j] && !seen[j] {
					seen[j] = true
					stack = append(stack, j)
				}
			}
		}
		regions = append(regions, challan.Region{
			X1: minX * cellSize,
			Y1: minY * cellSize,
			X2: (maxX + 1) * cellSize,
			Y2: (maxY + 1) * cellSize,
		})
	}
	return regions
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
