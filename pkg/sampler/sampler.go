// Package sampler selects training example positions from an activity map.
// Tiles above a z-score threshold become foreground detections, expanded
// to neighbouring frames; tiles at or below it form a shuffled background
// pool from which a budget set by the foreground/background split is drawn.
package sampler

import (
	"math"
	"math/rand/v2"

	"deepiglu/internal/models"
	"deepiglu/pkg/activitymap"
)

// Options controls detection and stratification
type Options struct {
	// MinZScore is the threshold; scores strictly above it are foreground
	MinZScore float64

	// Before and After add detections at frame-k and frame+k for every
	// foreground tile. Frames may fall outside the sequence; crop
	// extraction drops those later.
	Before int
	After  int

	// FgBgSplit is the target foreground share of the result. Values <= 0
	// select no background; values >= 1 select none either.
	FgBgSplit float64
}

// Result separates the two strata. Detections returns them concatenated.
type Result struct {
	Foreground []models.Detection
	Background []models.Detection

	// Candidates is the size of the background pool before the budget
	Candidates int
}

// Detections returns foreground followed by background detections
func (r *Result) Detections() []models.Detection {
	out := make([]models.Detection, 0, len(r.Foreground)+len(r.Background))
	out = append(out, r.Foreground...)
	return append(out, r.Background...)
}

// BackgroundBudget returns how many background samples accompany
// foreground samples for the given split: floor((1/split - 1) * foreground).
func BackgroundBudget(foreground int, split float64) int {
	if split <= 0 || split >= 1 || foreground == 0 {
		return 0
	}
	budget := (1/split - 1) * float64(foreground)
	// Absorb round-off such as (1/0.1 - 1) * 10 = 89.99999999999999
	return int(math.Floor(budget + 1e-9))
}

// Sample scans m in frame, row, column order and returns the stratified
// detections. rng drives the background shuffle; a seeded generator makes
// the result reproducible.
func Sample(m *activitymap.Map, opts Options, rng *rand.Rand) *Result {
	k := m.KernelSize
	seen := make(map[models.Detection]struct{})
	result := &Result{}

	add := func(d models.Detection) {
		if _, ok := seen[d]; ok {
			return
		}
		seen[d] = struct{}{}
		result.Foreground = append(result.Foreground, d)
	}

	var background []models.Detection
	for t := 0; t < m.Frames; t++ {
		for r := 0; r < m.Rows; r++ {
			for c := 0; c < m.Cols; c++ {
				d := models.Detection{Frame: t, Y: r * k, X: c * k}
				if m.At(t, r, c) <= opts.MinZScore {
					background = append(background, d)
					continue
				}
				add(d)
				for i := 1; i <= opts.Before; i++ {
					add(models.Detection{Frame: t - i, Y: d.Y, X: d.X})
				}
				for i := 1; i <= opts.After; i++ {
					add(models.Detection{Frame: t + i, Y: d.Y, X: d.X})
				}
			}
		}
	}

	// A quiet tile next to an active frame may already be a positive
	pool := background[:0]
	for _, d := range background {
		if _, ok := seen[d]; !ok {
			pool = append(pool, d)
		}
	}
	result.Candidates = len(pool)

	budget := BackgroundBudget(len(result.Foreground), opts.FgBgSplit)
	if budget > len(pool) {
		budget = len(pool)
	}
	if budget > 0 {
		rng.Shuffle(len(pool), func(i, j int) {
			pool[i], pool[j] = pool[j], pool[i]
		})
		result.Background = append([]models.Detection(nil), pool[:budget]...)
	}
	return result
}
