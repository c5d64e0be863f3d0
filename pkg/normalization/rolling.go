package normalization

import (
	"fmt"
	"math"

	"deepiglu/internal/models"
)

// zeroVarianceTolerance treats variances this small relative to the squared
// mean as zero. Running sums leave round-off residue on constant pixels that
// scales with mean², so the bound has no absolute part and small-unit
// recordings keep their variance.
const zeroVarianceTolerance = 1e-12

// Rolling computes trailing-window statistics one frame at a time. The
// window for frame i covers frames [max(0, i-window+1), i], so it shrinks
// near the start of a sequence. Only the last window raw frames are held.
type Rolling struct {
	window int
	size   int

	ring  [][]float64
	next  int
	count int

	sum   []float64
	sumSq []float64

	stats *Stats
}

// NewRolling creates a streaming normalizer for frames of height x width
func NewRolling(window, height, width int) (*Rolling, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", window)
	}
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", height, width)
	}

	size := height * width
	ring := make([][]float64, window)
	for i := range ring {
		ring[i] = make([]float64, size)
	}
	return &Rolling{
		window: window,
		size:   size,
		ring:   ring,
		sum:    make([]float64, size),
		sumSq:  make([]float64, size),
		stats:  NewStats(height, width),
	}, nil
}

// Push adds the next raw frame and returns the statistics of the window
// ending at it. The returned stats are reused by the next call.
func (r *Rolling) Push(frame []float64) (*Stats, error) {
	if len(frame) != r.size {
		return nil, fmt.Errorf("frame has %d pixels, expected %d", len(frame), r.size)
	}

	slot := r.ring[r.next]
	if r.count == r.window {
		for p, x := range slot {
			r.sum[p] -= x
			r.sumSq[p] -= x * x
		}
	} else {
		r.count++
	}
	copy(slot, frame)
	for p, x := range slot {
		r.sum[p] += x
		r.sumSq[p] += x * x
	}

	r.next = (r.next + 1) % r.window
	if r.next == 0 {
		// Once per window, resum from the ring to stop round-off drift
		r.resum()
	}

	n := float64(r.count)
	for p := 0; p < r.size; p++ {
		mean := r.sum[p] / n
		variance := r.sumSq[p]/n - mean*mean
		if variance <= zeroVarianceTolerance*mean*mean {
			variance = 0
		}
		r.stats.Mean[p] = mean
		r.stats.Std[p] = math.Sqrt(variance)
	}
	return r.stats, nil
}

// Normalize pushes frame and writes its rolling-normalized values into dst.
// dst may alias frame.
func (r *Rolling) Normalize(frame, dst []float64) error {
	stats, err := r.Push(frame)
	if err != nil {
		return err
	}
	NormalizeFrame(frame, dst, stats)
	return nil
}

func (r *Rolling) resum() {
	for p := range r.sum {
		r.sum[p] = 0
		r.sumSq[p] = 0
	}
	for i := 0; i < r.count; i++ {
		for p, x := range r.ring[i] {
			r.sum[p] += x
			r.sumSq[p] += x * x
		}
	}
}

// RollingStats returns the trailing-window statistics for every frame.
// This materializes 2*T*H*W values; prefer RollingNormalize or a Rolling
// for large recordings.
func RollingStats(seq *models.Sequence, window int) ([]*Stats, error) {
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	rolling, err := NewRolling(window, seq.Height, seq.Width)
	if err != nil {
		return nil, err
	}

	result := make([]*Stats, seq.Frames)
	for t := 0; t < seq.Frames; t++ {
		stats, err := rolling.Push(seq.Frame(t))
		if err != nil {
			return nil, err
		}
		frameStats := NewStats(seq.Height, seq.Width)
		copy(frameStats.Mean, stats.Mean)
		copy(frameStats.Std, stats.Std)
		result[t] = frameStats
	}
	return result, nil
}

// RollingNormalize returns a new sequence where every frame is normalized
// with the statistics of its trailing window
func RollingNormalize(seq *models.Sequence, window int) (*models.Sequence, error) {
	out := models.NewSequence(seq.Frames, seq.Height, seq.Width)
	err := StreamRolling(seq, window, func(t int, frame []float64) error {
		copy(out.Frame(t), frame)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StreamRolling normalizes seq frame by frame and hands each normalized
// frame to fn. The frame buffer is reused between calls, so peak memory is
// the window ring plus one frame regardless of sequence length.
func StreamRolling(seq *models.Sequence, window int, fn func(t int, frame []float64) error) error {
	if err := seq.Validate(); err != nil {
		return err
	}
	rolling, err := NewRolling(window, seq.Height, seq.Width)
	if err != nil {
		return err
	}

	buf := make([]float64, seq.FrameSize())
	for t := 0; t < seq.Frames; t++ {
		if err := rolling.Normalize(seq.Frame(t), buf); err != nil {
			return err
		}
		if err := fn(t, buf); err != nil {
			return err
		}
	}
	return nil
}
