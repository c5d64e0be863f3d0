// Package normalization implements per-pixel temporal z-score normalization
// of frame sequences, both over the whole recording and over a trailing
// rolling window.
package normalization

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"deepiglu/internal/models"
)

// Stats holds per-pixel mean and standard deviation for one frame geometry.
// Both slices are row-major with Height*Width entries.
type Stats struct {
	Mean []float64
	Std  []float64

	Height, Width int
}

// NewStats allocates zeroed stats for frames of the given size
func NewStats(height, width int) *Stats {
	return &Stats{
		Mean:   make([]float64, height*width),
		Std:    make([]float64, height*width),
		Height: height,
		Width:  width,
	}
}

func (s *Stats) matches(seq *models.Sequence) error {
	if s.Height != seq.Height || s.Width != seq.Width ||
		len(s.Mean) != seq.FrameSize() || len(s.Std) != seq.FrameSize() {
		return fmt.Errorf("stats shape %dx%d does not match sequence frames %dx%d",
			s.Height, s.Width, seq.Height, seq.Width)
	}
	return nil
}

// WholeSequenceStats computes the arithmetic mean and population standard
// deviation of every pixel across the time axis.
func WholeSequenceStats(seq *models.Sequence) (*Stats, error) {
	if err := seq.Validate(); err != nil {
		return nil, err
	}

	size := seq.FrameSize()
	stats := NewStats(seq.Height, seq.Width)
	column := make([]float64, seq.Frames)
	for p := 0; p < size; p++ {
		for t := 0; t < seq.Frames; t++ {
			column[t] = seq.Data[t*size+p]
		}
		stats.Mean[p], stats.Std[p] = stat.PopMeanStdDev(column, nil)
	}
	return stats, nil
}

// Value z-normalizes a single value. A zero standard deviation maps every
// input to 0.
func Value(x, mean, std float64) float64 {
	if std == 0 {
		return 0
	}
	return (x - mean) / std
}

// NormalizeFrame writes the z-normalized frame into dst
func NormalizeFrame(frame, dst []float64, stats *Stats) {
	for p, x := range frame {
		dst[p] = Value(x, stats.Mean[p], stats.Std[p])
	}
}

// DenormalizeFrame reverses NormalizeFrame into dst
func DenormalizeFrame(frame, dst []float64, stats *Stats) {
	for p, x := range frame {
		dst[p] = x*stats.Std[p] + stats.Mean[p]
	}
}

// Normalize returns a new sequence with (x - mean) / std applied to every
// frame. Pixels with zero standard deviation become 0.
func Normalize(seq *models.Sequence, stats *Stats) (*models.Sequence, error) {
	out := models.NewSequence(seq.Frames, seq.Height, seq.Width)
	if err := transform(seq, out, stats, NormalizeFrame); err != nil {
		return nil, err
	}
	return out, nil
}

// NormalizeInPlace normalizes seq without allocating a second buffer
func NormalizeInPlace(seq *models.Sequence, stats *Stats) error {
	return transform(seq, seq, stats, NormalizeFrame)
}

// Denormalize returns a new sequence with x * std + mean applied to every
// frame.
func Denormalize(seq *models.Sequence, stats *Stats) (*models.Sequence, error) {
	out := models.NewSequence(seq.Frames, seq.Height, seq.Width)
	if err := transform(seq, out, stats, DenormalizeFrame); err != nil {
		return nil, err
	}
	return out, nil
}

// DenormalizeInPlace reverses NormalizeInPlace
func DenormalizeInPlace(seq *models.Sequence, stats *Stats) error {
	return transform(seq, seq, stats, DenormalizeFrame)
}

func transform(src, dst *models.Sequence, stats *Stats, fn func(frame, dst []float64, stats *Stats)) error {
	if err := src.Validate(); err != nil {
		return err
	}
	if err := stats.matches(src); err != nil {
		return err
	}
	for t := 0; t < src.Frames; t++ {
		fn(src.Frame(t), dst.Frame(t), stats)
	}
	return nil
}
