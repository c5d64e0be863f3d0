// Package activitymap turns frames into a coarse grid of activity scores.
// Each frame is smoothed with a box filter the size of the expected ROI and
// then partitioned into kernel-sized tiles; a tile's score is the maximum
// smoothed value inside it, so a bright cluster is found wherever it sits
// within the tile.
package activitymap

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"deepiglu/internal/models"
)

// Map holds activity scores with shape Frames x Rows x Cols in row-major
// order. Tile (r, c) covers pixels [r*KernelSize, (r+1)*KernelSize) x
// [c*KernelSize, (c+1)*KernelSize).
type Map struct {
	Data []float64

	Frames, Rows, Cols int

	// KernelSize converts tile coordinates to pixel offsets
	KernelSize int
}

// At returns the score of tile (r, c) in frame t
func (m *Map) At(t, r, c int) float64 {
	return m.Data[(t*m.Rows+r)*m.Cols+c]
}

// Frame returns the scores of frame t, aliasing the map data
func (m *Map) Frame(t int) []float64 {
	size := m.Rows * m.Cols
	return m.Data[t*size : (t+1)*size]
}

// MaxProjection returns the per-tile maximum over all frames
func (m *Map) MaxProjection() []float64 {
	size := m.Rows * m.Cols
	proj := make([]float64, size)
	if m.Frames == 0 {
		return proj
	}
	copy(proj, m.Frame(0))
	for t := 1; t < m.Frames; t++ {
		for i, v := range m.Frame(t) {
			if v > proj[i] {
				proj[i] = v
			}
		}
	}
	return proj
}

// Builder accumulates an activity map one frame at a time. Pixels beyond
// the last full tile on the bottom and right edges are ignored.
type Builder struct {
	height, width int
	kernelSize    int
	roiSize       int

	rows, cols int
	data       []float64
	frames     int
}

// NewBuilder creates a builder for frames of height x width
func NewBuilder(height, width, kernelSize, roiSize int) (*Builder, error) {
	if kernelSize <= 0 {
		return nil, fmt.Errorf("kernel size must be positive, got %d", kernelSize)
	}
	if roiSize <= 0 {
		return nil, fmt.Errorf("roi size must be positive, got %d", roiSize)
	}
	if height < kernelSize || width < kernelSize {
		return nil, fmt.Errorf("frame %dx%d is smaller than kernel size %d", height, width, kernelSize)
	}
	return &Builder{
		height:     height,
		width:      width,
		kernelSize: kernelSize,
		roiSize:    roiSize,
		rows:       height / kernelSize,
		cols:       width / kernelSize,
	}, nil
}

// AddFrame smooths frame and appends its tile maxima to the map
func (b *Builder) AddFrame(frame []float64) error {
	if len(frame) != b.height*b.width {
		return fmt.Errorf("frame has %d pixels, expected %d", len(frame), b.height*b.width)
	}

	smoothed, err := UniformFilter(frame, []int{b.height, b.width}, b.roiSize)
	if err != nil {
		return err
	}

	k := b.kernelSize
	for r := 0; r < b.rows; r++ {
		for c := 0; c < b.cols; c++ {
			best := smoothed[r*k*b.width+c*k]
			for y := r * k; y < (r+1)*k; y++ {
				row := smoothed[y*b.width+c*k : y*b.width+(c+1)*k]
				if m := floats.Max(row); m > best {
					best = m
				}
			}
			b.data = append(b.data, best)
		}
	}
	b.frames++
	return nil
}

// Map returns the scores accumulated so far
func (b *Builder) Map() *Map {
	return &Map{
		Data:       b.data,
		Frames:     b.frames,
		Rows:       b.rows,
		Cols:       b.cols,
		KernelSize: b.kernelSize,
	}
}

// Build computes the activity map of every frame in seq
func Build(seq *models.Sequence, kernelSize, roiSize int) (*Map, error) {
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	builder, err := NewBuilder(seq.Height, seq.Width, kernelSize, roiSize)
	if err != nil {
		return nil, err
	}
	for t := 0; t < seq.Frames; t++ {
		if err := builder.AddFrame(seq.Frame(t)); err != nil {
			return nil, err
		}
	}
	return builder.Map(), nil
}
