package models

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned when a crop window falls outside the sequence.
// Callers building datasets drop such detections and count them.
var ErrOutOfRange = errors.New("crop window out of sequence bounds")

// Sequence represents one recording: Frames 2D frames of Height x Width
// intensity values, stored in row-major order (frame, row, column).
type Sequence struct {
	// Data is the sequence as a 1D array in row-major order
	Data []float64

	// Frames is the number of frames along the time axis
	Frames int

	// Height and Width are the frame dimensions in pixels
	Height, Width int
}

// NewSequence allocates a zeroed sequence of the given shape
func NewSequence(frames, height, width int) *Sequence {
	return &Sequence{
		Data:   make([]float64, frames*height*width),
		Frames: frames,
		Height: height,
		Width:  width,
	}
}

// FrameSize returns the number of pixels in one frame
func (s *Sequence) FrameSize() int {
	return s.Height * s.Width
}

// Frame returns the pixels of frame t. The returned slice aliases the
// sequence data.
func (s *Sequence) Frame(t int) []float64 {
	size := s.FrameSize()
	return s.Data[t*size : (t+1)*size]
}

// At returns the value at frame t, row y, column x
func (s *Sequence) At(t, y, x int) float64 {
	return s.Data[t*s.FrameSize()+y*s.Width+x]
}

// Set stores v at frame t, row y, column x
func (s *Sequence) Set(t, y, x int, v float64) {
	s.Data[t*s.FrameSize()+y*s.Width+x] = v
}

// Validate checks that the shape is positive and matches the data length
func (s *Sequence) Validate() error {
	if s.Frames <= 0 || s.Height <= 0 || s.Width <= 0 {
		return fmt.Errorf("invalid sequence shape %dx%dx%d", s.Frames, s.Height, s.Width)
	}
	if len(s.Data) != s.Frames*s.Height*s.Width {
		return fmt.Errorf("sequence data length %d does not match shape %dx%dx%d",
			len(s.Data), s.Frames, s.Height, s.Width)
	}
	return nil
}

// Clone returns a deep copy of the sequence
func (s *Sequence) Clone() *Sequence {
	data := make([]float64, len(s.Data))
	copy(data, s.Data)
	return &Sequence{Data: data, Frames: s.Frames, Height: s.Height, Width: s.Width}
}

// Crop copies the sub-volume spanning frames [startT, startT+frames),
// rows [y, y+height) and columns [x, x+width). Windows that do not fit
// entirely inside the sequence return ErrOutOfRange; they are never clipped.
func (s *Sequence) Crop(startT, frames, y, x, height, width int) ([]float64, error) {
	if frames <= 0 || height <= 0 || width <= 0 {
		return nil, fmt.Errorf("crop dimensions must be positive, got %dx%dx%d", frames, height, width)
	}
	if startT < 0 || y < 0 || x < 0 ||
		startT+frames > s.Frames || y+height > s.Height || x+width > s.Width {
		return nil, ErrOutOfRange
	}

	region := make([]float64, frames*height*width)
	frameSize := s.FrameSize()
	for t := 0; t < frames; t++ {
		for row := 0; row < height; row++ {
			src := (startT+t)*frameSize + (y+row)*s.Width + x
			dst := t*height*width + row*width
			copy(region[dst:dst+width], s.Data[src:src+width])
		}
	}
	return region, nil
}

// Detection identifies the top-left corner of an activity tile in one frame.
// Y and X are pixel offsets and are always multiples of the kernel size.
type Detection struct {
	Frame int
	Y     int
	X     int
}

func (d Detection) String() string {
	return fmt.Sprintf("(%d,%d,%d)", d.Frame, d.Y, d.X)
}

// ExampleRecord is one row of the metadata table that accompanies a
// persisted dataset.
type ExampleRecord struct {
	// Key is the dense integer index of the example in the store
	Key int

	// Source is the path of the recording the crop was taken from
	Source string

	// TargetFrame is the centre frame of the crop
	TargetFrame int

	// Y and X are the pixel offsets of the crop's top-left corner
	Y, X int
}

// TrainExample is a spatio-temporal crop of a normalized sequence together
// with its metadata. Data is row-major with shape Frames x Height x Width.
type TrainExample struct {
	ExampleRecord

	Frames, Height, Width int

	Data []float64
}

// Shape returns the crop dimensions as (frames, height, width)
func (e *TrainExample) Shape() []int {
	return []int{e.Frames, e.Height, e.Width}
}

// ExtractExample cuts the crop for detection d from a normalized sequence.
// The crop spans frames [d.Frame-nPre, d.Frame+nPost] and a cropSize x
// cropSize window at (d.Y, d.X).
func ExtractExample(seq *Sequence, source string, d Detection, nPre, nPost, cropSize int) (*TrainExample, error) {
	frames := nPre + nPost + 1
	data, err := seq.Crop(d.Frame-nPre, frames, d.Y, d.X, cropSize, cropSize)
	if err != nil {
		return nil, err
	}
	return &TrainExample{
		ExampleRecord: ExampleRecord{
			Key:         -1,
			Source:      source,
			TargetFrame: d.Frame,
			Y:           d.Y,
			X:           d.X,
		},
		Frames: frames,
		Height: cropSize,
		Width:  cropSize,
		Data:   data,
	}, nil
}

// DenoisedSequence is a sequence requantized to unsigned fixed point
type DenoisedSequence struct {
	Data []uint16

	Frames, Height, Width int

	// BitDepth is the number of significant bits per value (8 or 16)
	BitDepth int
}
