package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"deepiglu/internal/models"
)

// Viewer renders frames and sub-volumes of a recording. Intensities are
// scaled to the full 16-bit range using the sequence minimum and maximum.
type Viewer struct {
	seq *models.Sequence

	low, high float64
}

// NewViewer creates a viewer for seq
func NewViewer(seq *models.Sequence) *Viewer {
	v := &Viewer{seq: seq}
	if len(seq.Data) > 0 {
		v.low = floats.Min(seq.Data)
		v.high = floats.Max(seq.Data)
	}
	return v
}

func (v *Viewer) gray(value float64) color.Gray16 {
	if v.high <= v.low {
		return color.Gray16{}
	}
	scaled := (value - v.low) / (v.high - v.low)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, scaled*65535)))}
}

// ExtractSlice extracts a 2D plane of the sequence. Axis "t" is a frame,
// "y" a row over time and "x" a column over time.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	s := v.seq
	var img *image.Gray16

	switch axis {
	case "t", "T":
		if position >= s.Frames {
			return nil, fmt.Errorf("position %d exceeds frames %d", position, s.Frames)
		}
		img = image.NewGray16(image.Rect(0, 0, s.Width, s.Height))
		for y := 0; y < s.Height; y++ {
			for x := 0; x < s.Width; x++ {
				img.SetGray16(x, y, v.gray(s.At(position, y, x)))
			}
		}

	case "y", "Y":
		// time runs down the image
		if position >= s.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, s.Height)
		}
		img = image.NewGray16(image.Rect(0, 0, s.Width, s.Frames))
		for t := 0; t < s.Frames; t++ {
			for x := 0; x < s.Width; x++ {
				img.SetGray16(x, t, v.gray(s.At(t, position, x)))
			}
		}

	case "x", "X":
		if position >= s.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, s.Width)
		}
		img = image.NewGray16(image.Rect(0, 0, s.Frames, s.Height))
		for y := 0; y < s.Height; y++ {
			for t := 0; t < s.Frames; t++ {
				img.SetGray16(t, y, v.gray(s.At(t, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be t, y, or x)", axis)
	}

	return img, nil
}

// ExtractRegion copies a sub-volume of frames x height x width starting
// at (startT, startY, startX)
func (v *Viewer) ExtractRegion(startT, startY, startX, frames, height, width int) ([]float64, error) {
	if frames <= 0 || height <= 0 || width <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	return v.seq.Crop(startT, frames, startY, startX, height, width)
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "t", "T":
		maxPos = v.seq.Frames
	case "y", "Y":
		maxPos = v.seq.Height
	case "x", "X":
		maxPos = v.seq.Width
	default:
		return fmt.Errorf("invalid axis: %s (must be t, y, or x)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
