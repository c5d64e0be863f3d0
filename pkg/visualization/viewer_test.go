package visualization

import (
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"deepiglu/internal/models"
	"deepiglu/pkg/activitymap"
)

// rampSequence has frame t filled with the value t
func rampSequence(frames, height, width int) *models.Sequence {
	seq := models.NewSequence(frames, height, width)
	for t := 0; t < frames; t++ {
		frame := seq.Frame(t)
		for i := range frame {
			frame[i] = float64(t)
		}
	}
	return seq
}

// TestExtractSlice verifies frame slices are scaled by the sequence range
func TestExtractSlice(t *testing.T) {
	seq := rampSequence(5, 6, 8)
	viewer := NewViewer(seq)

	for frame := 0; frame < seq.Frames; frame++ {
		img, err := viewer.ExtractSlice("t", frame)
		if err != nil {
			t.Fatalf("Failed to extract frame %d: %v", frame, err)
		}
		bounds := img.Bounds()
		if bounds.Dx() != seq.Width || bounds.Dy() != seq.Height {
			t.Errorf("Expected %dx%d image, got %dx%d", seq.Width, seq.Height, bounds.Dx(), bounds.Dy())
		}

		gray := img.(*image.Gray16)
		want := uint16(float64(frame) / 4 * 65535)
		if got := gray.Gray16At(3, 2).Y; got != want {
			t.Errorf("Frame %d: expected gray %d, got %d", frame, want, got)
		}
	}
}

// TestExtractSliceOverTime verifies that row and column slices run along time
func TestExtractSliceOverTime(t *testing.T) {
	seq := rampSequence(5, 6, 8)
	viewer := NewViewer(seq)

	img, err := viewer.ExtractSlice("y", 2)
	if err != nil {
		t.Fatalf("Failed to extract row slice: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 5 {
		t.Errorf("Expected 8x5 row slice, got %dx%d", b.Dx(), b.Dy())
	}

	img, err = viewer.ExtractSlice("x", 7)
	if err != nil {
		t.Fatalf("Failed to extract column slice: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 5 || b.Dy() != 6 {
		t.Errorf("Expected 5x6 column slice, got %dx%d", b.Dx(), b.Dy())
	}
	gray := img.(*image.Gray16)
	if gray.Gray16At(4, 0).Y != 65535 {
		t.Errorf("Last frame should be white, got %d", gray.Gray16At(4, 0).Y)
	}
}

// TestExtractSliceErrors verifies invalid positions and axes are rejected
func TestExtractSliceErrors(t *testing.T) {
	viewer := NewViewer(rampSequence(2, 3, 3))

	cases := []struct {
		axis     string
		position int
	}{
		{"t", 2},
		{"y", 3},
		{"x", -1},
		{"z", 0},
	}
	for _, c := range cases {
		if _, err := viewer.ExtractSlice(c.axis, c.position); err == nil {
			t.Errorf("Expected error for axis %s position %d", c.axis, c.position)
		}
	}
}

// TestConstantSequence verifies a flat recording renders black
func TestConstantSequence(t *testing.T) {
	seq := models.NewSequence(2, 2, 2)
	img, err := NewViewer(seq).ExtractSlice("t", 0)
	if err != nil {
		t.Fatalf("Failed to extract frame: %v", err)
	}
	if img.(*image.Gray16).Gray16At(0, 0).Y != 0 {
		t.Errorf("Expected black image")
	}
}

// TestExtractRegion verifies region bounds are checked against the sequence
func TestExtractRegion(t *testing.T) {
	viewer := NewViewer(rampSequence(5, 6, 8))

	region, err := viewer.ExtractRegion(1, 2, 3, 2, 2, 2)
	if err != nil {
		t.Fatalf("Failed to extract region: %v", err)
	}
	if len(region) != 8 {
		t.Fatalf("Expected 8 values, got %d", len(region))
	}
	if region[0] != 1 || region[7] != 2 {
		t.Errorf("Unexpected region values %v", region)
	}

	_, err = viewer.ExtractRegion(4, 0, 0, 2, 1, 1)
	if !errors.Is(err, models.ErrOutOfRange) {
		t.Errorf("Expected out of range error, got %v", err)
	}
	if _, err := viewer.ExtractRegion(0, 0, 0, 0, 1, 1); err == nil {
		t.Errorf("Expected error for empty region")
	}
}

// TestSaveSliceSequence verifies one JPEG is written per frame
func TestSaveSliceSequence(t *testing.T) {
	dir := t.TempDir()
	viewer := NewViewer(rampSequence(3, 4, 4))

	if err := viewer.SaveSliceSequence("t", dir); err != nil {
		t.Fatalf("Failed to save slices: %v", err)
	}
	files, err := filepath.Glob(filepath.Join(dir, "slice_t_*.jpg"))
	if err != nil {
		t.Fatalf("Glob failed: %v", err)
	}
	if len(files) != 3 {
		t.Errorf("Expected 3 slices, got %d", len(files))
	}

	if err := viewer.SaveSliceSequence("q", dir); err == nil {
		t.Errorf("Expected error for invalid axis")
	}
}

// TestSaveActivityHeatmap verifies a PNG is produced, including for a flat map
func TestSaveActivityHeatmap(t *testing.T) {
	dir := t.TempDir()

	seq := models.NewSequence(3, 8, 8)
	seq.Set(1, 5, 5, 10)
	m, err := activitymap.Build(seq, 4, 1)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	for name, amap := range map[string]*activitymap.Map{
		"peak": m,
		"flat": {Data: make([]float64, 4), Frames: 1, Rows: 2, Cols: 2, KernelSize: 4},
	} {
		path := filepath.Join(dir, name+".png")
		if err := SaveActivityHeatmap(amap, name, path); err != nil {
			t.Fatalf("%s: SaveActivityHeatmap failed: %v", name, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("%s: heatmap not written: %v", name, err)
		}
		if info.Size() == 0 {
			t.Errorf("%s: heatmap is empty", name)
		}
	}

	if err := SaveActivityHeatmap(&activitymap.Map{}, "empty", filepath.Join(dir, "x.png")); err == nil {
		t.Errorf("Expected error for empty map")
	}
}
