package inference

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"deepiglu/internal/logging"
	"deepiglu/internal/models"
	"deepiglu/pkg/seqio"
)

func writeSequence(t *testing.T, path string, seq *models.Sequence) {
	t.Helper()
	if err := (seqio.NPY{}).WriteSequence(seq, path); err != nil {
		t.Fatalf("WriteSequence failed: %v", err)
	}
}

// integerSequence has distinct integer values in every frame and pixel
func integerSequence(frames, height, width int) *models.Sequence {
	seq := models.NewSequence(frames, height, width)
	for i := range seq.Data {
		seq.Data[i] = float64((i*37)%1000 + 10)
	}
	return seq
}

func newEngine(t *testing.T, model Model, batch int) *Engine {
	t.Helper()
	engine, err := NewEngine(model, seqio.NewMulti(), Options{BatchSize: batch, BitDepth: 16})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func TestDenoiseAllZeroSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zeros.npy")
	writeSequence(t, path, models.NewSequence(10, 32, 32))

	engine := newEngine(t, IdentityModel{}, 4)
	out, err := engine.DenoiseFile(context.Background(), path)
	if err != nil {
		t.Fatalf("DenoiseFile failed: %v", err)
	}
	if out.Frames != 10 || out.Height != 32 || out.Width != 32 || out.BitDepth != 16 {
		t.Fatalf("Unexpected output shape %dx%dx%d", out.Frames, out.Height, out.Width)
	}
	for i, v := range out.Data {
		if v != 0 {
			t.Fatalf("Value %d: expected 0, got %d", i, v)
		}
	}
	if engine.State() != StateQuantized {
		t.Errorf("Expected state quantized, got %s", engine.State())
	}
}

func TestIdentityPreservesFrameOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.npy")
	seq := integerSequence(10, 6, 5)
	writeSequence(t, path, seq)

	var sizes []int
	model := FuncModel(func(ctx context.Context, in *Batch) (*Batch, error) {
		sizes = append(sizes, in.N)
		return IdentityModel{}.Predict(ctx, in)
	})

	out, err := newEngine(t, model, 3).DenoiseFile(context.Background(), path)
	if err != nil {
		t.Fatalf("DenoiseFile failed: %v", err)
	}
	if diff := cmp.Diff([]int{3, 3, 3, 1}, sizes); diff != "" {
		t.Errorf("Batch sizes mismatch (-want +got):\n%s", diff)
	}
	for i, v := range seq.Data {
		if out.Data[i] != uint16(v) {
			t.Fatalf("Value %d: expected %v, got %d", i, v, out.Data[i])
		}
	}
}

func TestConstantModelOutputIsTheMean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.npy")
	seq := integerSequence(4, 3, 3)
	writeSequence(t, path, seq)

	// predicting z=0 everywhere must reproduce the per-pixel mean
	model := FuncModel(func(_ context.Context, in *Batch) (*Batch, error) {
		return NewBatch(in.N, in.H, in.W), nil
	})
	out, err := newEngine(t, model, 2).DenoiseFile(context.Background(), path)
	if err != nil {
		t.Fatalf("DenoiseFile failed: %v", err)
	}
	for p := 0; p < 9; p++ {
		var mean float64
		for f := 0; f < 4; f++ {
			mean += seq.Data[f*9+p]
		}
		want := uint16(math.Round(mean / 4))
		for f := 0; f < 4; f++ {
			if got := out.Data[f*9+p]; got != want {
				t.Fatalf("Pixel %d frame %d: expected mean %d, got %d", p, f, want, got)
			}
		}
	}
}

func TestShapeMismatchFailsEngine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.npy")
	writeSequence(t, path, integerSequence(4, 3, 3))

	model := FuncModel(func(_ context.Context, in *Batch) (*Batch, error) {
		return NewBatch(in.N, in.H+1, in.W), nil
	})
	engine := newEngine(t, model, 2)
	if _, err := engine.DenoiseFile(context.Background(), path); err == nil {
		t.Fatalf("Expected shape error")
	}
	if engine.State() != StateFailed {
		t.Fatalf("Expected failed state, got %s", engine.State())
	}

	// only Reset leaves the failed state
	_, err := engine.DenoiseFile(context.Background(), path)
	var perr *PreconditionError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected PreconditionError, got %v", err)
	}
	engine.Reset()
	engine.model = IdentityModel{}
	if _, err := engine.DenoiseFile(context.Background(), path); err != nil {
		t.Fatalf("DenoiseFile after Reset failed: %v", err)
	}
}

func TestWriteBeforeDenoise(t *testing.T) {
	engine := newEngine(t, IdentityModel{}, 1)
	out := filepath.Join(t.TempDir(), "out.npy")

	err := engine.WriteDenoised(out)
	var perr *PreconditionError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected PreconditionError, got %v", err)
	}
	if perr.Op != "write" || perr.State != StateIdle {
		t.Errorf("Unexpected precondition %+v", perr)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("No file should be written")
	}
}

func TestWriteTwice(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "rec.npy")
	writeSequence(t, in, integerSequence(3, 4, 4))

	var logs bytes.Buffer
	engine := newEngine(t, IdentityModel{}, 2)
	engine.log = logging.NewLogger(&logs).WithField("component", "inference")
	if _, err := engine.DenoiseFile(context.Background(), in); err != nil {
		t.Fatalf("DenoiseFile failed: %v", err)
	}
	out := filepath.Join(dir, "out.npy")
	if err := engine.WriteDenoised(out); err != nil {
		t.Fatalf("WriteDenoised failed: %v", err)
	}
	for _, want := range []string{"Denoising " + in + " in 2 batch(es) on identity", "Wrote " + out} {
		if !strings.Contains(logs.String(), want) {
			t.Errorf("Expected log line %q in:\n%s", want, logs.String())
		}
	}
	if engine.State() != StateWritten {
		t.Errorf("Expected written state, got %s", engine.State())
	}
	var perr *PreconditionError
	if err := engine.WriteDenoised(filepath.Join(dir, "again.npy")); !errors.As(err, &perr) {
		t.Errorf("Expected PreconditionError on second write, got %v", err)
	}
}

func TestSingleFileDecodeErrorIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.npy")
	if err := os.WriteFile(path, []byte("junk"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	_, err := newEngine(t, IdentityModel{}, 1).DenoiseFile(context.Background(), path)
	var derr *seqio.DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("Expected DecodeError, got %v", err)
	}
}

func TestQuantize(t *testing.T) {
	values := []float64{-5, 0.4, 0.5, 1.5, 2.5, 65534.6, 70000, math.NaN(), math.Inf(1)}
	want := []uint16{0, 0, 1, 2, 3, 65535, 65535, 0, 65535}
	if diff := cmp.Diff(want, Quantize(values, 16)); diff != "" {
		t.Errorf("16-bit mismatch (-want +got):\n%s", diff)
	}

	want8 := []uint16{0, 0, 1, 2, 3, 255, 255, 0, 255}
	if diff := cmp.Diff(want8, Quantize(values, 8)); diff != "" {
		t.Errorf("8-bit mismatch (-want +got):\n%s", diff)
	}
}

func TestDenoiseDirectory(t *testing.T) {
	dir := t.TempDir()
	inDir := filepath.Join(dir, "in")
	outDir := filepath.Join(dir, "out")
	if err := os.MkdirAll(inDir, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	a := integerSequence(3, 4, 4)
	writeSequence(t, filepath.Join(inDir, "a.npy"), a)
	writeSequence(t, filepath.Join(inDir, "c.npy"), integerSequence(5, 2, 2))
	os.WriteFile(filepath.Join(inDir, "b.npy"), []byte("junk"), 0644)
	os.WriteFile(filepath.Join(inDir, "notes.txt"), []byte("skip me"), 0644)

	engine := newEngine(t, IdentityModel{}, 2)
	res, err := engine.DenoiseDirectory(context.Background(), inDir, outDir, []string{".npy"})
	if err != nil {
		t.Fatalf("DenoiseDirectory failed: %v", err)
	}

	wantWritten := []string{filepath.Join(outDir, "a.npy"), filepath.Join(outDir, "c.npy")}
	if diff := cmp.Diff(wantWritten, res.Written); diff != "" {
		t.Errorf("Written mismatch (-want +got):\n%s", diff)
	}
	if len(res.Failures) != 1 || res.Failures[0].Path != filepath.Join(inDir, "b.npy") {
		t.Fatalf("Expected b.npy to be reported, got %v", res.Failures)
	}

	back, err := (seqio.NPY{}).Open(filepath.Join(outDir, "a.npy"))
	if err != nil {
		t.Fatalf("Open output failed: %v", err)
	}
	if diff := cmp.Diff(a.Data, back.Data); diff != "" {
		t.Errorf("Denoised a.npy mismatch (-want +got):\n%s", diff)
	}
}

func TestDenoiseDirectoryRefusesInPlace(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "a.npy")
	writeSequence(t, in, integerSequence(3, 4, 4))
	before, _ := os.ReadFile(in)

	engine := newEngine(t, IdentityModel{}, 2)
	for _, out := range []string{dir, filepath.Join(dir, ".")} {
		if _, err := engine.DenoiseDirectory(context.Background(), dir, out, []string{".npy"}); err == nil {
			t.Errorf("Expected an error for output %s", out)
		}
	}
	after, _ := os.ReadFile(in)
	if !bytes.Equal(before, after) {
		t.Errorf("Input recording was modified")
	}
}

func TestNewEngineValidation(t *testing.T) {
	if _, err := NewEngine(IdentityModel{}, seqio.NewMulti(), Options{BatchSize: 0, BitDepth: 16}); err == nil {
		t.Errorf("Expected batch size error")
	}
	if _, err := NewEngine(IdentityModel{}, seqio.NewMulti(), Options{BatchSize: 1, BitDepth: 12}); err == nil {
		t.Errorf("Expected bit depth error")
	}
}
