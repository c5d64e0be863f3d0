package dataset

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepiglu/internal/models"
	"deepiglu/pkg/seqio"
	"deepiglu/pkg/store"
)

// patchSequence is a flat recording with a bright 4x4 patch at (y, x) in
// one frame
func patchSequence(frames, size, patchFrame, y, x int) *models.Sequence {
	seq := models.NewSequence(frames, size, size)
	for i := range seq.Data {
		seq.Data[i] = 100
	}
	for dy := 0; dy < 4; dy++ {
		for dx := 0; dx < 4; dx++ {
			seq.Set(patchFrame, y+dy, x+dx, 300)
		}
	}
	return seq
}

func writeRecording(t *testing.T, dir, name string, seq *models.Sequence) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, seqio.NPY{}.WriteSequence(seq, path))
	return path
}

func testParams(dir string) *Params {
	out := filepath.Join(dir, "out")
	os.MkdirAll(out, 0755)
	return &Params{
		Directory:    filepath.Join(dir, "in"),
		FileEndings:  []string{".npy"},
		CropSize:     32,
		RoiSize:      4,
		MinZScore:    2,
		WindowSize:   50,
		NPre:         2,
		NPost:        2,
		FgBgSplit:    0.5,
		StorePath:    filepath.Join(out, "train.db"),
		MetadataPath: filepath.Join(out, "train.csv"),
		Store:        store.Options{Compression: store.CompressionZstd, Precision: store.PrecisionFloat64},
		Overwrite:    true,
		Workers:      2,
		Seed:         7,
	}
}

func readStore(t *testing.T, p *Params) []*models.TrainExample {
	t.Helper()
	st, err := store.Open(context.Background(), p.StorePath, store.ModeAppend, p.Store)
	require.NoError(t, err)
	defer st.Close()

	var examples []*models.TrainExample
	require.NoError(t, st.Each(context.Background(), func(ex *models.TrainExample) error {
		examples = append(examples, ex)
		return nil
	}))
	return examples
}

func TestBuildFindsInjectedPatch(t *testing.T) {
	dir := t.TempDir()
	writeRecording(t, dir, "in/rec.npy", patchSequence(100, 64, 50, 32, 32))

	p := testParams(dir)
	res, err := NewBuilder(p, seqio.NewMulti()).Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Files)
	assert.Equal(t, 1, res.Foreground)
	assert.Equal(t, 1, res.Background)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 2, res.Written+res.Skipped)

	examples := readStore(t, p)
	require.Len(t, examples, res.Written)
	first := examples[0]
	assert.Equal(t, models.ExampleRecord{Key: 0, Source: filepath.Join(p.Directory, "rec.npy"), TargetFrame: 50, Y: 32, X: 32},
		first.ExampleRecord)
	assert.Equal(t, []int{5, 32, 32}, first.Shape())

	// centre frame of the crop holds the whole-sequence z-score of the patch
	center := first.Data[2*32*32]
	assert.InDelta(t, 9.9499, center, 1e-3)
	assert.Zero(t, first.Data[2*32*32+10*32+10])

	records, err := store.LoadMetadata(p.MetadataPath)
	require.NoError(t, err)
	assert.Len(t, records, res.Written)
}

func TestMemoryOptimizedMatches(t *testing.T) {
	dir := t.TempDir()
	writeRecording(t, dir, "in/a.npy", patchSequence(60, 64, 30, 4, 40))
	writeRecording(t, dir, "in/b.npy", patchSequence(60, 64, 20, 36, 8))

	p := testParams(dir)
	p.ExpandBefore, p.ExpandAfter = 2, 2
	_, err := NewBuilder(p, seqio.NewMulti()).Build(context.Background())
	require.NoError(t, err)
	normal := readStore(t, p)

	p.MemoryOptimized = true
	_, err = NewBuilder(p, seqio.NewMulti()).Build(context.Background())
	require.NoError(t, err)
	optimized := readStore(t, p)

	require.NotEmpty(t, normal)
	assert.Equal(t, normal, optimized)
}

func TestKeysContiguousAcrossAppend(t *testing.T) {
	dir := t.TempDir()
	writeRecording(t, dir, "in/a.npy", patchSequence(60, 64, 30, 0, 0))
	writeRecording(t, dir, "in/sub/b.npy", patchSequence(60, 64, 10, 40, 40))

	p := testParams(dir)
	p.ExpandBefore, p.ExpandAfter = 1, 1
	first, err := NewBuilder(p, seqio.NewMulti()).Build(context.Background())
	require.NoError(t, err)
	n := first.Written
	require.Positive(t, n)
	assert.Equal(t, 0, first.FirstKey)
	assert.Equal(t, n, first.NextKey)

	p.Overwrite = false
	second, err := NewBuilder(p, seqio.NewMulti()).Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, n, second.FirstKey)
	assert.Equal(t, n, second.Written)

	examples := readStore(t, p)
	require.Len(t, examples, 2*n)
	for i, ex := range examples {
		assert.Equal(t, i, ex.Key)
	}
	records, err := store.LoadMetadata(p.MetadataPath)
	require.NoError(t, err)
	assert.Len(t, records, 2*n)

	p.Overwrite = true
	third, err := NewBuilder(p, seqio.NewMulti()).Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, third.FirstKey)
	assert.Len(t, readStore(t, p), n)
}

func TestOutOfRangeDetectionsAreSkipped(t *testing.T) {
	dir := t.TempDir()
	writeRecording(t, dir, "in/early.npy", patchSequence(10, 64, 1, 32, 32))

	p := testParams(dir)
	p.MinZScore = 0.5
	p.FgBgSplit = 1
	res, err := NewBuilder(p, seqio.NewMulti()).Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Foreground)
	assert.Equal(t, 0, res.Written)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, res.Failures)
}

func TestDecodeFailureIsIsolated(t *testing.T) {
	dir := t.TempDir()
	writeRecording(t, dir, "in/a.npy", patchSequence(60, 64, 30, 32, 0))
	bad := filepath.Join(dir, "in", "b.npy")
	require.NoError(t, os.WriteFile(bad, []byte("not numpy"), 0644))

	p := testParams(dir)
	res, err := NewBuilder(p, seqio.NewMulti()).Build(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, bad, res.Failures[0].Path)
	assert.Equal(t, StageDecode, res.Failures[0].Stage)
	assert.Positive(t, res.Written)
}

func TestForgedShapeHeaderIsIsolated(t *testing.T) {
	dir := t.TempDir()
	writeRecording(t, dir, "in/a.npy", patchSequence(60, 64, 30, 32, 0))

	// a 36-byte .seq whose header claims 2^32-1 frames, rows and columns
	header := make([]byte, 36)
	copy(header, "IGLUSEQ1")
	header[8] = 4
	binary.LittleEndian.PutUint32(header[12:], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(header[16:], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(header[20:], 0xFFFFFFFF)
	forged := filepath.Join(dir, "in", "b.seq")
	require.NoError(t, os.WriteFile(forged, header, 0644))

	p := testParams(dir)
	p.FileEndings = []string{".npy", ".seq"}
	res, err := NewBuilder(p, seqio.NewMulti()).Build(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, forged, res.Failures[0].Path)
	assert.Equal(t, StageDecode, res.Failures[0].Stage)
	assert.Positive(t, res.Written)
}

func TestMaxFailuresStopsScheduling(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "in"), 0755))
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "in", name+".npy"), []byte("bad"), 0644))
	}

	p := testParams(dir)
	p.Workers = 1
	p.MaxFailures = 1
	res, err := NewBuilder(p, seqio.NewMulti()).Build(context.Background())
	require.ErrorIs(t, err, ErrTooManyFailures)
	assert.Less(t, res.Processed, res.Files)

	// metadata is still exported for the partial build
	_, err = os.Stat(p.MetadataPath)
	assert.NoError(t, err)
}

func TestParallelBuildIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	for i, name := range []string{"a", "b", "c", "d"} {
		writeRecording(t, dir, "in/"+name+".npy", patchSequence(60, 64, 10+i*10, 32*(i%2), 32*(i/2)))
	}

	p := testParams(dir)
	p.Workers = 1
	_, err := NewBuilder(p, seqio.NewMulti()).Build(context.Background())
	require.NoError(t, err)
	serial := readStore(t, p)

	p.Workers = 4
	_, err = NewBuilder(p, seqio.NewMulti()).Build(context.Background())
	require.NoError(t, err)
	parallel := readStore(t, p)

	require.Len(t, serial, len(parallel))
	for i := range serial {
		assert.Equal(t, serial[i].ExampleRecord, parallel[i].ExampleRecord)
	}
}

func TestCancelledBuildWritesNothing(t *testing.T) {
	dir := t.TempDir()
	writeRecording(t, dir, "in/a.npy", patchSequence(60, 64, 30, 32, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := testParams(dir)
	res, err := NewBuilder(p, seqio.NewMulti()).Build(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, 0, res.Written)
}

func TestPreviewsAreWritten(t *testing.T) {
	dir := t.TempDir()
	writeRecording(t, dir, "in/rec.npy", patchSequence(60, 64, 30, 32, 32))

	p := testParams(dir)
	p.PreviewDir = filepath.Join(dir, "previews")
	_, err := NewBuilder(p, seqio.NewMulti()).Build(context.Background())
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(p.PreviewDir, "000_rec_activity.png"))
	assert.NoError(t, err)
}

func TestInvalidParams(t *testing.T) {
	p := testParams(t.TempDir())
	p.FgBgSplit = 0
	_, err := NewBuilder(p, seqio.NewMulti()).Build(context.Background())
	assert.Error(t, err)
}

func TestDiscoverIsSortedAndRecursive(t *testing.T) {
	dir := t.TempDir()
	seq := models.NewSequence(1, 2, 2)
	writeRecording(t, dir, "b.npy", seq)
	writeRecording(t, dir, "a/z.npy", seq)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0644))

	files, err := Discover(dir, []string{".npy"})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a", "z.npy"), filepath.Join(dir, "b.npy")}, files)
}
