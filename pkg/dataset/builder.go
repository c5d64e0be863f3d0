// Package dataset turns a directory of recordings into a persisted set of
// training crops. Every recording is normalized twice: a rolling z-score
// locates activity, and the whole-sequence z-score is what gets stored.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"deepiglu/internal/logging"
	"deepiglu/internal/models"
	"deepiglu/pkg/activitymap"
	"deepiglu/pkg/normalization"
	"deepiglu/pkg/sampler"
	"deepiglu/pkg/seqio"
	"deepiglu/pkg/store"
	"deepiglu/pkg/visualization"
)

// Processing stages reported in FileError
const (
	StageDecode    = "decode"
	StageNormalize = "normalize"
	StageDetect    = "detect"
	StageExtract   = "extract"
	StageStore     = "store"
)

// ErrTooManyFailures is returned when MaxFailures stopped the build early
var ErrTooManyFailures = errors.New("too many failed files")

// FileError describes why one recording contributed no examples
type FileError struct {
	Path  string
	Stage string
	Err   error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Path, e.Stage, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// Result summarizes a build
type Result struct {
	RunID string

	// Files is the number of matching recordings, Processed how many were
	// scheduled before the build stopped
	Files     int
	Processed int

	Foreground int
	Background int

	// Written examples received keys [FirstKey, NextKey)
	Written  int
	FirstKey int
	NextKey  int

	// Skipped counts detections whose crop fell outside the recording
	Skipped int

	Failures []*FileError
	Elapsed  time.Duration
}

// Builder runs dataset preparation
type Builder struct {
	params *Params
	codec  seqio.Codec
	log    *log.Entry
}

// NewBuilder creates a builder that reads recordings with codec
func NewBuilder(params *Params, codec seqio.Codec) *Builder {
	return &Builder{
		params: params,
		codec:  codec,
		log:    logging.WithComponent("dataset"),
	}
}

// fileResult is what a worker hands to the writer
type fileResult struct {
	index      int
	path       string
	examples   []*models.TrainExample
	foreground int
	background int
	skipped    int
	err        *FileError
}

// Build processes every matching recording and appends the crops to the
// store. Files are processed concurrently but committed in file order, so
// keys do not depend on scheduling. A failed file is reported in the
// result and does not stop the build unless MaxFailures is exceeded.
func (b *Builder) Build(ctx context.Context) (*Result, error) {
	start := time.Now()
	p := b.params
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("invalid dataset parameters: %w", err)
	}

	files, err := Discover(p.Directory, p.FileEndings)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	b.log.Infof("Found %d recording(s) in %s", len(files), p.Directory)

	if p.PreviewDir != "" {
		if err := os.MkdirAll(p.PreviewDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create preview directory: %w", err)
		}
	}

	metadataPath := p.metadataPath()
	mode := store.ModeAppend
	if p.Overwrite {
		mode = store.ModeOverwrite
		if err := os.Remove(metadataPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove metadata: %w", err)
		}
	}
	// store access outlives cancellation so processed files land whole
	commitCtx := context.WithoutCancel(ctx)

	st, err := store.Open(commitCtx, p.StorePath, mode, p.Store)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	run, err := st.BeginRun(commitCtx, "prepare", p.String())
	if err != nil {
		return nil, err
	}

	result := &Result{RunID: run.ID, Files: len(files), FirstKey: st.NextKey()}
	b.log.Infof("Writing to %s (%s), starting at key %d", p.StorePath, mode, result.FirstKey)

	var failures atomic.Int64
	results := make(chan *fileResult)
	scheduled := make(chan int, 1)

	go func() {
		var g errgroup.Group
		g.SetLimit(p.workers())
		n := 0
		for i, path := range files {
			if ctx.Err() != nil {
				break
			}
			if p.MaxFailures > 0 && failures.Load() > int64(p.MaxFailures) {
				break
			}
			g.Go(func() error {
				res := b.processFile(i, path)
				if res.err != nil {
					failures.Add(1)
				}
				results <- res
				return nil
			})
			n++
		}
		g.Wait()
		scheduled <- n
		close(results)
	}()

	pending := make(map[int]*fileResult)
	next := 0
	for res := range results {
		pending[res.index] = res
		for {
			r, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			if failed := b.commit(commitCtx, st, r, result); failed {
				failures.Add(1)
			}
			progress := float64(next) / float64(len(files)) * 100
			b.log.Infof("Processing recordings: %.1f%% complete", progress)
		}
	}
	result.Processed = <-scheduled
	result.NextKey = st.NextKey()

	exported, err := st.ExportMetadata(commitCtx, metadataPath)
	if err != nil {
		return result, err
	}

	run.Written = result.Written
	run.Skipped = result.Skipped
	run.Failed = len(result.Failures)
	if err := st.FinishRun(commitCtx, run); err != nil {
		return result, err
	}

	result.Elapsed = time.Since(start)
	b.log.Infof("Wrote %s example(s) to %s in %v (%d skipped, %d failed file(s)); metadata of %s example(s) in %s",
		humanize.Comma(int64(result.Written)), p.StorePath, result.Elapsed.Round(time.Millisecond),
		result.Skipped, len(result.Failures), humanize.Comma(int64(exported)), metadataPath)

	if err := ctx.Err(); err != nil {
		return result, err
	}
	if p.MaxFailures > 0 && len(result.Failures) > p.MaxFailures {
		return result, fmt.Errorf("%w: %d of %d", ErrTooManyFailures, len(result.Failures), len(files))
	}
	return result, nil
}

// commit appends the examples of one file and folds its counts into
// result. It reports whether the file failed.
func (b *Builder) commit(ctx context.Context, st *store.Store, r *fileResult, result *Result) bool {
	if r.err != nil {
		b.log.Warnf("Skipping %s: %v", r.path, r.err)
		result.Failures = append(result.Failures, r.err)
		return false
	}

	if _, err := st.Append(ctx, r.examples); err != nil {
		ferr := &FileError{Path: r.path, Stage: StageStore, Err: err}
		b.log.Warnf("Skipping %s: %v", r.path, ferr)
		result.Failures = append(result.Failures, ferr)
		return true
	}
	result.Written += len(r.examples)
	result.Skipped += r.skipped
	result.Foreground += r.foreground
	result.Background += r.background
	b.log.Infof("Found %d example(s) in %s", len(r.examples), r.path)
	return false
}

// processFile runs the per-recording pipeline without touching the store
func (b *Builder) processFile(index int, path string) *fileResult {
	res := &fileResult{index: index, path: path}
	fail := func(stage string, err error) *fileResult {
		res.err = &FileError{Path: path, Stage: stage, Err: err}
		res.examples = nil
		return res
	}

	seq, err := b.codec.Open(path)
	if err != nil {
		return fail(StageDecode, err)
	}
	if err := seq.Validate(); err != nil {
		return fail(StageDecode, err)
	}
	b.log.Debugf("Loaded %s: %d frames of %dx%d (%s)", path, seq.Frames, seq.Height, seq.Width,
		humanize.Bytes(uint64(len(seq.Data))*8))

	p := b.params
	whole, err := normalization.WholeSequenceStats(seq)
	if err != nil {
		return fail(StageNormalize, err)
	}

	amap, err := b.activity(seq)
	if err != nil {
		return fail(StageDetect, err)
	}
	if p.PreviewDir != "" {
		b.savePreview(amap, index, path)
	}

	rng := rand.New(rand.NewPCG(p.Seed, uint64(index)))
	sample := sampler.Sample(amap, sampler.Options{
		MinZScore: p.MinZScore,
		Before:    p.ExpandBefore,
		After:     p.ExpandAfter,
		FgBgSplit: p.FgBgSplit,
	}, rng)
	res.foreground = len(sample.Foreground)
	res.background = len(sample.Background)

	stored := seq
	if p.MemoryOptimized {
		err = normalization.NormalizeInPlace(seq, whole)
	} else {
		stored, err = normalization.Normalize(seq, whole)
	}
	if err != nil {
		return fail(StageNormalize, err)
	}

	for _, d := range sample.Detections() {
		ex, err := models.ExtractExample(stored, path, d, p.NPre, p.NPost, p.CropSize)
		if errors.Is(err, models.ErrOutOfRange) {
			res.skipped++
			continue
		}
		if err != nil {
			return fail(StageExtract, err)
		}
		res.examples = append(res.examples, ex)
	}
	return res
}

// activity builds the activity map from the rolling z-score of seq. The
// memory optimized path never holds a second full-size sequence.
func (b *Builder) activity(seq *models.Sequence) (*activitymap.Map, error) {
	p := b.params
	if !p.MemoryOptimized {
		rolling, err := normalization.RollingNormalize(seq, p.WindowSize)
		if err != nil {
			return nil, err
		}
		return activitymap.Build(rolling, p.CropSize, p.RoiSize)
	}

	builder, err := activitymap.NewBuilder(seq.Height, seq.Width, p.CropSize, p.RoiSize)
	if err != nil {
		return nil, err
	}
	err = normalization.StreamRolling(seq, p.WindowSize, func(_ int, frame []float64) error {
		return builder.AddFrame(frame)
	})
	if err != nil {
		return nil, err
	}
	return builder.Map(), nil
}

func (b *Builder) savePreview(amap *activitymap.Map, index int, path string) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out := filepath.Join(b.params.PreviewDir, fmt.Sprintf("%03d_%s_activity.png", index, name))
	if err := visualization.SaveActivityHeatmap(amap, name, out); err != nil {
		b.log.Warnf("Failed to save activity preview for %s: %v", path, err)
	}
}

// Discover returns every file under dir whose name ends with one of
// endings, in lexical path order
func Discover(dir string, endings []string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !seqio.MatchesEnding(d.Name(), endings) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
