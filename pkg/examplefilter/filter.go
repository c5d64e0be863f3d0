// Package examplefilter drops stored crops whose smoothed intensity never
// exceeds a threshold. It is a coarse gate applied after dataset
// preparation; surviving crops are re-keyed densely into a new store.
package examplefilter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/floats"

	"deepiglu/internal/logging"
	"deepiglu/internal/models"
	"deepiglu/pkg/activitymap"
	"deepiglu/pkg/config"
	"deepiglu/pkg/store"
)

// batchSize is the number of kept crops committed per transaction
const batchSize = 256

// progressEvery controls how often progress is logged, in kept crops
const progressEvery = 1000

// Params configures a filter run
type Params struct {
	Input  string
	Output string

	// MinIntensity must be strictly exceeded by some filtered value
	MinIntensity float64

	// RoiSize is the box filter width along every axis
	RoiSize int

	// MetadataPath is the CSV side-file of Output; empty derives it
	MetadataPath string

	Store store.Options
}

// ParamsFromConfig maps the filter and store sections of cfg
func ParamsFromConfig(cfg *config.Config) (*Params, error) {
	opts, err := store.ParseOptions(cfg.Store.Compression, cfg.Store.Precision)
	if err != nil {
		return nil, err
	}
	return &Params{
		Input:        cfg.Filter.Input,
		Output:       cfg.Filter.Output,
		MinIntensity: cfg.Filter.MinIntensity,
		RoiSize:      cfg.Filter.RoiSize,
		Store:        opts,
	}, nil
}

// Result reports how many crops were read and kept
type Result struct {
	RunID   string
	Scanned int
	Kept    int
}

// Keep reports whether a crop passes the gate
func Keep(ex *models.TrainExample, roiSize int, minIntensity float64) (bool, error) {
	filtered, err := activitymap.UniformFilter(ex.Data, ex.Shape(), roiSize)
	if err != nil {
		return false, err
	}
	return floats.Max(filtered) > minIntensity, nil
}

// Run copies the crops of Input that pass the gate into a freshly created
// Output store, in ascending key order
func Run(ctx context.Context, p *Params) (*Result, error) {
	if p.RoiSize <= 0 {
		return nil, fmt.Errorf("roi size must be positive, got %d", p.RoiSize)
	}
	if p.Input == "" || p.Output == "" {
		return nil, fmt.Errorf("input and output stores are required")
	}
	if same, err := samePath(p.Input, p.Output); err != nil {
		return nil, err
	} else if same {
		return nil, fmt.Errorf("output store must differ from input %s", p.Input)
	}
	if _, err := os.Stat(p.Input); err != nil {
		return nil, fmt.Errorf("input store: %w", err)
	}
	metadataPath := p.MetadataPath
	if metadataPath == "" {
		metadataPath = config.DefaultMetadataPath(p.Output)
	}

	log := logging.WithComponent("filter")

	in, err := store.Open(ctx, p.Input, store.ModeAppend, p.Store)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	out, err := store.Open(ctx, p.Output, store.ModeOverwrite, p.Store)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	total, err := in.Len(ctx)
	if err != nil {
		return nil, err
	}
	run, err := out.BeginRun(ctx, "filter", fmt.Sprintf("input=%s minIntensity=%g roiSize=%d", p.Input, p.MinIntensity, p.RoiSize))
	if err != nil {
		return nil, err
	}

	result := &Result{RunID: run.ID}
	var batch []*models.TrainExample
	flush := func() error {
		if _, err := out.Append(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err = in.Each(ctx, func(ex *models.TrainExample) error {
		result.Scanned++
		keep, err := Keep(ex, p.RoiSize, p.MinIntensity)
		if err != nil {
			return fmt.Errorf("example %d: %w", ex.Key, err)
		}
		if !keep {
			return nil
		}
		result.Kept++
		batch = append(batch, ex)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
		if result.Kept%progressEvery == 0 {
			log.Infof("Kept %s of %s examples so far (%s total)", humanize.Comma(int64(result.Kept)),
				humanize.Comma(int64(result.Scanned)), humanize.Comma(int64(total)))
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return result, err
	}

	if _, err := out.ExportMetadata(ctx, metadataPath); err != nil {
		return result, err
	}
	run.Written = result.Kept
	run.Skipped = result.Scanned - result.Kept
	if err := out.FinishRun(ctx, run); err != nil {
		return result, err
	}

	log.Infof("Kept %s of %s examples", humanize.Comma(int64(result.Kept)), humanize.Comma(int64(result.Scanned)))
	return result, nil
}

func samePath(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	if absA == absB {
		return true, nil
	}
	infoA, errA := os.Stat(a)
	infoB, errB := os.Stat(b)
	if errA != nil || errB != nil {
		return false, nil
	}
	return os.SameFile(infoA, infoB), nil
}
