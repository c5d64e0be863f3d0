// Package inference runs a denoising model over whole recordings. A
// recording is z-normalized with its own per-pixel statistics, predicted
// in consecutive frame batches, mapped back with the same statistics and
// requantized to unsigned integers.
package inference

import (
	"context"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"deepiglu/internal/logging"
	"deepiglu/internal/models"
	"deepiglu/pkg/normalization"
	"deepiglu/pkg/seqio"
)

// State is the position of an engine in its per-recording cycle
type State int

const (
	StateIdle State = iota
	StateLoaded
	StateNormalized
	StateInferring
	StateDenormalized
	StateQuantized
	StateWritten
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoaded:
		return "loaded"
	case StateNormalized:
		return "normalized"
	case StateInferring:
		return "inferring"
	case StateDenormalized:
		return "denormalized"
	case StateQuantized:
		return "quantized"
	case StateWritten:
		return "written"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the states each state may move to
var transitions = map[State][]State{
	StateIdle:         {StateLoaded},
	StateLoaded:       {StateNormalized},
	StateNormalized:   {StateInferring},
	StateInferring:    {StateDenormalized},
	StateDenormalized: {StateQuantized},
	StateQuantized:    {StateWritten, StateLoaded},
	StateWritten:      {StateIdle},
}

// PreconditionError reports an operation requested in the wrong state
type PreconditionError struct {
	Op    string
	State State
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s is not allowed while the engine is %s", e.Op, e.State)
}

// Options configure an Engine
type Options struct {
	// BatchSize is the number of frames per model call
	BatchSize int

	// BitDepth of the quantized output, 8 or 16
	BitDepth int
}

// Engine denoises one recording at a time. It is not safe for concurrent
// use.
type Engine struct {
	model Model
	codec seqio.Codec
	opts  Options
	log   *log.Entry

	state State

	source   string
	seq      *models.Sequence
	stats    *normalization.Stats
	denoised *models.DenoisedSequence
}

// NewEngine creates an idle engine
func NewEngine(model Model, codec seqio.Codec, opts Options) (*Engine, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.BitDepth != 8 && opts.BitDepth != 16 {
		return nil, fmt.Errorf("bit depth must be 8 or 16, got %d", opts.BitDepth)
	}
	return &Engine{
		model: model,
		codec: codec,
		opts:  opts,
		log:   logging.WithComponent("inference"),
	}, nil
}

// State returns the current state
func (e *Engine) State() State {
	return e.state
}

// Reset drops the current recording and returns the engine to idle. It is
// the only way out of StateFailed.
func (e *Engine) Reset() {
	e.state = StateIdle
	e.source = ""
	e.seq = nil
	e.stats = nil
	e.denoised = nil
}

func (e *Engine) advance(op string, to State) error {
	for _, next := range transitions[e.state] {
		if next == to {
			e.state = to
			return nil
		}
	}
	err := &PreconditionError{Op: op, State: e.state}
	e.state = StateFailed
	return err
}

func (e *Engine) fail(err error) error {
	e.state = StateFailed
	return err
}

// Denoised returns the last quantized result, or nil
func (e *Engine) Denoised() *models.DenoisedSequence {
	return e.denoised
}

// DenoiseFile runs load, normalization, prediction, denormalization and
// quantization for the recording at path.
func (e *Engine) DenoiseFile(ctx context.Context, path string) (*models.DenoisedSequence, error) {
	if e.state == StateWritten {
		e.state = StateIdle
	}
	if err := e.advance("load", StateLoaded); err != nil {
		return nil, err
	}
	seq, err := e.codec.Open(path)
	if err != nil {
		return nil, e.fail(err)
	}
	if err := seq.Validate(); err != nil {
		return nil, e.fail(&seqio.DecodeError{Path: path, Err: err})
	}
	e.source, e.seq, e.denoised = path, seq, nil
	e.log.Debugf("Loaded %s: %d frames of %dx%d", path, seq.Frames, seq.Height, seq.Width)

	if err := e.advance("normalize", StateNormalized); err != nil {
		return nil, err
	}
	if e.stats, err = normalization.WholeSequenceStats(seq); err != nil {
		return nil, e.fail(err)
	}
	if err := normalization.NormalizeInPlace(seq, e.stats); err != nil {
		return nil, e.fail(err)
	}

	if err := e.advance("predict", StateInferring); err != nil {
		return nil, err
	}
	if err := e.predict(ctx); err != nil {
		return nil, e.fail(fmt.Errorf("predicting %s: %w", path, err))
	}

	if err := e.advance("denormalize", StateDenormalized); err != nil {
		return nil, err
	}
	if err := normalization.DenormalizeInPlace(e.seq, e.stats); err != nil {
		return nil, e.fail(err)
	}

	if err := e.advance("quantize", StateQuantized); err != nil {
		return nil, err
	}
	e.denoised = &models.DenoisedSequence{
		Data:     Quantize(e.seq.Data, e.opts.BitDepth),
		Frames:   e.seq.Frames,
		Height:   e.seq.Height,
		Width:    e.seq.Width,
		BitDepth: e.opts.BitDepth,
	}
	e.seq = nil
	return e.denoised, nil
}

// predict replaces the normalized frames of e.seq with model output,
// batch by batch in frame order
func (e *Engine) predict(ctx context.Context) error {
	seq := e.seq
	frameSize := seq.FrameSize()
	batches := (seq.Frames + e.opts.BatchSize - 1) / e.opts.BatchSize
	e.log.Infof("Denoising %s in %d batch(es) on %s", e.source, batches, device(e.model))

	for i, from := 0, 0; from < seq.Frames; i, from = i+1, from+e.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(e.opts.BatchSize, seq.Frames-from)
		in := NewBatch(n, seq.Height, seq.Width)
		window := seq.Data[from*frameSize : (from+n)*frameSize]
		for j, v := range window {
			in.Data[j] = float32(v)
		}

		out, err := e.model.Predict(ctx, in)
		if err != nil {
			return fmt.Errorf("batch %d: %w", i, err)
		}
		if out == nil || out.N != n || out.H != seq.Height || out.W != seq.Width || len(out.Data) != len(window) {
			got := "nil"
			if out != nil {
				got = fmt.Sprint(out.Shape())
			}
			return fmt.Errorf("batch %d: model returned shape %s, expected %v", i, got, in.Shape())
		}
		for j, v := range out.Data {
			window[j] = float64(v)
		}

		progress := float64(from+n) / float64(seq.Frames) * 100
		e.log.Debugf("Predicting frames: %.1f%% complete", progress)
	}
	return nil
}

// WriteDenoised writes the last denoised recording to path. Calling it
// before DenoiseFile succeeded is a PreconditionError.
func (e *Engine) WriteDenoised(path string) error {
	if e.state != StateQuantized || e.denoised == nil {
		err := &PreconditionError{Op: "write", State: e.state}
		e.state = StateFailed
		return err
	}
	if err := e.codec.Write(e.denoised, path); err != nil {
		return e.fail(fmt.Errorf("writing %s: %w", path, err))
	}
	e.log.Infof("Wrote %s", path)
	return e.advance("write", StateWritten)
}

// Quantize maps values to unsigned integers of the given bit depth.
// Values are clipped to [0, 2^bits-1] and rounded half away from zero;
// NaN becomes 0.
func Quantize(values []float64, bits int) []uint16 {
	limit := float64(uint32(1)<<bits - 1)
	out := make([]uint16, len(values))
	for i, v := range values {
		switch {
		case math.IsNaN(v) || v <= 0:
			out[i] = 0
		case v >= limit:
			out[i] = uint16(limit)
		default:
			out[i] = uint16(math.Round(v))
		}
	}
	return out
}
