package inference

import (
	"context"
	"fmt"
)

// Batch is a stack of N single-channel frames laid out as [N, 1, H, W]
type Batch struct {
	N, H, W int
	Data    []float32
}

// NewBatch allocates a zeroed batch
func NewBatch(n, h, w int) *Batch {
	return &Batch{N: n, H: h, W: w, Data: make([]float32, n*h*w)}
}

// Shape returns the batch dimensions including the channel axis
func (b *Batch) Shape() [4]int {
	return [4]int{b.N, 1, b.H, b.W}
}

func (b *Batch) validate() error {
	if b.N <= 0 || b.H <= 0 || b.W <= 0 {
		return fmt.Errorf("invalid batch shape %v", b.Shape())
	}
	if len(b.Data) != b.N*b.H*b.W {
		return fmt.Errorf("batch shape %v needs %d values, has %d", b.Shape(), b.N*b.H*b.W, len(b.Data))
	}
	return nil
}

// Model predicts a denoised batch of the same shape as its input
type Model interface {
	Predict(ctx context.Context, in *Batch) (*Batch, error)
}

// DeviceReporter is implemented by models that know where they run
type DeviceReporter interface {
	Device() string
}

// IdentityModel returns its input unchanged
type IdentityModel struct{}

func (IdentityModel) Predict(_ context.Context, in *Batch) (*Batch, error) {
	out := &Batch{N: in.N, H: in.H, W: in.W, Data: make([]float32, len(in.Data))}
	copy(out.Data, in.Data)
	return out, nil
}

func (IdentityModel) Device() string {
	return "identity"
}

// FuncModel adapts a function to Model
type FuncModel func(ctx context.Context, in *Batch) (*Batch, error)

func (f FuncModel) Predict(ctx context.Context, in *Batch) (*Batch, error) {
	return f(ctx, in)
}

// device returns a description of where m runs for logs
func device(m Model) string {
	if d, ok := m.(DeviceReporter); ok {
		return d.Device()
	}
	return "unknown"
}
