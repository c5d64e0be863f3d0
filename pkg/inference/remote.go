package inference

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Headers of the model server protocol
const (
	HeaderShape  = "X-Batch-Shape"
	HeaderDevice = "X-Device"
)

// RemoteOptions configures a RemoteModel
type RemoteOptions struct {
	// Retries is the number of additional attempts after a failed request
	Retries int

	// CPU asks the server to run on the CPU rather than a GPU
	CPU bool

	Timeout time.Duration
}

// RemoteModel sends batches to a model server over HTTP. The request and
// response bodies are little-endian float32 values; the shape travels in
// the X-Batch-Shape header as "N,1,H,W".
type RemoteModel struct {
	client *resty.Client
	url    string
	device string
}

// NewRemoteModel creates a model backed by the server at url
func NewRemoteModel(url string, opts RemoteOptions) *RemoteModel {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	device := "auto"
	if opts.CPU {
		device = "cpu"
	}
	return &RemoteModel{client: client, url: url, device: device}
}

// Device reports the device hint sent to the server
func (m *RemoteModel) Device() string {
	return m.device + "@" + m.url
}

// Predict posts in to the server and decodes the response
func (m *RemoteModel) Predict(ctx context.Context, in *Batch) (*Batch, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	body := make([]byte, 4*len(in.Data))
	for i, v := range in.Data {
		binary.LittleEndian.PutUint32(body[4*i:], math.Float32bits(v))
	}

	resp, err := m.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetHeader(HeaderShape, FormatShape(in.Shape())).
		SetHeader(HeaderDevice, m.device).
		SetBody(body).
		Post(m.url)
	if err != nil {
		return nil, fmt.Errorf("model request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("model server returned %s: %s", resp.Status(), strings.TrimSpace(string(resp.Body())))
	}

	shape := in.Shape()
	if h := resp.Header().Get(HeaderShape); h != "" {
		if shape, err = ParseShape(h); err != nil {
			return nil, err
		}
	}

	raw := resp.Body()
	out := &Batch{N: shape[0], H: shape[2], W: shape[3]}
	if len(raw) != 4*out.N*out.H*out.W {
		return nil, fmt.Errorf("model response holds %d bytes, shape %v needs %d", len(raw), shape, 4*out.N*out.H*out.W)
	}
	out.Data = make([]float32, out.N*out.H*out.W)
	for i := range out.Data {
		out.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}

// FormatShape renders a batch shape for the X-Batch-Shape header
func FormatShape(shape [4]int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// ParseShape parses an X-Batch-Shape header
func ParseShape(s string) ([4]int, error) {
	var shape [4]int
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return shape, fmt.Errorf("invalid batch shape %q", s)
	}
	for i, part := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || d <= 0 {
			return shape, fmt.Errorf("invalid batch shape %q", s)
		}
		shape[i] = d
	}
	if shape[1] != 1 {
		return shape, fmt.Errorf("batch shape %q is not single-channel", s)
	}
	return shape, nil
}
