package store

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/x448/float16"
	"google.golang.org/protobuf/encoding/protowire"
)

// Precision selects how example values are stored
type Precision uint8

const (
	PrecisionFloat64 Precision = 1
	PrecisionFloat32 Precision = 2
	PrecisionFloat16 Precision = 3
)

// Compression selects the payload compression
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

// ParsePrecision maps a config name to a Precision
func ParsePrecision(name string) (Precision, error) {
	switch name {
	case "float64", "":
		return PrecisionFloat64, nil
	case "float32":
		return PrecisionFloat32, nil
	case "float16":
		return PrecisionFloat16, nil
	}
	return 0, fmt.Errorf("unknown precision %q", name)
}

// ParseCompression maps a config name to a Compression
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "zstd", "":
		return CompressionZstd, nil
	case "none":
		return CompressionNone, nil
	}
	return 0, fmt.Errorf("unknown compression %q", name)
}

func (p Precision) String() string {
	switch p {
	case PrecisionFloat64:
		return "float64"
	case PrecisionFloat32:
		return "float32"
	case PrecisionFloat16:
		return "float16"
	}
	return fmt.Sprintf("precision(%d)", p)
}

func (p Precision) width() int {
	switch p {
	case PrecisionFloat64:
		return 8
	case PrecisionFloat32:
		return 4
	case PrecisionFloat16:
		return 2
	}
	return 0
}

// Payload field numbers
const (
	fieldShape       protowire.Number = 1
	fieldPrecision   protowire.Number = 2
	fieldValues      protowire.Number = 3
	fieldCompression protowire.Number = 4
)

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// zstdCodecs returns the shared encoder and decoder. Both are safe for
// concurrent EncodeAll/DecodeAll calls.
func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// encodePayload frames an n-dimensional array as a protobuf message
func encodePayload(shape []int, data []float64, p Precision, c Compression) ([]byte, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("shape %v does not match %d values", shape, len(data))
	}
	w := p.width()
	if w == 0 {
		return nil, fmt.Errorf("unknown precision %d", p)
	}

	values := make([]byte, len(data)*w)
	for i, v := range data {
		b := values[i*w : (i+1)*w]
		switch p {
		case PrecisionFloat64:
			binary.LittleEndian.PutUint64(b, math.Float64bits(v))
		case PrecisionFloat32:
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
		case PrecisionFloat16:
			binary.LittleEndian.PutUint16(b, float16.Fromfloat32(float32(v)).Bits())
		}
	}

	switch c {
	case CompressionNone:
	case CompressionZstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		values = enc.EncodeAll(values, nil)
	default:
		return nil, fmt.Errorf("unknown compression %d", c)
	}

	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}

	out := make([]byte, 0, len(values)+len(packed)+16)
	out = protowire.AppendTag(out, fieldShape, protowire.BytesType)
	out = protowire.AppendBytes(out, packed)
	out = protowire.AppendTag(out, fieldPrecision, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(p))
	if c != CompressionNone {
		out = protowire.AppendTag(out, fieldCompression, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(c))
	}
	out = protowire.AppendTag(out, fieldValues, protowire.BytesType)
	out = protowire.AppendBytes(out, values)
	return out, nil
}

// decodePayload is the inverse of encodePayload
func decodePayload(b []byte) ([]int, []float64, error) {
	var (
		shape  []int
		values []byte
		p      Precision
		c      Compression
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldShape && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, nil, protowire.ParseError(n)
			}
			b = b[n:]
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return nil, nil, protowire.ParseError(m)
				}
				shape = append(shape, int(v))
				packed = packed[m:]
			}
		case (num == fieldPrecision || num == fieldCompression) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, nil, protowire.ParseError(n)
			}
			b = b[n:]
			if num == fieldPrecision {
				p = Precision(v)
			} else {
				c = Compression(v)
			}
		case num == fieldValues && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, nil, protowire.ParseError(n)
			}
			b = b[n:]
			values = v
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	if c == CompressionZstd {
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, nil, err
		}
		raw, err := dec.DecodeAll(values, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("decompressing payload: %w", err)
		}
		values = raw
	}

	w := p.width()
	if w == 0 {
		return nil, nil, fmt.Errorf("payload has unknown precision %d", p)
	}
	count := 1
	for _, d := range shape {
		count *= d
	}
	if len(values) != count*w {
		return nil, nil, fmt.Errorf("payload holds %d bytes, shape %v needs %d", len(values), shape, count*w)
	}

	data := make([]float64, count)
	for i := range data {
		v := values[i*w : (i+1)*w]
		switch p {
		case PrecisionFloat64:
			data[i] = math.Float64frombits(binary.LittleEndian.Uint64(v))
		case PrecisionFloat32:
			data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(v)))
		case PrecisionFloat16:
			data[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(v)).Float32())
		}
	}
	return shape, data, nil
}
