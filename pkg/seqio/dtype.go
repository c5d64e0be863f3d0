package seqio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// dtype describes how one sample is laid out on disk
type dtype struct {
	kind  byte // 'f', 'u' or 'i'
	size  int
	order binary.ByteOrder
}

func (d dtype) String() string {
	return fmt.Sprintf("%c%d", d.kind, d.size)
}

// readSamples decodes len(dst) samples from r
func readSamples(r io.Reader, d dtype, dst []float64) error {
	br := bufio.NewReaderSize(r, 1<<16)
	buf := make([]byte, d.size*4096)
	for done := 0; done < len(dst); {
		n := len(dst) - done
		if n > 4096 {
			n = 4096
		}
		chunk := buf[:n*d.size]
		if _, err := io.ReadFull(br, chunk); err != nil {
			return fmt.Errorf("payload truncated after %d of %d samples: %w", done, len(dst), err)
		}
		for i := 0; i < n; i++ {
			dst[done+i] = d.decode(chunk[i*d.size : (i+1)*d.size])
		}
		done += n
	}
	return nil
}

func (d dtype) decode(b []byte) float64 {
	switch d.kind {
	case 'f':
		if d.size == 4 {
			return float64(math.Float32frombits(d.order.Uint32(b)))
		}
		return math.Float64frombits(d.order.Uint64(b))
	case 'u':
		switch d.size {
		case 1:
			return float64(b[0])
		case 2:
			return float64(d.order.Uint16(b))
		default:
			return float64(d.order.Uint32(b))
		}
	default:
		switch d.size {
		case 1:
			return float64(int8(b[0]))
		case 2:
			return float64(int16(d.order.Uint16(b)))
		default:
			return float64(int32(d.order.Uint32(b)))
		}
	}
}

// writeUnsigned encodes quantized samples as little-endian u1 or u2
func writeUnsigned(w io.Writer, data []uint16, bitDepth int) error {
	bw := bufio.NewWriterSize(w, 1<<16)
	if bitDepth == 8 {
		for _, v := range data {
			if err := bw.WriteByte(byte(v)); err != nil {
				return err
			}
		}
		return bw.Flush()
	}
	var b [2]byte
	for _, v := range data {
		binary.LittleEndian.PutUint16(b[:], v)
		if _, err := bw.Write(b[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// writeFloat64 encodes samples as little-endian f8
func writeFloat64(w io.Writer, data []float64) error {
	bw := bufio.NewWriterSize(w, 1<<16)
	var b [8]byte
	for _, v := range data {
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
		if _, err := bw.Write(b[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func checkBitDepth(bitDepth int) error {
	if bitDepth != 8 && bitDepth != 16 {
		return fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
	return nil
}

// checkPayload rejects a header whose T*H*W samples of size bytes cannot
// fit in the available bytes of the file, before anything is allocated
func checkPayload(frames, height, width, size int, available int64) error {
	n := int64(frames)
	for _, d := range []int{height, width, size} {
		if n > math.MaxInt64/int64(d) {
			return fmt.Errorf("shape %dx%dx%d overflows", frames, height, width)
		}
		n *= int64(d)
	}
	if n > available {
		return fmt.Errorf("shape %dx%dx%d needs %d payload bytes, file holds at most %d",
			frames, height, width, n, max(available, 0))
	}
	return nil
}
