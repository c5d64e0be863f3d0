package seqio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sbinet/npyio"

	"deepiglu/internal/models"
)

var npyMagic = []byte("\x93NUMPY")

// NPY reads and writes NumPy .npy arrays. Recordings are (T, H, W); a 2D
// (H, W) array is one frame and a (T, 1, H, W) array has its channel
// axis dropped.
type NPY struct{}

// Open decodes a C-ordered .npy file
func (NPY) Open(path string) (*models.Sequence, error) {
	seq, err := openNPY(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return seq, nil
}

func openNPY(path string) (*models.Sequence, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	r, err := npyio.NewReader(bufio.NewReader(file))
	if err != nil {
		return nil, fmt.Errorf("reading npy header: %w", err)
	}
	descr := r.Header.Descr
	if descr.Fortran {
		return nil, fmt.Errorf("fortran-ordered npy arrays are not supported")
	}

	frames, height, width, err := sequenceShape(descr.Shape)
	if err != nil {
		return nil, err
	}
	size, err := npySampleSize(descr.Type)
	if err != nil {
		return nil, err
	}
	if err := checkPayload(frames, height, width, size, info.Size()-int64(len(npyMagic))-4); err != nil {
		return nil, err
	}

	seq := models.NewSequence(frames, height, width)
	if err := readNPYSamples(r, descr.Type, seq.Data); err != nil {
		return nil, fmt.Errorf("reading npy payload: %w", err)
	}
	return seq, nil
}

// npySampleSize returns the byte size of one sample of a supported descr
func npySampleSize(descr string) (int, error) {
	if len(descr) == 3 {
		switch descr[1:] {
		case "u1", "i1":
			return 1, nil
		case "u2", "i2":
			return 2, nil
		case "u4", "i4", "f4":
			return 4, nil
		case "f8":
			return 8, nil
		}
	}
	return 0, fmt.Errorf("unsupported npy dtype %q", descr)
}

// readNPYSamples decodes the payload into its native type and widens it
// into dst
func readNPYSamples(r *npyio.Reader, descr string, dst []float64) error {
	switch descr[1:] {
	case "f8":
		var v []float64
		if err := r.Read(&v); err != nil {
			return err
		}
		return widen(dst, v)
	case "f4":
		var v []float32
		if err := r.Read(&v); err != nil {
			return err
		}
		return widen(dst, v)
	case "u1":
		var v []uint8
		if err := r.Read(&v); err != nil {
			return err
		}
		return widen(dst, v)
	case "i1":
		var v []int8
		if err := r.Read(&v); err != nil {
			return err
		}
		return widen(dst, v)
	case "u2":
		var v []uint16
		if err := r.Read(&v); err != nil {
			return err
		}
		return widen(dst, v)
	case "i2":
		var v []int16
		if err := r.Read(&v); err != nil {
			return err
		}
		return widen(dst, v)
	case "u4":
		var v []uint32
		if err := r.Read(&v); err != nil {
			return err
		}
		return widen(dst, v)
	case "i4":
		var v []int32
		if err := r.Read(&v); err != nil {
			return err
		}
		return widen(dst, v)
	}
	return fmt.Errorf("unsupported npy dtype %q", descr)
}

type sample interface {
	~uint8 | ~int8 | ~uint16 | ~int16 | ~uint32 | ~int32 | ~float32 | ~float64
}

func widen[T sample](dst []float64, src []T) error {
	if len(src) != len(dst) {
		return fmt.Errorf("payload holds %d samples, shape needs %d", len(src), len(dst))
	}
	for i, v := range src {
		dst[i] = float64(v)
	}
	return nil
}

func sequenceShape(shape []int) (frames, height, width int, err error) {
	switch {
	case len(shape) == 2:
		frames, height, width = 1, shape[0], shape[1]
	case len(shape) == 3:
		frames, height, width = shape[0], shape[1], shape[2]
	case len(shape) == 4 && shape[1] == 1:
		frames, height, width = shape[0], shape[2], shape[3]
	default:
		return 0, 0, 0, fmt.Errorf("unsupported array shape %v", shape)
	}
	if frames <= 0 || height <= 0 || width <= 0 {
		return 0, 0, 0, fmt.Errorf("empty array shape %v", shape)
	}
	return frames, height, width, nil
}

// Write stores seq as an unsigned (T, H, W) array
func (NPY) Write(seq *models.DenoisedSequence, path string) error {
	if err := checkBitDepth(seq.BitDepth); err != nil {
		return err
	}
	descr := "<u2"
	if seq.BitDepth == 8 {
		descr = "|u1"
	}
	return writeNPY(path, descr, seq.Frames, seq.Height, seq.Width, func(w io.Writer) error {
		return writeUnsigned(w, seq.Data, seq.BitDepth)
	})
}

// WriteSequence stores a float sequence as a float64 (T, H, W) array
func (NPY) WriteSequence(seq *models.Sequence, path string) error {
	if err := seq.Validate(); err != nil {
		return err
	}
	return writeNPY(path, "<f8", seq.Frames, seq.Height, seq.Width, func(w io.Writer) error {
		return writeFloat64(w, seq.Data)
	})
}

func writeNPY(path, descr string, frames, height, width int, payload func(io.Writer) error) error {
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%d, %d, %d), }",
		descr, frames, height, width)
	// magic + version + uint16 length + header + '\n' is padded to 64 bytes
	unpadded := len(npyMagic) + 2 + 2 + len(header) + 1
	header += strings.Repeat(" ", (64-unpadded%64)%64) + "\n"

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	w.Write(npyMagic)
	w.Write([]byte{1, 0})
	binary.Write(w, binary.LittleEndian, uint16(len(header)))
	w.WriteString(header)
	if err := payload(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return file.Close()
}
