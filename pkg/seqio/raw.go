package seqio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"deepiglu/internal/models"
)

// rawMagic opens every .seq file
const rawMagic = "IGLUSEQ1"

// Sample type codes of the .seq header
const (
	rawUint8   uint8 = 1
	rawUint16  uint8 = 2
	rawFloat32 uint8 = 3
	rawFloat64 uint8 = 4
)

// rawHeader is the fixed 24-byte .seq header that precedes the
// little-endian payload
type rawHeader struct {
	Magic    [8]byte
	Type     uint8
	Reserved [3]byte
	Frames   uint32
	Height   uint32
	Width    uint32
}

// Raw reads and writes the .seq stack container: a fixed header followed
// by T*H*W little-endian samples in row-major order.
type Raw struct{}

// Open decodes a .seq file
func (Raw) Open(path string) (*models.Sequence, error) {
	seq, err := openRaw(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return seq, nil
}

func openRaw(path string) (*models.Sequence, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	r := bufio.NewReader(file)
	var header rawHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if string(header.Magic[:]) != rawMagic {
		return nil, fmt.Errorf("not a .seq file")
	}

	d := dtype{order: binary.LittleEndian}
	switch header.Type {
	case rawUint8:
		d.kind, d.size = 'u', 1
	case rawUint16:
		d.kind, d.size = 'u', 2
	case rawFloat32:
		d.kind, d.size = 'f', 4
	case rawFloat64:
		d.kind, d.size = 'f', 8
	default:
		return nil, fmt.Errorf("unknown sample type %d", header.Type)
	}

	frames, height, width, err := sequenceShape([]int{int(header.Frames), int(header.Height), int(header.Width)})
	if err != nil {
		return nil, err
	}
	if err := checkPayload(frames, height, width, d.size, info.Size()-int64(binary.Size(header))); err != nil {
		return nil, err
	}

	seq := models.NewSequence(frames, height, width)
	if err := readSamples(r, d, seq.Data); err != nil {
		return nil, err
	}
	return seq, nil
}

// Write stores a quantized sequence as u1 or u2 samples
func (Raw) Write(seq *models.DenoisedSequence, path string) error {
	if err := checkBitDepth(seq.BitDepth); err != nil {
		return err
	}
	typ := rawUint16
	if seq.BitDepth == 8 {
		typ = rawUint8
	}
	return writeRaw(path, typ, seq.Frames, seq.Height, seq.Width, func(w io.Writer) error {
		return writeUnsigned(w, seq.Data, seq.BitDepth)
	})
}

// WriteSequence stores a float sequence as f8 samples
func (Raw) WriteSequence(seq *models.Sequence, path string) error {
	if err := seq.Validate(); err != nil {
		return err
	}
	return writeRaw(path, rawFloat64, seq.Frames, seq.Height, seq.Width, func(w io.Writer) error {
		return writeFloat64(w, seq.Data)
	})
}

func writeRaw(path string, typ uint8, frames, height, width int, payload func(io.Writer) error) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	header := rawHeader{
		Type:   typ,
		Frames: uint32(frames),
		Height: uint32(height),
		Width:  uint32(width),
	}
	copy(header.Magic[:], rawMagic)

	w := bufio.NewWriter(file)
	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		return err
	}
	if err := payload(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return file.Close()
}
