// Package seqio reads and writes recordings. A Codec turns a file into a
// float sequence and writes requantized sequences back; Multi picks the
// container by file extension.
package seqio

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"deepiglu/internal/models"
)

// Codec is the file collaborator used by dataset preparation and inference
type Codec interface {
	// Open decodes the recording at path
	Open(path string) (*models.Sequence, error)

	// Write stores a denoised sequence at path
	Write(seq *models.DenoisedSequence, path string) error
}

// ErrUnsupported is wrapped by DecodeError when no codec handles a path
var ErrUnsupported = errors.New("unsupported sequence container")

// DecodeError reports a recording that cannot be read as a valid sequence
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Multi dispatches to a codec registered for the file extension
type Multi struct {
	codecs map[string]Codec
}

// NewMulti returns a dispatcher with the built-in containers registered
func NewMulti() *Multi {
	m := &Multi{codecs: make(map[string]Codec)}
	m.Register(".npy", NPY{})
	m.Register(".seq", Raw{})
	return m
}

// Register associates ext (with leading dot) with codec
func (m *Multi) Register(ext string, codec Codec) {
	m.codecs[strings.ToLower(ext)] = codec
}

func (m *Multi) lookup(path string) (Codec, error) {
	codec, ok := m.codecs[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, filepath.Ext(path))
	}
	return codec, nil
}

// Open decodes path with the codec registered for its extension
func (m *Multi) Open(path string) (*models.Sequence, error) {
	codec, err := m.lookup(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return codec.Open(path)
}

// Write encodes seq with the codec registered for the extension of path
func (m *Multi) Write(seq *models.DenoisedSequence, path string) error {
	codec, err := m.lookup(path)
	if err != nil {
		return err
	}
	return codec.Write(seq, path)
}

// MatchesEnding reports whether name ends with one of endings
func MatchesEnding(name string, endings []string) bool {
	for _, ending := range endings {
		if strings.HasSuffix(name, ending) {
			return true
		}
	}
	return false
}
