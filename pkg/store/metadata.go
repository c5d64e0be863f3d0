package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"deepiglu/internal/models"
)

// metadataHeader is the column layout of the CSV side-file
var metadataHeader = []string{"h5_idx", "original_filepath", "target_frame", "y_pos", "x_pos"}

// WriteMetadata writes records as CSV to w
func WriteMetadata(w io.Writer, records []models.ExampleRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(metadataHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			strconv.Itoa(r.Key),
			r.Source,
			strconv.Itoa(r.TargetFrame),
			strconv.Itoa(r.Y),
			strconv.Itoa(r.X),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadMetadata parses a CSV side-file
func ReadMetadata(r io.Reader) ([]models.ExampleRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(metadataHeader)

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for i, name := range metadataHeader {
		if header[i] != name {
			return nil, fmt.Errorf("unexpected metadata column %q, want %q", header[i], name)
		}
	}

	var records []models.ExampleRecord
	for {
		row, err := cr.Read()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		var rec models.ExampleRecord
		rec.Source = row[1]
		for _, f := range []struct {
			dst *int
			col int
		}{{&rec.Key, 0}, {&rec.TargetFrame, 2}, {&rec.Y, 3}, {&rec.X, 4}} {
			v, err := strconv.Atoi(row[f.col])
			if err != nil {
				return nil, fmt.Errorf("metadata column %s: %w", metadataHeader[f.col], err)
			}
			*f.dst = v
		}
		records = append(records, rec)
	}
}

// ExportMetadata writes the metadata of every stored example to path. The
// file is replaced atomically.
func (s *Store) ExportMetadata(ctx context.Context, path string) (int, error) {
	records, err := s.Records(ctx)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, &Error{Op: "metadata", Path: path, Err: err}
	}
	defer os.Remove(tmp.Name())

	if err := WriteMetadata(tmp, records); err != nil {
		tmp.Close()
		return 0, &Error{Op: "metadata", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return 0, &Error{Op: "metadata", Path: path, Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, &Error{Op: "metadata", Path: path, Err: err}
	}
	return len(records), nil
}

// LoadMetadata reads the CSV side-file at path
func LoadMetadata(path string) ([]models.ExampleRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ReadMetadata(file)
}
