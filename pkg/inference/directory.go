package inference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"deepiglu/pkg/seqio"
)

// FileError reports a recording skipped in directory mode
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// DirectoryResult lists the outputs and skipped inputs of a directory run
type DirectoryResult struct {
	Written  []string
	Failures []*FileError
}

// DenoiseDirectory denoises every file directly inside inDir whose name
// ends with one of endings and writes it under outDir with the same base
// name. Each recording is normalized independently. Files that cannot be
// decoded or predicted are reported and skipped.
func (e *Engine) DenoiseDirectory(ctx context.Context, inDir, outDir string, endings []string) (*DirectoryResult, error) {
	same, err := sameDir(inDir, outDir)
	if err != nil {
		return nil, err
	}
	if same {
		return nil, fmt.Errorf("output directory %s is the input directory", outDir)
	}

	entries, err := os.ReadDir(inDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && seqio.MatchesEnding(entry.Name(), endings) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	e.log.Infof("Found %d recording(s) in %s", len(names), inDir)

	result := &DirectoryResult{}
	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		in := filepath.Join(inDir, name)
		out := filepath.Join(outDir, name)

		if e.state == StateFailed {
			e.Reset()
		}
		if _, err := e.DenoiseFile(ctx, in); err != nil {
			var perr *PreconditionError
			if errors.As(err, &perr) || ctx.Err() != nil {
				return result, err
			}
			e.log.Warnf("Skipping %s: %v", in, err)
			result.Failures = append(result.Failures, &FileError{Path: in, Err: err})
			continue
		}
		if err := e.WriteDenoised(out); err != nil {
			// an unwritable output directory affects every file
			return result, err
		}
		result.Written = append(result.Written, out)
		e.log.Infof("Denoising recordings: %.1f%% complete", float64(i+1)/float64(len(names))*100)
	}
	return result, nil
}

// sameDir reports whether a and b name the same directory
func sameDir(a, b string) (bool, error) {
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
