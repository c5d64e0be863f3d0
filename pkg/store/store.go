// Package store persists training examples in a single SQLite file. Each
// example is a row keyed by a dense integer index whose payload is a
// framed n-dimensional float array; the metadata columns mirror the CSV
// side-file written next to the store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"

	_ "modernc.org/sqlite"

	"deepiglu/internal/logging"
	"deepiglu/internal/models"
)

// Mode selects how an existing store file is treated by Open
type Mode int

const (
	// ModeAppend keeps existing examples and continues the key sequence
	ModeAppend Mode = iota

	// ModeOverwrite removes any existing store first
	ModeOverwrite
)

func (m Mode) String() string {
	if m == ModeOverwrite {
		return "overwrite"
	}
	return "append"
}

// ErrNotFound is wrapped when a key is not present in the store
var ErrNotFound = errors.New("example not found")

// Error reports a failed store operation
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Options control how payloads are encoded
type Options struct {
	Compression Compression
	Precision   Precision
}

// DefaultOptions stores zstd-compressed float64 values
func DefaultOptions() Options {
	return Options{Compression: CompressionZstd, Precision: PrecisionFloat64}
}

// ParseOptions builds Options from config names
func ParseOptions(compression, precision string) (Options, error) {
	c, err := ParseCompression(compression)
	if err != nil {
		return Options{}, err
	}
	p, err := ParsePrecision(precision)
	if err != nil {
		return Options{}, err
	}
	return Options{Compression: c, Precision: p}, nil
}

// Store is an open example store. Writes are serialized; the next key is
// one past the largest key present when the store was opened.
type Store struct {
	db   *sql.DB
	path string
	opts Options

	mu   sync.Mutex
	next int
}

// Open opens or creates the store at path
func Open(ctx context.Context, path string, mode Mode, opts Options) (*Store, error) {
	if opts.Precision == 0 {
		opts.Precision = PrecisionFloat64
	}
	if mode == ModeOverwrite {
		if err := Remove(path); err != nil {
			return nil, &Error{Op: "remove", Path: path, Err: err}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &Error{Op: "open", Path: path, Err: err}
	}
	// one connection keeps pragmas and transactions on the same handle
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, &Error{Op: "open", Path: path, Err: err}
		}
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, &Error{Op: "migrate", Path: path, Err: err}
	}

	s := &Store{db: db, path: path, opts: opts}
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(idx), -1) + 1 FROM examples").Scan(&s.next); err != nil {
		db.Close()
		return nil, &Error{Op: "open", Path: path, Err: err}
	}

	logging.WithComponent("store").Debugf("Opened %s (%s), next key %d", path, mode, s.next)
	return s, nil
}

// Remove deletes the store file at path together with its WAL files.
// Missing files are not an error.
func Remove(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Path returns the file the store was opened from
func (s *Store) Path() string {
	return s.path
}

// NextKey returns the key the next appended example will receive
func (s *Store) NextKey() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Append writes examples in one transaction and assigns them consecutive
// keys starting at NextKey. The assigned key is also set on each example.
// Nothing is written if any example fails.
func (s *Store) Append(ctx context.Context, examples []*models.TrainExample) ([]int, error) {
	if len(examples) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	payloads := make([][]byte, len(examples))
	for i, ex := range examples {
		payload, err := encodePayload(ex.Shape(), ex.Data, s.opts.Precision, s.opts.Compression)
		if err != nil {
			return nil, &Error{Op: "encode", Path: s.path, Err: err}
		}
		payloads[i] = payload
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &Error{Op: "append", Path: s.path, Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO examples (idx, source, target_frame, y_pos, x_pos, frames, height, width, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, &Error{Op: "append", Path: s.path, Err: err}
	}
	defer stmt.Close()

	keys := make([]int, len(examples))
	for i, ex := range examples {
		keys[i] = s.next + i
		if _, err := stmt.ExecContext(ctx, keys[i], ex.Source, ex.TargetFrame, ex.Y, ex.X,
			ex.Frames, ex.Height, ex.Width, payloads[i]); err != nil {
			return nil, &Error{Op: "append", Path: s.path, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, &Error{Op: "commit", Path: s.path, Err: err}
	}

	for i, ex := range examples {
		ex.Key = keys[i]
	}
	s.next += len(examples)
	return keys, nil
}

// Len returns the number of stored examples
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM examples").Scan(&n); err != nil {
		return 0, &Error{Op: "count", Path: s.path, Err: err}
	}
	return n, nil
}

// Keys returns every key in ascending order
func (s *Store) Keys(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT idx FROM examples ORDER BY idx")
	if err != nil {
		return nil, &Error{Op: "keys", Path: s.path, Err: err}
	}
	defer rows.Close()

	var keys []int
	for rows.Next() {
		var k int
		if err := rows.Scan(&k); err != nil {
			return nil, &Error{Op: "keys", Path: s.path, Err: err}
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: "keys", Path: s.path, Err: err}
	}
	return keys, nil
}

const selectExample = `SELECT idx, source, target_frame, y_pos, x_pos, frames, height, width, payload FROM examples`

type scanner interface {
	Scan(dest ...any) error
}

func scanExample(row scanner) (*models.TrainExample, error) {
	var (
		ex      models.TrainExample
		payload []byte
	)
	if err := row.Scan(&ex.Key, &ex.Source, &ex.TargetFrame, &ex.Y, &ex.X,
		&ex.Frames, &ex.Height, &ex.Width, &payload); err != nil {
		return nil, err
	}
	shape, data, err := decodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("example %d: %w", ex.Key, err)
	}
	if len(shape) != 3 || shape[0] != ex.Frames || shape[1] != ex.Height || shape[2] != ex.Width {
		return nil, fmt.Errorf("example %d: payload shape %v does not match %v", ex.Key, shape, ex.Shape())
	}
	ex.Data = data
	return &ex, nil
}

// Get loads the example stored under key
func (s *Store) Get(ctx context.Context, key int) (*models.TrainExample, error) {
	ex, err := scanExample(s.db.QueryRowContext(ctx, selectExample+" WHERE idx = ?", key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &Error{Op: "get", Path: s.path, Err: fmt.Errorf("%w: key %d", ErrNotFound, key)}
	}
	if err != nil {
		return nil, &Error{Op: "get", Path: s.path, Err: err}
	}
	return ex, nil
}

// Each calls fn for every example in key order. fn must not use s.
func (s *Store) Each(ctx context.Context, fn func(*models.TrainExample) error) error {
	rows, err := s.db.QueryContext(ctx, selectExample+" ORDER BY idx")
	if err != nil {
		return &Error{Op: "scan", Path: s.path, Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		ex, err := scanExample(rows)
		if err != nil {
			return &Error{Op: "scan", Path: s.path, Err: err}
		}
		if err := fn(ex); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return &Error{Op: "scan", Path: s.path, Err: err}
	}
	return nil
}

// Records returns the metadata of every example in key order
func (s *Store) Records(ctx context.Context) ([]models.ExampleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT idx, source, target_frame, y_pos, x_pos FROM examples ORDER BY idx")
	if err != nil {
		return nil, &Error{Op: "records", Path: s.path, Err: err}
	}
	defer rows.Close()

	var records []models.ExampleRecord
	for rows.Next() {
		var r models.ExampleRecord
		if err := rows.Scan(&r.Key, &r.Source, &r.TargetFrame, &r.Y, &r.X); err != nil {
			return nil, &Error{Op: "records", Path: s.path, Err: err}
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: "records", Path: s.path, Err: err}
	}
	return records, nil
}

// SchemaVersion returns the applied migration version
func (s *Store) SchemaVersion() (uint, error) {
	version, dirty, err := schemaVersion(s.db)
	if err != nil {
		return 0, &Error{Op: "version", Path: s.path, Err: err}
	}
	if dirty {
		return version, &Error{Op: "version", Path: s.path, Err: fmt.Errorf("schema version %d is dirty", version)}
	}
	return version, nil
}

// Close releases the database handle
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return &Error{Op: "close", Path: s.path, Err: err}
	}
	return nil
}
