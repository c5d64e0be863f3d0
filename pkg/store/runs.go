package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Run records one invocation that wrote to the store
type Run struct {
	ID         string
	Kind       string
	StartedAt  time.Time
	FinishedAt time.Time

	// Params is a free-form rendering of the run parameters
	Params string

	FirstKey int
	Written  int
	Skipped  int
	Failed   int
}

// BeginRun inserts an unfinished run starting at the current next key
func (s *Store) BeginRun(ctx context.Context, kind, params string) (*Run, error) {
	run := &Run{
		ID:        uuid.NewString(),
		Kind:      kind,
		StartedAt: time.Now().UTC(),
		Params:    params,
		FirstKey:  s.NextKey(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO runs (run_id, kind, started_at, params, first_key) VALUES (?, ?, ?, ?, ?)",
		run.ID, run.Kind, run.StartedAt.Format(time.RFC3339Nano), run.Params, run.FirstKey)
	if err != nil {
		return nil, &Error{Op: "run", Path: s.path, Err: err}
	}
	return run, nil
}

// FinishRun stores the final counters of run
func (s *Store) FinishRun(ctx context.Context, run *Run) error {
	run.FinishedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		"UPDATE runs SET finished_at = ?, written = ?, skipped = ?, failed = ? WHERE run_id = ?",
		run.FinishedAt.Format(time.RFC3339Nano), run.Written, run.Skipped, run.Failed, run.ID)
	if err != nil {
		return &Error{Op: "run", Path: s.path, Err: err}
	}
	return nil
}

// Runs lists recorded runs, oldest first
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, kind, started_at, finished_at, params, first_key, written, skipped, failed
		FROM runs ORDER BY started_at, rowid`)
	if err != nil {
		return nil, &Error{Op: "runs", Path: s.path, Err: err}
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			started  string
			finished sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Kind, &started, &finished, &r.Params,
			&r.FirstKey, &r.Written, &r.Skipped, &r.Failed); err != nil {
			return nil, &Error{Op: "runs", Path: s.path, Err: err}
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if finished.Valid {
			r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished.String)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: "runs", Path: s.path, Err: err}
	}
	return runs, nil
}
