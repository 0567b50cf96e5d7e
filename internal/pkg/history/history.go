// Package history records every run and its per-image scan outcome in PostgreSQL.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"docktor/internal/pkg/scanner"
	"docktor/internal/pkg/severity"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS scan_runs (
  id          uuid PRIMARY KEY,
  started_at  timestamptz NOT NULL,
  finished_at timestamptz NOT NULL,
  threshold   text NOT NULL,
  images      integer NOT NULL,
  notified    boolean NOT NULL
);
CREATE TABLE IF NOT EXISTS scan_results (
  run_id          uuid NOT NULL REFERENCES scan_runs (id) ON DELETE CASCADE,
  image           text NOT NULL,
  status          text NOT NULL,
  findings        integer NOT NULL,
  severity_counts jsonb NOT NULL,
  containers      jsonb NOT NULL,
  error           text,
  PRIMARY KEY (run_id, image)
);
`

// Run is one docktor invocation.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Threshold  severity.Level
	Notified   bool
	Results    []*scanner.ScanResult
}

// Store persists runs.
type Store struct{ Pool *pgxpool.Pool }

// Open connects to the database and makes sure the schema exists.
func Open(ctx context.Context, url string) (*Store, error) {
	p, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to history database: %w", err)
	}
	s := &Store{Pool: p}
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.Pool.Close()
}

// EnsureSchema creates the history tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating history schema: %w", err)
	}
	return nil
}

// Record stores a run and one row per scan result in a single transaction.
func (s *Store) Record(ctx context.Context, run *Run) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO scan_runs (id, started_at, finished_at, threshold, images, notified)
		VALUES ($1::uuid, $2, $3, $4, $5, $6)
	`, run.ID, run.StartedAt, run.FinishedAt, string(run.Threshold), len(run.Results), run.Notified)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	batch := &pgx.Batch{}
	for _, r := range run.Results {
		row, err := newResultRow(r)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO scan_results (run_id, image, status, findings, severity_counts, containers, error)
			VALUES ($1::uuid, $2, $3, $4, $5::jsonb, $6::jsonb, $7)
		`, run.ID, row.Image, row.Status, row.Findings, row.SeverityCounts, row.Containers, row.Error)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert results: %w", err)
		}
	}
	return tx.Commit(ctx)
}

type resultRow struct {
	Image          string
	Status         string
	Findings       int
	SeverityCounts string
	Containers     string
	Error          *string
}

func newResultRow(r *scanner.ScanResult) (*resultRow, error) {
	counts := make(map[string]int, len(r.SeverityCounts))
	for k, v := range r.SeverityCounts {
		counts[string(k)] = v
	}
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return nil, fmt.Errorf("encoding severity counts of %s: %w", r.Image, err)
	}
	containers := r.Containers
	if containers == nil {
		containers = []string{}
	}
	containersJSON, err := json.Marshal(containers)
	if err != nil {
		return nil, fmt.Errorf("encoding containers of %s: %w", r.Image, err)
	}
	row := &resultRow{
		Image:          r.Image,
		Status:         string(r.Status),
		Findings:       r.Findings,
		SeverityCounts: string(countsJSON),
		Containers:     string(containersJSON),
	}
	if r.Err != nil {
		msg := r.Err.Error()
		row.Error = &msg
	}
	return row, nil
}
