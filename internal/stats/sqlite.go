package stats

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/AlexKimmel/rampload/internal/monitor"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	run_id   TEXT    NOT NULL,
	clock_ms INTEGER NOT NULL,
	rps      INTEGER NOT NULL,
	total    INTEGER NOT NULL,
	failed   INTEGER NOT NULL,
	at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_run ON snapshots(run_id, clock_ms);
`

// SQLiteSink appends every snapshot to a local database so a run can be
// replayed after the process exits.
type SQLiteSink struct {
	db         *sql.DB
	insertStmt *sql.Stmt
	closeOnce  sync.Once
}

func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	stmt, err := db.Prepare(`
		INSERT INTO snapshots (run_id, clock_ms, rps, total, failed, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}

	return &SQLiteSink{db: db, insertStmt: stmt}, nil
}

func (s *SQLiteSink) Write(ctx context.Context, r Record) error {
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.insertStmt.ExecContext(ctx,
		r.RunID,
		r.Status.Clock.Milliseconds(),
		r.Status.RPS,
		r.Status.Total,
		r.Status.Failed,
		at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// History returns the snapshots of one run ordered by monitor clock.
func (s *SQLiteSink) History(ctx context.Context, runID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT clock_ms, rps, total, failed, at
		FROM snapshots
		WHERE run_id = ?
		ORDER BY clock_ms, rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			clockMS, total, failed, at int64
			rps                        int
		)
		if err := rows.Scan(&clockMS, &rps, &total, &failed, &at); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, Record{
			RunID: runID,
			Status: monitor.Status{
				RPS:    rps,
				Total:  total,
				Failed: failed,
				Clock:  time.Duration(clockMS) * time.Millisecond,
			},
			At: time.Unix(0, at),
		})
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.insertStmt.Close()
		err = s.db.Close()
	})
	return err
}
