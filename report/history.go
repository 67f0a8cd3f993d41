package report

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed history_schema.sql
var historySchema string

// ErrRunNotFound is returned when a run id is not in the history.
var ErrRunNotFound = errors.New("report: run not found")

// RunSummary is one row of the run history.
type RunSummary struct {
	RunID     string
	Timestamp string
	Transport string
	Endpoint  string
	Verdict   string
	Total     int
	Failed    int
}

// History persists artifacts to a SQLite database.
type History struct {
	db  *sql.DB
	now func() time.Time
}

// OpenHistory opens (or creates) the history database at dsn. A plain file
// path is a valid DSN.
func OpenHistory(dsn string) (*History, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("report: open history: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("report: set WAL mode: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("report: create history schema: %w", err)
	}
	return &History{db: db, now: time.Now}, nil
}

// Record stores an artifact. Recording the same run id twice replaces it.
func (h *History) Record(ctx context.Context, artifact Artifact) error {
	if artifact.RunID == "" {
		return errors.New("report: artifact has no run id")
	}
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("report: marshal artifact: %w", err)
	}
	_, err = h.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (run_id, timestamp, transport, endpoint, verdict, total, failed, recorded, artifact)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.RunID,
		artifact.Timestamp,
		artifact.Transport,
		artifact.BaseURL,
		artifact.Verdict,
		len(artifact.Cases),
		artifact.Failed,
		h.now().UTC().Format(time.RFC3339Nano),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("report: record run: %w", err)
	}
	return nil
}

// List returns the most recent runs first. A limit of zero returns all.
func (h *History) List(ctx context.Context, limit int) ([]RunSummary, error) {
	query := `SELECT run_id, timestamp, transport, endpoint, verdict, total, failed
	          FROM runs ORDER BY recorded DESC, run_id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("report: list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		if err := rows.Scan(&s.RunID, &s.Timestamp, &s.Transport, &s.Endpoint, &s.Verdict, &s.Total, &s.Failed); err != nil {
			return nil, fmt.Errorf("report: scan run: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: list runs: %w", err)
	}
	return out, nil
}

// Get returns the stored artifact for runID.
func (h *History) Get(ctx context.Context, runID string) (Artifact, error) {
	var data string
	err := h.db.QueryRowContext(ctx, `SELECT artifact FROM runs WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("report: get run: %w", err)
	}
	var artifact Artifact
	if err := json.Unmarshal([]byte(data), &artifact); err != nil {
		return Artifact{}, fmt.Errorf("report: decode stored artifact: %w", err)
	}
	return artifact, nil
}

// Close releases the database.
func (h *History) Close() error {
	return h.db.Close()
}
