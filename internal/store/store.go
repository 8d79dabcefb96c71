// Package store persists runs and test results in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/Laisky/errors/v2"
	_ "modernc.org/sqlite"

	"github.com/danshapiro/voicetest/internal/judge"
	"github.com/danshapiro/voicetest/internal/runner"
	"github.com/danshapiro/voicetest/internal/suite"
	"github.com/danshapiro/voicetest/internal/transcript"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

const timeLayout = time.RFC3339Nano

type Store struct {
	db *sql.DB
}

var _ runner.ResultSink = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create %s", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	// SQLite allows one writer; a single connection keeps writes serialized.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		agent TEXT NOT NULL,
		graph_fingerprint TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		total INTEGER NOT NULL,
		passed INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		errored INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS results (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id),
		seq INTEGER NOT NULL,
		test TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL,
		turn_count INTEGER NOT NULL,
		nodes_visited TEXT NOT NULL,
		tools_called TEXT NOT NULL,
		verdict TEXT NOT NULL,
		transcript TEXT NOT NULL,
		transcript_digest TEXT NOT NULL,
		error TEXT,
		started_at TEXT NOT NULL,
		duration_ns INTEGER NOT NULL,
		UNIQUE(run_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_results_run ON results(run_id);
	CREATE INDEX IF NOT EXISTS idx_results_test ON results(test);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(err, "migrate")
	}
	return nil
}

// SaveRun stores the run and all of its results in one transaction.
func (s *Store) SaveRun(ctx context.Context, run *runner.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	sum := run.Summary()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, agent, graph_fingerprint, started_at, finished_at, total, passed, failed, errored)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Agent, run.GraphFingerprint,
		run.StartedAt.UTC().Format(timeLayout), run.FinishedAt.UTC().Format(timeLayout),
		sum.Total, sum.Passed, sum.Failed, sum.Errored,
	); err != nil {
		return errors.Wrapf(err, "insert run %s", run.ID)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO results (id, run_id, seq, test, type, status, reason, turn_count, nodes_visited,
		   tools_called, verdict, transcript, transcript_digest, error, started_at, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare result insert")
	}
	defer stmt.Close()

	for i, r := range run.Results {
		nodes, err := marshal(nonNil(r.NodesVisited))
		if err != nil {
			return err
		}
		tools, err := marshal(nonNil(r.ToolsCalled))
		if err != nil {
			return err
		}
		verdict, err := marshal(r.Verdict)
		if err != nil {
			return err
		}
		tr, err := marshal(r.Transcript)
		if err != nil {
			return err
		}
		var errText sql.NullString
		if r.Error != "" {
			errText = sql.NullString{String: r.Error, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, run.ID, i, r.Test, string(r.Type), string(r.Status), string(r.Reason), r.TurnCount,
			nodes, tools, verdict, tr, r.TranscriptDigest, errText,
			r.StartedAt.UTC().Format(timeLayout), int64(r.Duration),
		); err != nil {
			return errors.Wrapf(err, "insert result %s", r.Test)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

// RunSummary is one row of the run listing.
type RunSummary struct {
	ID               string         `json:"id"`
	Agent            string         `json:"agent"`
	GraphFingerprint string         `json:"graph_fingerprint"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       time.Time      `json:"finished_at"`
	Summary          runner.Summary `json:"summary"`
}

// ListRuns returns the most recent runs first. limit <= 0 returns all of them.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	q := `SELECT id, agent, graph_fingerprint, started_at, finished_at, total, passed, failed, errored
	      FROM runs ORDER BY started_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		rs, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunSummary, error) {
	var (
		rs                RunSummary
		started, finished string
	)
	if err := row.Scan(&rs.ID, &rs.Agent, &rs.GraphFingerprint, &started, &finished,
		&rs.Summary.Total, &rs.Summary.Passed, &rs.Summary.Failed, &rs.Summary.Errored); err != nil {
		return RunSummary{}, err
	}
	var err error
	if rs.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return RunSummary{}, errors.Wrapf(err, "run %s started_at", rs.ID)
	}
	if rs.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
		return RunSummary{}, errors.Wrapf(err, "run %s finished_at", rs.ID)
	}
	return rs, nil
}

// LoadRun returns a stored run with its results in suite order. An empty id selects
// the most recent run.
func (s *Store) LoadRun(ctx context.Context, id string) (*runner.Run, error) {
	q := `SELECT id, agent, graph_fingerprint, started_at, finished_at, total, passed, failed, errored FROM runs `
	var row *sql.Row
	if id == "" {
		row = s.db.QueryRowContext(ctx, q+`ORDER BY started_at DESC, id DESC LIMIT 1`)
	} else {
		row = s.db.QueryRowContext(ctx, q+`WHERE id = ?`, id)
	}
	rs, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load run")
	}
	results, err := s.LoadResults(ctx, rs.ID)
	if err != nil {
		return nil, err
	}
	return &runner.Run{
		ID:               rs.ID,
		Agent:            rs.Agent,
		GraphFingerprint: rs.GraphFingerprint,
		StartedAt:        rs.StartedAt,
		FinishedAt:       rs.FinishedAt,
		Results:          results,
	}, nil
}

// LoadResults returns the results of one run in suite order.
func (s *Store) LoadResults(ctx context.Context, runID string) ([]runner.Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, test, type, status, reason, turn_count, nodes_visited, tools_called, verdict,
		        transcript, transcript_digest, error, started_at, duration_ns
		 FROM results WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "load results of %s", runID)
	}
	defer rows.Close()

	var out []runner.Result
	for rows.Next() {
		var (
			r                            runner.Result
			typ, status, reason, started string
			nodes, tools, verdict, tr    string
			errText                      sql.NullString
			duration                     int64
		)
		if err := rows.Scan(&r.ID, &r.Test, &typ, &status, &reason, &r.TurnCount, &nodes, &tools,
			&verdict, &tr, &r.TranscriptDigest, &errText, &started, &duration); err != nil {
			return nil, errors.Wrap(err, "scan result")
		}
		r.RunID = runID
		r.Type = suite.TestType(typ)
		r.Status = judge.Status(status)
		r.Reason = transcript.Reason(reason)
		r.Error = errText.String
		r.Duration = time.Duration(duration)
		if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, errors.Wrapf(err, "result %s started_at", r.ID)
		}
		if err := unmarshal(nodes, &r.NodesVisited); err != nil {
			return nil, err
		}
		if err := unmarshal(tools, &r.ToolsCalled); err != nil {
			return nil, err
		}
		if err := unmarshal(verdict, &r.Verdict); err != nil {
			return nil, err
		}
		if err := unmarshal(tr, &r.Transcript); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "load results")
	}
	return out, nil
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "encode column")
	}
	return string(b), nil
}

func unmarshal(s string, out any) error {
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return errors.Wrap(err, "decode column")
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
