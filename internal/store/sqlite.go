package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/econcast/residual-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'queued',
	artifact   TEXT NOT NULL,
	features   TEXT NOT NULL,
	params     TEXT NOT NULL,
	result     TEXT,
	error      TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS fold_metrics (
	run_id         TEXT NOT NULL REFERENCES runs(id),
	fold           INTEGER NOT NULL,
	rmse           REAL NOT NULL,
	best_iteration INTEGER NOT NULL,
	metric         TEXT NOT NULL,
	recorded_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (run_id, fold)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run model.Run) (*model.Run, error) {
	run.ID = uuid.New().String()
	run.Status = model.RunStatusQueued
	now := time.Now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now

	featuresJSON, err := json.Marshal(run.Features)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal features")
	}
	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal params")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, artifact, features, params, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), run.Artifact, string(featuresJSON), string(paramsJSON), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return &run, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, runID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET result = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(resultJSON), string(model.RunStatusComplete), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET error = ?, status = ?, updated_at = ? WHERE id = ?`,
		reason, string(model.RunStatusFailed), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

const sqliteRunColumns = `id, status, artifact, features, params, result, error, created_at, updated_at`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(runID)
	}
	return r, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limitOf(filter))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) RecordFold(ctx context.Context, runID string, metric model.FoldMetric) error {
	metricJSON, err := json.Marshal(metric)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal fold metric")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO fold_metrics (run_id, fold, rmse, best_iteration, metric, recorded_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, fold) DO UPDATE SET rmse = excluded.rmse, best_iteration = excluded.best_iteration,
		 metric = excluded.metric, recorded_at = excluded.recorded_at`,
		runID, metric.Fold, metric.RMSE, metric.BestIteration, string(metricJSON), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: record fold %d for run %s", metric.Fold, runID)
}

func (s *SQLiteStore) ListFolds(ctx context.Context, runID string) ([]model.FoldMetric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT metric FROM fold_metrics WHERE run_id = ? ORDER BY fold`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list folds for run %s", runID)
	}
	defer rows.Close()

	var folds []model.FoldMetric
	for rows.Next() {
		var metricJSON string
		if err := rows.Scan(&metricJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fold")
		}
		var m model.FoldMetric
		if err := json.Unmarshal([]byte(metricJSON), &m); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal fold")
		}
		folds = append(folds, m)
	}
	return folds, eris.Wrap(rows.Err(), "sqlite: list folds iterate")
}

// helpers

func checkRowsAffected(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound(runID)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var featuresJSON, paramsJSON string
	var resultJSON, errText sql.NullString

	err := row.Scan(&r.ID, &r.Status, &r.Artifact, &featuresJSON, &paramsJSON, &resultJSON, &errText, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if err := decodeRun(&r, []byte(featuresJSON), []byte(paramsJSON), nullBytes(resultJSON)); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode run")
	}
	r.Error = errText.String
	return &r, nil
}

func nullBytes(s sql.NullString) []byte {
	if !s.Valid {
		return nil
	}
	return []byte(s.String)
}

// decodeRun fills the JSON-encoded columns shared by both backends.
func decodeRun(r *model.Run, features, params, result []byte) error {
	if err := json.Unmarshal(features, &r.Features); err != nil {
		return eris.Wrap(err, "features")
	}
	if err := json.Unmarshal(params, &r.Params); err != nil {
		return eris.Wrap(err, "params")
	}
	if result != nil {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal(result, r.Result); err != nil {
			return eris.Wrap(err, "result")
		}
	}
	return nil
}
