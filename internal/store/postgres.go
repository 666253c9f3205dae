package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/econcast/residual-cli/internal/db"
	"github.com/econcast/residual-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
	Connect  Backoff
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	backoff := DefaultBackoff()
	if poolCfg != nil {
		backoff = poolCfg.Connect
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	st := &PostgresStore{pool: pool, closeFn: pool.Close}
	if err := st.Ping(ctx, backoff); err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	status     TEXT NOT NULL DEFAULT 'queued',
	artifact   TEXT NOT NULL,
	features   JSONB NOT NULL,
	params     JSONB NOT NULL,
	result     JSONB,
	error      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS fold_metrics (
	run_id         TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	fold           INTEGER NOT NULL,
	rmse           DOUBLE PRECISION NOT NULL,
	best_iteration INTEGER NOT NULL,
	metric         JSONB NOT NULL,
	recorded_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, fold)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);
`

// Ping checks connectivity, retrying transient failures according to b.
func (s *PostgresStore) Ping(ctx context.Context, b Backoff) error {
	return eris.Wrap(withRetry(ctx, b, "postgres ping", s.pool.Ping), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run model.Run) (*model.Run, error) {
	run.ID = uuid.New().String()
	run.Status = model.RunStatusQueued
	now := time.Now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now

	featuresJSON, err := json.Marshal(run.Features)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal features")
	}
	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal params")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, artifact, features, params, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, string(run.Status), run.Artifact, featuresJSON, paramsJSON, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return &run, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return notFound(runID)
	}
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET result = $1, status = $2, updated_at = $3 WHERE id = $4`,
		resultJSON, string(model.RunStatusComplete), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return notFound(runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET error = $1, status = $2, updated_at = $3 WHERE id = $4`,
		reason, string(model.RunStatusFailed), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return notFound(runID)
	}
	return nil
}

const postgresRunColumns = `id, status, artifact, features, params, result, error, created_at, updated_at`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPostgresRun(s.pool.QueryRow(ctx,
		`SELECT `+postgresRunColumns+` FROM runs WHERE id = $1`,
		runID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + postgresRunColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, argIdx)
	args = append(args, limitOf(filter))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) RecordFold(ctx context.Context, runID string, metric model.FoldMetric) error {
	metricJSON, err := json.Marshal(metric)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal fold metric")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO fold_metrics (run_id, fold, rmse, best_iteration, metric, recorded_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id, fold) DO UPDATE SET rmse = EXCLUDED.rmse, best_iteration = EXCLUDED.best_iteration,
		 metric = EXCLUDED.metric, recorded_at = EXCLUDED.recorded_at`,
		runID, metric.Fold, metric.RMSE, metric.BestIteration, metricJSON, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: record fold %d for run %s", metric.Fold, runID)
}

func (s *PostgresStore) ListFolds(ctx context.Context, runID string) ([]model.FoldMetric, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT metric FROM fold_metrics WHERE run_id = $1 ORDER BY fold`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list folds for run %s", runID)
	}
	defer rows.Close()

	var folds []model.FoldMetric
	for rows.Next() {
		var metricJSON []byte
		if err := rows.Scan(&metricJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan fold")
		}
		var m model.FoldMetric
		if err := json.Unmarshal(metricJSON, &m); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal fold")
		}
		folds = append(folds, m)
	}
	return folds, eris.Wrap(rows.Err(), "postgres: list folds iterate")
}

func scanPostgresRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var featuresJSON, paramsJSON []byte
	var resultJSON *[]byte
	var errText *string

	if err := row.Scan(&r.ID, &r.Status, &r.Artifact, &featuresJSON, &paramsJSON, &resultJSON, &errText, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	var result []byte
	if resultJSON != nil {
		result = *resultJSON
	}
	if err := decodeRun(&r, featuresJSON, paramsJSON, result); err != nil {
		return nil, eris.Wrap(err, "postgres: decode run")
	}
	if errText != nil {
		r.Error = *errText
	}
	return &r, nil
}
