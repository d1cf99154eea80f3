// Package runlog records ETL runs in the warehouse's etl_run_log table.
package runlog

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jconover/medrobotics-etl/internal/db"
	"github.com/jconover/medrobotics-etl/internal/model"
)

// Entry is one row of etl_run_log.
type Entry struct {
	RunID         string           `json:"run_id" yaml:"run_id"`
	ETLType       string           `json:"etl_type" yaml:"etl_type"`
	Status        string           `json:"status" yaml:"status"`
	StartedAt     time.Time        `json:"started_at" yaml:"started_at"`
	FinishedAt    *time.Time       `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	RecordsLoaded map[string]int64 `json:"records_loaded,omitempty" yaml:"records_loaded,omitempty"`
	Error         string           `json:"error,omitempty" yaml:"error,omitempty"`
}

// Log reads and writes etl_run_log. It doubles as an orchestrator
// observer so every run is logged without the core knowing about it.
type Log struct {
	pool  db.Pool
	table string
	log   *zap.Logger
}

// New creates a run log over pool. schema may be empty.
func New(pool db.Pool, schema string) *Log {
	table := "etl_run_log"
	if schema != "" {
		table = schema + "." + table
	}
	return &Log{
		pool:  pool,
		table: db.Quote(table),
		log:   zap.L().With(zap.String("component", "runlog")),
	}
}

// Start records the beginning of a run.
func (l *Log) Start(ctx context.Context, runID, etlType string, startedAt time.Time) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO `+l.table+` (run_id, etl_type, status, started_at)
		 VALUES ($1, $2, $3, $4)`,
		runID, etlType, string(model.RunStatusRunning), startedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: start run %s", runID)
	}
	return nil
}

// Complete marks a run successful.
func (l *Log) Complete(ctx context.Context, runID string, finishedAt time.Time, loaded map[string]int64) error {
	return l.finish(ctx, runID, "", model.RunStatusSuccess, finishedAt, loaded, "")
}

// Fail marks a run failed. A run that never reached Start (for example an
// invalid request) is inserted directly.
func (l *Log) Fail(ctx context.Context, runID, etlType string, finishedAt time.Time, loaded map[string]int64, errMsg string) error {
	return l.finish(ctx, runID, etlType, model.RunStatusFailed, finishedAt, loaded, errMsg)
}

func (l *Log) finish(ctx context.Context, runID, etlType string, status model.RunStatus, finishedAt time.Time, loaded map[string]int64, errMsg string) error {
	loadedJSON, err := json.Marshal(loaded)
	if err != nil {
		return eris.Wrap(err, "runlog: marshal records_loaded")
	}
	var errArg any
	if errMsg != "" {
		errArg = truncate(errMsg, 4096)
	}

	tag, err := l.pool.Exec(ctx,
		`UPDATE `+l.table+`
		 SET status = $1, finished_at = $2, records_loaded = $3, error_message = $4
		 WHERE run_id = $5`,
		string(status), finishedAt.UTC(), string(loadedJSON), errArg, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: finish run %s", runID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	_, err = l.pool.Exec(ctx,
		`INSERT INTO `+l.table+` (run_id, etl_type, status, started_at, finished_at, records_loaded, error_message)
		 VALUES ($1, $2, $3, $4, $4, $5, $6)`,
		runID, etlType, string(status), finishedAt.UTC(), string(loadedJSON), errArg,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: record run %s", runID)
	}
	return nil
}

// List returns up to limit runs, most recent first. limit <= 0 returns all.
func (l *Log) List(ctx context.Context, limit int) ([]Entry, error) {
	q := `SELECT run_id, etl_type, status, started_at, finished_at, records_loaded, error_message
	      FROM ` + l.table + ` ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		q += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := l.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			finishedAt *time.Time
			loaded     *string
			errStr     *string
		)
		if err := rows.Scan(&e.RunID, &e.ETLType, &e.Status, &e.StartedAt, &finishedAt, &loaded, &errStr); err != nil {
			return nil, eris.Wrap(err, "runlog: scan entry")
		}
		e.FinishedAt = finishedAt
		if errStr != nil {
			e.Error = *errStr
		}
		if loaded != nil && *loaded != "" {
			if err := json.Unmarshal([]byte(*loaded), &e.RecordsLoaded); err != nil {
				l.log.Warn("unreadable records_loaded", zap.String("run_id", e.RunID), zap.Error(err))
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LastSuccess returns when the most recent successful run of etlType
// started, or nil if there is none.
func (l *Log) LastSuccess(ctx context.Context, etlType string) (*time.Time, error) {
	var t time.Time
	err := l.pool.QueryRow(ctx,
		`SELECT started_at FROM `+l.table+`
		 WHERE etl_type = $1 AND status = $2
		 ORDER BY started_at DESC LIMIT 1`,
		etlType, string(model.RunStatusSuccess),
	).Scan(&t)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "runlog: last success for %s", etlType)
	}
	return &t, nil
}

// RunStarted implements etl.Observer.
func (l *Log) RunStarted(ctx context.Context, run *model.RunResult) error {
	return l.Start(ctx, run.RunID, string(run.ETLType), parseTime(run.Timestamp))
}

// EntityFinished implements etl.Observer.
func (l *Log) EntityFinished(context.Context, string, model.EntityResult) error { return nil }

// RunFinished implements etl.Observer.
func (l *Log) RunFinished(ctx context.Context, run *model.RunResult) error {
	finished := parseTime(run.FinishedAt)
	if run.Status == model.RunStatusSuccess {
		return l.Complete(ctx, run.RunID, finished, run.RecordsLoaded)
	}
	return l.Fail(ctx, run.RunID, string(run.ETLType), finished, run.RecordsLoaded, run.Error)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Now().UTC()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
