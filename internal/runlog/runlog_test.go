package runlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jconover/medrobotics-etl/internal/etl"
	"github.com/jconover/medrobotics-etl/internal/model"
)

var _ etl.Observer = (*Log)(nil)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestStart(t *testing.T) {
	mock := newMock(t)
	l := New(mock, "analytics")
	started := time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO "analytics"\."etl_run_log" \(run_id, etl_type, status, started_at\)`).
		WithArgs("run-1", "full", "running", started).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, l.Start(context.Background(), "run-1", "full", started))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestComplete(t *testing.T) {
	mock := newMock(t)
	l := New(mock, "")
	finished := time.Date(2024, 1, 2, 6, 5, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE "etl_run_log"\s+SET status = \$1, finished_at = \$2, records_loaded = \$3, error_message = \$4\s+WHERE run_id = \$5`).
		WithArgs("success", finished, `{"robots":3,"surgeons":1}`, nil, "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := l.Complete(context.Background(), "run-1", finished, map[string]int64{"surgeons": 1, "robots": 3})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_InsertsWhenRunWasNeverStarted(t *testing.T) {
	mock := newMock(t)
	l := New(mock, "")
	finished := time.Date(2024, 1, 2, 6, 5, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE "etl_run_log"`).
		WithArgs("failed", finished, "{}", "model: invalid run request", "run-2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(`INSERT INTO "etl_run_log" \(run_id, etl_type, status, started_at, finished_at, records_loaded, error_message\)`).
		WithArgs("run-2", "bogus", "failed", finished, "{}", "model: invalid run request").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := l.Fail(context.Background(), "run-2", "bogus", finished, map[string]int64{}, "model: invalid run request")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_ExecError(t *testing.T) {
	mock := newMock(t)
	l := New(mock, "")

	mock.ExpectExec(`UPDATE "etl_run_log"`).WillReturnError(errors.New("connection reset"))

	err := l.Fail(context.Background(), "run-3", "full", time.Now(), nil, "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runlog: finish run run-3")
}

func TestList(t *testing.T) {
	mock := newMock(t)
	l := New(mock, "")
	started := time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC)
	finished := started.Add(3 * time.Minute)
	loaded := `{"procedures":12}`
	errMsg := "telemetry: merging: deadlock"

	mock.ExpectQuery(`SELECT run_id, etl_type, status, started_at, finished_at, records_loaded, error_message\s+FROM "etl_run_log" ORDER BY started_at DESC LIMIT \$1`).
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows([]string{"run_id", "etl_type", "status", "started_at", "finished_at", "records_loaded", "error_message"}).
			AddRow("run-2", "full", "failed", started, &finished, &loaded, &errMsg).
			AddRow("run-1", "dimensions", "running", started.Add(-time.Hour), (*time.Time)(nil), (*string)(nil), (*string)(nil)))

	entries, err := l.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "run-2", entries[0].RunID)
	require.NotNil(t, entries[0].FinishedAt)
	assert.Equal(t, finished, *entries[0].FinishedAt)
	assert.Equal(t, map[string]int64{"procedures": 12}, entries[0].RecordsLoaded)
	assert.Equal(t, errMsg, entries[0].Error)

	assert.Equal(t, "running", entries[1].Status)
	assert.Nil(t, entries[1].FinishedAt)
	assert.Nil(t, entries[1].RecordsLoaded)
	assert.Empty(t, entries[1].Error)
}

func TestList_QueryError(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`FROM "etl_run_log"`).WillReturnError(errors.New("relation does not exist"))

	_, err := New(mock, "").List(context.Background(), 0)
	assert.Error(t, err)
}

func TestLastSuccess(t *testing.T) {
	mock := newMock(t)
	l := New(mock, "")
	started := time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT started_at FROM "etl_run_log"`).
		WithArgs("full", "success").
		WillReturnRows(pgxmock.NewRows([]string{"started_at"}).AddRow(started))
	got, err := l.LastSuccess(context.Background(), "full")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, started, *got)

	mock.ExpectQuery(`SELECT started_at FROM "etl_run_log"`).
		WithArgs("telemetry", "success").
		WillReturnError(pgx.ErrNoRows)
	got, err = l.LastSuccess(context.Background(), "telemetry")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestObserver(t *testing.T) {
	mock := newMock(t)
	l := New(mock, "")
	run := &model.RunResult{
		RunID:         "run-9",
		Status:        model.RunStatusRunning,
		ETLType:       model.RunTypeProcedures,
		Timestamp:     "2024-01-02T06:00:00Z",
		RecordsLoaded: map[string]int64{},
	}

	mock.ExpectExec(`INSERT INTO "etl_run_log"`).
		WithArgs("run-9", "procedures", "running", time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, l.RunStarted(context.Background(), run))

	require.NoError(t, l.EntityFinished(context.Background(), run.RunID, model.EntityResult{Entity: etl.Procedures}))

	run.Status = model.RunStatusSuccess
	run.FinishedAt = "2024-01-02T06:01:00Z"
	run.RecordsLoaded[etl.Procedures] = 4
	mock.ExpectExec(`UPDATE "etl_run_log"`).
		WithArgs("success", time.Date(2024, 1, 2, 6, 1, 0, 0, time.UTC), `{"procedures":4}`, nil, "run-9").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, l.RunFinished(context.Background(), run))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "a", truncate("aé", 2), "split rune is dropped")
}
