package warehouse

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jconover/medrobotics-etl/internal/etl"
)

type mapStore map[string][]byte

func (m mapStore) Put(_ context.Context, key string, data []byte) (string, error) {
	m["mem://"+key] = data
	return "mem://" + key, nil
}

func (m mapStore) Get(_ context.Context, ref string) ([]byte, error) {
	data, ok := m[ref]
	if !ok {
		return nil, fmt.Errorf("no object %s", ref)
	}
	return data, nil
}

func (m mapStore) List(context.Context, string) ([]string, error) { return nil, nil }

func surgeonsTable() *etl.StagingTable {
	return &etl.StagingTable{Name: "stg_surgeons_run1", Schema: etl.SurgeonsSchema}
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestRedshift_CreateStagingTable(t *testing.T) {
	mock := newMock(t)
	wh := NewRedshift(mock, nil, Config{Schema: "analytics"})

	mock.ExpectExec(`CREATE TABLE "analytics"\."stg_surgeons_run1" \("surgeon_id" VARCHAR\(50\), "surgeon_name" VARCHAR\(200\)`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	table, err := wh.CreateStagingTable(context.Background(), "stg_surgeons_run1", etl.SurgeonsSchema)
	require.NoError(t, err)
	assert.Equal(t, "stg_surgeons_run1", table.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedshift_BulkLoadCopiesFromS3(t *testing.T) {
	mock := newMock(t)
	wh := NewRedshift(mock, nil, Config{IAMRole: "arn:aws:iam::123:role/etl", Region: "us-west-2"})

	mock.ExpectExec(`COPY "stg_surgeons_run1" \("surgeon_id", .*\) FROM 's3://staging/surgeons/x\.psv' IAM_ROLE 'arn:aws:iam::123:role/etl' DELIMITER '\|' EMPTYASNULL DATEFORMAT 'YYYY-MM-DD' TIMEFORMAT 'YYYY-MM-DD HH:MI:SS' REGION 'us-west-2'`).
		WillReturnResult(pgxmock.NewResult("COPY", 0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "stg_surgeons_run1"`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(2)))

	n, err := wh.BulkLoad(context.Background(), "s3://staging/surgeons/x.psv", surgeonsTable(), etl.DefaultFormat())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedshift_BulkLoadNullToken(t *testing.T) {
	wh := NewRedshift(nil, nil, Config{})
	f := etl.DefaultFormat()
	f.NullToken = `\N`
	sql := wh.copySQL("s3://b/k", surgeonsTable(), f)
	assert.Contains(t, sql, `NULL AS '\N'`)
	assert.NotContains(t, sql, "EMPTYASNULL")
	assert.NotContains(t, sql, "IAM_ROLE")
}

func TestRedshift_BulkLoadRejectsLocalRef(t *testing.T) {
	wh := NewRedshift(newMock(t), nil, Config{})
	_, err := wh.BulkLoad(context.Background(), "file:///tmp/x.psv", surgeonsTable(), etl.DefaultFormat())
	assert.ErrorContains(t, err, "s3://")
}

func TestRedshift_BulkLoadCopyError(t *testing.T) {
	mock := newMock(t)
	wh := NewRedshift(mock, nil, Config{})
	mock.ExpectExec("COPY").WillReturnError(errors.New("Load into table failed. Check stl_load_errors"))

	_, err := wh.BulkLoad(context.Background(), "s3://b/k", surgeonsTable(), etl.DefaultFormat())
	require.Error(t, err)
	assert.False(t, etl.IsFatal(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_BulkLoadStreamsBlob(t *testing.T) {
	mock := newMock(t)
	store := mapStore{}
	ref, _ := store.Put(context.Background(), "surgeons/x.psv", []byte("S1|Dr. Smith||12||2020-01-01\nS2|Dr. Jones||||\n"))
	wh := NewRedshift(mock, store, Config{Flavor: FlavorPostgres})

	mock.ExpectCopyFrom(pgx.Identifier{"stg_surgeons_run1"}, etl.SurgeonsSchema.Names()).WillReturnResult(2)

	n, err := wh.BulkLoad(context.Background(), ref, surgeonsTable(), etl.DefaultFormat())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_BulkLoadMalformedBlob(t *testing.T) {
	store := mapStore{}
	ref, _ := store.Put(context.Background(), "surgeons/x.psv", []byte("S1|too|few\n"))
	wh := NewRedshift(newMock(t), store, Config{Flavor: FlavorPostgres})

	_, err := wh.BulkLoad(context.Background(), ref, surgeonsTable(), etl.DefaultFormat())
	assert.ErrorContains(t, err, "expected 6 fields")
}

func TestRedshift_DropStagingTable(t *testing.T) {
	mock := newMock(t)
	wh := NewRedshift(mock, nil, Config{})
	mock.ExpectExec(`DROP TABLE IF EXISTS "stg_surgeons_run1"`).WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))

	require.NoError(t, wh.DropStagingTable(context.Background(), surgeonsTable()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestRedshift_DimensionMerge(t *testing.T) {
	mock := newMock(t)
	wh := NewRedshift(mock, nil, Config{})
	e, _ := etl.DefaultCatalog().Get(etl.Surgeons)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT "surgeon_id" AS "surgeon_id", .*CAST\("years_experience" AS VARCHAR\).*TO_CHAR\("effective_date", 'YYYY-MM-DD'\) AS "effective_date" FROM "stg_surgeons_run1"`).
		WillReturnRows(pgxmock.NewRows([]string{"surgeon_id", "surgeon_name", "specialization", "years_experience", "certification_level", "effective_date"}).
			AddRow("S1", "Dr. Smith-Jones", nil, "12", nil, "2020-05-01").
			AddRow("S2", "Dr. Jones", "Cardiac", nil, nil, nil))
	mock.ExpectQuery(`FROM "dim_surgeons" WHERE is_current = TRUE`).
		WillReturnRows(pgxmock.NewRows([]string{"surgeon_key", "surgeon_id", "surgeon_name", "specialization", "years_experience", "certification_level", "effective_date"}).
			AddRow("7", "S1", "Dr. Smith", nil, "12", nil, "2020-05-01"))
	mock.ExpectExec(`UPDATE "dim_surgeons" SET expiration_date = .* WHERE "surgeon_key" IN \(7\) AND is_current = TRUE`).
		WithArgs("2024-01-01").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO "dim_surgeons" \("surgeon_id", .*"is_current"\) VALUES \(.*\), \(.*\)`).
		WithArgs(anyArgs(2 * len(e.Dimension.InsertColumns()))...).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	res, err := etl.NewDimensionMerger(wh).Merge(context.Background(), e.Dimension, surgeonsTable(),
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Inserted)
	assert.Equal(t, int64(1), res.Expired)
	assert.Equal(t, 1, res.New)
	assert.Equal(t, 1, res.Changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedshift_MergeRollsBackOnShortExpire(t *testing.T) {
	mock := newMock(t)
	wh := NewRedshift(mock, nil, Config{})
	e, _ := etl.DefaultCatalog().Get(etl.Surgeons)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM "stg_surgeons_run1"`).
		WillReturnRows(pgxmock.NewRows([]string{"surgeon_id", "surgeon_name", "specialization", "years_experience", "certification_level", "effective_date"}).
			AddRow("S1", "B", nil, nil, nil, nil))
	mock.ExpectQuery(`FROM "dim_surgeons"`).
		WillReturnRows(pgxmock.NewRows([]string{"surgeon_key", "surgeon_id", "surgeon_name", "specialization", "years_experience", "certification_level", "effective_date"}).
			AddRow("7", "S1", "A", nil, nil, nil, "2020-05-01"))
	mock.ExpectExec(`UPDATE "dim_surgeons"`).
		WithArgs("2024-01-01").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err := etl.NewDimensionMerger(wh).Merge(context.Background(), e.Dimension, surgeonsTable(),
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	assert.ErrorContains(t, err, "expected to expire 1 rows")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedshift_FactMergeSkipsExisting(t *testing.T) {
	mock := newMock(t)
	wh := NewRedshift(mock, nil, Config{})
	e, _ := etl.DefaultCatalog().Get(etl.Telemetry)
	table := &etl.StagingTable{Name: "stg_telemetry_run1", Schema: etl.TelemetrySchema}

	stagedCols := etl.TelemetrySchema.Names()
	staged := pgxmock.NewRows(stagedCols)
	for _, ts := range []string{"2024-01-01 10:00:00", "2024-01-01 10:00:01"} {
		vals := make([]any, len(stagedCols))
		vals[0], vals[1], vals[2] = "P1", "100000", ts
		staged.AddRow(vals...)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`CASE WHEN "tool_active" THEN 'true' WHEN NOT "tool_active" THEN 'false' END AS "tool_active".* FROM "stg_telemetry_run1"`).
		WillReturnRows(staged)
	mock.ExpectQuery(`SELECT CAST\("procedure_id" AS VARCHAR\), "procedure_key" FROM "fact_procedures"$`).
		WillReturnRows(pgxmock.NewRows([]string{"procedure_id", "procedure_key"}).AddRow("P1", int64(5)))
	mock.ExpectQuery(`FROM "fact_telemetry" WHERE CAST\("procedure_key" AS VARCHAR\) IN \(CAST\(\$1 AS VARCHAR\)\)`).
		WithArgs("5").
		WillReturnRows(pgxmock.NewRows([]string{"procedure_key", "sample_timestamp"}).AddRow("5", "2024-01-01 10:00:00"))
	mock.ExpectExec(`INSERT INTO "fact_telemetry" \("procedure_key", "timestamp_key", "sample_timestamp"`).
		WithArgs(anyArgs(len(e.Fact.InsertColumns()))...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := etl.NewFactMerger(wh).Merge(context.Background(), e.Fact, table)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Inserted)
	assert.Equal(t, 1, res.AlreadyLoaded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedshift_InsertBatches(t *testing.T) {
	mock := newMock(t)
	wh := NewRedshift(mock, nil, Config{InsertBatch: 2})
	cols := []etl.Column{{Name: "id", Type: etl.TypeString}, {Name: "ok", Type: etl.TypeBool}}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "t" \("id", "ok"\) VALUES \(CAST\(CAST\(\$1 AS VARCHAR\) AS VARCHAR\(256\)\), \(CAST\(\$2 AS VARCHAR\) = 'true'\)\), `).
		WithArgs("a", "true", "b", nil).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec(`INSERT INTO "t"`).
		WithArgs("c", "false").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := wh.ExecuteMerge(context.Background(), func(ctx context.Context, t etl.Tables) (int64, error) {
		return t.Insert(ctx, "t", cols, [][]any{{"a", "true"}, {"b", nil}, {"c", false}})
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedshift_ExecuteMergeBeginError(t *testing.T) {
	mock := newMock(t)
	wh := NewRedshift(mock, nil, Config{})
	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	_, err := wh.ExecuteMerge(context.Background(), func(context.Context, etl.Tables) (int64, error) {
		t.Fatal("op must not run")
		return 0, nil
	})
	assert.ErrorContains(t, err, "begin merge")
}
