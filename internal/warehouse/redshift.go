// Package warehouse implements etl.Warehouse for Amazon Redshift (and
// plain PostgreSQL) over pgx, and for SQLite for local runs.
package warehouse

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jconover/medrobotics-etl/internal/db"
	"github.com/jconover/medrobotics-etl/internal/etl"
)

// Flavors of the pgx-backed warehouse.
const (
	FlavorRedshift = "redshift"
	FlavorPostgres = "postgres"
)

// Config tunes the pgx-backed warehouse.
type Config struct {
	Flavor      string // redshift (COPY from S3) or postgres (COPY protocol)
	Schema      string // optional schema qualifying every table
	IAMRole     string // role Redshift assumes to read the staging bucket
	Region      string // staging bucket region, when it differs from the cluster's
	InsertBatch int    // rows per INSERT statement
}

// Redshift is an etl.Warehouse backed by a pgx pool. In the postgres
// flavor the staging blob is read from the object store and streamed over
// the COPY protocol instead of being pulled by the server from S3.
type Redshift struct {
	pool  db.Pool
	store etl.ObjectStore
	cfg   Config
	log   *zap.Logger
}

// NewRedshift creates a pgx-backed warehouse. store is only used by the
// postgres flavor.
func NewRedshift(pool db.Pool, store etl.ObjectStore, cfg Config) *Redshift {
	if cfg.Flavor == "" {
		cfg.Flavor = FlavorRedshift
	}
	if cfg.InsertBatch <= 0 {
		cfg.InsertBatch = 500
	}
	return &Redshift{
		pool:  pool,
		store: store,
		cfg:   cfg,
		log:   zap.L().With(zap.String("component", "warehouse."+cfg.Flavor)),
	}
}

func (w *Redshift) qualify(table string) string {
	if w.cfg.Schema != "" && !strings.Contains(table, ".") {
		table = w.cfg.Schema + "." + table
	}
	return db.Quote(table)
}

// classify marks connection failures as fatal to the run.
func classify(err error) error {
	if db.IsConnectError(err) {
		return etl.Fatal(err)
	}
	return err
}

// CreateStagingTable creates a regular table so it is visible to every
// pooled connection for the rest of the run.
func (w *Redshift) CreateStagingTable(ctx context.Context, name string, schema etl.Schema) (*etl.StagingTable, error) {
	defs := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		defs[i] = fmt.Sprintf("%s %s", db.QuoteColumns([]string{c.Name}), c.SQLType)
	}
	sql := fmt.Sprintf("CREATE TABLE %s (%s)", w.qualify(name), strings.Join(defs, ", "))
	if _, err := w.pool.Exec(ctx, sql); err != nil {
		return nil, classify(eris.Wrapf(err, "warehouse: create staging table %s", name))
	}
	return &etl.StagingTable{Name: name, Schema: schema}, nil
}

// BulkLoad loads a staged blob into the staging table.
func (w *Redshift) BulkLoad(ctx context.Context, ref string, table *etl.StagingTable, f etl.Format) (int64, error) {
	if w.cfg.Flavor == FlavorPostgres {
		return w.copyFromStore(ctx, ref, table, f)
	}
	if !strings.HasPrefix(ref, "s3://") {
		return 0, eris.Errorf("warehouse: redshift can only COPY from s3://, got %s", ref)
	}
	if _, err := w.pool.Exec(ctx, w.copySQL(ref, table, f)); err != nil {
		return 0, classify(eris.Wrapf(err, "warehouse: COPY %s", ref))
	}

	var n int64
	if err := w.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+w.qualify(table.Name)).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "warehouse: count %s", table.Name)
	}
	return n, nil
}

func (w *Redshift) copySQL(ref string, table *etl.StagingTable, f etl.Format) string {
	var b strings.Builder
	fmt.Fprintf(&b, "COPY %s (%s) FROM %s", w.qualify(table.Name), db.QuoteColumns(table.Schema.Names()), literal(ref))
	if w.cfg.IAMRole != "" {
		fmt.Fprintf(&b, " IAM_ROLE %s", literal(w.cfg.IAMRole))
	}
	fmt.Fprintf(&b, " DELIMITER %s", literal(string(f.Delimiter)))
	if f.NullToken == "" {
		b.WriteString(" EMPTYASNULL")
	} else {
		fmt.Fprintf(&b, " NULL AS %s", literal(f.NullToken))
	}
	b.WriteString(" DATEFORMAT 'YYYY-MM-DD' TIMEFORMAT 'YYYY-MM-DD HH:MI:SS'")
	if w.cfg.Region != "" {
		fmt.Fprintf(&b, " REGION %s", literal(w.cfg.Region))
	}
	return b.String()
}

func (w *Redshift) copyFromStore(ctx context.Context, ref string, table *etl.StagingTable, f etl.Format) (int64, error) {
	data, err := w.store.Get(ctx, ref)
	if err != nil {
		return 0, eris.Wrapf(err, "warehouse: read %s", ref)
	}
	rows, err := etl.Decode(data, table.Schema, f)
	if err != nil {
		return 0, eris.Wrapf(err, "warehouse: parse %s", ref)
	}
	target := table.Name
	if w.cfg.Schema != "" {
		target = w.cfg.Schema + "." + target
	}
	n, err := db.CopyFrom(ctx, w.pool, target, table.Schema.Names(), rows)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// DropStagingTable drops the table if it still exists.
func (w *Redshift) DropStagingTable(ctx context.Context, table *etl.StagingTable) error {
	if _, err := w.pool.Exec(ctx, "DROP TABLE IF EXISTS "+w.qualify(table.Name)); err != nil {
		return eris.Wrapf(err, "warehouse: drop %s", table.Name)
	}
	return nil
}

// ExecuteMerge runs op in one transaction.
func (w *Redshift) ExecuteMerge(ctx context.Context, op etl.MergeFunc) (int64, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, classify(eris.Wrap(err, "warehouse: begin merge"))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	n, err := op(ctx, &pgTables{q: tx, w: w})
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "warehouse: commit merge")
	}
	return n, nil
}

// pgTables implements etl.Tables on a transaction. Every value is read back
// as text in the staging format's layouts.
type pgTables struct {
	q db.Querier
	w *Redshift
}

// textExpr renders a column as canonical text. Redshift has no
// boolean-to-text cast.
func textExpr(c etl.Column) string {
	name := db.QuoteColumns([]string{c.Name})
	switch c.Type {
	case etl.TypeBool:
		return fmt.Sprintf("CASE WHEN %s THEN 'true' WHEN NOT %s THEN 'false' END", name, name)
	case etl.TypeDate:
		return fmt.Sprintf("TO_CHAR(%s, 'YYYY-MM-DD')", name)
	case etl.TypeTimestamp:
		return fmt.Sprintf("TO_CHAR(%s, 'YYYY-MM-DD HH24:MI:SS.US')", name)
	case etl.TypeString:
		return name
	default:
		return fmt.Sprintf("CAST(%s AS VARCHAR)", name)
	}
}

func selectList(cols []etl.Column) string {
	exprs := make([]string, len(cols))
	for i, c := range cols {
		exprs[i] = textExpr(c) + " AS " + db.QuoteColumns([]string{c.Name})
	}
	return strings.Join(exprs, ", ")
}

func (t *pgTables) queryRows(ctx context.Context, sql string, cols []etl.Column, args ...any) ([]etl.Row, error) {
	rows, err := t.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []etl.Row
	for rows.Next() {
		vals := make([]pgtype.Text, len(cols))
		dest := make([]any, len(cols))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		r := make(etl.Row, len(cols))
		for i, c := range cols {
			if vals[i].Valid {
				r[c.Name] = vals[i].String
			} else {
				r[c.Name] = nil
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTables) StagedRows(ctx context.Context, table *etl.StagingTable) ([]etl.Row, error) {
	cols := table.Schema.Columns
	rows, err := t.queryRows(ctx, fmt.Sprintf("SELECT %s FROM %s", selectList(cols), t.w.qualify(table.Name)), cols)
	if err != nil {
		return nil, eris.Wrapf(err, "warehouse: read %s", table.Name)
	}
	return rows, nil
}

func currentColumns(dim *etl.DimensionSpec) []etl.Column {
	cols := []etl.Column{{Name: dim.SurrogateKey, Type: etl.TypeInt}, dim.NaturalKey}
	cols = append(cols, dim.Attributes...)
	return append(cols, etl.Column{Name: etl.EffectiveDate, Type: etl.TypeDate})
}

func (t *pgTables) CurrentRows(ctx context.Context, dim *etl.DimensionSpec) ([]etl.Row, error) {
	cols := currentColumns(dim)
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = TRUE", selectList(cols), t.w.qualify(dim.Table), etl.IsCurrent)
	rows, err := t.queryRows(ctx, sql, cols)
	if err != nil {
		return nil, eris.Wrapf(err, "warehouse: current rows of %s", dim.Table)
	}
	return rows, nil
}

func (t *pgTables) LookupKeys(ctx context.Context, lk etl.Lookup) (map[string]int64, error) {
	sql := fmt.Sprintf("SELECT CAST(%s AS VARCHAR), %s FROM %s",
		db.QuoteColumns([]string{lk.KeyColumn}), db.QuoteColumns([]string{lk.Surrogate}), t.w.qualify(lk.Table))
	if lk.CurrentOnly {
		sql += " WHERE " + etl.IsCurrent + " = TRUE"
	}
	rows, err := t.q.Query(ctx, sql)
	if err != nil {
		return nil, eris.Wrapf(err, "warehouse: lookup %s", lk.Table)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var nat pgtype.Text
		var sk int64
		if err := rows.Scan(&nat, &sk); err != nil {
			return nil, eris.Wrapf(err, "warehouse: scan lookup %s", lk.Table)
		}
		if nat.Valid {
			out[nat.String] = sk
		}
	}
	return out, rows.Err()
}

const inChunk = 1000

func (t *pgTables) ExistingKeys(ctx context.Context, table string, keyCols []etl.Column, first []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for start := 0; start < len(first); start += inChunk {
		chunk := first[start:min(start+inChunk, len(first))]
		args := make([]any, len(chunk))
		ph := make([]string, len(chunk))
		for i, v := range chunk {
			args[i] = v
			ph[i] = fmt.Sprintf("CAST($%d AS VARCHAR)", i+1)
		}
		sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
			selectList(keyCols), t.w.qualify(table), textExpr(keyCols[0]), strings.Join(ph, ", "))
		rows, err := t.queryRows(ctx, sql, keyCols, args...)
		if err != nil {
			return nil, eris.Wrapf(err, "warehouse: existing keys in %s", table)
		}
		for _, r := range rows {
			parts := make([]string, len(keyCols))
			for i, c := range keyCols {
				parts[i], _ = r.Text(c.Name)
			}
			out[etl.CompositeKey(parts)] = true
		}
	}
	return out, nil
}

func (t *pgTables) Expire(ctx context.Context, dim *etl.DimensionSpec, surrogates []int64, expiration string) (int64, error) {
	if len(surrogates) == 0 {
		return 0, nil
	}
	ids := make([]string, len(surrogates))
	for i, sk := range surrogates {
		ids[i] = strconv.FormatInt(sk, 10)
	}
	sql := fmt.Sprintf("UPDATE %s SET %s = CAST(CAST($1 AS VARCHAR) AS DATE), %s = FALSE WHERE %s IN (%s) AND %s = TRUE",
		t.w.qualify(dim.Table), etl.ExpirationDate, etl.IsCurrent,
		db.QuoteColumns([]string{dim.SurrogateKey}), strings.Join(ids, ", "), etl.IsCurrent)
	tag, err := t.q.Exec(ctx, sql, expiration)
	if err != nil {
		return 0, eris.Wrapf(err, "warehouse: expire rows in %s", dim.Table)
	}
	return tag.RowsAffected(), nil
}

// valueExpr casts a text parameter to the column type.
func valueExpr(c etl.Column, n int) string {
	if c.Type == etl.TypeBool {
		return fmt.Sprintf("(CAST($%d AS VARCHAR) = 'true')", n)
	}
	return fmt.Sprintf("CAST(CAST($%d AS VARCHAR) AS %s)", n, sqlType(c))
}

func sqlType(c etl.Column) string {
	if c.SQLType != "" {
		return c.SQLType
	}
	switch c.Type {
	case etl.TypeInt:
		return "BIGINT"
	case etl.TypeFloat:
		return "DOUBLE PRECISION"
	case etl.TypeDate:
		return "DATE"
	case etl.TypeTimestamp:
		return "TIMESTAMP"
	default:
		return "VARCHAR(256)"
	}
}

func (t *pgTables) Insert(ctx context.Context, table string, cols []etl.Column, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", t.w.qualify(table), db.QuoteColumns(names))

	var total int64
	batch := t.w.cfg.InsertBatch
	for start := 0; start < len(rows); start += batch {
		chunk := rows[start:min(start+batch, len(rows))]
		tuples := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*len(cols))
		for i, r := range chunk {
			exprs := make([]string, len(cols))
			for j, c := range cols {
				args = append(args, textParam(r[j]))
				exprs[j] = valueExpr(c, len(args))
			}
			tuples[i] = "(" + strings.Join(exprs, ", ") + ")"
		}
		tag, err := t.q.Exec(ctx, prefix+strings.Join(tuples, ", "), args...)
		if err != nil {
			return 0, eris.Wrapf(err, "warehouse: insert into %s", table)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// textParam sends every value as text (or NULL) so the server does the
// conversion with the casts in the statement.
func textParam(v any) any {
	if v == nil {
		return nil
	}
	return etl.Canonical(v)
}

func literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
