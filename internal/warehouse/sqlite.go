package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/jconover/medrobotics-etl/internal/etl"
)

// SQLite is a file or in-memory warehouse for local runs. Every business
// column is stored as canonical text, so reads need no type rendering.
type SQLite struct {
	db    *sqlx.DB
	store etl.ObjectStore
	log   *zap.Logger
}

// OpenSQLite opens dsn and applies the SQLite schema. A single connection
// is kept so ":memory:" databases survive across calls.
func OpenSQLite(ctx context.Context, dsn string, store etl.ObjectStore) (*SQLite, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrapf(err, "warehouse: open sqlite %s", dsn)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, etl.Fatal(eris.Wrap(err, "warehouse: ping sqlite"))
	}

	w := &SQLite{db: db, store: store, log: zap.L().With(zap.String("component", "warehouse.sqlite"))}
	if err := w.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

// Close releases the database handle.
func (w *SQLite) Close() error {
	return w.db.Close()
}

func (w *SQLite) migrate(ctx context.Context) error {
	dir := migrationDir("sqlite")
	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return eris.Wrap(err, "warehouse: read sqlite migrations")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		data, err := migrationFS.ReadFile(dir + "/" + e.Name())
		if err != nil {
			return eris.Wrapf(err, "warehouse: read migration %s", e.Name())
		}
		if _, err := w.db.ExecContext(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "warehouse: apply migration %s", e.Name())
		}
	}
	return nil
}

func ident(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func idents(cols []etl.Column) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = ident(c.Name)
	}
	return strings.Join(out, ", ")
}

// CreateStagingTable creates an all-TEXT staging table.
func (w *SQLite) CreateStagingTable(ctx context.Context, name string, schema etl.Schema) (*etl.StagingTable, error) {
	defs := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		defs[i] = ident(c.Name) + " TEXT"
	}
	if _, err := w.db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", ident(name), strings.Join(defs, ", "))); err != nil {
		return nil, eris.Wrapf(err, "warehouse: create staging table %s", name)
	}
	return &etl.StagingTable{Name: name, Schema: schema}, nil
}

// BulkLoad reads the blob from the object store and inserts it in one
// transaction.
func (w *SQLite) BulkLoad(ctx context.Context, ref string, table *etl.StagingTable, f etl.Format) (int64, error) {
	data, err := w.store.Get(ctx, ref)
	if err != nil {
		return 0, eris.Wrapf(err, "warehouse: read %s", ref)
	}
	rows, err := etl.Decode(data, table.Schema, f)
	if err != nil {
		return 0, eris.Wrapf(err, "warehouse: parse %s", ref)
	}

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "warehouse: begin load")
	}
	defer tx.Rollback() //nolint:errcheck

	ph := strings.TrimSuffix(strings.Repeat("?, ", len(table.Schema.Columns)), ", ")
	stmt, err := tx.PreparexContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		ident(table.Name), idents(table.Schema.Columns), ph))
	if err != nil {
		return 0, eris.Wrap(err, "warehouse: prepare load")
	}
	defer stmt.Close()

	for _, r := range rows {
		args := make([]any, len(r))
		for i, v := range r {
			args[i] = storedText(v, table.Schema.Columns[i].Type, f)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, eris.Wrapf(err, "warehouse: load %s", table.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "warehouse: commit load")
	}
	return int64(len(rows)), nil
}

// storedText renders a decoded value the way the staging format writes it.
func storedText(v any, t etl.ValueType, f etl.Format) any {
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		if t == etl.TypeDate {
			return x.Format(f.DateLayout)
		}
		return x.Format(f.TimestampLayout)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return etl.Canonical(x)
	}
}

// DropStagingTable drops the table if it still exists.
func (w *SQLite) DropStagingTable(ctx context.Context, table *etl.StagingTable) error {
	if _, err := w.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+ident(table.Name)); err != nil {
		return eris.Wrapf(err, "warehouse: drop %s", table.Name)
	}
	return nil
}

// ExecuteMerge runs op in one transaction.
func (w *SQLite) ExecuteMerge(ctx context.Context, op etl.MergeFunc) (int64, error) {
	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "warehouse: begin merge")
	}
	defer tx.Rollback() //nolint:errcheck

	n, err := op(ctx, &sqliteTables{tx: tx})
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "warehouse: commit merge")
	}
	return n, nil
}

type sqliteTables struct {
	tx *sqlx.Tx
}

func (t *sqliteTables) query(ctx context.Context, q string, names []string, args ...any) ([]etl.Row, error) {
	rows, err := t.tx.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []etl.Row
	for rows.Next() {
		vals := make([]sql.NullString, len(names))
		dest := make([]any, len(names))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		r := make(etl.Row, len(names))
		for i, name := range names {
			if vals[i].Valid {
				r[name] = vals[i].String
			} else {
				r[name] = nil
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func textColumns(cols []etl.Column) (string, []string) {
	exprs := make([]string, len(cols))
	names := make([]string, len(cols))
	for i, c := range cols {
		exprs[i] = "CAST(" + ident(c.Name) + " AS TEXT)"
		names[i] = c.Name
	}
	return strings.Join(exprs, ", "), names
}

func (t *sqliteTables) StagedRows(ctx context.Context, table *etl.StagingTable) ([]etl.Row, error) {
	sel, names := textColumns(table.Schema.Columns)
	rows, err := t.query(ctx, fmt.Sprintf("SELECT %s FROM %s", sel, ident(table.Name)), names)
	if err != nil {
		return nil, eris.Wrapf(err, "warehouse: read %s", table.Name)
	}
	return rows, nil
}

func (t *sqliteTables) CurrentRows(ctx context.Context, dim *etl.DimensionSpec) ([]etl.Row, error) {
	sel, names := textColumns(currentColumns(dim))
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = 'true'", sel, ident(dim.Table), etl.IsCurrent)
	rows, err := t.query(ctx, q, names)
	if err != nil {
		return nil, eris.Wrapf(err, "warehouse: current rows of %s", dim.Table)
	}
	return rows, nil
}

func (t *sqliteTables) LookupKeys(ctx context.Context, lk etl.Lookup) (map[string]int64, error) {
	q := fmt.Sprintf("SELECT CAST(%s AS TEXT), %s FROM %s", ident(lk.KeyColumn), ident(lk.Surrogate), ident(lk.Table))
	if lk.CurrentOnly {
		q += " WHERE " + etl.IsCurrent + " = 'true'"
	}
	rows, err := t.tx.QueryxContext(ctx, q)
	if err != nil {
		return nil, eris.Wrapf(err, "warehouse: lookup %s", lk.Table)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var nat sql.NullString
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

func (t *sqliteTables) ExistingKeys(ctx context.Context, table string, keyCols []etl.Column, first []string) (map[string]bool, error) {
	sel, names := textColumns(keyCols)
	out := make(map[string]bool)
	for start := 0; start < len(first); start += inChunk {
		chunk := first[start:min(start+inChunk, len(first))]
		q, args, err := sqlx.In(fmt.Sprintf("SELECT %s FROM %s WHERE CAST(%s AS TEXT) IN (?)",
			sel, ident(table), ident(keyCols[0].Name)), chunk)
		if err != nil {
			return nil, eris.Wrap(err, "warehouse: expand key list")
		}
		rows, err := t.query(ctx, q, names, args...)
		if err != nil {
			return nil, eris.Wrapf(err, "warehouse: existing keys in %s", table)
		}
		for _, r := range rows {
			parts := make([]string, len(names))
			for i, name := range names {
				parts[i], _ = r.Text(name)
			}
			out[etl.CompositeKey(parts)] = true
		}
	}
	return out, nil
}

func (t *sqliteTables) Expire(ctx context.Context, dim *etl.DimensionSpec, surrogates []int64, expiration string) (int64, error) {
	if len(surrogates) == 0 {
		return 0, nil
	}
	q, args, err := sqlx.In(fmt.Sprintf("UPDATE %s SET %s = ?, %s = 'false' WHERE %s IN (?) AND %s = 'true'",
		ident(dim.Table), etl.ExpirationDate, etl.IsCurrent, ident(dim.SurrogateKey), etl.IsCurrent),
		expiration, surrogates)
	if err != nil {
		return 0, eris.Wrap(err, "warehouse: expand expire list")
	}
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, eris.Wrapf(err, "warehouse: expire rows in %s", dim.Table)
	}
	return res.RowsAffected()
}

func (t *sqliteTables) Insert(ctx context.Context, table string, cols []etl.Column, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt, err := t.tx.PreparexContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", ident(table), idents(cols), ph))
	if err != nil {
		return 0, eris.Wrapf(err, "warehouse: prepare insert into %s", table)
	}
	defer stmt.Close()

	var total int64
	for _, r := range rows {
		args := make([]any, len(r))
		for i, v := range r {
			switch v.(type) {
			case nil, int64, string:
				args[i] = v
			default:
				args[i] = etl.Canonical(v)
			}
		}
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return 0, eris.Wrapf(err, "warehouse: insert into %s", table)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
