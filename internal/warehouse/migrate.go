package warehouse

import (
	"context"
	"embed"
	"io/fs"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jconover/medrobotics-etl/internal/db"
)

//go:embed migrations
var migrationFS embed.FS

func migrationDir(flavor string) string {
	return "migrations/" + flavor
}

// Migrate applies pending warehouse migrations for flavor in lexicographic
// order and records each in schema_migrations. Redshift has no advisory
// locks; the postgres flavor takes one so overlapping deploys serialize.
func Migrate(ctx context.Context, pool db.Pool, flavor, schema string) error {
	log := zap.L().With(zap.String("component", "warehouse.migrate"))
	if flavor != FlavorRedshift && flavor != FlavorPostgres {
		return eris.Errorf("warehouse: no migrations for flavor %q", flavor)
	}

	if flavor == FlavorPostgres {
		if _, err := pool.Exec(ctx, "SELECT pg_advisory_lock(5318008)"); err != nil {
			return eris.Wrap(err, "warehouse: acquire migration advisory lock")
		}
		defer func() {
			if _, err := pool.Exec(ctx, "SELECT pg_advisory_unlock(5318008)"); err != nil {
				log.Warn("failed to release migration advisory lock", zap.Error(err))
			}
		}()
	}

	if err := ensureMigrationTable(ctx, pool, schema); err != nil {
		return err
	}

	dir := migrationDir(flavor)
	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return eris.Wrap(err, "warehouse: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	applied, err := appliedMigrations(ctx, pool, schema)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile(dir + "/" + name)
		if err != nil {
			return eris.Wrapf(err, "warehouse: read migration %s", name)
		}

		log.Info("applying migration", zap.String("file", name), zap.String("flavor", flavor))
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "warehouse: apply migration %s", name)
		}
		if _, err := pool.Exec(ctx,
			"INSERT INTO "+qualified(schema, "schema_migrations")+" (filename, applied_at) VALUES ($1, $2)",
			name, time.Now().UTC(),
		); err != nil {
			return eris.Wrapf(err, "warehouse: record migration %s", name)
		}
	}
	return nil
}

func qualified(schema, table string) string {
	if schema == "" {
		return db.Quote(table)
	}
	return db.Quote(schema + "." + table)
}

func ensureMigrationTable(ctx context.Context, pool db.Pool, schema string) error {
	if schema != "" {
		if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+db.Quote(schema)); err != nil {
			return eris.Wrap(err, "warehouse: ensure schema")
		}
	}
	sql := "CREATE TABLE IF NOT EXISTS " + qualified(schema, "schema_migrations") + ` (
		filename   VARCHAR(256) NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`
	if _, err := pool.Exec(ctx, sql); err != nil {
		return eris.Wrap(err, "warehouse: ensure migration table")
	}
	return nil
}

func appliedMigrations(ctx context.Context, pool db.Pool, schema string) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT filename FROM "+qualified(schema, "schema_migrations"))
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
