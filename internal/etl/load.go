package etl

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Loader moves a staged blob into a run-scoped staging table.
type Loader struct {
	wh     Warehouse
	format Format
	runID  string
	log    *zap.Logger
}

// NewLoader creates a Loader whose staging tables are suffixed with runID.
func NewLoader(wh Warehouse, f Format, runID string) *Loader {
	return &Loader{
		wh:     wh,
		format: f,
		runID:  strings.ReplaceAll(runID, "-", ""),
		log:    zap.L().With(zap.String("component", "etl.load")),
	}
}

// TableName is the staging table name for entity in this run.
func (l *Loader) TableName(entity string) string {
	return fmt.Sprintf("stg_%s_%s", entity, l.runID)
}

// Load creates the staging table and bulk loads ref into it. On a load
// failure the table is dropped before returning. Callers must Release the
// returned table once the merge is done.
func (l *Loader) Load(ctx context.Context, entity, ref string, schema Schema) (*StagingTable, int64, error) {
	table, err := l.wh.CreateStagingTable(ctx, l.TableName(entity), schema)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "load: create staging table for %s", entity)
	}

	n, err := l.wh.BulkLoad(ctx, ref, table, l.format)
	if err != nil {
		l.Release(ctx, table)
		return nil, 0, eris.Wrapf(err, "load: bulk load %s", ref)
	}

	l.log.Info("loaded staging table",
		zap.String("entity", entity),
		zap.String("table", table.Name),
		zap.Int64("rows", n),
	)
	return table, n, nil
}

// Release drops a staging table. It runs even when ctx is already
// cancelled; failures are logged, not returned.
func (l *Loader) Release(ctx context.Context, table *StagingTable) {
	if table == nil {
		return
	}
	if err := l.wh.DropStagingTable(context.WithoutCancel(ctx), table); err != nil {
		l.log.Warn("failed to drop staging table", zap.String("table", table.Name), zap.Error(err))
	}
}
