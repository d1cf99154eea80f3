package source

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/jconover/medrobotics-etl/internal/etl"
)

// Router sends each entity to the source that holds it.
type Router map[string]etl.Source

// NewRouter routes dimensions and procedures to db and telemetry to raw.
func NewRouter(db, raw etl.Source) Router {
	return Router{
		etl.Facilities: db,
		etl.Surgeons:   db,
		etl.Robots:     db,
		etl.Procedures: db,
		etl.Telemetry:  raw,
	}
}

// Read dispatches to the entity's source.
func (r Router) Read(ctx context.Context, entity string, w etl.Window) (*etl.Extract, error) {
	src, ok := r[entity]
	if !ok || src == nil {
		return nil, etl.NewError(etl.KindSourceUnavailable, eris.Errorf("source: no source for %q", entity))
	}
	return src.Read(ctx, entity, w)
}
