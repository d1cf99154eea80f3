package etl

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FactSpec describes an append-only fact table.
type FactSpec struct {
	Table string
	// NaturalKey names the target columns that identify an event. They may
	// include lookup surrogates.
	NaturalKey []string
	// Columns are copied from the staging table unchanged.
	Columns []Column
	Lookups []Lookup
}

// InsertColumns is the fact table column list written by a merge.
func (f *FactSpec) InsertColumns() []Column {
	cols := make([]Column, 0, len(f.Lookups)+len(f.Columns))
	for _, lk := range f.Lookups {
		cols = append(cols, Column{Name: lk.Surrogate, Type: TypeInt, SQLType: "BIGINT"})
	}
	return append(cols, f.Columns...)
}

// KeyColumns returns the natural key as columns.
func (f *FactSpec) KeyColumns() []Column {
	all := f.InsertColumns()
	out := make([]Column, 0, len(f.NaturalKey))
	for _, name := range f.NaturalKey {
		for _, c := range all {
			if c.Name == name {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// CompositeKey joins canonical key values with the unit separator.
func CompositeKey(vals []string) string {
	return strings.Join(vals, "\x1f")
}

// FactPlan holds resolved fact rows and the counts of what was dropped.
type FactPlan struct {
	Rows          []Row
	Orphans       int
	Unresolved    int
	AlreadyLoaded int
	Duplicates    int
}

// ResolveFacts maps staged rows to target rows using the lookup maps (keyed
// by surrogate column). An optional lookup that misses stores NULL and is
// counted as an orphan; a required one drops the row.
func ResolveFacts(spec *FactSpec, staged []Row, lookups map[string]map[string]int64) *FactPlan {
	plan := &FactPlan{Rows: make([]Row, 0, len(staged))}
	for _, s := range staged {
		r := make(Row, len(spec.Columns)+len(spec.Lookups))
		for _, c := range spec.Columns {
			r[c.Name] = s[c.Name]
		}
		dropped := false
		for _, lk := range spec.Lookups {
			nat, ok := s.Text(lk.Column)
			sk, found := lookups[lk.Surrogate][nat]
			switch {
			case ok && found:
				r[lk.Surrogate] = sk
			case lk.Required:
				dropped = true
			default:
				r[lk.Surrogate] = nil
				if ok {
					plan.Orphans++
				}
			}
		}
		if dropped {
			plan.Unresolved++
			continue
		}
		plan.Rows = append(plan.Rows, r)
	}
	return plan
}

// key returns the composite natural key of r and false when any part is
// NULL.
func (f *FactSpec) key(r Row) (string, bool) {
	parts := make([]string, len(f.NaturalKey))
	for i, name := range f.NaturalKey {
		v, ok := r.Text(name)
		if !ok {
			return "", false
		}
		parts[i] = v
	}
	return CompositeKey(parts), true
}

// FirstKeyValues returns the distinct values of the first natural key
// column, used to narrow the existing-key query.
func (p *FactPlan) FirstKeyValues(spec *FactSpec) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range p.Rows {
		v, ok := r.Text(spec.NaturalKey[0])
		if ok && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// ExcludeExisting drops rows whose natural key is already loaded or
// repeats earlier in the batch. Rows with a NULL key part are dropped as
// duplicates since they cannot be matched on a rerun.
func (p *FactPlan) ExcludeExisting(spec *FactSpec, existing map[string]bool) {
	seen := make(map[string]bool, len(p.Rows))
	kept := p.Rows[:0]
	for _, r := range p.Rows {
		k, ok := spec.key(r)
		switch {
		case !ok:
			p.Duplicates++
		case existing[k]:
			p.AlreadyLoaded++
		case seen[k]:
			p.Duplicates++
		default:
			seen[k] = true
			kept = append(kept, r)
		}
	}
	p.Rows = kept
}

// FactResult reports an applied fact merge.
type FactResult struct {
	Inserted      int64
	Orphans       int
	Unresolved    int
	AlreadyLoaded int
	Duplicates    int
}

// FactMerger inserts new fact rows inside a warehouse transaction.
type FactMerger struct {
	wh  Warehouse
	log *zap.Logger
}

// NewFactMerger creates a FactMerger.
func NewFactMerger(wh Warehouse) *FactMerger {
	return &FactMerger{wh: wh, log: zap.L().With(zap.String("component", "etl.fact"))}
}

// Merge resolves foreign keys, filters out already-loaded events and
// inserts the rest. Running it twice over the same staging data inserts
// nothing the second time.
func (m *FactMerger) Merge(ctx context.Context, spec *FactSpec, table *StagingTable) (*FactResult, error) {
	var res FactResult
	_, err := m.wh.ExecuteMerge(ctx, func(ctx context.Context, t Tables) (int64, error) {
		res = FactResult{}

		staged, err := t.StagedRows(ctx, table)
		if err != nil {
			return 0, eris.Wrap(err, "fact: read staged rows")
		}
		lookups, err := resolveLookups(ctx, t, spec.Lookups)
		if err != nil {
			return 0, eris.Wrap(err, "fact")
		}

		plan := ResolveFacts(spec, staged, lookups)
		if first := plan.FirstKeyValues(spec); len(first) > 0 {
			existing, err := t.ExistingKeys(ctx, spec.Table, spec.KeyColumns(), first)
			if err != nil {
				return 0, eris.Wrapf(err, "fact: existing keys in %s", spec.Table)
			}
			plan.ExcludeExisting(spec, existing)
		} else {
			plan.ExcludeExisting(spec, nil)
		}

		cols := spec.InsertColumns()
		values := make([][]any, len(plan.Rows))
		for i, r := range plan.Rows {
			values[i] = rowValues(r, cols)
		}
		n, err := t.Insert(ctx, spec.Table, cols, values)
		if err != nil {
			return 0, eris.Wrapf(err, "fact: insert %s", spec.Table)
		}

		res = FactResult{
			Inserted:      n,
			Orphans:       plan.Orphans,
			Unresolved:    plan.Unresolved,
			AlreadyLoaded: plan.AlreadyLoaded,
			Duplicates:    plan.Duplicates,
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("facts merged",
		zap.String("table", spec.Table),
		zap.Int64("inserted", res.Inserted),
		zap.Int("already_loaded", res.AlreadyLoaded),
		zap.Int("orphans", res.Orphans),
		zap.Int("unresolved", res.Unresolved),
	)
	return &res, nil
}
