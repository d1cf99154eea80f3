package etl

import (
	"context"
	"slices"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Technical columns every dimension table carries.
const (
	EffectiveDate  = "effective_date"
	ExpirationDate = "expiration_date"
	IsCurrent      = "is_current"
)

// Lookup resolves a natural key held in a staged column to the surrogate
// key of another table.
type Lookup struct {
	Column      string // staged column holding the natural key
	Table       string
	KeyColumn   string // natural key column in Table
	Surrogate   string // surrogate column in Table, also the target column
	CurrentOnly bool   // only match is_current rows
	Required    bool   // drop the row when unresolved instead of storing NULL
}

// DimensionSpec describes an SCD2 dimension table.
type DimensionSpec struct {
	Table        string
	SurrogateKey string
	NaturalKey   Column
	Attributes   []Column
	Lookups      []Lookup
}

// InsertColumns is the column list of a new dimension version.
func (d *DimensionSpec) InsertColumns() []Column {
	cols := make([]Column, 0, len(d.Attributes)+len(d.Lookups)+4)
	cols = append(cols, d.NaturalKey)
	cols = append(cols, d.Attributes...)
	for _, lk := range d.Lookups {
		cols = append(cols, Column{Name: lk.Surrogate, Type: TypeInt, SQLType: "BIGINT"})
	}
	return append(cols,
		Column{Name: EffectiveDate, Type: TypeDate, SQLType: "DATE"},
		Column{Name: ExpirationDate, Type: TypeDate, SQLType: "DATE"},
		Column{Name: IsCurrent, Type: TypeBool, SQLType: "BOOLEAN"},
	)
}

// Expiration closes one current version.
type Expiration struct {
	Surrogate  int64
	NaturalKey string
	Date       string
}

// DimensionPlan is the set of changes an SCD2 merge applies.
type DimensionPlan struct {
	Expire     []Expiration
	Insert     []Row
	New        int
	Changed    int
	Unchanged  int
	Duplicates int
}

// PlanSCD2 compares staged rows with the current versions and decides, per
// natural key, whether to insert, version or leave it alone. Attribute sets
// are compared as canonical text over every attribute. When a natural key
// is staged more than once the row with the latest effective date wins,
// the last one on a tie.
func PlanSCD2(dim *DimensionSpec, current, staged []Row, runDate time.Time) (*DimensionPlan, error) {
	plan := &DimensionPlan{}
	key := dim.NaturalKey.Name
	today := runDate.UTC().Format(time.DateOnly)
	yesterday := runDate.UTC().AddDate(0, 0, -1).Format(time.DateOnly)

	cur := make(map[string]Row, len(current))
	for _, r := range current {
		k, ok := r.Text(key)
		if !ok {
			continue
		}
		if _, dup := cur[k]; dup {
			return nil, eris.Errorf("%s: more than one current row for %s=%s", dim.Table, key, k)
		}
		cur[k] = r
	}

	latest := make(map[string]Row, len(staged))
	for _, r := range staged {
		k, ok := r.Text(key)
		if !ok {
			continue
		}
		if prev, seen := latest[k]; seen {
			plan.Duplicates++
			prevEff, _ := prev.Text(EffectiveDate)
			eff, _ := r.Text(EffectiveDate)
			if eff < prevEff {
				continue
			}
		}
		latest[k] = r
	}

	keys := make([]string, 0, len(latest))
	for k := range latest {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		s := latest[k]
		c, exists := cur[k]
		switch {
		case !exists:
			eff, ok := s.Text(EffectiveDate)
			if !ok {
				eff = today
			}
			plan.Insert = append(plan.Insert, version(s, eff))
			plan.New++
		case sameAttributes(dim, c, s):
			plan.Unchanged++
		default:
			sk, err := surrogate(c, dim.SurrogateKey)
			if err != nil {
				return nil, eris.Wrap(err, dim.Table)
			}
			// Never close a version before it started.
			exp, eff := yesterday, today
			if curEff, ok := c.Text(EffectiveDate); ok {
				exp = max(exp, curEff)
				eff = max(eff, curEff)
			}
			plan.Expire = append(plan.Expire, Expiration{Surrogate: sk, NaturalKey: k, Date: exp})
			plan.Insert = append(plan.Insert, version(s, eff))
			plan.Changed++
		}
	}
	return plan, nil
}

func sameAttributes(dim *DimensionSpec, current, staged Row) bool {
	for _, a := range dim.Attributes {
		cv, cok := current.Text(a.Name)
		sv, sok := staged.Text(a.Name)
		if cok != sok || cv != sv {
			return false
		}
	}
	return true
}

func version(staged Row, effective string) Row {
	out := make(Row, len(staged)+2)
	for k, v := range staged {
		out[k] = v
	}
	out[EffectiveDate] = effective
	out[ExpirationDate] = nil
	out[IsCurrent] = "true"
	return out
}

func surrogate(r Row, col string) (int64, error) {
	s, ok := r.Text(col)
	if !ok {
		return 0, eris.Errorf("current row has no %s", col)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, eris.Errorf("%s %q is not an integer", col, s)
	}
	return n, nil
}

// DimensionResult reports an applied SCD2 merge.
type DimensionResult struct {
	Inserted   int64
	Expired    int64
	New        int
	Changed    int
	Unchanged  int
	Duplicates int
	Orphans    int
}

// DimensionMerger applies SCD2 plans inside a warehouse transaction.
type DimensionMerger struct {
	wh  Warehouse
	log *zap.Logger
}

// NewDimensionMerger creates a DimensionMerger.
func NewDimensionMerger(wh Warehouse) *DimensionMerger {
	return &DimensionMerger{wh: wh, log: zap.L().With(zap.String("component", "etl.dimension"))}
}

// Merge reconciles the staging table into the dimension. Either every
// expiration and insert commits or none does.
func (m *DimensionMerger) Merge(ctx context.Context, dim *DimensionSpec, table *StagingTable, runDate time.Time) (*DimensionResult, error) {
	var res DimensionResult
	_, err := m.wh.ExecuteMerge(ctx, func(ctx context.Context, t Tables) (int64, error) {
		res = DimensionResult{}

		staged, err := t.StagedRows(ctx, table)
		if err != nil {
			return 0, eris.Wrap(err, "dimension: read staged rows")
		}
		current, err := t.CurrentRows(ctx, dim)
		if err != nil {
			return 0, eris.Wrapf(err, "dimension: read current %s", dim.Table)
		}
		plan, err := PlanSCD2(dim, current, staged, runDate)
		if err != nil {
			return 0, eris.Wrap(err, "dimension: plan")
		}
		res.New, res.Changed, res.Unchanged, res.Duplicates = plan.New, plan.Changed, plan.Unchanged, plan.Duplicates

		resolved, err := resolveLookups(ctx, t, dim.Lookups)
		if err != nil {
			return 0, err
		}

		byDate := make(map[string][]int64)
		var dates []string
		for _, e := range plan.Expire {
			if _, ok := byDate[e.Date]; !ok {
				dates = append(dates, e.Date)
			}
			byDate[e.Date] = append(byDate[e.Date], e.Surrogate)
		}
		for _, d := range dates {
			n, err := t.Expire(ctx, dim, byDate[d], d)
			if err != nil {
				return 0, eris.Wrapf(err, "dimension: expire %s", dim.Table)
			}
			if n != int64(len(byDate[d])) {
				return 0, eris.Errorf("dimension: expected to expire %d rows in %s, expired %d", len(byDate[d]), dim.Table, n)
			}
			res.Expired += n
		}

		cols := dim.InsertColumns()
		values := make([][]any, 0, len(plan.Insert))
		for _, r := range plan.Insert {
			for _, lk := range dim.Lookups {
				nat, ok := r.Text(lk.Column)
				sk, found := resolved[lk.Surrogate][nat]
				if ok && found {
					r[lk.Surrogate] = sk
					continue
				}
				r[lk.Surrogate] = nil
				if ok {
					res.Orphans++
				}
			}
			values = append(values, rowValues(r, cols))
		}

		n, err := t.Insert(ctx, dim.Table, cols, values)
		if err != nil {
			return 0, eris.Wrapf(err, "dimension: insert %s", dim.Table)
		}
		res.Inserted = n
		return n, nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("dimension merged",
		zap.String("table", dim.Table),
		zap.Int("new", res.New),
		zap.Int("changed", res.Changed),
		zap.Int("unchanged", res.Unchanged),
		zap.Int64("expired", res.Expired),
		zap.Int("orphans", res.Orphans),
	)
	return &res, nil
}

func resolveLookups(ctx context.Context, t Tables, lookups []Lookup) (map[string]map[string]int64, error) {
	out := make(map[string]map[string]int64, len(lookups))
	for _, lk := range lookups {
		m, err := t.LookupKeys(ctx, lk)
		if err != nil {
			return nil, eris.Wrapf(err, "lookup %s.%s", lk.Table, lk.Surrogate)
		}
		out[lk.Surrogate] = m
	}
	return out, nil
}

func rowValues(r Row, cols []Column) []any {
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = r[c.Name]
	}
	return vals
}
