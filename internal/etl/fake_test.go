package etl

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jconover/medrobotics-etl/internal/model"
)

// memStore is an in-memory ObjectStore.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	putErr  error
}

func newMemStore() *memStore { return &memStore{objects: map[string][]byte{}} }

func (s *memStore) Put(_ context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return "", s.putErr
	}
	s.puts++
	ref := "mem://" + key
	s.objects[ref] = slices.Clone(data)
	return ref, nil
}

func (s *memStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[ref]
	if !ok {
		return nil, fmt.Errorf("no object %s", ref)
	}
	return data, nil
}

func (s *memStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for ref := range s.objects {
		if strings.HasPrefix(strings.TrimPrefix(ref, "mem://"), prefix) {
			out = append(out, ref)
		}
	}
	slices.Sort(out)
	return out, nil
}

// surrogates maps target tables to their identity column.
var surrogates = map[string]string{
	"dim_facilities":  "facility_key",
	"dim_surgeons":    "surgeon_key",
	"dim_robots":      "robot_key",
	"fact_procedures": "procedure_key",
	"fact_telemetry":  "telemetry_key",
}

// memWarehouse is an in-memory Warehouse whose merges are transactional.
type memWarehouse struct {
	mu       sync.Mutex
	store    ObjectStore
	tables   map[string][]Row
	staging  map[string][]Row
	schemas  map[string]Schema
	nextKey  int64
	created  []string
	dropped  []string
	loadErr  error
	mergeErr map[string]error // target table -> insert error
	createFn func(name string) error
}

func newMemWarehouse(store ObjectStore) *memWarehouse {
	return &memWarehouse{
		store:    store,
		tables:   map[string][]Row{},
		staging:  map[string][]Row{},
		schemas:  map[string]Schema{},
		mergeErr: map[string]error{},
	}
}

func (w *memWarehouse) CreateStagingTable(_ context.Context, name string, schema Schema) (*StagingTable, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.createFn != nil {
		if err := w.createFn(name); err != nil {
			return nil, err
		}
	}
	if _, exists := w.staging[name]; exists {
		return nil, fmt.Errorf("table %s already exists", name)
	}
	w.staging[name] = []Row{}
	w.schemas[name] = schema
	w.created = append(w.created, name)
	return &StagingTable{Name: name, Schema: schema}, nil
}

func (w *memWarehouse) BulkLoad(ctx context.Context, ref string, table *StagingTable, f Format) (int64, error) {
	if w.loadErr != nil {
		return 0, w.loadErr
	}
	data, err := w.store.Get(ctx, ref)
	if err != nil {
		return 0, err
	}
	decoded, err := Decode(data, table.Schema, f)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, vals := range decoded {
		r := make(Row, len(vals))
		for i, c := range table.Schema.Columns {
			r[c.Name] = canonicalFor(vals[i], c, f)
		}
		w.staging[table.Name] = append(w.staging[table.Name], r)
	}
	return int64(len(decoded)), nil
}

func canonicalFor(v any, c Column, f Format) any {
	if v == nil {
		return nil
	}
	if t, ok := v.(time.Time); ok {
		if c.Type == TypeDate {
			return t.Format(f.DateLayout)
		}
		return t.Format(f.TimestampLayout)
	}
	return Canonical(v)
}

func (w *memWarehouse) DropStagingTable(_ context.Context, table *StagingTable) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.staging, table.Name)
	w.dropped = append(w.dropped, table.Name)
	return nil
}

func (w *memWarehouse) ExecuteMerge(ctx context.Context, op MergeFunc) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	snapshot := make(map[string][]Row, len(w.tables))
	for name, rows := range w.tables {
		cp := make([]Row, len(rows))
		for i, r := range rows {
			cp[i] = maps.Clone(r)
		}
		snapshot[name] = cp
	}
	nextKey := w.nextKey

	n, err := op(ctx, &memTables{w: w})
	if err != nil {
		w.tables = snapshot
		w.nextKey = nextKey
		return 0, err
	}
	return n, nil
}

// current returns the current rows of a table (non-dimension tables have
// no is_current column, so every row counts).
func (w *memWarehouse) current(table string) []Row {
	var out []Row
	for _, r := range w.tables[table] {
		if v, ok := r[IsCurrent]; ok && v != "true" {
			continue
		}
		out = append(out, r)
	}
	return out
}

type memTables struct{ w *memWarehouse }

func (t *memTables) StagedRows(_ context.Context, table *StagingTable) ([]Row, error) {
	rows, ok := t.w.staging[table.Name]
	if !ok {
		return nil, fmt.Errorf("no staging table %s", table.Name)
	}
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = maps.Clone(r)
	}
	return out, nil
}

func (t *memTables) CurrentRows(_ context.Context, dim *DimensionSpec) ([]Row, error) {
	var out []Row
	for _, r := range t.w.tables[dim.Table] {
		if r[IsCurrent] == "true" {
			out = append(out, maps.Clone(r))
		}
	}
	return out, nil
}

func (t *memTables) LookupKeys(_ context.Context, lk Lookup) (map[string]int64, error) {
	rows := t.w.tables[lk.Table]
	if lk.CurrentOnly {
		rows = t.w.current(lk.Table)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		nat, ok := r.Text(lk.KeyColumn)
		if !ok {
			continue
		}
		sk, _ := strconv.ParseInt(Canonical(r[lk.Surrogate]), 10, 64)
		out[nat] = sk
	}
	return out, nil
}

func (t *memTables) ExistingKeys(_ context.Context, table string, keyCols []Column, first []string) (map[string]bool, error) {
	want := make(map[string]bool, len(first))
	for _, v := range first {
		want[v] = true
	}
	out := map[string]bool{}
	for _, r := range t.w.tables[table] {
		parts := make([]string, len(keyCols))
		for i, c := range keyCols {
			parts[i] = Canonical(r[c.Name])
		}
		if want[parts[0]] {
			out[CompositeKey(parts)] = true
		}
	}
	return out, nil
}

func (t *memTables) Expire(_ context.Context, dim *DimensionSpec, keys []int64, expiration string) (int64, error) {
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[strconv.FormatInt(k, 10)] = true
	}
	var n int64
	for _, r := range t.w.tables[dim.Table] {
		if want[Canonical(r[dim.SurrogateKey])] && r[IsCurrent] == "true" {
			r[ExpirationDate] = expiration
			r[IsCurrent] = "false"
			n++
		}
	}
	return n, nil
}

func (t *memTables) Insert(_ context.Context, table string, cols []Column, rows [][]any) (int64, error) {
	if err := t.w.mergeErr[table]; err != nil {
		return 0, err
	}
	for _, vals := range rows {
		r := make(Row, len(cols)+1)
		for i, c := range cols {
			if vals[i] == nil {
				r[c.Name] = nil
				continue
			}
			r[c.Name] = Canonical(vals[i])
		}
		t.w.nextKey++
		r[surrogates[table]] = strconv.FormatInt(t.w.nextKey, 10)
		t.w.tables[table] = append(t.w.tables[table], r)
	}
	return int64(len(rows)), nil
}

// rowsWhere returns rows of table whose column col has canonical value v.
func (w *memWarehouse) rowsWhere(table, col, v string) []Row {
	var out []Row
	for _, r := range w.tables[table] {
		if Canonical(r[col]) == v {
			out = append(out, r)
		}
	}
	return out
}

// memSource serves canned records per entity.
type memSource struct {
	records map[string][]Record
	errs    map[string]error
	windows []Window
}

func (s *memSource) Read(_ context.Context, entity string, w Window) (*Extract, error) {
	s.windows = append(s.windows, w)
	if err := s.errs[entity]; err != nil {
		return nil, err
	}
	recs := s.records[entity]
	out := make([]Record, len(recs))
	for i, r := range recs {
		out[i] = maps.Clone(r)
	}
	return &Extract{Records: out}, nil
}

// recordingObserver captures observer callbacks.
type recordingObserver struct {
	mu       sync.Mutex
	started  int
	entities []model.EntityResult
	finished *model.RunResult
}

func (o *recordingObserver) RunStarted(context.Context, *model.RunResult) error {
	o.started++
	return nil
}

func (o *recordingObserver) EntityFinished(_ context.Context, _ string, res model.EntityResult) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entities = append(o.entities, res)
	return nil
}

func (o *recordingObserver) RunFinished(_ context.Context, run *model.RunResult) error {
	o.finished = run
	return errors.New("observer errors are ignored")
}
