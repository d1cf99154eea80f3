package etl

import (
	"context"
	"time"
)

// ObjectStore is blob storage addressed by key on write and by ref
// ("s3://bucket/key", "file:///path") on read.
type ObjectStore interface {
	// Put writes data under key and returns the ref the warehouse loads from.
	Put(ctx context.Context, key string, data []byte) (string, error)
	// Get reads the blob at ref.
	Get(ctx context.Context, ref string) ([]byte, error)
	// List returns the refs of all objects under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Window bounds a source read.
type Window struct {
	Start  time.Time
	End    time.Time
	Prefix string
}

// Extract is the output of a source read.
type Extract struct {
	Records []Record
	// FilesSkipped counts source objects that could not be read or parsed.
	FilesSkipped int
}

// Source reads raw records for an entity.
type Source interface {
	Read(ctx context.Context, entity string, w Window) (*Extract, error)
}

// SecretProvider resolves a credential by id.
type SecretProvider interface {
	Get(ctx context.Context, id string) (string, error)
}

// StagingTable is a run-scoped transient table holding one loaded blob.
type StagingTable struct {
	Name   string
	Schema Schema
}

// MergeFunc runs inside a single warehouse transaction and returns the
// number of target rows it inserted.
type MergeFunc func(ctx context.Context, t Tables) (int64, error)

// Warehouse is the analytical store.
type Warehouse interface {
	CreateStagingTable(ctx context.Context, name string, schema Schema) (*StagingTable, error)
	// BulkLoad loads the blob at ref into table and returns the row count.
	BulkLoad(ctx context.Context, ref string, table *StagingTable, f Format) (int64, error)
	DropStagingTable(ctx context.Context, table *StagingTable) error
	// ExecuteMerge runs op in one transaction: commit if op returns nil,
	// roll back otherwise.
	ExecuteMerge(ctx context.Context, op MergeFunc) (int64, error)
}

// Tables is the transactional view merges operate on. All values read
// back are canonical text so staged and target values compare equal when
// they hold the same data.
type Tables interface {
	// StagedRows returns every row of a staging table.
	StagedRows(ctx context.Context, table *StagingTable) ([]Row, error)
	// CurrentRows returns the is_current rows of a dimension: surrogate key,
	// natural key, attributes and effective_date.
	CurrentRows(ctx context.Context, dim *DimensionSpec) ([]Row, error)
	// LookupKeys maps natural key to surrogate key in lk.Table.
	LookupKeys(ctx context.Context, lk Lookup) (map[string]int64, error)
	// ExistingKeys returns the composite natural keys (see CompositeKey)
	// already in table among rows whose first key column is in firstValues.
	ExistingKeys(ctx context.Context, table string, keyCols []Column, firstValues []string) (map[string]bool, error)
	// Expire closes the current versions with the given surrogate keys.
	Expire(ctx context.Context, dim *DimensionSpec, surrogates []int64, expiration string) (int64, error)
	// Insert appends rows. Values are canonical text, int64 or nil.
	Insert(ctx context.Context, table string, cols []Column, rows [][]any) (int64, error)
}
