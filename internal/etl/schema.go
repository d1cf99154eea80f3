package etl

import "slices"

// ValueType is the logical type of a staged column.
type ValueType int

const (
	TypeString ValueType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeDate
	TypeTimestamp
)

func (t ValueType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeDate:
		return "date"
	case TypeTimestamp:
		return "timestamp"
	default:
		return "string"
	}
}

// Column is one staged field. SQLType is the warehouse column type used for
// staging and dimension/fact DDL (e.g. "DECIMAL(10,2)").
type Column struct {
	Name    string
	Type    ValueType
	SQLType string
}

// Schema is the ordered column list of a staged entity. The order is the
// field order of the staging blob.
type Schema struct {
	Name    string
	Columns []Column
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Column looks up a column by name.
func (s Schema) Column(name string) (Column, bool) {
	i := slices.IndexFunc(s.Columns, func(c Column) bool { return c.Name == name })
	if i < 0 {
		return Column{}, false
	}
	return s.Columns[i], true
}

// Pick returns the named columns in the given order. Unknown names are
// skipped.
func (s Schema) Pick(names ...string) []Column {
	out := make([]Column, 0, len(names))
	for _, n := range names {
		if c, ok := s.Column(n); ok {
			out = append(out, c)
		}
	}
	return out
}

// Record is one raw source record. Values are whatever the source produced
// (driver types, json.Number, nested maps for telemetry).
type Record map[string]any

// Row is a normalized record: every value is a canonical string or nil.
type Row map[string]any

// Text returns the canonical text of col and whether it is non-null.
func (r Row) Text(col string) (string, bool) {
	v, ok := r[col]
	if !ok || v == nil {
		return "", false
	}
	return Canonical(v), true
}

// Format describes the staging blob encoding.
type Format struct {
	Delimiter       rune
	NullToken       string
	DateLayout      string
	TimestampLayout string
}

// DefaultFormat is pipe-delimited with empty fields as NULL.
func DefaultFormat() Format {
	return Format{
		Delimiter:       '|',
		NullToken:       "",
		DateLayout:      "2006-01-02",
		TimestampLayout: "2006-01-02 15:04:05.999999",
	}
}
