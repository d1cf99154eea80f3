package etl

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Staged describes a written staging blob.
type Staged struct {
	Key  string
	Ref  string
	Rows int
	Size int
}

// Stager serializes rows into delimited blobs and writes them to the
// object store under content-addressed keys.
type Stager struct {
	store  ObjectStore
	format Format
	prefix string
	log    *zap.Logger
}

// NewStager creates a Stager writing under prefix (e.g. "etl-staging").
func NewStager(store ObjectStore, prefix string, f Format) *Stager {
	return &Stager{
		store:  store,
		format: f,
		prefix: strings.Trim(prefix, "/"),
		log:    zap.L().With(zap.String("component", "etl.stage")),
	}
}

// Encode serializes rows in field order, one line per row, no header.
func Encode(rows iter.Seq[Row], fields []string, f Format) ([]byte, int, error) {
	var buf bytes.Buffer
	delim := string(f.Delimiter)
	n := 0
	for row := range rows {
		for i, name := range fields {
			if i > 0 {
				buf.WriteString(delim)
			}
			v := row[name]
			if v == nil {
				buf.WriteString(f.NullToken)
				continue
			}
			s := Canonical(v)
			if strings.Contains(s, delim) || strings.ContainsAny(s, "\r\n") {
				return nil, 0, eris.Errorf("row %d: %s: value contains the delimiter or a line break", n+1, name)
			}
			buf.WriteString(s)
		}
		buf.WriteByte('\n')
		n++
	}
	return buf.Bytes(), n, nil
}

// Key returns the content-addressed object key for a blob.
func (s *Stager) Key(entity string, batchDate time.Time, data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%s/%s/%s/%s_%s.psv", s.prefix, entity, batchDate.UTC().Format("20060102"),
		entity, hex.EncodeToString(sum[:])[:16])
}

// Stage consumes rows, writes them as one blob and returns its location.
// An empty batch writes nothing and returns nil.
func (s *Stager) Stage(ctx context.Context, entity string, batchDate time.Time, rows iter.Seq[Row], fields []string) (*Staged, error) {
	data, n, err := Encode(rows, fields, s.format)
	if err != nil {
		return nil, eris.Wrapf(err, "stage: encode %s", entity)
	}
	if n == 0 {
		s.log.Info("nothing to stage", zap.String("entity", entity))
		return nil, nil
	}

	key := s.Key(entity, batchDate, data)
	ref, err := s.store.Put(ctx, key, data)
	if err != nil {
		return nil, eris.Wrapf(err, "stage: put %s", key)
	}

	s.log.Info("staged batch",
		zap.String("entity", entity),
		zap.String("ref", ref),
		zap.Int("rows", n),
		zap.Int("bytes", len(data)),
	)
	return &Staged{Key: key, Ref: ref, Rows: n, Size: len(data)}, nil
}

// Decode parses a staging blob back into typed values per schema column:
// string, int64, float64, bool or time.Time, nil for NULL. Warehouses that
// cannot read the object store directly use it to bulk load.
func Decode(data []byte, schema Schema, f Format) ([][]any, error) {
	var out [][]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	delim := string(f.Delimiter)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if text == "" && len(schema.Columns) > 1 {
			continue
		}
		fields := strings.Split(text, delim)
		if len(fields) != len(schema.Columns) {
			return nil, eris.Errorf("line %d: expected %d fields, got %d", line, len(schema.Columns), len(fields))
		}
		row := make([]any, len(fields))
		for i, raw := range fields {
			c := schema.Columns[i]
			if raw == f.NullToken {
				continue
			}
			v, err := decodeValue(raw, c.Type, f)
			if err != nil {
				return nil, eris.Wrapf(err, "line %d: %s", line, c.Name)
			}
			row[i] = v
		}
		out = append(out, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeValue(raw string, t ValueType, f Format) (any, error) {
	switch t {
	case TypeInt:
		return strconv.ParseInt(raw, 10, 64)
	case TypeFloat:
		return strconv.ParseFloat(raw, 64)
	case TypeBool:
		return strconv.ParseBool(raw)
	case TypeDate:
		return time.Parse(f.DateLayout, raw)
	case TypeTimestamp:
		return time.Parse(f.TimestampLayout, raw)
	default:
		return raw, nil
	}
}
