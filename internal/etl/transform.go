package etl

import (
	"errors"
	"iter"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// TransformStats counts what a transform pass did. Input == Accepted +
// Rejected once the sequence has been fully consumed.
type TransformStats struct {
	Input    int
	Accepted int
	Rejected int
	Reasons  map[string]int
}

func (s *TransformStats) reject(err error) {
	s.Rejected++
	if s.Reasons == nil {
		s.Reasons = make(map[string]int)
	}
	s.Reasons[rejectReason(err)]++
}

// Transformer validates and normalizes raw records into staged rows.
type Transformer struct {
	format Format
	log    *zap.Logger
}

// NewTransformer creates a Transformer for the given staging format.
func NewTransformer(f Format) *Transformer {
	return &Transformer{format: f, log: zap.L().With(zap.String("component", "etl.transform"))}
}

// TransformRecord normalizes one record for entity. A record that fails
// validation returns a KindMalformedRecord error.
func (t *Transformer) TransformRecord(e Entity, rec Record) (Row, error) {
	if e.Prepare != nil {
		prepared, err := e.Prepare(rec)
		if err != nil {
			return nil, &Error{Kind: KindMalformedRecord, Entity: e.Name, Err: err}
		}
		rec = prepared
	}

	row := make(Row, len(e.Schema.Columns))
	for _, c := range e.Schema.Columns {
		v, err := Normalize(rec[c.Name], c, t.format)
		if err != nil {
			return nil, &Error{Kind: KindMalformedRecord, Entity: e.Name, Err: err}
		}
		row[c.Name] = v
	}
	for _, name := range e.Required {
		if row[name] == nil {
			return nil, &Error{Kind: KindMalformedRecord, Entity: e.Name, Err: eris.Errorf("%s is required", name)}
		}
	}
	return row, nil
}

// Transform returns a lazy sequence of normalized rows. Malformed records
// are counted in stats and dropped. The sequence can be ranged over once;
// later iterations yield nothing.
func (t *Transformer) Transform(e Entity, records []Record, stats *TransformStats) iter.Seq[Row] {
	var used atomic.Bool
	return func(yield func(Row) bool) {
		if used.Swap(true) {
			t.log.Warn("transform sequence already consumed", zap.String("entity", e.Name))
			return
		}
		for _, rec := range records {
			stats.Input++
			row, err := t.TransformRecord(e, rec)
			if err != nil {
				stats.reject(err)
				t.log.Debug("record rejected", zap.String("entity", e.Name), zap.Error(err))
				continue
			}
			stats.Accepted++
			if !yield(row) {
				return
			}
		}
	}
}

// rejectReason is the leading field or word of the validation message,
// e.g. "timestamp" or "arm_position".
func rejectReason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		err = e.Err
	}
	msg := err.Error()
	for i := 0; i < len(msg); i++ {
		if msg[i] == ':' || msg[i] == ' ' {
			return msg[:i]
		}
	}
	return msg
}
