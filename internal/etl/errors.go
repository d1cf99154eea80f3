package etl

import (
	"errors"
	"fmt"

	"github.com/jconover/medrobotics-etl/internal/model"
)

// Kind classifies an ETL failure by what the caller can do about it.
type Kind string

const (
	// KindSourceUnavailable means the upstream database or bucket could
	// not be read. Nothing was staged or merged.
	KindSourceUnavailable Kind = "source_unavailable"
	// KindMalformedRecord marks a single record that failed validation.
	// It is counted and dropped, never fatal to a batch.
	KindMalformedRecord Kind = "malformed_record"
	// KindLoadError covers staging writes and bulk loads. The target
	// tables were not touched.
	KindLoadError Kind = "load_error"
	// KindMergeError means the merge transaction rolled back.
	KindMergeError Kind = "merge_error"
	// KindFatal means the run cannot continue (credentials, warehouse
	// unreachable). Remaining entities are skipped.
	KindFatal Kind = "fatal"
)

// Error is an ETL failure tagged with the entity and stage it happened in.
type Error struct {
	Kind   Kind
	Entity string
	Stage  model.Stage
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Entity != "" && e.Stage != "":
		return fmt.Sprintf("%s: %s: %v", e.Entity, e.Stage, e.Err)
	case e.Entity != "":
		return fmt.Sprintf("%s: %v", e.Entity, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError tags err with kind.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Fatal marks err as fatal to the whole run.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindFatal, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// fallback if there is none.
func KindOf(err error, fallback Kind) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return fallback
}

// IsFatal reports whether any error in the chain is fatal.
func IsFatal(err error) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == KindFatal {
			return true
		}
		err = e.Err
	}
	return false
}
