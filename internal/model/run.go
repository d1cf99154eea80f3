// Package model holds the request and result types exchanged between the
// ETL orchestrator, the run log and the command/HTTP/Lambda entry points.
package model

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
)

// RunType selects which entity pipelines a run executes.
type RunType string

const (
	RunTypeDimensions RunType = "dimensions"
	RunTypeProcedures RunType = "procedures"
	RunTypeTelemetry  RunType = "telemetry"
	RunTypeFull       RunType = "full"
)

// RunStatus is the terminal status of a run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// EntityStatus is the outcome of one entity pipeline within a run.
type EntityStatus string

const (
	EntitySuccess EntityStatus = "success"
	EntityFailed  EntityStatus = "failed"
	EntitySkipped EntityStatus = "skipped"
)

// Stage is a step of the per-entity state machine.
type Stage string

const (
	StageIdle         Stage = "idle"
	StageExtracting   Stage = "extracting"
	StageTransforming Stage = "transforming"
	StageStaging      Stage = "staging"
	StageLoading      Stage = "loading"
	StageMerging      Stage = "merging"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// RunRequest is the invocation payload. Every field is optional.
type RunRequest struct {
	ETLType      string `json:"etl_type,omitempty" yaml:"etl_type,omitempty" validate:"omitempty,oneof=dimensions procedures telemetry full"`
	StartDate    string `json:"start_date,omitempty" yaml:"start_date,omitempty"`
	EndDate      string `json:"end_date,omitempty" yaml:"end_date,omitempty"`
	BatchDate    string `json:"batch_date,omitempty" yaml:"batch_date,omitempty"`
	SourcePrefix string `json:"source_prefix,omitempty" yaml:"source_prefix,omitempty"`
}

// RunParams is a validated RunRequest with defaults applied.
type RunParams struct {
	Type         RunType
	Start        time.Time
	End          time.Time
	BatchDate    time.Time
	SourcePrefix string
}

var validate = validator.New()

// Params validates the request and fills defaults relative to now: type
// full, a procedures window of [yesterday, today) and today's batch date.
// All times are UTC.
func (r RunRequest) Params(now time.Time, defaultPrefix string) (RunParams, error) {
	if err := validate.Struct(r); err != nil {
		return RunParams{}, eris.Wrap(err, "model: invalid run request")
	}

	today := now.UTC().Truncate(24 * time.Hour)
	p := RunParams{
		Type:         RunType(r.ETLType),
		Start:        today.AddDate(0, 0, -1),
		End:          today,
		BatchDate:    today,
		SourcePrefix: defaultPrefix,
	}
	if p.Type == "" {
		p.Type = RunTypeFull
	}
	if r.SourcePrefix != "" {
		p.SourcePrefix = r.SourcePrefix
	}

	var err error
	if r.StartDate != "" {
		if p.Start, err = ParseDateTime(r.StartDate); err != nil {
			return RunParams{}, eris.Wrap(err, "model: start_date")
		}
	}
	if r.EndDate != "" {
		if p.End, err = ParseDateTime(r.EndDate); err != nil {
			return RunParams{}, eris.Wrap(err, "model: end_date")
		}
	}
	if r.BatchDate != "" {
		if p.BatchDate, err = parseBatchDate(r.BatchDate); err != nil {
			return RunParams{}, eris.Wrap(err, "model: batch_date")
		}
	}
	if !p.Start.Before(p.End) {
		return RunParams{}, eris.Errorf("model: start_date %s must be before end_date %s",
			p.Start.Format(time.DateTime), p.End.Format(time.DateTime))
	}
	return p, nil
}

// ParseDateTime accepts a bare date or an RFC 3339 / naive timestamp.
// Values without an offset are read as UTC.
func ParseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", time.DateTime, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("unrecognized date %q", s)
}

func parseBatchDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Parse("20060102", s)
}

// EntityResult reports what one entity pipeline did.
type EntityResult struct {
	Entity        string       `json:"entity" yaml:"entity"`
	Status        EntityStatus `json:"status" yaml:"status"`
	Stage         Stage        `json:"stage" yaml:"stage"`
	ErrorKind     string       `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Error         string       `json:"error,omitempty" yaml:"error,omitempty"`
	Extracted     int          `json:"extracted" yaml:"extracted"`
	Accepted      int          `json:"accepted" yaml:"accepted"`
	Rejected      int          `json:"rejected" yaml:"rejected"`
	FilesSkipped  int          `json:"files_skipped,omitempty" yaml:"files_skipped,omitempty"`
	StagedRef     string       `json:"staged_ref,omitempty" yaml:"staged_ref,omitempty"`
	Loaded        int64        `json:"loaded" yaml:"loaded"`
	Inserted      int64        `json:"inserted" yaml:"inserted"`
	Expired       int64        `json:"expired,omitempty" yaml:"expired,omitempty"`
	Unchanged     int          `json:"unchanged,omitempty" yaml:"unchanged,omitempty"`
	AlreadyLoaded int          `json:"already_loaded,omitempty" yaml:"already_loaded,omitempty"`
	Duplicates    int          `json:"duplicates,omitempty" yaml:"duplicates,omitempty"`
	Orphans       int          `json:"orphans,omitempty" yaml:"orphans,omitempty"`
	Unresolved    int          `json:"unresolved,omitempty" yaml:"unresolved,omitempty"`
	Elapsed       string       `json:"elapsed" yaml:"elapsed"`
}

// RunResult is the outcome of one orchestrator invocation.
type RunResult struct {
	RunID         string           `json:"run_id" yaml:"run_id"`
	Status        RunStatus        `json:"status" yaml:"status"`
	ETLType       RunType          `json:"etl_type" yaml:"etl_type"`
	Timestamp     string           `json:"timestamp" yaml:"timestamp"`
	FinishedAt    string           `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	RecordsLoaded map[string]int64 `json:"records_loaded" yaml:"records_loaded"`
	Entities      []EntityResult   `json:"entities" yaml:"entities"`
	Error         string           `json:"error,omitempty" yaml:"error,omitempty"`
}

// Failed returns the entity results that failed.
func (r *RunResult) Failed() []EntityResult {
	var out []EntityResult
	for _, e := range r.Entities {
		if e.Status == EntityFailed {
			out = append(out, e)
		}
	}
	return out
}

// Entity returns the result for the named entity.
func (r *RunResult) Entity(name string) (EntityResult, bool) {
	for _, e := range r.Entities {
		if e.Entity == name {
			return e, true
		}
	}
	return EntityResult{}, false
}
