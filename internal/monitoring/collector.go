package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/jconover/medrobotics-etl/internal/model"
	"github.com/jconover/medrobotics-etl/internal/runlog"
)

// Snapshot holds a point-in-time view of recent run history.
type Snapshot struct {
	Total    int     `json:"total" yaml:"total"`
	Success  int     `json:"success" yaml:"success"`
	Failed   int     `json:"failed" yaml:"failed"`
	Running  int     `json:"running" yaml:"running"`
	FailRate float64 `json:"fail_rate" yaml:"fail_rate"`

	RecordsLoaded map[string]int64     `json:"records_loaded" yaml:"records_loaded"`
	LastSuccess   map[string]time.Time `json:"last_success" yaml:"last_success"`
	// Stale lists run types with no success, of their own or of a full
	// run, inside the lookback window.
	Stale []string `json:"stale,omitempty" yaml:"stale,omitempty"`

	LookbackHours int       `json:"lookback_hours" yaml:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at" yaml:"collected_at"`
}

// RunLister reads recent run log entries, newest first.
type RunLister interface {
	List(ctx context.Context, limit int) ([]runlog.Entry, error)
}

// Collector summarizes the run log.
type Collector struct {
	runs RunLister
	now  func() time.Time
}

// NewCollector creates a new run history collector.
func NewCollector(runs RunLister) *Collector {
	return &Collector{runs: runs, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{
		RecordsLoaded: map[string]int64{},
		LastSuccess:   map[string]time.Time{},
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	entries, err := c.runs.List(ctx, 1000)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for _, e := range entries {
		if e.StartedAt.Before(cutoff) {
			continue
		}
		snap.Total++
		switch model.RunStatus(e.Status) {
		case model.RunStatusSuccess:
			snap.Success++
			finished := e.StartedAt
			if e.FinishedAt != nil {
				finished = *e.FinishedAt
			}
			if finished.After(snap.LastSuccess[e.ETLType]) {
				snap.LastSuccess[e.ETLType] = finished
			}
		case model.RunStatusFailed:
			snap.Failed++
		case model.RunStatusRunning:
			snap.Running++
		}
		for entity, n := range e.RecordsLoaded {
			snap.RecordsLoaded[entity] += n
		}
	}

	if finished := snap.Success + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}
	_, fullOK := snap.LastSuccess[string(model.RunTypeFull)]
	for _, t := range []model.RunType{model.RunTypeDimensions, model.RunTypeProcedures, model.RunTypeTelemetry, model.RunTypeFull} {
		if _, ok := snap.LastSuccess[string(t)]; !ok && !fullOK {
			snap.Stale = append(snap.Stale, string(t))
		}
	}
	return snap, nil
}
