//go:build !integration

package main

import (
	"context"
	"sync"

	"github.com/jconover/medrobotics-etl/internal/model"
)

// fakeRunner replays results in order, repeating the last one.
type fakeRunner struct {
	mu      sync.Mutex
	results []*model.RunResult
	errs    []error
	reqs    []model.RunRequest
	block   chan struct{}
}

func (f *fakeRunner) Run(_ context.Context, req model.RunRequest) (*model.RunResult, error) {
	f.mu.Lock()
	i := len(f.reqs)
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	i = min(i, len(f.results)-1)
	return f.results[i], f.errs[i]
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func successResult(id string) *model.RunResult {
	return &model.RunResult{
		RunID:         id,
		Status:        model.RunStatusSuccess,
		ETLType:       model.RunTypeFull,
		Timestamp:     "2024-01-02T06:00:00Z",
		FinishedAt:    "2024-01-02T06:00:10Z",
		RecordsLoaded: map[string]int64{"procedures": 3},
		Entities:      []model.EntityResult{{Entity: "procedures", Status: model.EntitySuccess, Inserted: 3}},
	}
}

func failedResult(id, kind string) *model.RunResult {
	return &model.RunResult{
		RunID:         id,
		Status:        model.RunStatusFailed,
		ETLType:       model.RunTypeFull,
		Timestamp:     "2024-01-02T06:00:00Z",
		FinishedAt:    "2024-01-02T06:00:10Z",
		RecordsLoaded: map[string]int64{},
		Entities:      []model.EntityResult{{Entity: "procedures", Status: model.EntityFailed, ErrorKind: kind, Error: "loading: boom"}},
		Error:         "procedures: loading: boom",
	}
}
