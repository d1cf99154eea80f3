//go:build !integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jconover/medrobotics-etl/internal/etl"
	"github.com/jconover/medrobotics-etl/internal/model"
	"github.com/jconover/medrobotics-etl/internal/resilience"
)

func quickRetry() resilience.RetryConfig {
	return resilience.RetryConfig{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func TestRunWithRetries_SucceedsFirstTime(t *testing.T) {
	r := &fakeRunner{results: []*model.RunResult{successResult("a")}, errs: []error{nil}}
	res, err := runWithRetries(context.Background(), r, model.RunRequest{ETLType: "full"}, 2, quickRetry())
	require.NoError(t, err)
	assert.Equal(t, "a", res.RunID)
	assert.Equal(t, 1, r.calls())
}

func TestRunWithRetries_RerunsAfterFailure(t *testing.T) {
	r := &fakeRunner{
		results: []*model.RunResult{failedResult("a", string(etl.KindLoadError)), successResult("b")},
		errs:    []error{errors.New("procedures: loading: boom"), nil},
	}
	res, err := runWithRetries(context.Background(), r, model.RunRequest{}, 2, quickRetry())
	require.NoError(t, err)
	assert.Equal(t, "b", res.RunID)
	assert.Equal(t, 2, r.calls())
}

func TestRunWithRetries_ExhaustsAttempts(t *testing.T) {
	r := &fakeRunner{
		results: []*model.RunResult{failedResult("a", string(etl.KindMergeError))},
		errs:    []error{errors.New("merge failed")},
	}
	res, err := runWithRetries(context.Background(), r, model.RunRequest{}, 2, quickRetry())
	require.Error(t, err)
	assert.Equal(t, model.RunStatusFailed, res.Status)
	assert.Equal(t, 3, r.calls())
}

func TestRunWithRetries_FatalNotRetried(t *testing.T) {
	r := &fakeRunner{
		results: []*model.RunResult{failedResult("a", string(etl.KindFatal))},
		errs:    []error{errors.New("credentials")},
	}
	_, err := runWithRetries(context.Background(), r, model.RunRequest{}, 3, quickRetry())
	require.Error(t, err)
	assert.Equal(t, 1, r.calls())
}

func TestRunWithRetries_InvalidRequestNotRetried(t *testing.T) {
	rejected := &model.RunResult{RunID: "a", Status: model.RunStatusFailed, Error: "model: invalid run request"}
	r := &fakeRunner{results: []*model.RunResult{rejected}, errs: []error{errors.New("invalid")}}
	_, err := runWithRetries(context.Background(), r, model.RunRequest{ETLType: "bogus"}, 3, quickRetry())
	require.Error(t, err)
	assert.Equal(t, 1, r.calls())
}

func TestRerunnable(t *testing.T) {
	assert.False(t, rerunnable(nil))
	assert.False(t, rerunnable(&model.RunResult{}))
	assert.True(t, rerunnable(failedResult("a", string(etl.KindSourceUnavailable))))
	assert.False(t, rerunnable(failedResult("a", string(etl.KindFatal))))
}

func TestWriteResult_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResult(&buf, successResult("a"), "json"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "a", got["run_id"])
	assert.Equal(t, "success", got["status"])
	assert.Equal(t, map[string]any{"procedures": float64(3)}, got["records_loaded"])
}

func TestWriteResult_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResult(&buf, failedResult("a", string(etl.KindLoadError)), "yaml"))

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "failed", got["status"])
	assert.Equal(t, "procedures: loading: boom", got["error"])
	assert.Contains(t, buf.String(), "error_kind: load_error")
}

func TestWriteResult_Nil(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResult(&buf, nil, "json"))
	assert.Empty(t, buf.String())
}
