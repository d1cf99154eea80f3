package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jconover/medrobotics-etl/internal/config"
	"github.com/jconover/medrobotics-etl/internal/model"
)

type fakeEventBridge struct {
	inputs []*eventbridge.PutEventsInput
	err    error
	reject bool
}

func (f *fakeEventBridge) PutEvents(_ context.Context, in *eventbridge.PutEventsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	if f.reject {
		return &eventbridge.PutEventsOutput{
			FailedEntryCount: 1,
			Entries:          []ebtypes.PutEventsResultEntry{{ErrorCode: aws.String("AccessDenied"), ErrorMessage: aws.String("nope")}},
		}, nil
	}
	return &eventbridge.PutEventsOutput{}, nil
}

type fakeCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (f *fakeCloudWatch) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func sampleRun(status model.RunStatus) *model.RunResult {
	run := &model.RunResult{
		RunID:         "run-1",
		Status:        status,
		ETLType:       model.RunTypeFull,
		Timestamp:     "2024-01-02T06:00:00Z",
		FinishedAt:    "2024-01-02T06:01:30Z",
		RecordsLoaded: map[string]int64{"facilities": 2},
		Entities: []model.EntityResult{
			{Entity: "facilities", Status: model.EntitySuccess, Inserted: 2, Rejected: 1},
			{Entity: "telemetry", Status: model.EntitySuccess, FilesSkipped: 3},
		},
	}
	if status == model.RunStatusFailed {
		run.Entities = append(run.Entities, model.EntityResult{
			Entity: "procedures", Status: model.EntityFailed, ErrorKind: "LoadError", Error: "copy failed",
		})
		run.Error = "procedures: copy failed"
	}
	return run
}

func testBreaker(name string) *gobreaker.CircuitBreaker {
	return NewBreaker(name, config.BreakerConfig{MaxFailures: 2, OpenTimeoutSec: 60})
}

func TestEventBridge_PublishesSuccess(t *testing.T) {
	fake := &fakeEventBridge{}
	p := NewEventBridge(fake, "etl-bus", "medrobotics.etl", testBreaker("eb"))

	require.NoError(t, p.RunFinished(context.Background(), sampleRun(model.RunStatusSuccess)))
	require.Len(t, fake.inputs, 1)

	entry := fake.inputs[0].Entries[0]
	assert.Equal(t, "etl-bus", aws.ToString(entry.EventBusName))
	assert.Equal(t, "medrobotics.etl", aws.ToString(entry.Source))
	assert.Equal(t, DetailRunSucceeded, aws.ToString(entry.DetailType))

	var ev RunEvent
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(entry.Detail)), &ev))
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, int64(2), ev.RecordsLoaded["facilities"])
	assert.Empty(t, ev.Failed)
}

func TestEventBridge_PublishesFailure(t *testing.T) {
	fake := &fakeEventBridge{}
	p := NewEventBridge(fake, "default", "medrobotics.etl", testBreaker("eb"))

	require.NoError(t, p.RunFinished(context.Background(), sampleRun(model.RunStatusFailed)))
	entry := fake.inputs[0].Entries[0]
	assert.Equal(t, DetailRunFailed, aws.ToString(entry.DetailType))

	var ev RunEvent
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(entry.Detail)), &ev))
	require.Len(t, ev.Failed, 1)
	assert.Equal(t, "procedures", ev.Failed[0].Entity)
	assert.Equal(t, "LoadError", ev.Failed[0].Kind)
}

func TestEventBridge_RejectedEntry(t *testing.T) {
	fake := &fakeEventBridge{reject: true}
	p := NewEventBridge(fake, "default", "medrobotics.etl", testBreaker("eb"))

	err := p.RunFinished(context.Background(), sampleRun(model.RunStatusSuccess))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AccessDenied")
}

func TestEventBridge_BreakerOpens(t *testing.T) {
	fake := &fakeEventBridge{err: errors.New("throttled")}
	p := NewEventBridge(fake, "default", "medrobotics.etl", testBreaker("eb"))
	ctx := context.Background()

	for range 2 {
		require.Error(t, p.RunFinished(ctx, sampleRun(model.RunStatusSuccess)))
	}
	err := p.RunFinished(ctx, sampleRun(model.RunStatusSuccess))
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Len(t, fake.inputs, 2, "open breaker skips the call")
}

func TestEventBridge_NoopHooks(t *testing.T) {
	p := NewEventBridge(&fakeEventBridge{}, "default", "s", testBreaker("eb"))
	assert.NoError(t, p.RunStarted(context.Background(), &model.RunResult{}))
	assert.NoError(t, p.EntityFinished(context.Background(), "r", model.EntityResult{}))
}

func TestDatums(t *testing.T) {
	at := time.Date(2024, 1, 2, 6, 1, 30, 0, time.UTC)
	data := Datums(sampleRun(model.RunStatusFailed), at)

	byName := map[string][]float64{}
	for _, d := range data {
		byName[aws.ToString(d.MetricName)] = append(byName[aws.ToString(d.MetricName)], aws.ToFloat64(d.Value))
		assert.Equal(t, at, aws.ToTime(d.Timestamp))
	}
	assert.Equal(t, []float64{1}, byName["RunCount"])
	assert.Equal(t, []float64{1}, byName["RunFailed"])
	assert.Equal(t, []float64{90}, byName["RunDuration"])
	assert.Equal(t, []float64{2, 0, 0}, byName["RecordsLoaded"])
	assert.Equal(t, []float64{1, 0, 0}, byName["RecordsRejected"])
	assert.Equal(t, []float64{3}, byName["FilesSkipped"])
	assert.Equal(t, []float64{1}, byName["EntityFailed"])
}

func TestCloudWatch_RunFinished(t *testing.T) {
	fake := &fakeCloudWatch{}
	c := NewCloudWatch(fake, "MedicalRobotics/ETL", testBreaker("cw"))

	require.NoError(t, c.RunFinished(context.Background(), sampleRun(model.RunStatusSuccess)))
	require.Len(t, fake.inputs, 1)
	assert.Equal(t, "MedicalRobotics/ETL", aws.ToString(fake.inputs[0].Namespace))
	assert.NotEmpty(t, fake.inputs[0].MetricData)
}

func TestCloudWatch_Error(t *testing.T) {
	fake := &fakeCloudWatch{err: errors.New("boom")}
	c := NewCloudWatch(fake, "ns", testBreaker("cw"))
	err := c.RunFinished(context.Background(), sampleRun(model.RunStatusSuccess))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run-1")
}

func TestRunDuration(t *testing.T) {
	assert.Equal(t, 90*time.Second, runDuration("2024-01-02T06:00:00Z", "2024-01-02T06:01:30Z"))
	assert.Zero(t, runDuration("", "2024-01-02T06:01:30Z"))
	assert.Zero(t, runDuration("2024-01-02T06:01:30Z", "2024-01-02T06:00:00Z"))
}
