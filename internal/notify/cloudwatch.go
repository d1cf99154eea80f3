package notify

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/rotisserie/eris"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/jconover/medrobotics-etl/internal/model"
)

// PutMetricData accepts at most this many datums per call.
const maxDatums = 1000

// CloudWatchAPI is the subset of the CloudWatch client used here.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatch pushes per-run and per-entity metrics when a run finishes.
type CloudWatch struct {
	client    CloudWatchAPI
	namespace string
	cb        *gobreaker.CircuitBreaker
	log       *zap.Logger
}

// NewCloudWatch creates a metrics publisher.
func NewCloudWatch(client CloudWatchAPI, namespace string, cb *gobreaker.CircuitBreaker) *CloudWatch {
	return &CloudWatch{
		client:    client,
		namespace: namespace,
		cb:        cb,
		log:       zap.L().With(zap.String("component", "notify.cloudwatch")),
	}
}

// RunStarted implements etl.Observer.
func (c *CloudWatch) RunStarted(context.Context, *model.RunResult) error { return nil }

// EntityFinished implements etl.Observer.
func (c *CloudWatch) EntityFinished(context.Context, string, model.EntityResult) error { return nil }

// RunFinished publishes the run's metrics.
func (c *CloudWatch) RunFinished(ctx context.Context, run *model.RunResult) error {
	data := Datums(run, time.Now().UTC())
	for start := 0; start < len(data); start += maxDatums {
		batch := data[start:min(start+maxDatums, len(data))]
		_, err := c.cb.Execute(func() (any, error) {
			return c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
				Namespace:  aws.String(c.namespace),
				MetricData: batch,
			})
		})
		if err != nil {
			return eris.Wrapf(err, "notify: put metrics for run %s", run.RunID)
		}
	}
	c.log.Debug("run metrics published", zap.String("run_id", run.RunID), zap.Int("datums", len(data)))
	return nil
}

// Datums converts a finished run into CloudWatch metric data.
func Datums(run *model.RunResult, at time.Time) []types.MetricDatum {
	runDims := []types.Dimension{{Name: aws.String("ETLType"), Value: aws.String(string(run.ETLType))}}
	failed := 0.0
	if run.Status != model.RunStatusSuccess {
		failed = 1
	}

	data := []types.MetricDatum{
		datum("RunCount", runDims, 1, types.StandardUnitCount, at),
		datum("RunFailed", runDims, failed, types.StandardUnitCount, at),
		datum("RunDuration", runDims, runDuration(run.Timestamp, run.FinishedAt).Seconds(), types.StandardUnitSeconds, at),
	}
	for _, e := range run.Entities {
		dims := []types.Dimension{
			{Name: aws.String("ETLType"), Value: aws.String(string(run.ETLType))},
			{Name: aws.String("Entity"), Value: aws.String(e.Entity)},
		}
		data = append(data,
			datum("RecordsLoaded", dims, float64(e.Inserted), types.StandardUnitCount, at),
			datum("RecordsRejected", dims, float64(e.Rejected), types.StandardUnitCount, at),
			datum("OrphanFacts", dims, float64(e.Orphans), types.StandardUnitCount, at),
		)
		if e.FilesSkipped > 0 {
			data = append(data, datum("FilesSkipped", dims, float64(e.FilesSkipped), types.StandardUnitCount, at))
		}
		if e.Status == model.EntityFailed {
			data = append(data, datum("EntityFailed", dims, 1, types.StandardUnitCount, at))
		}
	}
	return data
}

func datum(name string, dims []types.Dimension, v float64, unit types.StandardUnit, at time.Time) types.MetricDatum {
	return types.MetricDatum{
		MetricName: aws.String(name),
		Dimensions: dims,
		Value:      aws.Float64(v),
		Unit:       unit,
		Timestamp:  aws.Time(at),
	}
}
