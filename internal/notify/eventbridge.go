package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rotisserie/eris"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/jconover/medrobotics-etl/internal/model"
)

// Detail types of published run events.
const (
	DetailRunSucceeded = "ETL Run Succeeded"
	DetailRunFailed    = "ETL Run Failed"
)

// EventBridgeAPI is the subset of the EventBridge client used here.
type EventBridgeAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// RunEvent is the detail of a run completion event.
type RunEvent struct {
	RunID         string             `json:"run_id"`
	Status        string             `json:"status"`
	ETLType       string             `json:"etl_type"`
	StartedAt     string             `json:"started_at"`
	FinishedAt    string             `json:"finished_at"`
	RecordsLoaded map[string]int64   `json:"records_loaded"`
	Failed        []FailedEntityInfo `json:"failed,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// FailedEntityInfo names a failed entity in a run event.
type FailedEntityInfo struct {
	Entity string `json:"entity"`
	Kind   string `json:"kind"`
	Error  string `json:"error"`
}

// EventBridge publishes one event per finished run.
type EventBridge struct {
	client  EventBridgeAPI
	busName string
	source  string
	cb      *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// NewEventBridge creates a run event publisher.
func NewEventBridge(client EventBridgeAPI, busName, source string, cb *gobreaker.CircuitBreaker) *EventBridge {
	return &EventBridge{
		client:  client,
		busName: busName,
		source:  source,
		cb:      cb,
		log:     zap.L().With(zap.String("component", "notify.eventbridge")),
	}
}

// RunStarted implements etl.Observer.
func (p *EventBridge) RunStarted(context.Context, *model.RunResult) error { return nil }

// EntityFinished implements etl.Observer.
func (p *EventBridge) EntityFinished(context.Context, string, model.EntityResult) error { return nil }

// RunFinished publishes the run's outcome.
func (p *EventBridge) RunFinished(ctx context.Context, run *model.RunResult) error {
	ev := RunEvent{
		RunID:         run.RunID,
		Status:        string(run.Status),
		ETLType:       string(run.ETLType),
		StartedAt:     run.Timestamp,
		FinishedAt:    run.FinishedAt,
		RecordsLoaded: run.RecordsLoaded,
		Error:         run.Error,
	}
	for _, e := range run.Failed() {
		ev.Failed = append(ev.Failed, FailedEntityInfo{Entity: e.Entity, Kind: e.ErrorKind, Error: e.Error})
	}
	detail, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "notify: marshal run event")
	}

	detailType := DetailRunSucceeded
	if run.Status != model.RunStatusSuccess {
		detailType = DetailRunFailed
	}

	_, err = p.cb.Execute(func() (any, error) {
		out, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{
			Entries: []types.PutEventsRequestEntry{{
				EventBusName: aws.String(p.busName),
				Source:       aws.String(p.source),
				DetailType:   aws.String(detailType),
				Detail:       aws.String(string(detail)),
				Time:         aws.Time(time.Now().UTC()),
				Resources:    []string{"etl-run/" + run.RunID},
			}},
		})
		if err != nil {
			return nil, err
		}
		if out.FailedEntryCount > 0 {
			msg := "unknown"
			if len(out.Entries) > 0 {
				msg = aws.ToString(out.Entries[0].ErrorCode) + ": " + aws.ToString(out.Entries[0].ErrorMessage)
			}
			return nil, eris.Errorf("event rejected: %s", msg)
		}
		return nil, nil
	})
	if err != nil {
		return eris.Wrapf(err, "notify: publish run %s", run.RunID)
	}
	p.log.Debug("run event published", zap.String("run_id", run.RunID), zap.String("detail_type", detailType))
	return nil
}
