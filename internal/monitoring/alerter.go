// Package monitoring raises webhook alerts for unhealthy runs and
// summarizes recent run history from the run log.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jconover/medrobotics-etl/internal/config"
	"github.com/jconover/medrobotics-etl/internal/model"
	"github.com/jconover/medrobotics-etl/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailed    AlertType = "run_failed"
	AlertRejectRate   AlertType = "reject_rate"
	AlertFilesSkipped AlertType = "files_skipped"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	RunID     string         `json:"run_id"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates finished runs against configured thresholds and
// posts alerts to a webhook. It implements etl.Observer.
type Alerter struct {
	cfg    config.AlertConfig
	retry  resilience.RetryConfig
	client *http.Client
}

// NewAlerter creates a new Alerter.
func NewAlerter(cfg config.AlertConfig, retry resilience.RetryConfig) *Alerter {
	retry.OnRetry = resilience.RetryLogger("monitoring", "webhook")
	return &Alerter{
		cfg:    cfg,
		retry:  retry,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate returns the alerts a finished run warrants.
func (a *Alerter) Evaluate(run *model.RunResult) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if run.Status == model.RunStatusFailed {
		details := map[string]any{"etl_type": run.ETLType}
		for _, e := range run.Failed() {
			details[e.Entity] = e.ErrorKind + ": " + e.Error
		}
		msg := fmt.Sprintf("ETL run %s (%s) failed", run.RunID, run.ETLType)
		if run.Error != "" {
			msg += ": " + run.Error
		}
		alerts = append(alerts, Alert{
			Type:      AlertRunFailed,
			Severity:  "high",
			RunID:     run.RunID,
			Message:   msg,
			Details:   details,
			Timestamp: now,
		})
	}

	for _, e := range run.Entities {
		if e.Extracted > 0 && a.cfg.RejectThreshold > 0 {
			rate := float64(e.Rejected) / float64(e.Extracted)
			if rate > a.cfg.RejectThreshold {
				alerts = append(alerts, Alert{
					Type:     AlertRejectRate,
					Severity: "medium",
					RunID:    run.RunID,
					Message: fmt.Sprintf("%s reject rate %.1f%% exceeds threshold %.1f%% (%d of %d)",
						e.Entity, rate*100, a.cfg.RejectThreshold*100, e.Rejected, e.Extracted),
					Details: map[string]any{
						"entity":    e.Entity,
						"rejected":  e.Rejected,
						"extracted": e.Extracted,
						"threshold": a.cfg.RejectThreshold,
					},
					Timestamp: now,
				})
			}
		}
		if e.FilesSkipped > 0 {
			alerts = append(alerts, Alert{
				Type:      AlertFilesSkipped,
				Severity:  "low",
				RunID:     run.RunID,
				Message:   fmt.Sprintf("%d %s file(s) skipped", e.FilesSkipped, e.Entity),
				Details:   map[string]any{"entity": e.Entity, "files_skipped": e.FilesSkipped},
				Timestamp: now,
			})
		}
	}
	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.sendWebhook(ctx, alert)
		})
		if err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// RunStarted implements etl.Observer.
func (a *Alerter) RunStarted(context.Context, *model.RunResult) error { return nil }

// EntityFinished implements etl.Observer.
func (a *Alerter) EntityFinished(context.Context, string, model.EntityResult) error { return nil }

// RunFinished evaluates the run and sends whatever it warrants.
func (a *Alerter) RunFinished(ctx context.Context, run *model.RunResult) error {
	alerts := a.Evaluate(run)
	if sent := a.SendAlerts(ctx, alerts); a.cfg.WebhookURL != "" && sent < len(alerts) {
		return eris.Errorf("monitoring: sent %d of %d alerts for run %s", sent, len(alerts), run.RunID)
	}
	return nil
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
