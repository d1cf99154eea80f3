// Package notify publishes run outcomes to AWS: completion events to
// EventBridge and run metrics to CloudWatch. Publishers are orchestrator
// observers guarded by circuit breakers so a struggling side channel is
// skipped instead of slowing every run.
package notify

import (
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/jconover/medrobotics-etl/internal/config"
)

// NewBreaker creates a breaker that opens after cfg.MaxFailures consecutive
// failures and probes again after cfg.OpenTimeoutSec.
func NewBreaker(name string, cfg config.BreakerConfig) *gobreaker.CircuitBreaker {
	maxFailures := uint32(3)
	if cfg.MaxFailures > 0 {
		maxFailures = uint32(cfg.MaxFailures)
	}
	timeout := 60 * time.Second
	if cfg.OpenTimeoutSec > 0 {
		timeout = time.Duration(cfg.OpenTimeoutSec) * time.Second
	}
	log := zap.L().With(zap.String("component", "notify.breaker"))

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

func runDuration(started, finished string) time.Duration {
	s, err1 := time.Parse(time.RFC3339, started)
	f, err2 := time.Parse(time.RFC3339, finished)
	if err1 != nil || err2 != nil || f.Before(s) {
		return 0
	}
	return f.Sub(s)
}
