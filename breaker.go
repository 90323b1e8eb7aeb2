package loader

import (
	"errors"

	"github.com/kiltia/invoiceloader/config"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// newStoreBreaker guards the store calls. A disabled breaker never trips.
func newStoreBreaker(name string, cfg config.CircuitBreakerConfig) *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](
		gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.MaxRequests,
			Interval:    cfg.Interval,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if cfg.Enabled {
					tooManyTotal := counts.TotalFailures > cfg.TotalFailurePerInterval
					tooManyConsecutive := counts.ConsecutiveFailures > cfg.ConsecutiveFailure
					return tooManyTotal || tooManyConsecutive
				} else {
					return false
				}
			},
			// a document rejected as already present says nothing about the
			// health of the store
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrAlreadyApplied)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				zap.S().Warnw(
					"store circuit breaker changed state",
					"name", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		})
}
