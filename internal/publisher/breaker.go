package publisher

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is returned while the breaker rejects publishes, including
// extra calls made while the half-open probe is in flight.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// newBreaker opens after maxFailures consecutive produce failures and lets
// a single probe through once resetTimeout has passed.
func newBreaker(name string, maxFailures int, resetTimeout time.Duration, onChange func(from, to gobreaker.State)) *gobreaker.CircuitBreaker[struct{}] {
	if maxFailures < 1 {
		maxFailures = 1
	}
	if resetTimeout <= 0 {
		resetTimeout = 10 * time.Second
	}
	threshold := uint32(maxFailures)

	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     resetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		// shutdown is not a broker failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if onChange != nil {
				onChange(from, to)
			}
		},
	})
}

// rejected maps the breaker's own refusals onto ErrCircuitOpen.
func rejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// gaugeValue encodes a state for the breaker gauge: 0=closed, 1=open,
// 2=half-open.
func gaugeValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
