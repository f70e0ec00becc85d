package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	breakerMaxFailures uint32 = 3
	breakerTimeout            = time.Minute
)

// GuardedSender stops calling a platform after repeated failures and
// probes it again once the open period has passed.
type GuardedSender struct {
	inner   Sender
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// Guard wraps s with a circuit breaker.
func Guard(s Sender, logger *zap.Logger) *GuardedSender {
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "notify:" + s.Platform(),
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("notifier breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &GuardedSender{inner: s, breaker: cb}
}

func (g *GuardedSender) Platform() string { return g.inner.Platform() }

// Send forwards to the wrapped sender unless the breaker is open.
func (g *GuardedSender) Send(ctx context.Context, text string) error {
	_, err := g.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, g.inner.Send(ctx, text)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s circuit open: %w", g.inner.Platform(), err)
	}
	return err
}

// State reports the breaker state.
func (g *GuardedSender) State() gobreaker.State { return g.breaker.State() }

func (g *GuardedSender) Close() error { return g.inner.Close() }
