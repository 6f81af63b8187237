package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	logx "clusterkit/pkg/logx"
)

// breakers keeps one circuit breaker per task name. A breaker counts final
// results only: a run that succeeds on its second attempt is a success.
type breakers struct {
	mu sync.Mutex
	m  map[string]*gobreaker.CircuitBreaker[struct{}]
}

func (b *breakers) get(name string, trip int, openFor time.Duration, log logx.Logger) *gobreaker.CircuitBreaker[struct{}] {
	if trip < 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.m == nil {
		b.m = map[string]*gobreaker.CircuitBreaker[struct{}]{}
	}
	if cb := b.m[name]; cb != nil {
		return cb
	}
	threshold := uint32(trip)
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit state changed", logx.Task(name), logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	b.m[name] = cb
	return cb
}

// open reports whether the breaker for name currently rejects work.
func (b *breakers) open(name string) bool {
	b.mu.Lock()
	cb := b.m[name]
	b.mu.Unlock()
	return cb != nil && cb.State() == gobreaker.StateOpen
}

func (b *breakers) snapshot() (total, open int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cb := range b.m {
		total++
		if cb.State() == gobreaker.StateOpen {
			open++
		}
	}
	return total, open
}

func isBreakerReject(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
