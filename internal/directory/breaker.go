// Package directory guards account lookups with a circuit breaker.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/store"
)

// Lookuper is the wrapped account source.
type Lookuper interface {
	Lookup(ctx context.Context, id uuid.UUID) (domain.Account, error)
}

// Config tunes the breaker. ConsecutiveFailures trips it; after Timeout one
// probe request is let through.
type Config struct {
	ConsecutiveFailures uint32
	Timeout             time.Duration
}

// Breaker fails fast with domain.ErrTransient while the directory is down.
type Breaker struct {
	next    Lookuper
	breaker *gobreaker.CircuitBreaker
}

func NewBreaker(next Lookuper, cfg Config, logger *zap.Logger) *Breaker {
	settings := gobreaker.Settings{
		Name:        "account-directory",
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		// an unknown account or a caller that gave up says nothing about directory health
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, store.ErrNotFound) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &Breaker{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Lookup(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.next.Lookup(ctx, id)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.Account{}, fmt.Errorf("account directory unavailable: %w: %w", domain.ErrTransient, err)
	}
	if err != nil {
		return domain.Account{}, err
	}
	return result.(domain.Account), nil
}

// State reports the breaker state for health checks.
func (b *Breaker) State() gobreaker.State {
	return b.breaker.State()
}
