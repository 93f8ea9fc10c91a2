package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/logging"
	"github.com/punchamoorthee/ledgercore/internal/store"
)

// reconciler re-reads state after a write whose outcome is unknown.
type reconciler struct {
	timeout time.Duration
	logger  *zap.Logger
}

// settle polls read until it returns a transaction for which landed is true.
// It runs detached from the caller's cancellation, bounded by r.timeout.
// A write that cannot be proven to have landed is reported as ErrIndeterminate.
func (r *reconciler) settle(
	ctx context.Context,
	op string,
	cause error,
	read func(context.Context) (domain.Transaction, error),
	landed func(domain.Transaction) bool,
) (domain.Transaction, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	errNotLanded := errors.New("write not observed")
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	tx, err := backoff.Retry(rctx, func() (domain.Transaction, error) {
		tx, err := read(rctx)
		if errors.Is(err, store.ErrNotFound) {
			return tx, backoff.Permanent(err)
		}
		if err != nil {
			return tx, err
		}
		if !landed(tx) {
			return tx, errNotLanded
		}
		return tx, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(r.timeout))

	log := logging.WithTrace(ctx, r.logger).With(zap.String("op", op), zap.NamedError("cause", cause))
	if err == nil {
		reconcilesTotal.WithLabelValues("applied").Inc()
		log.Warn("ambiguous write reconciled", zap.String("transaction_id", tx.ID.String()), zap.String("status", string(tx.Status)))
		return tx, nil
	}

	reconcilesTotal.WithLabelValues("indeterminate").Inc()
	log.Error("write outcome indeterminate", zap.Error(err))
	return domain.Transaction{}, fmt.Errorf("%w: %s: %w", domain.ErrIndeterminate, op, cause)
}

// readError classifies a failed repository or directory read.
func readError(op string, err, notFound error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %w", notFound, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", op, domain.ErrTimeout, err)
	case domain.KindOf(err) != domain.KindUnknown:
		return err
	default:
		return fmt.Errorf("%s: %w: %w", op, domain.ErrTransient, err)
	}
}
