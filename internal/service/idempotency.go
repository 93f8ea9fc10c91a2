package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/logging"
	"github.com/punchamoorthee/ledgercore/internal/store"
)

// CreateFunc stages a new transaction and its entries for a novel request.
// It is not called when the key has already been claimed.
type CreateFunc func(ctx context.Context) (domain.Transaction, []domain.Entry, error)

// Guard maps (client_id, idempotency_key) to exactly one transaction.
//
// The claim is the repository's unique constraint: the guard itself keeps no
// state, so any number of engine instances may race on the same key.
type Guard struct {
	repo       Repository
	cache      KeyCache
	reconciler *reconciler
	logger     *zap.Logger
}

// newGuard builds a Guard. cache may be nil.
func newGuard(repo Repository, cache KeyCache, rec *reconciler, logger *zap.Logger) *Guard {
	return &Guard{repo: repo, cache: cache, reconciler: rec, logger: logger}
}

// Resolve returns the transaction claimed under req's key, creating it with
// create when the key is novel. replayed is true when an earlier claim was
// returned instead.
func (g *Guard) Resolve(ctx context.Context, req domain.TransferRequest, create CreateFunc) (tx domain.Transaction, replayed bool, err error) {
	existing, found, err := g.lookup(ctx, req)
	if err != nil {
		return domain.Transaction{}, false, err
	}
	if found {
		return g.replay(existing, req)
	}

	tx, entries, err := create(ctx)
	if err != nil {
		return domain.Transaction{}, false, err
	}

	werr := g.repo.CreateTransactionWithEntries(ctx, tx, entries)
	switch {
	case werr == nil:
		g.remember(ctx, req, tx)
		return tx, false, nil

	case errors.Is(werr, store.ErrDuplicateIdempotencyKey):
		// lost the claim: discard the staged work and read the winner
		existing, found, err := g.lookup(ctx, req)
		if err != nil {
			return domain.Transaction{}, false, err
		}
		if !found {
			return domain.Transaction{}, false, fmt.Errorf("claim lost but no transaction recorded: %w", domain.ErrTransient)
		}
		return g.replay(existing, req)

	default:
		settled, err := g.reconciler.settle(ctx, "submit", werr,
			func(ctx context.Context) (domain.Transaction, error) {
				return g.repo.FindByIdempotencyKey(ctx, req.ClientID, req.IdempotencyKey)
			},
			func(domain.Transaction) bool { return true },
		)
		if err != nil {
			return domain.Transaction{}, false, err
		}
		if settled.ID == tx.ID {
			g.remember(ctx, req, settled)
			return settled, false, nil
		}
		return g.replay(settled, req)
	}
}

func (g *Guard) replay(existing domain.Transaction, req domain.TransferRequest) (domain.Transaction, bool, error) {
	if !existing.SamePayload(req) {
		return domain.Transaction{}, false, fmt.Errorf("%w: key %q is bound to transaction %s",
			domain.ErrConflictingPayload, req.IdempotencyKey, existing.ID)
	}
	return existing, true, nil
}

// lookup consults the cache, then the repository.
func (g *Guard) lookup(ctx context.Context, req domain.TransferRequest) (domain.Transaction, bool, error) {
	if g.cache != nil {
		id, ok, err := g.cache.Get(ctx, req.ClientID, req.IdempotencyKey)
		switch {
		case err != nil:
			cacheErrorsTotal.Inc()
			logging.WithTrace(ctx, g.logger).Warn("idempotency cache read failed", zap.Error(err))
		case ok:
			tx, err := g.repo.GetTransaction(store.ReadPrimary(ctx), id)
			if err == nil {
				return tx, true, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return domain.Transaction{}, false, readError("idempotency lookup", err, domain.ErrTransactionNotFound)
			}
		}
	}

	tx, err := g.repo.FindByIdempotencyKey(ctx, req.ClientID, req.IdempotencyKey)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Transaction{}, false, nil
	}
	if err != nil {
		return domain.Transaction{}, false, readError("idempotency lookup", err, domain.ErrTransactionNotFound)
	}
	g.remember(ctx, req, tx)
	return tx, true, nil
}

func (g *Guard) remember(ctx context.Context, req domain.TransferRequest, tx domain.Transaction) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Put(ctx, req.ClientID, req.IdempotencyKey, tx.ID); err != nil {
		cacheErrorsTotal.Inc()
		logging.WithTrace(ctx, g.logger).Warn("idempotency cache write failed", zap.Error(err))
	}
}
