package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/store"
)

// Projector derives balances from posted entries. It holds no state.
//
// Sign convention: credits add to a balance, debits subtract from it.
// Only entries whose transaction is Success or Refunded count; a refunded
// transaction contributes its original pair and the reversal, netting to zero.
type Projector struct {
	repo            Repository
	defaultCurrency string
}

func NewProjector(repo Repository, defaultCurrency string) *Projector {
	return &Projector{repo: repo, defaultCurrency: defaultCurrency}
}

// BalanceOf folds the account's posted entries created at or before asOf.
// A nil asOf means now; asOf is cut to store.TimePrecision like every
// stored timestamp. An account with no posted entries has a zero balance
// in the default currency.
func (p *Projector) BalanceOf(ctx context.Context, accountID uuid.UUID, asOf *time.Time) (domain.Money, error) {
	if asOf != nil {
		cutoff := asOf.UTC().Truncate(store.TimePrecision)
		asOf = &cutoff
	}
	entries, err := p.repo.ListAccountEntries(ctx, accountID, asOf)
	if err != nil {
		return domain.Money{}, readError("balance", err, domain.ErrAccountNotFound)
	}

	var (
		total  domain.Money
		posted bool
	)
	for _, e := range entries {
		if !e.TransactionStatus.Posted() {
			continue
		}
		if !posted {
			total = domain.Money{Currency: e.Currency}
			posted = true
		}
		if total, err = total.Add(e.Signed()); err != nil {
			return domain.Money{}, fmt.Errorf("balance of %s: %w", accountID, err)
		}
	}
	if !posted {
		return domain.Money{Currency: p.defaultCurrency}, nil
	}
	return total, nil
}
