package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/ledgercore/internal/domain"
)

// Repository is the durable owner of transactions and entries.
//
// CreateTransactionWithEntries and TransitionStatus are each one atomic unit:
// either the row changes and every entry is written, or nothing is.
// A lost claim on (client_id, idempotency_key) returns
// store.ErrDuplicateIdempotencyKey; a stale expected status returns
// store.ErrStatusMismatch; unknown ids return store.ErrNotFound.
// GetTransaction may be served by a replica unless ctx carries
// store.ReadPrimary.
type Repository interface {
	CreateTransactionWithEntries(ctx context.Context, tx domain.Transaction, entries []domain.Entry) error
	TransitionStatus(ctx context.Context, id uuid.UUID, expected, next domain.Status, entries []domain.Entry) (domain.Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error)
	FindByIdempotencyKey(ctx context.Context, clientID uuid.UUID, key string) (domain.Transaction, error)
	ListTransactionEntries(ctx context.Context, transactionID uuid.UUID) ([]domain.Entry, error)
	ListAccountEntries(ctx context.Context, accountID uuid.UUID, asOf *time.Time) ([]domain.AccountEntry, error)
}

// AccountDirectory resolves account ids to their current status.
type AccountDirectory interface {
	Lookup(ctx context.Context, id uuid.UUID) (domain.Account, error)
}

// AccountRegistry is implemented by stores that can also create and list accounts.
type AccountRegistry interface {
	AccountDirectory
	CreateAccount(ctx context.Context, a domain.Account) (domain.Account, error)
	// ListAccounts returns matching accounts ordered by created_at, then id.
	ListAccounts(ctx context.Context, filter domain.AccountFilter) ([]domain.Account, error)
}

// KeyCache is an optional fast path from (client, key) to transaction id.
// A transaction id never changes for a claimed key, so entries never go stale.
type KeyCache interface {
	Get(ctx context.Context, clientID uuid.UUID, key string) (uuid.UUID, bool, error)
	Put(ctx context.Context, clientID uuid.UUID, key string, id uuid.UUID) error
}
