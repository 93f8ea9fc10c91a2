// Package storetest holds the behavioural contract every Repository
// implementation must satisfy.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/service"
	"github.com/punchamoorthee/ledgercore/internal/store"
)

// Store is what the contract exercises.
type Store interface {
	service.Repository
	service.AccountRegistry
}

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) Store

// base is truncated to microseconds, the coarsest precision any backend keeps.
var base = time.Date(2026, time.April, 1, 10, 0, 0, 0, time.UTC)

// Run executes the contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("create and get", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("duplicate idempotency key", func(t *testing.T) { testDuplicateKey(t, newStore(t)) })
	t.Run("idempotency key scoped by client", func(t *testing.T) { testKeyScopedByClient(t, newStore(t)) })
	t.Run("transition status", func(t *testing.T) { testTransition(t, newStore(t)) })
	t.Run("transition mismatch", func(t *testing.T) { testTransitionMismatch(t, newStore(t)) })
	t.Run("failed entry insert leaves no trace", func(t *testing.T) { testFailedEntryInsert(t, newStore(t)) })
	t.Run("account entries", func(t *testing.T) { testAccountEntries(t, newStore(t)) })
	t.Run("accounts", func(t *testing.T) { testAccounts(t, newStore(t)) })
	t.Run("list accounts", func(t *testing.T) { testListAccounts(t, newStore(t)) })
	t.Run("concurrent claims", func(t *testing.T) { testConcurrentClaims(t, newStore(t)) })
}

// Pending returns a pending transaction and its staged pair, ready to persist.
func Pending(clientID, debit, credit uuid.UUID, key string, amount int64, at time.Time) (domain.Transaction, []domain.Entry) {
	tx := domain.Transaction{
		ID:               uuid.New(),
		ClientID:         clientID,
		DebitAccountID:   debit,
		CreditAccountID:  credit,
		Amount:           amount,
		Currency:         "USD",
		Status:           domain.StatusPending,
		IdempotencyKey:   key,
		RequestTimestamp: at,
		CreatedAt:        at,
		UpdatedAt:        at,
	}
	entries := []domain.Entry{
		{ID: uuid.New(), TransactionID: tx.ID, AccountID: debit, Type: domain.EntryDebit, Amount: amount, Currency: "USD", CreatedAt: at},
		{ID: uuid.New(), TransactionID: tx.ID, AccountID: credit, Type: domain.EntryCredit, Amount: amount, Currency: "USD", CreatedAt: at},
	}
	return tx, entries
}

func assertSameTransaction(t *testing.T, want, got domain.Transaction) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.ClientID, got.ClientID)
	assert.Equal(t, want.DebitAccountID, got.DebitAccountID)
	assert.Equal(t, want.CreditAccountID, got.CreditAccountID)
	assert.Equal(t, want.Amount, got.Amount)
	assert.Equal(t, want.Currency, got.Currency)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.IdempotencyKey, got.IdempotencyKey)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at %s != %s", want.CreatedAt, got.CreatedAt)
	assert.True(t, want.RequestTimestamp.Equal(got.RequestTimestamp), "request_timestamp %s != %s", want.RequestTimestamp, got.RequestTimestamp)
}

func testCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	tx, entries := Pending(uuid.New(), uuid.New(), uuid.New(), "k1", 1000, base)

	require.NoError(t, s.CreateTransactionWithEntries(ctx, tx, entries))

	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assertSameTransaction(t, tx, got)

	byKey, err := s.FindByIdempotencyKey(ctx, tx.ClientID, "k1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, byKey.ID)

	stored, err := s.ListTransactionEntries(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	ids := map[uuid.UUID]domain.Entry{stored[0].ID: stored[0], stored[1].ID: stored[1]}
	for _, e := range entries {
		got, ok := ids[e.ID]
		require.True(t, ok)
		assert.Equal(t, e.Type, got.Type)
		assert.Equal(t, e.AccountID, got.AccountID)
		assert.Equal(t, e.Amount, got.Amount)
	}

	_, err = s.GetTransaction(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.FindByIdempotencyKey(ctx, tx.ClientID, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testDuplicateKey(t *testing.T, s Store) {
	ctx := context.Background()
	client, debit, credit := uuid.New(), uuid.New(), uuid.New()

	first, entries := Pending(client, debit, credit, "dup", 500, base)
	require.NoError(t, s.CreateTransactionWithEntries(ctx, first, entries))

	second, entries2 := Pending(client, debit, credit, "dup", 500, base.Add(time.Second))
	err := s.CreateTransactionWithEntries(ctx, second, entries2)
	require.ErrorIs(t, err, store.ErrDuplicateIdempotencyKey)

	// the losing unit left nothing behind
	_, err = s.GetTransaction(ctx, second.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	onDebit, err := s.ListAccountEntries(ctx, debit, nil)
	require.NoError(t, err)
	assert.Len(t, onDebit, 1)
}

func testKeyScopedByClient(t *testing.T, s Store) {
	ctx := context.Background()
	debit, credit := uuid.New(), uuid.New()

	a, ea := Pending(uuid.New(), debit, credit, "shared", 100, base)
	b, eb := Pending(uuid.New(), debit, credit, "shared", 100, base)
	require.NoError(t, s.CreateTransactionWithEntries(ctx, a, ea))
	require.NoError(t, s.CreateTransactionWithEntries(ctx, b, eb))

	got, err := s.FindByIdempotencyKey(ctx, b.ClientID, "shared")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
}

func testTransition(t *testing.T, s Store) {
	ctx := context.Background()
	tx, entries := Pending(uuid.New(), uuid.New(), uuid.New(), "t1", 700, base)
	require.NoError(t, s.CreateTransactionWithEntries(ctx, tx, entries))

	updated, err := s.TransitionStatus(ctx, tx.ID, domain.StatusPending, domain.StatusSuccess, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, updated.Status)
	assert.Equal(t, tx.ID, updated.ID)

	reversal := []domain.Entry{
		{ID: uuid.New(), TransactionID: tx.ID, AccountID: tx.CreditAccountID, Type: domain.EntryDebit, Amount: 700, Currency: "USD", CreatedAt: base.Add(time.Minute)},
		{ID: uuid.New(), TransactionID: tx.ID, AccountID: tx.DebitAccountID, Type: domain.EntryCredit, Amount: 700, Currency: "USD", CreatedAt: base.Add(time.Minute)},
	}
	_, err = s.TransitionStatus(ctx, tx.ID, domain.StatusSuccess, domain.StatusRefund, nil)
	require.NoError(t, err)
	updated, err = s.TransitionStatus(ctx, tx.ID, domain.StatusRefund, domain.StatusRefunded, reversal)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, updated.Status)

	stored, err := s.ListTransactionEntries(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, stored, 4)
	// posting order: original pair first
	assert.True(t, stored[0].CreatedAt.Equal(base))
	assert.True(t, stored[3].CreatedAt.Equal(base.Add(time.Minute)))

	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, got.Status)
}

func testTransitionMismatch(t *testing.T, s Store) {
	ctx := context.Background()
	tx, entries := Pending(uuid.New(), uuid.New(), uuid.New(), "m1", 300, base)
	require.NoError(t, s.CreateTransactionWithEntries(ctx, tx, entries))

	_, err := s.TransitionStatus(ctx, tx.ID, domain.StatusSuccess, domain.StatusRefund, nil)
	require.ErrorIs(t, err, store.ErrStatusMismatch)

	// entries attached to a rejected transition are not written
	stray := []domain.Entry{
		{ID: uuid.New(), TransactionID: tx.ID, AccountID: tx.DebitAccountID, Type: domain.EntryCredit, Amount: 300, Currency: "USD", CreatedAt: base},
	}
	_, err = s.TransitionStatus(ctx, tx.ID, domain.StatusRefund, domain.StatusRefunded, stray)
	require.ErrorIs(t, err, store.ErrStatusMismatch)
	stored, err := s.ListTransactionEntries(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	_, err = s.TransitionStatus(ctx, uuid.New(), domain.StatusPending, domain.StatusSuccess, nil)
	require.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func testFailedEntryInsert(t *testing.T, s Store) {
	ctx := context.Background()
	client := uuid.New()
	tx, entries := Pending(client, uuid.New(), uuid.New(), "f1", 400, base)
	require.NoError(t, s.CreateTransactionWithEntries(ctx, tx, entries))

	// a create whose entry collides with a stored one claims nothing
	other, otherEntries := Pending(client, uuid.New(), uuid.New(), "f2", 400, base)
	otherEntries[1].ID = entries[0].ID
	err := s.CreateTransactionWithEntries(ctx, other, otherEntries)
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrDuplicateIdempotencyKey)
	_, err = s.GetTransaction(ctx, other.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.FindByIdempotencyKey(ctx, client, "f2")
	require.ErrorIs(t, err, store.ErrNotFound)
	onDebit, err := s.ListAccountEntries(ctx, other.DebitAccountID, nil)
	require.NoError(t, err)
	assert.Empty(t, onDebit)

	_, err = s.TransitionStatus(ctx, tx.ID, domain.StatusPending, domain.StatusSuccess, nil)
	require.NoError(t, err)
	_, err = s.TransitionStatus(ctx, tx.ID, domain.StatusSuccess, domain.StatusRefund, nil)
	require.NoError(t, err)

	// reusing the original entry ids fails the whole transition
	_, err = s.TransitionStatus(ctx, tx.ID, domain.StatusRefund, domain.StatusRefunded, entries)
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrStatusMismatch)

	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefund, got.Status)
	stored, err := s.ListTransactionEntries(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	// the same transition with fresh ids still applies
	reversal := []domain.Entry{
		{ID: uuid.New(), TransactionID: tx.ID, AccountID: tx.CreditAccountID, Type: domain.EntryDebit, Amount: 400, Currency: "USD", CreatedAt: base.Add(time.Minute)},
		{ID: uuid.New(), TransactionID: tx.ID, AccountID: tx.DebitAccountID, Type: domain.EntryCredit, Amount: 400, Currency: "USD", CreatedAt: base.Add(time.Minute)},
	}
	got, err = s.TransitionStatus(ctx, tx.ID, domain.StatusRefund, domain.StatusRefunded, reversal)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, got.Status)
}

func testAccountEntries(t *testing.T, s Store) {
	ctx := context.Background()
	client, a, b := uuid.New(), uuid.New(), uuid.New()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		tx, entries := Pending(client, a, b, fmt.Sprintf("e%d", i), int64(100*(i+1)), base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, s.CreateTransactionWithEntries(ctx, tx, entries))
		ids = append(ids, tx.ID)
	}
	_, err := s.TransitionStatus(ctx, ids[0], domain.StatusPending, domain.StatusSuccess, nil)
	require.NoError(t, err)
	_, err = s.TransitionStatus(ctx, ids[1], domain.StatusPending, domain.StatusFailed, nil)
	require.NoError(t, err)

	all, err := s.ListAccountEntries(ctx, a, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, domain.StatusSuccess, all[0].TransactionStatus)
	assert.Equal(t, domain.StatusFailed, all[1].TransactionStatus)
	assert.Equal(t, domain.StatusPending, all[2].TransactionStatus)
	for _, e := range all {
		assert.Equal(t, domain.EntryDebit, e.Type)
		assert.Equal(t, a, e.AccountID)
	}

	cutoff := base.Add(time.Hour)
	upTo, err := s.ListAccountEntries(ctx, a, &cutoff)
	require.NoError(t, err)
	require.Len(t, upTo, 2, "as_of is inclusive")
	assert.Equal(t, int64(200), upTo[1].Amount)

	// sub-microsecond cutoffs compare the same on every backend
	justBefore := base.Add(-500 * time.Nanosecond)
	early, err := s.ListAccountEntries(ctx, a, &justBefore)
	require.NoError(t, err)
	assert.Empty(t, early)

	none, err := s.ListAccountEntries(ctx, uuid.New(), nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testAccounts(t *testing.T, s Store) {
	ctx := context.Background()
	acct := domain.Account{
		ID:        uuid.New(),
		Name:      "Alice",
		Type:      domain.AccountCustomer,
		Status:    domain.AccountActive,
		CreatedBy: "test",
		CreatedAt: base,
		UpdatedAt: base,
	}

	created, err := s.CreateAccount(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, created.ID)

	_, err = s.CreateAccount(ctx, acct)
	require.ErrorIs(t, err, store.ErrAccountExists)

	got, err := s.Lookup(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Name)
	assert.Equal(t, domain.AccountCustomer, got.Type)
	assert.Equal(t, domain.AccountActive, got.Status)
	assert.True(t, got.CreatedAt.Equal(base))

	_, err = s.Lookup(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testListAccounts(t *testing.T, s Store) {
	ctx := context.Background()
	seed := []domain.Account{
		{Name: "alice", Type: domain.AccountCustomer, Status: domain.AccountActive},
		{Name: "shop", Type: domain.AccountMerchant, Status: domain.AccountActive},
		{Name: "bob", Type: domain.AccountCustomer, Status: domain.AccountFrozen},
		{Name: "fees", Type: domain.AccountSystem, Status: domain.AccountClosed},
	}
	for i := range seed {
		seed[i].ID = uuid.New()
		seed[i].CreatedAt = base.Add(time.Duration(i) * time.Minute)
		seed[i].UpdatedAt = seed[i].CreatedAt
		_, err := s.CreateAccount(ctx, seed[i])
		require.NoError(t, err)
	}

	names := func(accounts []domain.Account) []string {
		out := make([]string, 0, len(accounts))
		for _, a := range accounts {
			out = append(out, a.Name)
		}
		return out
	}

	cases := []struct {
		filter domain.AccountFilter
		want   []string
	}{
		{domain.AccountFilter{}, []string{"alice", "shop", "bob", "fees"}},
		{domain.AccountFilter{Type: domain.AccountCustomer}, []string{"alice", "bob"}},
		{domain.AccountFilter{Status: domain.AccountActive}, []string{"alice", "shop"}},
		{domain.AccountFilter{Type: domain.AccountCustomer, Status: domain.AccountFrozen}, []string{"bob"}},
		{domain.AccountFilter{Type: domain.AccountSystem, Status: domain.AccountActive}, []string{}},
	}
	for _, tc := range cases {
		got, err := s.ListAccounts(ctx, tc.filter)
		require.NoError(t, err)
		assert.Equal(t, tc.want, names(got), "filter %+v", tc.filter)
	}
}

func testConcurrentClaims(t *testing.T, s Store) {
	ctx := context.Background()
	client, debit, credit := uuid.New(), uuid.New(), uuid.New()

	const racers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		won     int
		lost    int
		unknown []error
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, entries := Pending(client, debit, credit, "race", 100, base)
			err := s.CreateTransactionWithEntries(ctx, tx, entries)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, store.ErrDuplicateIdempotencyKey):
				lost++
			default:
				unknown = append(unknown, err)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, unknown)
	assert.Equal(t, 1, won)
	assert.Equal(t, racers-1, lost)

	entries, err := s.ListAccountEntries(ctx, debit, nil)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
