// Package memory is an in-process Repository and account directory with the
// same atomicity contract as the SQL stores: a unit that fails on any entry
// leaves no trace.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/store"
)

type idemKey struct {
	client uuid.UUID
	key    string
}

type Store struct {
	mu           sync.RWMutex
	transactions map[uuid.UUID]domain.Transaction
	byKey        map[idemKey]uuid.UUID
	entries      map[uuid.UUID][]domain.Entry // by transaction
	byAccount    map[uuid.UUID][]domain.Entry
	entryIDs     map[uuid.UUID]struct{}
	accounts     map[uuid.UUID]domain.Account
}

func New() *Store {
	return &Store{
		transactions: make(map[uuid.UUID]domain.Transaction),
		byKey:        make(map[idemKey]uuid.UUID),
		entries:      make(map[uuid.UUID][]domain.Entry),
		byAccount:    make(map[uuid.UUID][]domain.Entry),
		entryIDs:     make(map[uuid.UUID]struct{}),
		accounts:     make(map[uuid.UUID]domain.Account),
	}
}

func (s *Store) CreateTransactionWithEntries(ctx context.Context, tx domain.Transaction, entries []domain.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := idemKey{tx.ClientID, tx.IdempotencyKey}
	if _, ok := s.byKey[k]; ok {
		return store.ErrDuplicateIdempotencyKey
	}
	if _, ok := s.transactions[tx.ID]; ok {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	if err := s.checkEntriesLocked(entries); err != nil {
		return err
	}
	s.transactions[tx.ID] = tx
	s.byKey[k] = tx.ID
	s.appendLocked(entries)
	return nil
}

func (s *Store) TransitionStatus(ctx context.Context, id uuid.UUID, expected, next domain.Status, entries []domain.Entry) (domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return domain.Transaction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return domain.Transaction{}, fmt.Errorf("%w: transaction %s", store.ErrNotFound, id)
	}
	if tx.Status != expected {
		return domain.Transaction{}, fmt.Errorf("%w: %s is %s, expected %s", store.ErrStatusMismatch, id, tx.Status, expected)
	}
	if err := s.checkEntriesLocked(entries); err != nil {
		return domain.Transaction{}, err
	}
	tx.Status = next
	tx.UpdatedAt = time.Now().UTC()
	s.transactions[id] = tx
	s.appendLocked(entries)
	return tx, nil
}

// checkEntriesLocked rejects entry ids already stored or repeated in the
// batch. It runs before any mutation so a rejected unit changes nothing.
func (s *Store) checkEntriesLocked(entries []domain.Entry) error {
	seen := make(map[uuid.UUID]struct{}, len(entries))
	for _, e := range entries {
		_, stored := s.entryIDs[e.ID]
		_, repeated := seen[e.ID]
		if stored || repeated {
			return fmt.Errorf("entry %s already exists", e.ID)
		}
		seen[e.ID] = struct{}{}
	}
	return nil
}

func (s *Store) appendLocked(entries []domain.Entry) {
	for _, e := range entries {
		s.entryIDs[e.ID] = struct{}{}
		s.entries[e.TransactionID] = append(s.entries[e.TransactionID], e)
		s.byAccount[e.AccountID] = append(s.byAccount[e.AccountID], e)
	}
}

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return domain.Transaction{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return domain.Transaction{}, fmt.Errorf("%w: transaction %s", store.ErrNotFound, id)
	}
	return tx, nil
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, clientID uuid.UUID, key string) (domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return domain.Transaction{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[idemKey{clientID, key}]
	if !ok {
		return domain.Transaction{}, fmt.Errorf("%w: idempotency key", store.ErrNotFound)
	}
	return s.transactions[id], nil
}

func (s *Store) ListTransactionEntries(ctx context.Context, transactionID uuid.UUID) ([]domain.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Entry, len(s.entries[transactionID]))
	copy(out, s.entries[transactionID])
	sortEntries(out)
	return out, nil
}

func (s *Store) ListAccountEntries(ctx context.Context, accountID uuid.UUID, asOf *time.Time) ([]domain.AccountEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AccountEntry
	for _, e := range s.byAccount[accountID] {
		if asOf != nil && e.CreatedAt.After(*asOf) {
			continue
		}
		out = append(out, domain.AccountEntry{
			Entry:             e,
			TransactionStatus: s.transactions[e.TransactionID].Status,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return entryLess(out[i].Entry, out[j].Entry)
	})
	return out, nil
}

func (s *Store) CreateAccount(ctx context.Context, a domain.Account) (domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return domain.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return domain.Account{}, store.ErrAccountExists
	}
	s.accounts[a.ID] = a
	return a, nil
}

func (s *Store) Lookup(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return domain.Account{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("%w: account %s", store.ErrNotFound, id)
	}
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context, filter domain.AccountFilter) ([]domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Account
	for _, a := range s.accounts {
		if filter.Match(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func sortEntries(entries []domain.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entryLess(entries[i], entries[j])
	})
}

func entryLess(a, b domain.Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}
