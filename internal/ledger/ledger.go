// Package ledger builds balanced debit/credit entry pairs for transactions.
//
// Everything here is pure: ids and timestamps come from the injected
// generator and clock, and nothing is persisted.
package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/ledgercore/internal/domain"
)

// Ledger stages and reverses entry pairs.
type Ledger struct {
	newID func() uuid.UUID
	now   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithIDGenerator overrides uuid.New.
func WithIDGenerator(fn func() uuid.UUID) Option {
	return func(l *Ledger) { l.newID = fn }
}

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) Option {
	return func(l *Ledger) { l.now = fn }
}

func New(opts ...Option) *Ledger {
	l := &Ledger{newID: uuid.New, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Stage returns the debit and credit entries for a transaction in Init.
func (l *Ledger) Stage(tx domain.Transaction) (debit, credit domain.Entry, err error) {
	if tx.Status != domain.StatusInit {
		return debit, credit, domain.IllegalTransition(tx.Status, domain.StatusPending)
	}
	if err := checkTransaction(tx); err != nil {
		return debit, credit, err
	}

	debit = domain.Entry{
		ID:            l.newID(),
		TransactionID: tx.ID,
		AccountID:     tx.DebitAccountID,
		Type:          domain.EntryDebit,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		CreatedAt:     tx.CreatedAt,
	}
	credit = domain.Entry{
		ID:            l.newID(),
		TransactionID: tx.ID,
		AccountID:     tx.CreditAccountID,
		Type:          domain.EntryCredit,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		CreatedAt:     tx.CreatedAt,
	}
	return debit, credit, nil
}

// Reverse swaps the roles of a posted pair: the original credit account is
// debited and the original debit account is credited.
func (l *Ledger) Reverse(original []domain.Entry) (debit, credit domain.Entry, err error) {
	origDebit, origCredit, err := SplitPair(original)
	if err != nil {
		return debit, credit, err
	}
	if err := checkPair(origDebit, origCredit); err != nil {
		return debit, credit, err
	}

	at := l.now().UTC()
	debit = domain.Entry{
		ID:            l.newID(),
		TransactionID: origCredit.TransactionID,
		AccountID:     origCredit.AccountID,
		Type:          domain.EntryDebit,
		Amount:        origCredit.Amount,
		Currency:      origCredit.Currency,
		CreatedAt:     at,
	}
	credit = domain.Entry{
		ID:            l.newID(),
		TransactionID: origDebit.TransactionID,
		AccountID:     origDebit.AccountID,
		Type:          domain.EntryCredit,
		Amount:        origDebit.Amount,
		Currency:      origDebit.Currency,
		CreatedAt:     at,
	}
	return debit, credit, nil
}

// SplitPair picks the single debit and single credit out of a two-entry slice.
func SplitPair(entries []domain.Entry) (debit, credit domain.Entry, err error) {
	if len(entries) != 2 {
		return debit, credit, fmt.Errorf("entry pair has %d entries", len(entries))
	}
	var haveDebit, haveCredit bool
	for _, e := range entries {
		switch e.Type {
		case domain.EntryDebit:
			if haveDebit {
				return debit, credit, fmt.Errorf("entry pair has two debits")
			}
			debit, haveDebit = e, true
		case domain.EntryCredit:
			if haveCredit {
				return debit, credit, fmt.Errorf("entry pair has two credits")
			}
			credit, haveCredit = e, true
		default:
			return debit, credit, fmt.Errorf("unknown entry type %q", e.Type)
		}
	}
	return debit, credit, nil
}

// VerifyPair checks the conservation invariant for a pair written against tx.
// A reversed pair runs credit-account -> debit-account.
func VerifyPair(tx domain.Transaction, debit, credit domain.Entry, reversed bool) error {
	if err := checkPair(debit, credit); err != nil {
		return err
	}
	wantDebit, wantCredit := tx.DebitAccountID, tx.CreditAccountID
	if reversed {
		wantDebit, wantCredit = wantCredit, wantDebit
	}
	switch {
	case debit.TransactionID != tx.ID || credit.TransactionID != tx.ID:
		return fmt.Errorf("entries belong to another transaction")
	case debit.AccountID != wantDebit:
		return fmt.Errorf("debit entry on %s, want %s", debit.AccountID, wantDebit)
	case credit.AccountID != wantCredit:
		return fmt.Errorf("credit entry on %s, want %s", credit.AccountID, wantCredit)
	case !debit.Money().Equal(tx.Money()):
		return fmt.Errorf("entry amount %s, transaction amount %s", debit.Money(), tx.Money())
	}
	return nil
}

// Net returns the signed sum of entries. A conserved set nets to zero.
func Net(entries []domain.Entry) (domain.Money, error) {
	if len(entries) == 0 {
		return domain.Money{}, nil
	}
	total := domain.Money{Currency: entries[0].Currency}
	for _, e := range entries {
		var err error
		total, err = total.Add(e.Signed())
		if err != nil {
			return domain.Money{}, err
		}
	}
	return total, nil
}

func checkTransaction(tx domain.Transaction) error {
	if tx.DebitAccountID == tx.CreditAccountID {
		return domain.ErrSameAccount
	}
	if tx.Amount <= 0 {
		return domain.ErrInvalidAmount
	}
	if _, err := domain.ParseCurrency(tx.Currency); err != nil {
		return err
	}
	return nil
}

func checkPair(debit, credit domain.Entry) error {
	if debit.Type != domain.EntryDebit || credit.Type != domain.EntryCredit {
		return fmt.Errorf("entry roles are not debit/credit")
	}
	if debit.AccountID == credit.AccountID {
		return domain.ErrSameAccount
	}
	if debit.Amount <= 0 || credit.Amount <= 0 {
		return domain.ErrInvalidAmount
	}
	if debit.Currency != credit.Currency {
		return fmt.Errorf("%w: %s vs %s", domain.ErrCurrencyMismatch, debit.Currency, credit.Currency)
	}
	if debit.Amount != credit.Amount {
		return fmt.Errorf("unbalanced pair: debit %d credit %d", debit.Amount, credit.Amount)
	}
	return nil
}
