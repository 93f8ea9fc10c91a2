package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AccountStatus mirrors the account directory's lifecycle.
type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountFrozen AccountStatus = "frozen"
	AccountClosed AccountStatus = "closed"
)

// AccountType classifies the owner of an account.
type AccountType string

const (
	AccountCustomer AccountType = "customer"
	AccountMerchant AccountType = "merchant"
	AccountSystem   AccountType = "system"
)

// Account is what the directory knows about an account id.
type Account struct {
	ID        uuid.UUID     `json:"id"`
	Name      string        `json:"name"`
	Type      AccountType   `json:"type"`
	Status    AccountStatus `json:"status"`
	CreatedBy string        `json:"created_by"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// CheckActive returns nil when the account may take part in a transaction.
func (a Account) CheckActive() error {
	switch a.Status {
	case AccountActive:
		return nil
	case AccountClosed:
		return ErrAccountClosed
	case AccountFrozen:
		return ErrAccountFrozen
	default:
		return ErrInvalidAccount
	}
}

// Validate checks a new account before it is written.
func (a Account) Validate() error {
	if a.ID == uuid.Nil || strings.TrimSpace(a.Name) == "" {
		return ErrInvalidAccount
	}
	switch a.Type {
	case AccountCustomer, AccountMerchant, AccountSystem:
	default:
		return ErrInvalidAccount
	}
	switch a.Status {
	case AccountActive, AccountFrozen, AccountClosed:
	default:
		return ErrInvalidAccount
	}
	return nil
}

// AccountFilter narrows an account listing. Empty fields match everything.
type AccountFilter struct {
	Type   AccountType
	Status AccountStatus
}

// Validate rejects unknown type or status values.
func (f AccountFilter) Validate() error {
	switch f.Type {
	case "", AccountCustomer, AccountMerchant, AccountSystem:
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidAccount, f.Type)
	}
	switch f.Status {
	case "", AccountActive, AccountFrozen, AccountClosed:
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidAccount, f.Status)
	}
	return nil
}

// Match reports whether a passes the filter.
func (f AccountFilter) Match(a Account) bool {
	return (f.Type == "" || a.Type == f.Type) && (f.Status == "" || a.Status == f.Status)
}

// TransferRequest is a client's request to move money between two accounts.
type TransferRequest struct {
	ClientID         uuid.UUID `json:"client_id"`
	DebitAccountID   uuid.UUID `json:"debit_account_id"`
	CreditAccountID  uuid.UUID `json:"credit_account_id"`
	Amount           int64     `json:"amount_minor"`
	Currency         string    `json:"currency"`
	IdempotencyKey   string    `json:"idempotency_key"`
	RequestTimestamp time.Time `json:"request_timestamp"`
}

// Normalize validates the request and returns it with a canonical currency code.
func (r TransferRequest) Normalize() (TransferRequest, error) {
	if r.ClientID == uuid.Nil {
		return r, ErrMissingClientID
	}
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	if r.IdempotencyKey == "" {
		return r, ErrMissingIdempotencyKey
	}
	if r.DebitAccountID == uuid.Nil || r.CreditAccountID == uuid.Nil {
		return r, ErrInvalidAccount
	}
	if r.DebitAccountID == r.CreditAccountID {
		return r, ErrSameAccount
	}
	if r.Amount <= 0 {
		return r, ErrInvalidAmount
	}
	cur, err := ParseCurrency(r.Currency)
	if err != nil {
		return r, err
	}
	r.Currency = cur
	return r, nil
}

// Transaction is the durable record of one requested movement of money.
type Transaction struct {
	ID               uuid.UUID `json:"id"`
	ClientID         uuid.UUID `json:"client_id"`
	DebitAccountID   uuid.UUID `json:"debit_account_id"`
	CreditAccountID  uuid.UUID `json:"credit_account_id"`
	Amount           int64     `json:"amount_minor"`
	Currency         string    `json:"currency"`
	Status           Status    `json:"status"`
	IdempotencyKey   string    `json:"idempotency_key"`
	RequestTimestamp time.Time `json:"request_timestamp"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Money returns the transaction amount.
func (t Transaction) Money() Money {
	return Money{Amount: t.Amount, Currency: t.Currency}
}

// SamePayload reports whether r asks for the same movement as t.
func (t Transaction) SamePayload(r TransferRequest) bool {
	return t.DebitAccountID == r.DebitAccountID &&
		t.CreditAccountID == r.CreditAccountID &&
		t.Amount == r.Amount &&
		t.Currency == r.Currency
}

// EntryType is the direction of an entry. Amounts are never signed.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// Entry is one immutable leg of a double-entry record.
type Entry struct {
	ID            uuid.UUID `json:"id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	AccountID     uuid.UUID `json:"account_id"`
	Type          EntryType `json:"entry_type"`
	Amount        int64     `json:"amount_minor"`
	Currency      string    `json:"currency"`
	CreatedAt     time.Time `json:"created_at"`
}

// Money returns the entry amount, always non-negative.
func (e Entry) Money() Money {
	return Money{Amount: e.Amount, Currency: e.Currency}
}

// Signed applies the balance sign convention: credits add, debits subtract.
func (e Entry) Signed() Money {
	if e.Type == EntryDebit {
		return Money{Amount: -e.Amount, Currency: e.Currency}
	}
	return e.Money()
}

// AccountEntry is an entry joined with the current status of its transaction.
type AccountEntry struct {
	Entry
	TransactionStatus Status `json:"transaction_status"`
}
