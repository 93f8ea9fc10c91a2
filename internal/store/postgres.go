package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/ledgercore/internal/domain"
)

const (
	uniqueViolation       = "23505"
	idempotencyConstraint = "transactions_client_idempotency_key"

	transactionColumns = `id, client_id, debit_account_id, credit_account_id, amount_minor, currency,
		status, idempotency_key, request_timestamp, created_at, updated_at`
	entryColumns   = `id, transaction_id, account_id, entry_type, amount_minor, currency, created_at`
	accountColumns = `id, name, account_type, account_status, created_by, created_at, updated_at`
)

// Store is the Postgres repository. Writes and read-your-write lookups go to
// the writer pool; projections and plain gets may be served by a replica.
type Store struct {
	writer *pgxpool.Pool
	reader *pgxpool.Pool
}

// NewStore connects to the primary and, when replica is non-empty, a read replica.
func NewStore(ctx context.Context, primary, replica string) (*Store, error) {
	writer, err := connect(ctx, primary)
	if err != nil {
		return nil, err
	}
	reader := writer
	if replica != "" {
		reader, err = connect(ctx, replica)
		if err != nil {
			writer.Close()
			return nil, err
		}
	}
	return &Store{writer: writer, reader: reader}, nil
}

// New wraps existing pools. reader may be nil.
func New(writer, reader *pgxpool.Pool) *Store {
	if reader == nil {
		reader = writer
	}
	return &Store{writer: writer, reader: reader}
}

func connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return pool, nil
}

// Writer exposes the primary pool for tooling such as the seeder.
func (s *Store) Writer() *pgxpool.Pool {
	return s.writer
}

func (s *Store) Close() {
	if s.reader != s.writer {
		s.reader.Close()
	}
	s.writer.Close()
}

// CreateTransactionWithEntries inserts a transaction and its entries in one
// database transaction. A second claim on (client_id, idempotency_key)
// returns ErrDuplicateIdempotencyKey.
func (s *Store) CreateTransactionWithEntries(ctx context.Context, t domain.Transaction, entries []domain.Entry) error {
	tx, err := s.writer.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (`+transactionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.ClientID, t.DebitAccountID, t.CreditAccountID, t.Amount, t.Currency,
		string(t.Status), t.IdempotencyKey, t.RequestTimestamp, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, idempotencyConstraint) {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("transaction insert failed: %w", err)
	}

	if err := insertEntries(ctx, tx, entries); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// TransitionStatus moves id from expected to next and appends entries in the
// same database transaction.
func (s *Store) TransitionStatus(ctx context.Context, id uuid.UUID, expected, next domain.Status, entries []domain.Entry) (domain.Transaction, error) {
	tx, err := s.writer.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// compare-and-set on status; concurrent writers block on the row lock and
	// re-evaluate the predicate after the first commits
	updated, err := scanTransaction(tx.QueryRow(ctx,
		`UPDATE transactions SET status = $1, updated_at = $2
		 WHERE id = $3 AND status = $4
		 RETURNING `+transactionColumns,
		string(next), time.Now().UTC(), id, string(expected),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		var current string
		err = tx.QueryRow(ctx, "SELECT status FROM transactions WHERE id = $1", id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Transaction{}, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
		}
		if err != nil {
			return domain.Transaction{}, fmt.Errorf("status read failed: %w", err)
		}
		return domain.Transaction{}, fmt.Errorf("%w: %s is %s, expected %s", ErrStatusMismatch, id, current, expected)
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("status update failed: %w", err)
	}

	if err := insertEntries(ctx, tx, entries); err != nil {
		return domain.Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Transaction{}, fmt.Errorf("tx commit failed: %w", err)
	}
	return updated, nil
}

// GetTransaction reads from the reader pool unless ctx asks for the primary.
func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	pool := s.readPool(ctx)
	t, err := scanTransaction(pool.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) && pool != s.writer {
		// a replica may lag the primary; the writer is authoritative
		t, err = scanTransaction(s.writer.QueryRow(ctx,
			"SELECT "+transactionColumns+" FROM transactions WHERE id = $1", id))
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transaction{}, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction read failed: %w", err)
	}
	return t, nil
}

// readPool picks the replica for plain reads and the writer for reads marked
// with ReadPrimary.
func (s *Store) readPool(ctx context.Context) *pgxpool.Pool {
	if PrimaryRequested(ctx) {
		return s.writer
	}
	return s.reader
}

// FindByIdempotencyKey always reads the writer so a lost claim sees the winner.
func (s *Store) FindByIdempotencyKey(ctx context.Context, clientID uuid.UUID, key string) (domain.Transaction, error) {
	t, err := scanTransaction(s.writer.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE client_id = $1 AND idempotency_key = $2",
		clientID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transaction{}, fmt.Errorf("%w: idempotency key", ErrNotFound)
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("idempotency query failed: %w", err)
	}
	return t, nil
}

// ListTransactionEntries returns entries of one transaction in posting order.
func (s *Store) ListTransactionEntries(ctx context.Context, transactionID uuid.UUID) ([]domain.Entry, error) {
	rows, err := s.writer.Query(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE transaction_id = $1 ORDER BY created_at, id",
		transactionID)
	if err != nil {
		return nil, fmt.Errorf("entries query failed: %w", err)
	}
	defer rows.Close()

	var entries []domain.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListAccountEntries returns entries on accountID created at or before asOf,
// each with its transaction's current status, read in a single statement.
func (s *Store) ListAccountEntries(ctx context.Context, accountID uuid.UUID, asOf *time.Time) ([]domain.AccountEntry, error) {
	rows, err := s.readPool(ctx).Query(ctx,
		`SELECT e.id, e.transaction_id, e.account_id, e.entry_type, e.amount_minor, e.currency, e.created_at, t.status
		 FROM entries e
		 JOIN transactions t ON t.id = e.transaction_id
		 WHERE e.account_id = $1 AND ($2::timestamptz IS NULL OR e.created_at <= $2)
		 ORDER BY e.created_at, e.id`,
		accountID, asOf)
	if err != nil {
		return nil, fmt.Errorf("account entries query failed: %w", err)
	}
	defer rows.Close()

	var entries []domain.AccountEntry
	for rows.Next() {
		var (
			ae        domain.AccountEntry
			entryType string
			status    string
		)
		if err := rows.Scan(&ae.ID, &ae.TransactionID, &ae.AccountID, &entryType, &ae.Amount,
			&ae.Currency, &ae.CreatedAt, &status); err != nil {
			return nil, fmt.Errorf("account entry scan failed: %w", err)
		}
		ae.Type = domain.EntryType(entryType)
		ae.TransactionStatus = domain.Status(status)
		entries = append(entries, ae)
	}
	return entries, rows.Err()
}

// CreateAccount registers an account in the directory table.
func (s *Store) CreateAccount(ctx context.Context, a domain.Account) (domain.Account, error) {
	created, err := scanAccount(s.writer.QueryRow(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+accountColumns,
		a.ID, a.Name, string(a.Type), string(a.Status), a.CreatedBy, a.CreatedAt, a.UpdatedAt,
	))
	if err != nil {
		if isUniqueViolation(err, "") {
			return domain.Account{}, ErrAccountExists
		}
		return domain.Account{}, fmt.Errorf("account insert failed: %w", err)
	}
	return created, nil
}

// Lookup implements the account directory over the accounts table.
func (s *Store) Lookup(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	a, err := scanAccount(s.readPool(ctx).QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("account read failed: %w", err)
	}
	return a, nil
}

// ListAccounts filters the accounts table; empty filter fields match all rows.
func (s *Store) ListAccounts(ctx context.Context, filter domain.AccountFilter) ([]domain.Account, error) {
	rows, err := s.readPool(ctx).Query(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE ($1 = '' OR account_type = $1) AND ($2 = '' OR account_status = $2)
		 ORDER BY created_at, id`,
		string(filter.Type), string(filter.Status))
	if err != nil {
		return nil, fmt.Errorf("accounts query failed: %w", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("account scan failed: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func insertEntries(ctx context.Context, tx pgx.Tx, entries []domain.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO entries (`+entryColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.ID, e.TransactionID, e.AccountID, string(e.Type), e.Amount, e.Currency, e.CreatedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("ledger entry failed: %w", err)
	}
	return nil
}

func scanTransaction(row pgx.Row) (domain.Transaction, error) {
	var (
		t      domain.Transaction
		status string
	)
	err := row.Scan(&t.ID, &t.ClientID, &t.DebitAccountID, &t.CreditAccountID, &t.Amount, &t.Currency,
		&status, &t.IdempotencyKey, &t.RequestTimestamp, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.Transaction{}, err
	}
	t.Status = domain.Status(status)
	return t, nil
}

func scanEntry(rows pgx.Rows) (domain.Entry, error) {
	var (
		e         domain.Entry
		entryType string
	)
	if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &entryType, &e.Amount, &e.Currency, &e.CreatedAt); err != nil {
		return domain.Entry{}, fmt.Errorf("entry scan failed: %w", err)
	}
	e.Type = domain.EntryType(entryType)
	return e, nil
}

func scanAccount(row pgx.Row) (domain.Account, error) {
	var (
		a             domain.Account
		accountType   string
		accountStatus string
	)
	err := row.Scan(&a.ID, &a.Name, &accountType, &accountStatus, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return domain.Account{}, err
	}
	a.Type = domain.AccountType(accountType)
	a.Status = domain.AccountStatus(accountStatus)
	return a, nil
}

// isUniqueViolation matches 23505, optionally restricted to one constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
