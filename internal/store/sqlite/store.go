// Package sqlite provides a SQLite-backed ledger repository for single-node
// deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/store"
	"github.com/punchamoorthee/ledgercore/internal/store/sqlite/migrations"
)

const (
	transactionColumns = `id, client_id, debit_account_id, credit_account_id, amount_minor, currency,
		status, idempotency_key, request_timestamp, created_at, updated_at`
	entryColumns   = `id, transaction_id, account_id, entry_type, amount_minor, currency, created_at`
	accountColumns = `id, name, account_type, account_status, created_by, created_at, updated_at`
)

// Store persists the ledger in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMicros(value time.Time) int64 {
	return value.UTC().UnixMicro()
}

func fromMicros(value int64) time.Time {
	return time.UnixMicro(value).UTC()
}

// Open opens a SQLite store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer at a time; every unit of work is serialized on this connection
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) CreateTransactionWithEntries(ctx context.Context, t domain.Transaction, entries []domain.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transactions (`+transactionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.ClientID.String(), t.DebitAccountID.String(), t.CreditAccountID.String(),
		t.Amount, t.Currency, string(t.Status), t.IdempotencyKey,
		toMicros(t.RequestTimestamp), toMicros(t.CreatedAt), toMicros(t.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "transactions.client_id") {
			return store.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert transaction: %w", err)
	}

	if err := insertEntries(ctx, tx, entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) TransitionStatus(ctx context.Context, id uuid.UUID, expected, next domain.Status, entries []domain.Entry) (domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return domain.Transaction{}, err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE transactions SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(next), toMicros(time.Now()), id.String(), string(expected),
	)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("update status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("update status: %w", err)
	}
	if affected == 0 {
		var current string
		err := tx.QueryRowContext(ctx, "SELECT status FROM transactions WHERE id = ?", id.String()).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Transaction{}, fmt.Errorf("%w: transaction %s", store.ErrNotFound, id)
		}
		if err != nil {
			return domain.Transaction{}, fmt.Errorf("read status: %w", err)
		}
		return domain.Transaction{}, fmt.Errorf("%w: %s is %s, expected %s", store.ErrStatusMismatch, id, current, expected)
	}

	if err := insertEntries(ctx, tx, entries); err != nil {
		return domain.Transaction{}, err
	}

	updated, err := scanTransaction(tx.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = ?", id.String()))
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("read transaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Transaction{}, fmt.Errorf("commit transaction: %w", err)
	}
	return updated, nil
}

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return domain.Transaction{}, err
	}
	t, err := scanTransaction(s.sqlDB.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = ?", id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Transaction{}, fmt.Errorf("%w: transaction %s", store.ErrNotFound, id)
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, clientID uuid.UUID, key string) (domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return domain.Transaction{}, err
	}
	t, err := scanTransaction(s.sqlDB.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE client_id = ? AND idempotency_key = ?",
		clientID.String(), key))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Transaction{}, fmt.Errorf("%w: idempotency key", store.ErrNotFound)
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("find by idempotency key: %w", err)
	}
	return t, nil
}

func (s *Store) ListTransactionEntries(ctx context.Context, transactionID uuid.UUID) ([]domain.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE transaction_id = ? ORDER BY created_at, id",
		transactionID.String())
	if err != nil {
		return nil, fmt.Errorf("list transaction entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.Entry
	for rows.Next() {
		var e domain.Entry
		if err := scanEntry(rows, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) ListAccountEntries(ctx context.Context, accountID uuid.UUID, asOf *time.Time) ([]domain.AccountEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var cutoff sql.NullInt64
	if asOf != nil {
		cutoff = sql.NullInt64{Int64: toMicros(*asOf), Valid: true}
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT e.id, e.transaction_id, e.account_id, e.entry_type, e.amount_minor, e.currency, e.created_at, t.status
		 FROM entries e
		 JOIN transactions t ON t.id = e.transaction_id
		 WHERE e.account_id = ? AND (? IS NULL OR e.created_at <= ?)
		 ORDER BY e.created_at, e.id`,
		accountID.String(), cutoff, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list account entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AccountEntry
	for rows.Next() {
		var (
			ae     domain.AccountEntry
			status string
		)
		if err := scanEntry(rows, &ae.Entry, &status); err != nil {
			return nil, err
		}
		ae.TransactionStatus = domain.Status(status)
		entries = append(entries, ae)
	}
	return entries, rows.Err()
}

func (s *Store) CreateAccount(ctx context.Context, a domain.Account) (domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return domain.Account{}, err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.Name, string(a.Type), string(a.Status), a.CreatedBy,
		toMicros(a.CreatedAt), toMicros(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "accounts.id") {
			return domain.Account{}, store.ErrAccountExists
		}
		return domain.Account{}, fmt.Errorf("create account: %w", err)
	}
	return a, nil
}

func (s *Store) Lookup(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return domain.Account{}, err
	}
	a, err := scanAccount(s.sqlDB.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = ?", id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("%w: account %s", store.ErrNotFound, id)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context, filter domain.AccountFilter) ([]domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE (? = '' OR account_type = ?) AND (? = '' OR account_status = ?)
		 ORDER BY created_at, id`,
		string(filter.Type), string(filter.Type), string(filter.Status), string(filter.Status))
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (domain.Account, error) {
	var (
		a                          domain.Account
		rawID, accountType, status string
		createdAt, updatedAt       int64
	)
	if err := row.Scan(&rawID, &a.Name, &accountType, &status, &a.CreatedBy, &createdAt, &updatedAt); err != nil {
		return domain.Account{}, err
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return domain.Account{}, fmt.Errorf("parse account id: %w", err)
	}
	a.ID = id
	a.Type = domain.AccountType(accountType)
	a.Status = domain.AccountStatus(status)
	a.CreatedAt = fromMicros(createdAt)
	a.UpdatedAt = fromMicros(updatedAt)
	return a, nil
}

func insertEntries(ctx context.Context, tx *sql.Tx, entries []domain.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare entry insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.ID.String(), e.TransactionID.String(), e.AccountID.String(), string(e.Type),
			e.Amount, e.Currency, toMicros(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
	}
	return nil
}

func scanTransaction(row *sql.Row) (domain.Transaction, error) {
	var (
		t                                 domain.Transaction
		id, client, debit, credit, status string
		requestTS, createdAt, updatedAt   int64
	)
	if err := row.Scan(&id, &client, &debit, &credit, &t.Amount, &t.Currency, &status,
		&t.IdempotencyKey, &requestTS, &createdAt, &updatedAt); err != nil {
		return domain.Transaction{}, err
	}
	ids, err := parseUUIDs(id, client, debit, credit)
	if err != nil {
		return domain.Transaction{}, err
	}
	t.ID, t.ClientID, t.DebitAccountID, t.CreditAccountID = ids[0], ids[1], ids[2], ids[3]
	t.Status = domain.Status(status)
	t.RequestTimestamp = fromMicros(requestTS)
	t.CreatedAt = fromMicros(createdAt)
	t.UpdatedAt = fromMicros(updatedAt)
	return t, nil
}

// scanEntry reads the entry columns followed by any extra destinations.
func scanEntry(rows *sql.Rows, e *domain.Entry, extra ...any) error {
	var (
		id, txID, accountID, entryType string
		createdAt                      int64
	)
	dest := append([]any{&id, &txID, &accountID, &entryType, &e.Amount, &e.Currency, &createdAt}, extra...)
	if err := rows.Scan(dest...); err != nil {
		return fmt.Errorf("scan entry: %w", err)
	}
	ids, err := parseUUIDs(id, txID, accountID)
	if err != nil {
		return err
	}
	e.ID, e.TransactionID, e.AccountID = ids[0], ids[1], ids[2]
	e.Type = domain.EntryType(entryType)
	e.CreatedAt = fromMicros(createdAt)
	return nil
}

func parseUUIDs(values ...string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, len(values))
	for i, v := range values {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("parse uuid %q: %w", v, err)
		}
		out[i] = id
	}
	return out, nil
}

func isUniqueViolation(err error, column string) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return strings.Contains(message, column)
		}
	}
	return strings.Contains(message, "unique constraint failed") && strings.Contains(message, column)
}

const migrationTable = "schema_migrations"

// applyMigrations executes each embedded .sql file at most once, in name order.
func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := sqlDB.Exec(`CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
		name TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var found int
		err := sqlDB.QueryRow("SELECT 1 FROM "+migrationTable+" WHERE name = ?", file).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", file, err)
		}

		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(upSection(string(content))); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec("INSERT INTO "+migrationTable+" (name, applied_at) VALUES (?, ?)",
			file, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

func upSection(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	start := strings.Index(content, up)
	if start == -1 {
		return content
	}
	content = content[start+len(up):]
	if end := strings.Index(content, down); end != -1 {
		content = content[:end]
	}
	return content
}
