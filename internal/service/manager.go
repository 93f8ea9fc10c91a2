package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/ledger"
	"github.com/punchamoorthee/ledgercore/internal/logging"
	"github.com/punchamoorthee/ledgercore/internal/store"
)

const tracerName = "github.com/punchamoorthee/ledgercore/internal/service"

// ErrNoRegistry is returned by account writes when the directory is read-only.
var ErrNoRegistry = errors.New("account registry not configured")

// Manager is the public face of the engine. It is the only writer of
// transaction status and keeps no state between calls.
type Manager struct {
	repo      Repository
	directory AccountDirectory
	registry  AccountRegistry
	cache     KeyCache

	ledger    *ledger.Ledger
	guard     *Guard
	projector *Projector
	rec       *reconciler

	logger          *zap.Logger
	tracer          trace.Tracer
	now             func() time.Time
	newID           func() uuid.UUID
	defaultCurrency string
}

// Option configures a Manager.
type Option func(*Manager)

// WithKeyCache enables the idempotency fast path.
func WithKeyCache(c KeyCache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithAccountRegistry enables CreateAccount and ListAccounts.
func WithAccountRegistry(r AccountRegistry) Option {
	return func(m *Manager) { m.registry = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) { m.tracer = tp.Tracer(tracerName) }
}

func WithClock(fn func() time.Time) Option {
	return func(m *Manager) { m.now = fn }
}

func WithIDGenerator(fn func() uuid.UUID) Option {
	return func(m *Manager) { m.newID = fn }
}

// WithReconcileTimeout bounds the re-read after an ambiguous write.
func WithReconcileTimeout(d time.Duration) Option {
	return func(m *Manager) { m.rec.timeout = d }
}

// WithDefaultCurrency sets the currency of an empty balance.
func WithDefaultCurrency(code string) Option {
	return func(m *Manager) { m.defaultCurrency = code }
}

func NewManager(repo Repository, directory AccountDirectory, opts ...Option) *Manager {
	m := &Manager{
		repo:            repo,
		directory:       directory,
		logger:          zap.NewNop(),
		tracer:          otel.Tracer(tracerName),
		now:             time.Now,
		newID:           uuid.New,
		defaultCurrency: "USD",
		rec:             &reconciler{timeout: 2 * time.Second},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.rec.logger = m.logger
	clock := m.now
	m.now = func() time.Time { return clock().UTC().Truncate(store.TimePrecision) }
	m.ledger = ledger.New(ledger.WithIDGenerator(m.newID), ledger.WithClock(m.now))
	m.guard = newGuard(repo, m.cache, m.rec, m.logger)
	m.projector = NewProjector(repo, m.defaultCurrency)
	return m
}

func (m *Manager) log(ctx context.Context) *zap.Logger {
	return logging.WithTrace(ctx, m.logger)
}

func (m *Manager) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// finish records err on span and ends it.
func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.KindOf(err).String())
	}
	span.End()
}

// Submit creates the transaction for req or returns the one already claimed
// under its idempotency key. replayed reports the latter.
func (m *Manager) Submit(ctx context.Context, req domain.TransferRequest) (tx domain.Transaction, replayed bool, err error) {
	ctx, span := m.start(ctx, "ledger.Submit",
		attribute.String("client_id", req.ClientID.String()),
		attribute.String("idempotency_key", req.IdempotencyKey),
	)
	defer func() { finish(span, err) }()

	req, err = req.Normalize()
	if err != nil {
		submitsTotal.WithLabelValues("rejected").Inc()
		return domain.Transaction{}, false, err
	}
	if req.RequestTimestamp.IsZero() {
		req.RequestTimestamp = m.now().UTC()
	}

	tx, replayed, err = m.guard.Resolve(ctx, req, func(ctx context.Context) (domain.Transaction, []domain.Entry, error) {
		return m.stage(ctx, req)
	})
	if err != nil {
		submitsTotal.WithLabelValues("rejected").Inc()
		m.log(ctx).Info("submit rejected",
			zap.String("client_id", req.ClientID.String()),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("kind", domain.KindOf(err).String()),
			zap.Error(err))
		return domain.Transaction{}, false, err
	}

	span.SetAttributes(attribute.String("transaction_id", tx.ID.String()), attribute.Bool("replayed", replayed))
	if replayed {
		submitsTotal.WithLabelValues("replayed").Inc()
		m.log(ctx).Debug("submit replayed", zap.String("transaction_id", tx.ID.String()), zap.String("status", string(tx.Status)))
		return tx, true, nil
	}

	submitsTotal.WithLabelValues("created").Inc()
	transitionsTotal.WithLabelValues(string(domain.StatusInit), string(domain.StatusPending)).Inc()
	m.log(ctx).Info("transaction submitted",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("debit_account_id", tx.DebitAccountID.String()),
		zap.String("credit_account_id", tx.CreditAccountID.String()),
		zap.Stringer("amount", tx.Money()))
	return tx, false, nil
}

// stage validates both accounts and builds the Pending transaction with its
// entry pair. Nothing is persisted here.
func (m *Manager) stage(ctx context.Context, req domain.TransferRequest) (domain.Transaction, []domain.Entry, error) {
	for _, id := range []uuid.UUID{req.DebitAccountID, req.CreditAccountID} {
		if err := m.checkAccount(ctx, id); err != nil {
			return domain.Transaction{}, nil, err
		}
	}

	now := m.now().UTC()
	tx := domain.Transaction{
		ID:               m.newID(),
		ClientID:         req.ClientID,
		DebitAccountID:   req.DebitAccountID,
		CreditAccountID:  req.CreditAccountID,
		Amount:           req.Amount,
		Currency:         req.Currency,
		Status:           domain.StatusInit,
		IdempotencyKey:   req.IdempotencyKey,
		RequestTimestamp: req.RequestTimestamp.UTC(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	debit, credit, err := m.ledger.Stage(tx)
	if err != nil {
		return domain.Transaction{}, nil, err
	}
	effect, err := domain.Transition(tx.Status, domain.StatusPending)
	if err != nil {
		return domain.Transaction{}, nil, err
	}
	if effect != domain.EffectPostEntries {
		return domain.Transaction{}, nil, fmt.Errorf("unexpected effect %d staging %s", effect, tx.ID)
	}
	tx.Status = domain.StatusPending
	return tx, []domain.Entry{debit, credit}, nil
}

func (m *Manager) checkAccount(ctx context.Context, id uuid.UUID) error {
	acct, err := m.directory.Lookup(ctx, id)
	if err != nil {
		return readError("account lookup", err, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id))
	}
	if err := acct.CheckActive(); err != nil {
		return fmt.Errorf("account %s: %w", id, err)
	}
	return nil
}

// Advance applies a downstream outcome (Success, Failed or Fraud) to a
// pending transaction. Re-applying the outcome a transaction already has is
// a no-op that returns it unchanged.
func (m *Manager) Advance(ctx context.Context, id uuid.UUID, outcome domain.Status) (tx domain.Transaction, err error) {
	ctx, span := m.start(ctx, "ledger.Advance",
		attribute.String("transaction_id", id.String()),
		attribute.String("outcome", string(outcome)),
	)
	defer func() { finish(span, err) }()

	if !outcome.IsOutcome() {
		return domain.Transaction{}, fmt.Errorf("%w: %q", domain.ErrInvalidOutcome, outcome)
	}

	cur, err := m.current(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	if cur.Status == outcome {
		return cur, nil
	}
	return m.transition(ctx, cur, outcome, nil)
}

// Refund reverses a successful transaction. It moves Success to Refund, then
// posts the reversing pair with Refund to Refunded. A transaction left in
// Refund resumes at the second step; one already Refunded is returned as is.
func (m *Manager) Refund(ctx context.Context, id uuid.UUID) (tx domain.Transaction, err error) {
	ctx, span := m.start(ctx, "ledger.Refund", attribute.String("transaction_id", id.String()))
	defer func() { finish(span, err) }()

	cur, err := m.current(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}

	if err := cur.Status.CheckRefundable(); err != nil {
		if errors.Is(err, domain.ErrAlreadyRefunded) {
			m.log(ctx).Debug("refund replayed", zap.String("transaction_id", id.String()))
			return cur, nil
		}
		return domain.Transaction{}, err
	}

	if cur.Status == domain.StatusSuccess {
		cur, err = m.transition(ctx, cur, domain.StatusRefund, nil)
		if err != nil {
			return domain.Transaction{}, err
		}
		// a concurrent refund may already have finished
		if cur.Status == domain.StatusRefunded {
			return cur, nil
		}
	}

	original, err := m.repo.ListTransactionEntries(ctx, id)
	if err != nil {
		return domain.Transaction{}, readError("list entries", err, domain.ErrTransactionNotFound)
	}
	if len(original) != 2 {
		// a concurrent refund posted the reversal after cur was read
		latest, err := m.current(ctx, id)
		if err != nil {
			return domain.Transaction{}, err
		}
		if latest.Status == domain.StatusRefunded {
			return latest, nil
		}
	}
	debit, credit, err := m.ledger.Reverse(original)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("reverse %s: %w", id, err)
	}
	if err := ledger.VerifyPair(cur, debit, credit, true); err != nil {
		return domain.Transaction{}, fmt.Errorf("reverse %s: %w", id, err)
	}
	return m.transition(ctx, cur, domain.StatusRefunded, []domain.Entry{debit, credit})
}

// transition moves cur to next through the status table, writing entries in
// the same unit. A stale expected status is resolved by re-reading: if the
// transaction already reached next the write is treated as done, otherwise
// the caller gets IllegalTransition from the status actually observed.
func (m *Manager) transition(ctx context.Context, cur domain.Transaction, next domain.Status, entries []domain.Entry) (domain.Transaction, error) {
	effect, err := domain.Transition(cur.Status, next)
	if err != nil {
		return domain.Transaction{}, err
	}
	if want := effectEntries(effect); len(entries) != want {
		return domain.Transaction{}, fmt.Errorf("transition %s -> %s needs %d entries, got %d", cur.Status, next, want, len(entries))
	}

	updated, werr := m.repo.TransitionStatus(ctx, cur.ID, cur.Status, next, entries)
	switch {
	case werr == nil:
		transitionsTotal.WithLabelValues(string(cur.Status), string(next)).Inc()
		m.log(ctx).Info("transaction transitioned",
			zap.String("transaction_id", cur.ID.String()),
			zap.String("from", string(cur.Status)),
			zap.String("to", string(next)),
			zap.Int("entries", len(entries)))
		return updated, nil

	case errors.Is(werr, store.ErrNotFound):
		return domain.Transaction{}, fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, cur.ID)

	case errors.Is(werr, store.ErrStatusMismatch):
		latest, err := m.current(ctx, cur.ID)
		if err != nil {
			return domain.Transaction{}, err
		}
		if latest.Status == next {
			return latest, nil
		}
		if next == domain.StatusRefund && latest.Status == domain.StatusRefunded {
			return latest, nil
		}
		return domain.Transaction{}, domain.IllegalTransition(latest.Status, next)

	default:
		return m.rec.settle(ctx, fmt.Sprintf("transition %s -> %s", cur.Status, next), werr,
			func(ctx context.Context) (domain.Transaction, error) {
				return m.repo.GetTransaction(store.ReadPrimary(ctx), cur.ID)
			},
			func(t domain.Transaction) bool { return t.Status == next },
		)
	}
}

func effectEntries(e domain.Effect) int {
	if e == domain.EffectNone {
		return 0
	}
	return 2
}

// Get returns the current snapshot of a transaction.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (tx domain.Transaction, err error) {
	ctx, span := m.start(ctx, "ledger.Get", attribute.String("transaction_id", id.String()))
	defer func() { finish(span, err) }()

	return m.get(ctx, id)
}

// current reads the primary's copy; every status that decides a write comes from here.
func (m *Manager) current(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	return m.get(store.ReadPrimary(ctx), id)
}

func (m *Manager) get(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	tx, err := m.repo.GetTransaction(ctx, id)
	if err != nil {
		return domain.Transaction{}, readError("get transaction", err, fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, id))
	}
	return tx, nil
}

// Entries lists every entry of a transaction in posting order.
func (m *Manager) Entries(ctx context.Context, id uuid.UUID) (entries []domain.Entry, err error) {
	ctx, span := m.start(ctx, "ledger.Entries", attribute.String("transaction_id", id.String()))
	defer func() { finish(span, err) }()

	if _, err := m.get(ctx, id); err != nil {
		return nil, err
	}
	entries, err = m.repo.ListTransactionEntries(ctx, id)
	if err != nil {
		return nil, readError("list entries", err, domain.ErrTransactionNotFound)
	}
	return entries, nil
}

// Balance returns the account's current posted balance.
func (m *Manager) Balance(ctx context.Context, accountID uuid.UUID) (domain.Money, error) {
	return m.BalanceAsOf(ctx, accountID, nil)
}

// BalanceAsOf folds entries created at or before asOf. Status filtering uses
// each transaction's current status.
func (m *Manager) BalanceAsOf(ctx context.Context, accountID uuid.UUID, asOf *time.Time) (bal domain.Money, err error) {
	ctx, span := m.start(ctx, "ledger.Balance", attribute.String("account_id", accountID.String()))
	defer func() { finish(span, err) }()

	if _, err := m.directory.Lookup(ctx, accountID); err != nil {
		return domain.Money{}, readError("account lookup", err, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, accountID))
	}
	return m.projector.BalanceOf(ctx, accountID, asOf)
}

// Account returns what the directory knows about id.
func (m *Manager) Account(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	acct, err := m.directory.Lookup(ctx, id)
	if err != nil {
		return domain.Account{}, readError("account lookup", err, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id))
	}
	return acct, nil
}

// CreateAccount registers a new account. A nil id is generated and an empty
// status defaults to active.
func (m *Manager) CreateAccount(ctx context.Context, a domain.Account) (created domain.Account, err error) {
	ctx, span := m.start(ctx, "ledger.CreateAccount")
	defer func() { finish(span, err) }()

	if m.registry == nil {
		return domain.Account{}, ErrNoRegistry
	}
	if a.ID == uuid.Nil {
		a.ID = m.newID()
	}
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	now := m.now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	if err := a.Validate(); err != nil {
		return domain.Account{}, err
	}

	created, err = m.registry.CreateAccount(ctx, a)
	switch {
	case errors.Is(err, store.ErrAccountExists):
		return domain.Account{}, fmt.Errorf("%w: %s", domain.ErrAccountExists, a.ID)
	case err != nil:
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.Account{}, fmt.Errorf("create account: %w: %w", domain.ErrTimeout, err)
		}
		return domain.Account{}, fmt.Errorf("create account: %w: %w", domain.ErrTransient, err)
	}
	m.log(ctx).Info("account created", zap.String("account_id", created.ID.String()), zap.String("type", string(created.Type)))
	return created, nil
}

// ListAccounts returns the registry's accounts matching filter.
func (m *Manager) ListAccounts(ctx context.Context, filter domain.AccountFilter) (accounts []domain.Account, err error) {
	ctx, span := m.start(ctx, "ledger.ListAccounts",
		attribute.String("type", string(filter.Type)),
		attribute.String("status", string(filter.Status)),
	)
	defer func() { finish(span, err) }()

	if m.registry == nil {
		return nil, ErrNoRegistry
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	accounts, err = m.registry.ListAccounts(ctx, filter)
	if err != nil {
		return nil, readError("list accounts", err, domain.ErrAccountNotFound)
	}
	return accounts, nil
}
