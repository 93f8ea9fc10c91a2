package ledger

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/ledgercore/internal/domain"
)

var (
	accountA = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	accountB = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
)

func initTx() domain.Transaction {
	created := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	return domain.Transaction{
		ID:              uuid.New(),
		ClientID:        uuid.New(),
		DebitAccountID:  accountA,
		CreditAccountID: accountB,
		Amount:          1000,
		Currency:        "USD",
		Status:          domain.StatusInit,
		IdempotencyKey:  "k1",
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func TestStage(t *testing.T) {
	t.Parallel()

	tx := initTx()
	l := New()

	debit, credit, err := l.Stage(tx)
	require.NoError(t, err)

	assert.Equal(t, domain.EntryDebit, debit.Type)
	assert.Equal(t, accountA, debit.AccountID)
	assert.Equal(t, domain.EntryCredit, credit.Type)
	assert.Equal(t, accountB, credit.AccountID)
	assert.Equal(t, tx.CreatedAt, debit.CreatedAt)
	assert.NotEqual(t, debit.ID, credit.ID)
	require.NoError(t, VerifyPair(tx, debit, credit, false))

	net, err := Net([]domain.Entry{debit, credit})
	require.NoError(t, err)
	assert.True(t, net.IsZero())
}

func TestStageRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*domain.Transaction)
		want   error
	}{
		{"not init", func(tx *domain.Transaction) { tx.Status = domain.StatusPending }, domain.ErrIllegalTransition},
		{"same account", func(tx *domain.Transaction) { tx.CreditAccountID = tx.DebitAccountID }, domain.ErrSameAccount},
		{"zero amount", func(tx *domain.Transaction) { tx.Amount = 0 }, domain.ErrInvalidAmount},
		{"bad currency", func(tx *domain.Transaction) { tx.Currency = "??" }, domain.ErrInvalidCurrency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tx := initTx()
			tt.mutate(&tx)
			_, _, err := New().Stage(tx)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestReverse(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, time.March, 2, 9, 30, 0, 0, time.UTC)
	l := New(WithClock(func() time.Time { return at }))
	tx := initTx()

	debit, credit, err := l.Stage(tx)
	require.NoError(t, err)

	// order of the original slice does not matter
	rDebit, rCredit, err := l.Reverse([]domain.Entry{credit, debit})
	require.NoError(t, err)

	assert.Equal(t, accountB, rDebit.AccountID)
	assert.Equal(t, accountA, rCredit.AccountID)
	assert.Equal(t, at, rDebit.CreatedAt)
	assert.NotEqual(t, debit.ID, rDebit.ID)
	assert.NotEqual(t, credit.ID, rCredit.ID)
	require.NoError(t, VerifyPair(tx, rDebit, rCredit, true))
	require.Error(t, VerifyPair(tx, rDebit, rCredit, false))

	net, err := Net([]domain.Entry{debit, credit, rDebit, rCredit})
	require.NoError(t, err)
	assert.True(t, net.IsZero())

	perAccount := map[uuid.UUID]int64{}
	for _, e := range []domain.Entry{debit, credit, rDebit, rCredit} {
		perAccount[e.AccountID] += e.Signed().Amount
	}
	assert.Zero(t, perAccount[accountA])
	assert.Zero(t, perAccount[accountB])
}

func TestReverseRejectsMalformedPairs(t *testing.T) {
	t.Parallel()

	tx := initTx()
	debit, credit, err := New().Stage(tx)
	require.NoError(t, err)

	unbalanced := credit
	unbalanced.Amount = 999

	otherCurrency := credit
	otherCurrency.Currency = "EUR"

	cases := map[string][]domain.Entry{
		"single entry":   {debit},
		"two debits":     {debit, debit},
		"unbalanced":     {debit, unbalanced},
		"currency split": {debit, otherCurrency},
		"three entries":  {debit, credit, credit},
	}

	for name, entries := range cases {
		_, _, err := New().Reverse(entries)
		assert.Error(t, err, name)
	}
}

func TestDeterministicIDs(t *testing.T) {
	t.Parallel()

	ids := []uuid.UUID{uuid.New(), uuid.New()}
	i := 0
	l := New(WithIDGenerator(func() uuid.UUID {
		id := ids[i]
		i++
		return id
	}))

	debit, credit, err := l.Stage(initTx())
	require.NoError(t, err)
	assert.Equal(t, ids[0], debit.ID)
	assert.Equal(t, ids[1], credit.ID)
}
