package domain

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usd(v int64) Money { return Money{Amount: v, Currency: "USD"} }

func TestNewMoney(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		code    string
		want    string
		wantErr error
	}{
		{name: "upper", code: "USD", want: "USD"},
		{name: "lower is normalised", code: "eur", want: "EUR"},
		{name: "whitespace", code: " jpy ", want: "JPY"},
		{name: "unknown", code: "ZZZ", wantErr: ErrInvalidCurrency},
		{name: "too long", code: "USDT", wantErr: ErrInvalidCurrency},
		{name: "empty", code: "", wantErr: ErrInvalidCurrency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, err := NewMoney(100, tt.code)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Currency)
			assert.Equal(t, int64(100), m.Amount)
		})
	}
}

func TestMoneyArithmetic(t *testing.T) {
	t.Parallel()

	sum, err := usd(1000).Add(usd(250))
	require.NoError(t, err)
	assert.Equal(t, usd(1250), sum)

	diff, err := usd(1000).Sub(usd(1250))
	require.NoError(t, err)
	assert.Equal(t, usd(-250), diff)

	neg, err := usd(42).Negate()
	require.NoError(t, err)
	assert.Equal(t, usd(-42), neg)
}

func TestMoneyCurrencyMismatch(t *testing.T) {
	t.Parallel()

	eur := Money{Amount: 1, Currency: "EUR"}

	_, err := usd(1).Add(eur)
	require.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = usd(1).Sub(eur)
	require.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = usd(1).Cmp(eur)
	require.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestMoneyOverflow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		op   func() (Money, error)
	}{
		{"add max", func() (Money, error) { return usd(math.MaxInt64).Add(usd(1)) }},
		{"add min", func() (Money, error) { return usd(math.MinInt64).Add(usd(-1)) }},
		{"sub min", func() (Money, error) { return usd(math.MinInt64).Sub(usd(1)) }},
		{"sub max", func() (Money, error) { return usd(math.MaxInt64).Sub(usd(-1)) }},
		{"negate min", func() (Money, error) { return usd(math.MinInt64).Negate() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := tt.op()
			require.ErrorIs(t, err, ErrOverflow)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}

	// boundaries that must not trip the check
	m, err := usd(math.MaxInt64 - 1).Add(usd(1))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), m.Amount)
}

func TestMoneyCmp(t *testing.T) {
	t.Parallel()

	c, err := usd(1).Cmp(usd(2))
	require.NoError(t, err)
	assert.Equal(t, -1, c)

	c, err = usd(2).Cmp(usd(2))
	require.NoError(t, err)
	assert.Equal(t, 0, c)

	c, err = usd(3).Cmp(usd(2))
	require.NoError(t, err)
	assert.Equal(t, 1, c)

	assert.True(t, usd(5).Equal(usd(5)))
	assert.False(t, usd(5).Equal(Money{Amount: 5, Currency: "EUR"}))
}

func TestMoneyString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "10.50 USD", usd(1050).String())
	assert.Equal(t, "-0.05 USD", usd(-5).String())
	assert.Equal(t, "1000 JPY", Money{Amount: 1000, Currency: "JPY"}.String())
	assert.Equal(t, "1.234 KWD", Money{Amount: 1234, Currency: "KWD"}.String())
	assert.True(t, usd(1050).Decimal().Equal(usd(1050).Decimal()))
}

func TestKindOfWrapped(t *testing.T) {
	t.Parallel()

	wrapped := errors.Join(ErrIndeterminate, ErrTimeout)
	assert.Equal(t, KindIndeterminate, KindOf(wrapped))
	assert.Equal(t, KindTimeout, KindOf(ErrTimeout))
	assert.True(t, KindOf(ErrTransient).Retryable())
	assert.False(t, KindOf(ErrIndeterminate).Retryable())
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.Equal(t, KindConflict, KindOf(IllegalTransition(StatusFailed, StatusSuccess)))
}
