package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimits_CountBoundary(t *testing.T) {
	l := DefaultLimits()
	amount := decimal.NewFromInt(100)

	assert.NoError(t, l.Check(6, amount))

	err := l.Check(7, amount)
	var le *LimitExceededError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ReasonDailyCount, le.Reason)
	assert.Equal(t, "7", le.Limit)
	assert.Equal(t, "Transaction limit exceeded: Max 7 transactions per day.", le.Message)
}

func TestLimits_AmountBoundary(t *testing.T) {
	l := DefaultLimits()

	assert.NoError(t, l.Check(0, decimal.NewFromInt(60000)))

	err := l.Check(0, decimal.RequireFromString("60000.01"))
	var le *LimitExceededError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ReasonAmount, le.Reason)
	assert.Equal(t, "Transaction amount limit exceeded: Max 60,000.", le.Message)
}

func TestLimits_CountCheckedFirst(t *testing.T) {
	err := DefaultLimits().Check(9, decimal.NewFromInt(1_000_000))
	var le *LimitExceededError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ReasonDailyCount, le.Reason)
}

func TestLimits_ConfiguredThresholdsInMessages(t *testing.T) {
	l := Limits{MaxTxnsPerDay: 3, MaxTxnAmount: decimal.RequireFromString("1234567.5")}

	err := l.Check(3, decimal.NewFromInt(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Max 3 transactions per day")

	err = l.Check(0, decimal.NewFromInt(2_000_000))
	require.Error(t, err)
	assert.Equal(t, "Transaction amount limit exceeded: Max 1,234,567.5.", err.Error())
}

func TestDayOfWeek_MondayIsZero(t *testing.T) {
	monday := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		assert.Equal(t, i, DayOfWeek(monday.AddDate(0, 0, i)), monday.AddDate(0, 0, i).Weekday().String())
	}
}

func TestIsInternational(t *testing.T) {
	assert.False(t, IsInternational("USD", "USD"))
	assert.False(t, IsInternational("usd", "USD"))
	assert.True(t, IsInternational("EUR", "USD"))
	assert.True(t, IsInternational("USD", "GBP"))
}

func TestDeriveFeatures(t *testing.T) {
	now := time.Date(2024, 6, 9, 23, 59, 0, 0, time.UTC) // Sunday
	req := &TransactionRequest{Currency: "GBP"}
	v := Velocity{Count: 2, Sum: decimal.NewFromInt(300)}

	f := DeriveFeatures(req, now, true, v, "USD")

	assert.Equal(t, 23, f.TxnHour)
	assert.Equal(t, 6, f.TxnDayOfWeek)
	assert.True(t, f.IsNewPayee)
	assert.True(t, f.IsInternational)
	assert.Equal(t, 2, f.TxnCountLast24h)
	assert.True(t, f.SumAmountLast24h.Equal(decimal.NewFromInt(300)))
}

func TestVelocityWindowIsInclusive(t *testing.T) {
	now := time.Date(2024, 6, 5, 12, 0, 0, 0, time.UTC)
	from, to := velocityBounds(now)

	assert.True(t, inWindow(from, from, to))
	assert.True(t, inWindow(to, from, to))
	assert.False(t, inWindow(from.Add(-time.Nanosecond), from, to))
	assert.False(t, inWindow(to.Add(time.Nanosecond), from, to))
}

func TestDecideFromLabel(t *testing.T) {
	d := DecideFromLabel(1)
	assert.True(t, d.IsFraud)
	assert.Equal(t, StatusFailed, d.Status)
	assert.Equal(t, MessageBlocked, d.Message)

	d = DecideFromLabel(0)
	assert.False(t, d.IsFraud)
	assert.Equal(t, StatusSuccess, d.Status)
	assert.Equal(t, MessageSuccess, d.Message)

	d = Unscored()
	assert.False(t, d.Scored)
	assert.Equal(t, StatusSuccess, d.Status)
	assert.Equal(t, MessageUnscored, d.Message)
}
