package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	DefaultMaxTxnsPerDay = 7
	DefaultMaxTxnAmount  = 60000
)

// Limits are the process-wide hard caps checked before scoring.
type Limits struct {
	MaxTxnsPerDay int
	MaxTxnAmount  decimal.Decimal
}

// DefaultLimits returns the stock caps.
func DefaultLimits() Limits {
	return Limits{
		MaxTxnsPerDay: DefaultMaxTxnsPerDay,
		MaxTxnAmount:  decimal.NewFromInt(DefaultMaxTxnAmount),
	}
}

var printer = message.NewPrinter(language.English)

// Check rejects when the sender already has MaxTxnsPerDay successful
// transactions in the window, or when amount is above MaxTxnAmount. The
// count is checked first.
func (l Limits) Check(count int, amount decimal.Decimal) error {
	if count >= l.MaxTxnsPerDay {
		return &LimitExceededError{
			Reason:  ReasonDailyCount,
			Limit:   fmt.Sprint(l.MaxTxnsPerDay),
			Message: fmt.Sprintf("Transaction limit exceeded: Max %d transactions per day.", l.MaxTxnsPerDay),
		}
	}
	if amount.GreaterThan(l.MaxTxnAmount) {
		return &LimitExceededError{
			Reason:  ReasonAmount,
			Limit:   l.MaxTxnAmount.String(),
			Message: fmt.Sprintf("Transaction amount limit exceeded: Max %s.", groupThousands(l.MaxTxnAmount)),
		}
	}
	return nil
}

// groupThousands renders d with comma thousands separators: 60000 -> 60,000,
// 1234567.5 -> 1,234,567.5.
func groupThousands(d decimal.Decimal) string {
	if d.IsInteger() {
		return printer.Sprintf("%d", d.IntPart())
	}
	whole := d.Truncate(0)
	frac := d.Sub(whole).Abs().String() // "0.5"
	return printer.Sprintf("%d", whole.IntPart()) + frac[1:]
}
