package risk

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/txguard/internal/model"
)

// DefaultBaseCurrency is the home currency for the internationality flag.
const DefaultBaseCurrency = "USD"

// Features are the derived attributes recorded with every transaction.
type Features struct {
	TxnHour          int
	TxnDayOfWeek     int
	IsNewPayee       bool
	IsInternational  bool
	TxnCountLast24h  int
	SumAmountLast24h decimal.Decimal
}

// DeriveFeatures is a pure function of the request, the evaluation instant
// and the two lookups already made against the store.
func DeriveFeatures(req *TransactionRequest, now time.Time, isNewPayee bool, v Velocity, baseCurrency string) Features {
	return Features{
		TxnHour:          now.Hour(),
		TxnDayOfWeek:     DayOfWeek(now),
		IsNewPayee:       isNewPayee,
		IsInternational:  IsInternational(req.Currency, baseCurrency),
		TxnCountLast24h:  v.Count,
		SumAmountLast24h: v.Sum,
	}
}

// DayOfWeek numbers days from Monday=0 to Sunday=6.
func DayOfWeek(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// IsInternational flags any currency other than the base currency. It is a
// currency heuristic only; the receiver's bank country is not known.
func IsInternational(currency, baseCurrency string) bool {
	return !strings.EqualFold(strings.TrimSpace(currency), baseCurrency)
}

// ModelInput assembles the scorer's feature vector.
func (f Features) ModelInput(req *TransactionRequest) model.Input {
	return model.Input{
		Amount:              req.Amount.InexactFloat64(),
		Currency:            req.Currency,
		Channel:             req.Channel,
		AuthorizationMethod: req.AuthorizationMethod,
		TxnHour:             f.TxnHour,
		TxnDayOfWeek:        f.TxnDayOfWeek,
		IsNewPayee:          f.IsNewPayee,
		IsInternational:     f.IsInternational,
		TxnCountLast24h:     f.TxnCountLast24h,
		SumAmountLast24h:    f.SumAmountLast24h.InexactFloat64(),
	}
}
