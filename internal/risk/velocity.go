package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// VelocityWindow is the trailing window the daily limit is enforced over.
const VelocityWindow = 24 * time.Hour

// Velocity is the sender's Success count and amount sum inside the window.
// Both come from the same row set.
type Velocity struct {
	Count int
	Sum   decimal.Decimal
}

// velocityBounds returns the inclusive window ending at now.
func velocityBounds(now time.Time) (from, to time.Time) {
	return now.Add(-VelocityWindow), now
}

// inWindow reports whether ts lies in [from, to].
func inWindow(ts, from, to time.Time) bool {
	return !ts.Before(from) && !ts.After(to)
}
