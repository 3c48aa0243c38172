package risk

import (
	"errors"
	"fmt"

	"github.com/mbd888/txguard/internal/validation"
)

var (
	ErrSenderNotFound     = errors.New("risk: sender not found")
	ErrStorageUnavailable = errors.New("risk: storage unavailable")
	ErrScoringFailed      = errors.New("risk: scoring failed")
)

// ValidationError is a malformed or incomplete request.
type ValidationError struct {
	Message string
	Details validation.FieldErrors
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	return e.Message + ": " + e.Details.Error()
}

// Limit rejection reasons, also used as metric labels.
const (
	ReasonDailyCount = "daily_count"
	ReasonAmount     = "amount"
)

// LimitExceededError rejects a transaction before scoring or persistence.
type LimitExceededError struct {
	Reason  string
	Limit   string
	Message string
}

func (e *LimitExceededError) Error() string {
	return e.Message
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
