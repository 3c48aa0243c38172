// Package risk implements the real-time transaction risk-evaluation pipeline.
//
// Every outbound transfer is aggregated against the sender's trailing 24h
// history, checked against the process-wide limits, enriched with derived
// features, scored by the pretrained model and recorded exactly once. A limit
// violation never reaches the model or the store.
package risk

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/txguard/internal/validation"
)

// AmountScale is the number of decimal places the amount column keeps.
const AmountScale = 2

// Status is the outcome recorded on a transaction.
type Status string

const (
	StatusSuccess Status = "Success"
	StatusFailed  Status = "Failed"
)

// Account is the sender's identity-store row. Read-only here.
type Account struct {
	UserID        string
	FullName      string
	AccountNumber string
	Email         string
}

// TransactionRequest is the body of POST /api/transactions.
type TransactionRequest struct {
	UserID                string          `json:"user_id" validate:"required,max=36"`
	ReceiverAccountNumber string          `json:"receiver_account_number" validate:"required,max=50"`
	ReceiverName          *string         `json:"receiver_name" validate:"omitempty,max=255"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency" validate:"required,max=10"`
	Description           *string         `json:"description" validate:"omitempty,max=10000"`
	Channel               string          `json:"send_via" validate:"required,max=50"`
	AuthorizationMethod   string          `json:"authorization_method" validate:"required,max=50"`
}

// Normalize trims identifiers and strips control bytes from free text.
func (r *TransactionRequest) Normalize() {
	r.UserID = strings.TrimSpace(r.UserID)
	r.ReceiverAccountNumber = strings.TrimSpace(r.ReceiverAccountNumber)
	r.Currency = strings.TrimSpace(r.Currency)
	r.Channel = strings.TrimSpace(r.Channel)
	r.AuthorizationMethod = strings.TrimSpace(r.AuthorizationMethod)
	if r.ReceiverName != nil {
		s := validation.SanitizeString(*r.ReceiverName)
		r.ReceiverName = &s
	}
	if r.Description != nil {
		s := validation.SanitizeString(*r.Description)
		r.Description = &s
	}
}

// Validate reports every missing or malformed field at once.
func (r *TransactionRequest) Validate() error {
	errs := validation.Struct(r)
	switch {
	case !r.Amount.IsPositive():
		errs = append(errs, validation.FieldError{Field: "amount", Message: "must be a positive number"})
	case !r.Amount.Equal(r.Amount.Truncate(AmountScale)):
		errs = append(errs, validation.FieldError{Field: "amount", Message: "must have at most 2 decimal places"})
	}
	if len(errs) > 0 {
		return &ValidationError{Message: "Missing required transaction fields", Details: errs}
	}
	return nil
}

// RequestMeta is the context captured from the HTTP request, not the body.
type RequestMeta struct {
	IPAddress         string
	DeviceFingerprint string
}

// Record is the persisted transaction row. Written once, never updated.
type Record struct {
	TxnID                 string
	SenderUserID          string
	ReceiverAccountNumber string
	ReceiverName          *string
	Amount                decimal.Decimal
	Currency              string
	Description           *string
	Channel               string
	AuthorizationMethod   string
	IsInternational       bool
	Timestamp             time.Time
	TxnHour               int
	TxnDayOfWeek          int
	IPAddress             string
	DeviceFingerprint     string
	IsNewPayee            bool
	TxnCountLast24h       int
	SumAmountLast24h      decimal.Decimal
	IsFraud               bool
	Status                Status
}

// Summary is the projection returned by the history endpoint.
type Summary struct {
	TxnID                 string          `json:"txn_id"`
	ReceiverAccountNumber string          `json:"receiver_account_number"`
	ReceiverName          *string         `json:"receiver_name"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Description           *string         `json:"description"`
	Channel               string          `json:"channel"`
	AuthorizationMethod   string          `json:"authorization_method"`
	IsInternational       bool            `json:"is_international"`
	Timestamp             time.Time       `json:"timestamp"`
	IsFraud               bool            `json:"is_fraud"`
	Status                Status          `json:"status"`
}

// Summary projects r for the history endpoint.
func (r *Record) Summary() Summary {
	return Summary{
		TxnID:                 r.TxnID,
		ReceiverAccountNumber: r.ReceiverAccountNumber,
		ReceiverName:          r.ReceiverName,
		Amount:                r.Amount,
		Currency:              r.Currency,
		Description:           r.Description,
		Channel:               r.Channel,
		AuthorizationMethod:   r.AuthorizationMethod,
		IsInternational:       r.IsInternational,
		Timestamp:             r.Timestamp,
		IsFraud:               r.IsFraud,
		Status:                r.Status,
	}
}

// FlaggedSummary is the admin projection of a blocked transaction.
type FlaggedSummary struct {
	Summary
	SenderUserID    string `json:"sender_user_id"`
	IsNewPayee      bool   `json:"is_new_payee"`
	TxnCountLast24h int    `json:"txn_count_last_24h"`
}

// Stats are the admin dashboard KPIs.
type Stats struct {
	TotalUsers        int     `json:"total_users"`
	TransactionsToday int     `json:"transactions_24h"`
	FlaggedToday      int     `json:"flagged_24h"`
	FraudRate         float64 `json:"fraud_rate"`
}

// Store is the relational state the pipeline reads and appends to.
type Store interface {
	// Open starts one evaluation's unit of work. When serialize is set,
	// concurrent sessions for the same sender run one at a time until
	// Close.
	Open(ctx context.Context, senderID string, serialize bool) (Session, error)

	ListBySender(ctx context.Context, senderID string) ([]*Record, error)
	ListFlagged(ctx context.Context, limit int) ([]*Record, error)
	Stats(ctx context.Context, since time.Time) (*Stats, error)
	Ping(ctx context.Context) error
}

// Session is the per-evaluation view of the store. It must be closed on
// every path; closing without Commit discards the insert.
type Session interface {
	LookupSender(ctx context.Context, userID string) (*Account, error)
	// Velocity aggregates the sender's Success rows with from <= timestamp <= to.
	Velocity(ctx context.Context, senderID string, from, to time.Time) (Velocity, error)
	// HasPayee reports whether any prior row, of any status, targets the receiver.
	HasPayee(ctx context.Context, senderID, receiverAccount string) (bool, error)
	Insert(ctx context.Context, rec *Record) error
	Commit() error
	Close() error
}
