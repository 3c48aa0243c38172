// Package model loads the pretrained scoring artifacts (encoders, scaler,
// classifier) and turns one transaction's features into a class label.
//
// Artifacts are loaded once at process start into an immutable Bundle that
// is safe for any number of concurrent readers.
package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/txguard/internal/logging"
	"github.com/mbd888/txguard/internal/metrics"
)

// Feature column names as the model was trained on them.
const (
	ColAmount              = "amount"
	ColCurrency            = "currency"
	ColChannel             = "channel"
	ColAuthorizationMethod = "authorization_method"
	ColTxnHour             = "txn_hour"
	ColTxnDayOfWeek        = "txn_day_of_week"
	ColIsNewPayee          = "is_new_payee"
	ColIsInternational     = "is_international"
	ColTxnCountLast24h     = "txn_count_last_24h"
	ColSumAmountLast24h    = "sum_amount_last_24h"
)

// Input is the feature vector handed to the scorer.
type Input struct {
	Amount              float64
	Currency            string
	Channel             string
	AuthorizationMethod string
	TxnHour             int
	TxnDayOfWeek        int
	IsNewPayee          bool
	IsInternational     bool
	TxnCountLast24h     int
	SumAmountLast24h    float64
}

// Frame builds the unencoded base frame in training column order.
func (in Input) Frame() *Frame {
	f := NewFrame()
	f.SetNum(ColAmount, in.Amount)
	f.SetStr(ColCurrency, in.Currency)
	f.SetStr(ColChannel, in.Channel)
	f.SetStr(ColAuthorizationMethod, in.AuthorizationMethod)
	f.SetNum(ColTxnHour, float64(in.TxnHour))
	f.SetNum(ColTxnDayOfWeek, float64(in.TxnDayOfWeek))
	f.SetNum(ColIsNewPayee, boolToFloat(in.IsNewPayee))
	f.SetNum(ColIsInternational, boolToFloat(in.IsInternational))
	f.SetNum(ColTxnCountLast24h, float64(in.TxnCountLast24h))
	f.SetNum(ColSumAmountLast24h, in.SumAmountLast24h)
	return f
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Paths locates the three artifacts on disk.
type Paths struct {
	Model    string
	Encoders string
	Scaler   string
}

// Bundle is the loaded, immutable scoring context.
type Bundle struct {
	Encoders *EncoderSet
	Scaler   *Scaler
	Model    Predictor
}

// NewBundle assembles a bundle from already-parsed artifacts.
func NewBundle(enc *EncoderSet, scaler *Scaler, predictor Predictor) *Bundle {
	return &Bundle{Encoders: enc, Scaler: scaler, Model: predictor}
}

// Load reads all three artifacts. Every failure is reported, joined; the
// caller decides whether to run without a model.
func Load(paths Paths) (*Bundle, error) {
	enc, encErr := LoadEncoders(paths.Encoders)
	scaler, scalerErr := LoadScaler(paths.Scaler)
	lm, modelErr := LoadLogistic(paths.Model)

	if err := errors.Join(encErr, scalerErr, modelErr); err != nil {
		return nil, err
	}
	return NewBundle(enc, scaler, lm), nil
}

// Versions reports the artifact versions for logs and health output.
func (b *Bundle) Versions() map[string]string {
	v := map[string]string{
		"encoders": b.Encoders.Version,
		"scaler":   b.Scaler.Version,
	}
	if lm, ok := b.Model.(*LogisticModel); ok {
		v["model"] = lm.Version
	}
	return v
}

// Prepare encodes, scales and aligns in into the exact row the model expects.
func (b *Bundle) Prepare(ctx context.Context, in Input) (*Frame, error) {
	f := in.Frame()

	b.Encoders.Apply(f, func(column, value, replacement string) {
		metrics.EncodingFallbacksTotal.WithLabelValues(column).Inc()
		logging.L(ctx).Warn("unseen categorical value remapped",
			"column", column,
			"value", value,
			"replacement", replacement,
		)
	})

	if err := b.Scaler.Apply(f); err != nil {
		return nil, fmt.Errorf("scale features: %w", err)
	}

	if cols := b.Model.Columns(); len(cols) > 0 {
		f = f.Align(cols)
	}
	return f, nil
}

// Predict runs the full encode/scale/align/predict path for one transaction.
func (b *Bundle) Predict(ctx context.Context, in Input) (int, error) {
	start := time.Now()
	defer func() { metrics.ScoringDuration.Observe(time.Since(start).Seconds()) }()

	f, err := b.Prepare(ctx, in)
	if err != nil {
		return 0, err
	}
	row, err := f.Row()
	if err != nil {
		return 0, fmt.Errorf("build model row: %w", err)
	}

	logging.L(ctx).Debug("model input prepared", "columns", f.Columns(), "row", row)

	label, err := b.Model.Predict(ctx, row)
	if err != nil {
		return 0, fmt.Errorf("predict: %w", err)
	}
	return label, nil
}
