// Package events publishes transaction decisions to downstream consumers.
//
// Publishing happens after the record is committed and is best-effort: a
// sink that cannot keep up drops the event, counts it and moves on. It never
// changes the HTTP response.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/txguard/internal/metrics"
)

// ErrDropped is returned by a sink that discarded the event.
var ErrDropped = errors.New("events: event dropped")

// DecisionEvent describes one recorded transaction decision.
type DecisionEvent struct {
	TxnID                 string          `json:"txn_id"`
	SenderUserID          string          `json:"sender_user_id"`
	ReceiverAccountNumber string          `json:"receiver_account_number"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Channel               string          `json:"channel"`
	Status                string          `json:"status"`
	IsFraud               bool            `json:"is_fraud"`
	Scored                bool            `json:"scored"`
	IsNewPayee            bool            `json:"is_new_payee"`
	IsInternational       bool            `json:"is_international"`
	TxnCountLast24h       int             `json:"txn_count_last_24h"`
	Message               string          `json:"message"`
	Timestamp             time.Time       `json:"timestamp"`
	OriginCountry         string          `json:"origin_country,omitempty"`
}

// Publisher delivers decision events to one sink.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, ev *DecisionEvent) error
	Close() error
}

// Fanout publishes every event to all of its sinks.
type Fanout struct {
	sinks  []Publisher
	logger *slog.Logger
}

// NewFanout builds a fanout over sinks; nil sinks are skipped.
func NewFanout(logger *slog.Logger, sinks ...Publisher) *Fanout {
	f := &Fanout{logger: logger}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *Fanout) Name() string { return "fanout" }

// Len reports how many sinks are attached.
func (f *Fanout) Len() int { return len(f.sinks) }

// Publish hands ev to every sink. Failures are counted per sink and joined
// into the returned error; one failing sink does not stop the others.
func (f *Fanout) Publish(ctx context.Context, ev *DecisionEvent) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			metrics.DecisionEventsDroppedTotal.WithLabelValues(s.Name()).Inc()
			f.logger.Warn("decision event not published",
				"sink", s.Name(),
				"txn_id", ev.TxnID,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
