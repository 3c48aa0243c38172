package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/txguard/internal/events"
	"github.com/mbd888/txguard/internal/locks"
	"github.com/mbd888/txguard/internal/logging"
	"github.com/mbd888/txguard/internal/metrics"
	"github.com/mbd888/txguard/internal/traces"
)

// CountryResolver maps an origin IP to an ISO country code, "" if unknown.
type CountryResolver interface {
	Country(ip string) string
}

// Options configure an Evaluator. The zero value runs unscored, unserialized,
// with the default limits.
type Options struct {
	Limits       Limits
	BaseCurrency string

	// Scorer is nil when the model artifacts failed to load.
	Scorer Scorer

	// Serialize makes the store run one session per sender at a time.
	Serialize bool
	// Locker, when set, takes a distributed per-sender lock around the
	// whole read-check-insert sequence.
	Locker locks.Locker

	Publisher events.Publisher
	Geo       CountryResolver

	// Timeout bounds one evaluation; zero means none.
	Timeout time.Duration

	Clock    func() time.Time
	Location *time.Location
}

// Result is a committed evaluation.
type Result struct {
	Record   *Record
	Decision Decision
}

// Evaluator runs the velocity, limit, feature, scoring and recording stages
// for one transaction at a time. It is safe for concurrent use.
type Evaluator struct {
	store Store
	opts  Options
}

// NewEvaluator wires the pipeline over store.
func NewEvaluator(store Store, opts Options) *Evaluator {
	if opts.Limits.MaxTxnsPerDay == 0 && opts.Limits.MaxTxnAmount.IsZero() {
		opts.Limits = DefaultLimits()
	}
	if opts.BaseCurrency == "" {
		opts.BaseCurrency = DefaultBaseCurrency
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Evaluator{store: store, opts: opts}
}

// Scored reports whether a model is loaded.
func (e *Evaluator) Scored() bool {
	return e.opts.Scorer != nil
}

// Evaluate decides and records one transaction. Nothing is written unless
// the returned error is nil.
func (e *Evaluator) Evaluate(ctx context.Context, req *TransactionRequest, meta RequestMeta) (result *Result, err error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		metrics.EvaluationsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	ctx, span := traces.StartSpan(ctx, "risk.Evaluate",
		traces.SenderID(req.UserID),
		traces.Amount(req.Amount.String()),
	)
	defer span.End()
	defer func() {
		if err != nil {
			metrics.EvaluationsTotal.WithLabelValues(outcomeLabel(err)).Inc()
			traces.Fail(span, err)
		}
	}()

	ctx = logging.WithFields(ctx, "sender_user_id", req.UserID)

	if e.opts.Locker != nil {
		requested := time.Now()
		unlock, err := e.opts.Locker.Lock(ctx, req.UserID)
		if err != nil {
			return nil, storageErr("lock sender", err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				logging.L(ctx).Warn("sender lock release failed", "error", err)
			}
		}()
		// The key expires at most TTL after it was requested; past that
		// another replica may hold it, so nothing may be written.
		if ttl := e.opts.Locker.TTL(); ttl > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, requested.Add(ttl))
			defer cancel()
		}
	}

	sess, err := e.store.Open(ctx, req.UserID, e.opts.Serialize)
	if err != nil {
		return nil, storageErr("open session", err)
	}
	defer func() { _ = sess.Close() }()

	if _, err := sess.LookupSender(ctx, req.UserID); err != nil {
		if errors.Is(err, ErrSenderNotFound) {
			return nil, err
		}
		return nil, storageErr("lookup sender", err)
	}

	now := e.opts.Clock().In(e.opts.Location)
	from, to := velocityBounds(now)
	velocity, err := sess.Velocity(ctx, req.UserID, from, to)
	if err != nil {
		return nil, storageErr("velocity", err)
	}

	if err := e.opts.Limits.Check(velocity.Count, req.Amount); err != nil {
		var le *LimitExceededError
		if errors.As(err, &le) {
			metrics.LimitRejectionsTotal.WithLabelValues(le.Reason).Inc()
			logging.L(ctx).Info("transaction rejected by limit",
				"reason", le.Reason,
				"limit", le.Limit,
				"txn_count_last_24h", velocity.Count,
				"amount", req.Amount.String(),
			)
		}
		return nil, err
	}

	seen, err := sess.HasPayee(ctx, req.UserID, req.ReceiverAccountNumber)
	if err != nil {
		return nil, storageErr("payee history", err)
	}

	features := DeriveFeatures(req, now, !seen, velocity, e.opts.BaseCurrency)

	decision, err := e.decide(ctx, req, features)
	if err != nil {
		return nil, err
	}

	rec := buildRecord(req, meta, now, features, decision)
	if err := sess.Insert(ctx, rec); err != nil {
		logging.L(ctx).Error("transaction insert failed", "txn_id", rec.TxnID, "error", err)
		return nil, storageErr("insert", err)
	}
	if err := sess.Commit(); err != nil {
		logging.L(ctx).Error("transaction commit failed", "txn_id", rec.TxnID, "error", err)
		return nil, storageErr("commit", err)
	}

	metrics.EvaluationsTotal.WithLabelValues(string(decision.Status)).Inc()
	span.SetAttributes(traces.TxnID(rec.TxnID), traces.Status(string(decision.Status)), traces.Scored(decision.Scored))

	country := e.country(meta.IPAddress)
	logging.L(ctx).Info("transaction evaluated",
		"txn_id", rec.TxnID,
		"status", decision.Status,
		"is_fraud", decision.IsFraud,
		"scored", decision.Scored,
		"is_new_payee", features.IsNewPayee,
		"txn_count_last_24h", features.TxnCountLast24h,
		"origin_country", country,
	)

	e.publish(ctx, rec, decision, country)
	return &Result{Record: rec, Decision: decision}, nil
}

func (e *Evaluator) decide(ctx context.Context, req *TransactionRequest, f Features) (Decision, error) {
	if e.opts.Scorer == nil {
		metrics.UnscoredEvaluationsTotal.Inc()
		return Unscored(), nil
	}

	ctx, span := traces.StartSpan(ctx, "risk.Score")
	defer span.End()

	label, err := e.opts.Scorer.Predict(ctx, f.ModelInput(req))
	if err != nil {
		traces.Fail(span, err)
		logging.L(ctx).Error("scoring failed", "error", err)
		return Decision{}, fmt.Errorf("%w: %w", ErrScoringFailed, err)
	}
	return DecideFromLabel(label), nil
}

func (e *Evaluator) country(ip string) string {
	if e.opts.Geo == nil || ip == "" {
		return ""
	}
	return e.opts.Geo.Country(ip)
}

func (e *Evaluator) publish(ctx context.Context, rec *Record, d Decision, country string) {
	if e.opts.Publisher == nil {
		return
	}
	ev := &events.DecisionEvent{
		TxnID:                 rec.TxnID,
		SenderUserID:          rec.SenderUserID,
		ReceiverAccountNumber: rec.ReceiverAccountNumber,
		Amount:                rec.Amount,
		Currency:              rec.Currency,
		Channel:               rec.Channel,
		Status:                string(rec.Status),
		IsFraud:               rec.IsFraud,
		Scored:                d.Scored,
		IsNewPayee:            rec.IsNewPayee,
		IsInternational:       rec.IsInternational,
		TxnCountLast24h:       rec.TxnCountLast24h,
		Message:               d.Message,
		Timestamp:             rec.Timestamp,
		OriginCountry:         country,
	}
	if err := e.opts.Publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		logging.L(ctx).Debug("decision event delivery incomplete", "txn_id", rec.TxnID, "error", err)
	}
}

func buildRecord(req *TransactionRequest, meta RequestMeta, now time.Time, f Features, d Decision) *Record {
	fingerprint := meta.DeviceFingerprint
	if fingerprint == "" {
		fingerprint = uuid.NewString()
	}
	return &Record{
		TxnID:                 uuid.NewString(),
		SenderUserID:          req.UserID,
		ReceiverAccountNumber: req.ReceiverAccountNumber,
		ReceiverName:          req.ReceiverName,
		Amount:                req.Amount,
		Currency:              req.Currency,
		Description:           req.Description,
		Channel:               req.Channel,
		AuthorizationMethod:   req.AuthorizationMethod,
		IsInternational:       f.IsInternational,
		Timestamp:             now,
		TxnHour:               f.TxnHour,
		TxnDayOfWeek:          f.TxnDayOfWeek,
		IPAddress:             meta.IPAddress,
		DeviceFingerprint:     fingerprint,
		IsNewPayee:            f.IsNewPayee,
		TxnCountLast24h:       f.TxnCountLast24h,
		SumAmountLast24h:      f.SumAmountLast24h,
		IsFraud:               d.IsFraud,
		Status:                d.Status,
	}
}

// outcomeLabel names a failed evaluation for the outcome metric.
func outcomeLabel(err error) string {
	var le *LimitExceededError
	switch {
	case errors.As(err, &le):
		return "limit_exceeded"
	case errors.Is(err, ErrSenderNotFound):
		return "sender_not_found"
	case errors.Is(err, ErrScoringFailed):
		return "scoring_failed"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "error"
	}
}
