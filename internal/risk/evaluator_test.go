package risk

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txguard/internal/events"
	"github.com/mbd888/txguard/internal/idgen"
	"github.com/mbd888/txguard/internal/locks"
	"github.com/mbd888/txguard/internal/model"
)

// Wednesday, so txn_day_of_week is 2.
var fixedNow = time.Date(2024, 6, 5, 14, 30, 0, 0, time.UTC)

const (
	senderID      = "user-1"
	senderAccount = "AC1"
)

func newTestStore() *MemoryStore {
	s := NewMemoryStore()
	s.AddAccount(Account{UserID: senderID, FullName: "Ada", AccountNumber: senderAccount, Email: "ada@example.com"})
	return s
}

func testOptions() Options {
	return Options{
		Limits:   DefaultLimits(),
		Clock:    func() time.Time { return fixedNow },
		Location: time.UTC,
	}
}

func validRequest() *TransactionRequest {
	return &TransactionRequest{
		UserID:                senderID,
		ReceiverAccountNumber: "AC2",
		Amount:                decimal.NewFromInt(500),
		Currency:              "USD",
		Channel:               "mobile",
		AuthorizationMethod:   "otp",
	}
}

func priorTxn(at time.Time, status Status, receiver string, amount int64) *Record {
	return &Record{
		TxnID:                 idgen.New(),
		SenderUserID:          senderID,
		ReceiverAccountNumber: receiver,
		Amount:                decimal.NewFromInt(amount),
		Currency:              "USD",
		Channel:               "web",
		AuthorizationMethod:   "password",
		Timestamp:             at,
		Status:                status,
	}
}

func seedSuccesses(s *MemoryStore, n int) {
	for i := 0; i < n; i++ {
		s.Seed(priorTxn(fixedNow.Add(-time.Duration(i+1)*time.Hour), StatusSuccess, "AC9", 100))
	}
}

type stubScorer struct {
	label int
	err   error
	mu    sync.Mutex
	input model.Input
	block bool
}

func (s *stubScorer) Predict(ctx context.Context, in model.Input) (int, error) {
	s.mu.Lock()
	s.input = in
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return s.label, s.err
}

func TestEvaluate_FirstTransactionUnscored(t *testing.T) {
	store := newTestStore()
	ev := NewEvaluator(store, testOptions())

	res, err := ev.Evaluate(context.Background(), validRequest(), RequestMeta{IPAddress: "203.0.113.7"})
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Decision.Status)
	assert.False(t, res.Decision.IsFraud)
	assert.False(t, res.Decision.Scored)
	assert.Equal(t, MessageUnscored, res.Decision.Message)

	rec := res.Record
	assert.True(t, idgen.IsUUID(rec.TxnID))
	assert.True(t, rec.IsNewPayee)
	assert.False(t, rec.IsInternational)
	assert.Equal(t, 0, rec.TxnCountLast24h)
	assert.True(t, rec.SumAmountLast24h.IsZero())
	assert.Equal(t, 14, rec.TxnHour)
	assert.Equal(t, 2, rec.TxnDayOfWeek)
	assert.Equal(t, fixedNow, rec.Timestamp)
	assert.Equal(t, "203.0.113.7", rec.IPAddress)
	assert.True(t, idgen.IsUUID(rec.DeviceFingerprint), "missing fingerprint falls back to a random UUID")

	stored, err := store.ListBySender(context.Background(), senderID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, rec.TxnID, stored[0].TxnID)
}

func TestEvaluate_DailyCountBoundary(t *testing.T) {
	t.Run("seven prior is rejected", func(t *testing.T) {
		store := newTestStore()
		seedSuccesses(store, 7)
		ev := NewEvaluator(store, testOptions())

		_, err := ev.Evaluate(context.Background(), validRequest(), RequestMeta{})

		var le *LimitExceededError
		require.ErrorAs(t, err, &le)
		assert.Contains(t, le.Message, "Max 7 transactions per day")
		assert.Equal(t, 7, store.Len(), "no record for a rejected transaction")
	})

	t.Run("six prior is accepted", func(t *testing.T) {
		store := newTestStore()
		seedSuccesses(store, 6)
		ev := NewEvaluator(store, testOptions())

		res, err := ev.Evaluate(context.Background(), validRequest(), RequestMeta{})
		require.NoError(t, err)
		assert.Equal(t, 6, res.Record.TxnCountLast24h)
		assert.True(t, res.Record.SumAmountLast24h.Equal(decimal.NewFromInt(600)))
		assert.Equal(t, 7, store.Len())
	})
}

func TestEvaluate_OnlySuccessfulTransactionsCount(t *testing.T) {
	store := newTestStore()
	for i := 0; i < 7; i++ {
		store.Seed(priorTxn(fixedNow.Add(-time.Minute), StatusFailed, "AC9", 100))
	}
	ev := NewEvaluator(store, testOptions())

	res, err := ev.Evaluate(context.Background(), validRequest(), RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Record.TxnCountLast24h)
}

func TestEvaluate_WindowBoundaryIsInclusive(t *testing.T) {
	store := newTestStore()
	store.Seed(
		priorTxn(fixedNow.Add(-VelocityWindow), StatusSuccess, "AC9", 40),
		priorTxn(fixedNow.Add(-VelocityWindow-time.Second), StatusSuccess, "AC9", 1000),
		priorTxn(fixedNow, StatusSuccess, "AC9", 2),
	)
	ev := NewEvaluator(store, testOptions())

	res, err := ev.Evaluate(context.Background(), validRequest(), RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Record.TxnCountLast24h)
	assert.True(t, res.Record.SumAmountLast24h.Equal(decimal.NewFromInt(42)))
}

func TestEvaluate_AmountLimit(t *testing.T) {
	store := newTestStore()
	ev := NewEvaluator(store, testOptions())

	req := validRequest()
	req.Amount = decimal.NewFromInt(60001)
	_, err := ev.Evaluate(context.Background(), req, RequestMeta{})

	var le *LimitExceededError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "Transaction amount limit exceeded: Max 60,000.", le.Message)
	assert.Equal(t, 0, store.Len())

	req = validRequest()
	req.Amount = decimal.NewFromInt(60000)
	_, err = ev.Evaluate(context.Background(), req, RequestMeta{})
	assert.NoError(t, err)
}

func TestEvaluate_NewPayeeOncePerReceiver(t *testing.T) {
	store := newTestStore()
	ev := NewEvaluator(store, testOptions())
	ctx := context.Background()

	first, err := ev.Evaluate(ctx, validRequest(), RequestMeta{})
	require.NoError(t, err)
	second, err := ev.Evaluate(ctx, validRequest(), RequestMeta{})
	require.NoError(t, err)

	other := validRequest()
	other.ReceiverAccountNumber = "AC3"
	third, err := ev.Evaluate(ctx, other, RequestMeta{})
	require.NoError(t, err)

	assert.True(t, first.Record.IsNewPayee)
	assert.False(t, second.Record.IsNewPayee)
	assert.True(t, third.Record.IsNewPayee)
}

func TestEvaluate_BlockedTransactionsStillMakePayeeKnown(t *testing.T) {
	store := newTestStore()
	store.Seed(priorTxn(fixedNow.Add(-48*time.Hour), StatusFailed, "AC2", 10))
	ev := NewEvaluator(store, testOptions())

	res, err := ev.Evaluate(context.Background(), validRequest(), RequestMeta{})
	require.NoError(t, err)
	assert.False(t, res.Record.IsNewPayee)
}

func TestEvaluate_InternationalIsCurrencyBased(t *testing.T) {
	store := newTestStore()
	ev := NewEvaluator(store, testOptions())

	req := validRequest()
	req.Currency = "EUR"
	res, err := ev.Evaluate(context.Background(), req, RequestMeta{})
	require.NoError(t, err)
	assert.True(t, res.Record.IsInternational)
}

func TestEvaluate_UnknownSender(t *testing.T) {
	store := newTestStore()
	ev := NewEvaluator(store, testOptions())

	req := validRequest()
	req.UserID = "ghost"
	_, err := ev.Evaluate(context.Background(), req, RequestMeta{})

	assert.ErrorIs(t, err, ErrSenderNotFound)
	assert.Equal(t, 0, store.Len())
}

func TestEvaluate_Validation(t *testing.T) {
	ev := NewEvaluator(newTestStore(), testOptions())

	req := &TransactionRequest{UserID: senderID, Amount: decimal.NewFromInt(-5)}
	_, err := ev.Evaluate(context.Background(), req, RequestMeta{})

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	fields := map[string]bool{}
	for _, d := range ve.Details {
		fields[d.Field] = true
	}
	for _, f := range []string{"receiver_account_number", "currency", "send_via", "authorization_method", "amount"} {
		assert.True(t, fields[f], "expected %s to be reported", f)
	}
	assert.False(t, fields["user_id"])
}

func TestEvaluate_FreeTextLengthCountsRunes(t *testing.T) {
	store := newTestStore()
	ev := NewEvaluator(store, testOptions())

	// 200 runes, 400 bytes: within the limit and stored intact.
	name := strings.Repeat("é", 200)
	req := validRequest()
	req.ReceiverName = &name
	res, err := ev.Evaluate(context.Background(), req, RequestMeta{})
	require.NoError(t, err)
	require.NotNil(t, res.Record.ReceiverName)
	assert.Equal(t, name, *res.Record.ReceiverName)
	assert.True(t, utf8.ValidString(*res.Record.ReceiverName))

	tooLong := strings.Repeat("a", 256)
	desc := strings.Repeat("d", 10001)
	req = validRequest()
	req.ReceiverName = &tooLong
	req.Description = &desc
	_, err = ev.Evaluate(context.Background(), req, RequestMeta{})

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	fields := map[string]bool{}
	for _, d := range ve.Details {
		fields[d.Field] = true
	}
	assert.True(t, fields["receiver_name"])
	assert.True(t, fields["description"])
	assert.Equal(t, 1, store.Len())
}

func TestEvaluate_FreeTextIsTrimmedAndStripped(t *testing.T) {
	ev := NewEvaluator(newTestStore(), testOptions())

	name := "  Gra\x00ce "
	req := validRequest()
	req.ReceiverName = &name
	res, err := ev.Evaluate(context.Background(), req, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, "Grace", *res.Record.ReceiverName)
}

func TestEvaluate_AmountPrecision(t *testing.T) {
	for _, amount := range []string{"0.001", "60000.004", "12.345"} {
		t.Run(amount, func(t *testing.T) {
			store := newTestStore()
			ev := NewEvaluator(store, testOptions())
			req := validRequest()
			req.Amount = decimal.RequireFromString(amount)

			_, err := ev.Evaluate(context.Background(), req, RequestMeta{})
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			require.Len(t, ve.Details, 1)
			assert.Equal(t, "amount", ve.Details[0].Field)
			assert.Equal(t, 0, store.Len())
		})
	}

	for _, amount := range []string{"0.01", "1250.50", "1.500", "60000"} {
		t.Run(amount, func(t *testing.T) {
			ev := NewEvaluator(newTestStore(), testOptions())
			req := validRequest()
			req.Amount = decimal.RequireFromString(amount)
			_, err := ev.Evaluate(context.Background(), req, RequestMeta{})
			assert.NoError(t, err)
		})
	}
}

func TestEvaluate_ScoredDecisions(t *testing.T) {
	t.Run("fraud is blocked and recorded", func(t *testing.T) {
		store := newTestStore()
		opts := testOptions()
		opts.Scorer = &stubScorer{label: model.LabelFraud}
		ev := NewEvaluator(store, opts)

		res, err := ev.Evaluate(context.Background(), validRequest(), RequestMeta{})
		require.NoError(t, err)
		assert.True(t, res.Decision.IsFraud)
		assert.Equal(t, StatusFailed, res.Decision.Status)
		assert.Equal(t, MessageBlocked, res.Decision.Message)
		assert.True(t, res.Decision.Scored)

		stored, _ := store.ListBySender(context.Background(), senderID)
		require.Len(t, stored, 1)
		assert.Equal(t, StatusFailed, stored[0].Status)
		assert.True(t, stored[0].IsFraud)

		// Blocked rows do not count toward velocity.
		next, err := ev.Evaluate(context.Background(), validRequest(), RequestMeta{})
		require.NoError(t, err)
		assert.Equal(t, 0, next.Record.TxnCountLast24h)
	})

	t.Run("legit is accepted", func(t *testing.T) {
		opts := testOptions()
		scorer := &stubScorer{label: 0}
		opts.Scorer = scorer
		store := newTestStore()
		seedSuccesses(store, 2)
		ev := NewEvaluator(store, opts)

		req := validRequest()
		req.Currency = "GBP"
		res, err := ev.Evaluate(context.Background(), req, RequestMeta{})
		require.NoError(t, err)
		assert.Equal(t, MessageSuccess, res.Decision.Message)

		in := scorer.input
		assert.Equal(t, 500.0, in.Amount)
		assert.Equal(t, "GBP", in.Currency)
		assert.Equal(t, "mobile", in.Channel)
		assert.Equal(t, "otp", in.AuthorizationMethod)
		assert.Equal(t, 14, in.TxnHour)
		assert.Equal(t, 2, in.TxnDayOfWeek)
		assert.True(t, in.IsNewPayee)
		assert.True(t, in.IsInternational)
		assert.Equal(t, 2, in.TxnCountLast24h)
		assert.Equal(t, 200.0, in.SumAmountLast24h)
	})
}

func TestEvaluate_ScoringFailureRecordsNothing(t *testing.T) {
	store := newTestStore()
	opts := testOptions()
	opts.Scorer = &stubScorer{err: errors.New("row width mismatch")}
	ev := NewEvaluator(store, opts)

	_, err := ev.Evaluate(context.Background(), validRequest(), RequestMeta{})
	assert.ErrorIs(t, err, ErrScoringFailed)
	assert.Equal(t, 0, store.Len())
}

func TestEvaluate_Timeout(t *testing.T) {
	store := newTestStore()
	opts := testOptions()
	opts.Scorer = &stubScorer{block: true}
	opts.Timeout = 20 * time.Millisecond
	ev := NewEvaluator(store, opts)

	_, err := ev.Evaluate(context.Background(), validRequest(), RequestMeta{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, store.Len())
}

func TestEvaluate_TimeoutWhileSenderIsBusy(t *testing.T) {
	store := newTestStore()
	held, err := store.Open(context.Background(), senderID, true)
	require.NoError(t, err)
	defer func() { _ = held.Close() }()

	opts := testOptions()
	opts.Serialize = true
	opts.Timeout = 50 * time.Millisecond
	ev := NewEvaluator(store, opts)

	done := make(chan error, 1)
	go func() {
		_, err := ev.Evaluate(context.Background(), validRequest(), RequestMeta{})
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStorageUnavailable)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("evaluation still waiting for the sender after its timeout")
	}
	assert.Equal(t, 0, store.Len())

	// The slot is usable again once the holder closes.
	require.NoError(t, held.Close())
	_, err = ev.Evaluate(context.Background(), validRequest(), RequestMeta{})
	assert.NoError(t, err)
}

func TestEvaluate_WithLoadedModel(t *testing.T) {
	dir := filepath.Join("..", "model", "testdata")
	bundle, err := model.Load(model.Paths{
		Model:    filepath.Join(dir, "model.json"),
		Encoders: filepath.Join(dir, "encoders.json"),
		Scaler:   filepath.Join(dir, "scaler.json"),
	})
	require.NoError(t, err)

	opts := testOptions()
	opts.Scorer = bundle
	ev := NewEvaluator(newTestStore(), opts)
	res, err := ev.Evaluate(context.Background(), validRequest(), RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Decision.Status)
	assert.True(t, res.Decision.Scored)

	// Sunday 03:00, six prior transfers worth 9000, a large EUR web payment.
	store := newTestStore()
	sunday := time.Date(2024, 6, 9, 3, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		store.Seed(priorTxn(sunday.Add(-time.Duration(i+1)*time.Hour), StatusSuccess, "AC9", 1500))
	}
	opts.Clock = func() time.Time { return sunday }
	ev = NewEvaluator(store, opts)

	req := validRequest()
	req.Amount = decimal.NewFromInt(5000)
	req.Currency = "EUR"
	req.Channel = "web"
	req.AuthorizationMethod = "password"
	res, err = ev.Evaluate(context.Background(), req, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Decision.Status)
	assert.True(t, res.Decision.IsFraud)
}

type faultyStore struct {
	*MemoryStore
	failOn string
}

var errDriver = errors.New("driver: bad connection")

func (f *faultyStore) Open(ctx context.Context, sender string, serialize bool) (Session, error) {
	if f.failOn == "open" {
		return nil, errDriver
	}
	sess, err := f.MemoryStore.Open(ctx, sender, serialize)
	if err != nil {
		return nil, err
	}
	return &faultySession{Session: sess, failOn: f.failOn}, nil
}

type faultySession struct {
	Session
	failOn string
}

func (f *faultySession) LookupSender(ctx context.Context, id string) (*Account, error) {
	if f.failOn == "lookup" {
		return nil, errDriver
	}
	return f.Session.LookupSender(ctx, id)
}

func (f *faultySession) Velocity(ctx context.Context, id string, from, to time.Time) (Velocity, error) {
	if f.failOn == "velocity" {
		return Velocity{}, errDriver
	}
	return f.Session.Velocity(ctx, id, from, to)
}

func (f *faultySession) HasPayee(ctx context.Context, id, acct string) (bool, error) {
	if f.failOn == "payee" {
		return false, errDriver
	}
	return f.Session.HasPayee(ctx, id, acct)
}

func (f *faultySession) Insert(ctx context.Context, rec *Record) error {
	if f.failOn == "insert" {
		return errDriver
	}
	return f.Session.Insert(ctx, rec)
}

func TestEvaluate_StorageFailuresAbortWithoutRecord(t *testing.T) {
	for _, stage := range []string{"open", "lookup", "velocity", "payee", "insert"} {
		t.Run(stage, func(t *testing.T) {
			mem := newTestStore()
			ev := NewEvaluator(&faultyStore{MemoryStore: mem, failOn: stage}, testOptions())

			_, err := ev.Evaluate(context.Background(), validRequest(), RequestMeta{})

			assert.ErrorIs(t, err, ErrStorageUnavailable)
			assert.ErrorIs(t, err, errDriver)
			assert.Equal(t, 0, mem.Len())
		})
	}
}

func TestEvaluate_SerializedSenderCannotExceedLimit(t *testing.T) {
	store := newTestStore()
	seedSuccesses(store, 6)
	opts := testOptions()
	opts.Serialize = true
	ev := NewEvaluator(store, opts)

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ev.Evaluate(context.Background(), validRequest(), RequestMeta{})
			var le *LimitExceededError
			switch {
			case err == nil:
				ok.Add(1)
			case errors.As(err, &le):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(9), rejected.Load())
	assert.Equal(t, 7, store.Len())
}

type recordingLocker struct {
	mu       sync.Mutex
	locked   []string
	unlocked int
	err      error
	ttl      time.Duration
}

func (l *recordingLocker) TTL() time.Duration { return l.ttl }

func (l *recordingLocker) Lock(_ context.Context, key string) (locks.Unlock, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	l.locked = append(l.locked, key)
	l.mu.Unlock()
	return func(context.Context) error {
		l.mu.Lock()
		l.unlocked++
		l.mu.Unlock()
		return nil
	}, nil
}

func TestEvaluate_DistributedLock(t *testing.T) {
	locker := &recordingLocker{}
	opts := testOptions()
	opts.Locker = locker
	ev := NewEvaluator(newTestStore(), opts)

	_, err := ev.Evaluate(context.Background(), validRequest(), RequestMeta{})
	require.NoError(t, err)

	// Released on the rejection path too.
	req := validRequest()
	req.Amount = decimal.NewFromInt(1_000_000)
	_, err = ev.Evaluate(context.Background(), req, RequestMeta{})
	require.Error(t, err)

	assert.Equal(t, []string{senderID, senderID}, locker.locked)
	assert.Equal(t, 2, locker.unlocked)
}

func TestEvaluate_LockFailureIsStorageError(t *testing.T) {
	store := newTestStore()
	opts := testOptions()
	opts.Locker = &recordingLocker{err: locks.ErrNotAcquired}
	ev := NewEvaluator(store, opts)

	_, err := ev.Evaluate(context.Background(), validRequest(), RequestMeta{})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, locks.ErrNotAcquired)
	assert.Equal(t, 0, store.Len())
}

func TestEvaluate_StopsWhenLockLeaseExpires(t *testing.T) {
	store := newTestStore()
	locker := &recordingLocker{ttl: 30 * time.Millisecond}
	opts := testOptions()
	opts.Locker = locker
	opts.Scorer = &stubScorer{block: true}
	ev := NewEvaluator(store, opts)

	start := time.Now()
	_, err := ev.Evaluate(context.Background(), validRequest(), RequestMeta{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 1, locker.unlocked)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []*events.DecisionEvent
	err    error
}

func (p *capturePublisher) Name() string { return "capture" }
func (p *capturePublisher) Close() error { return nil }
func (p *capturePublisher) Publish(_ context.Context, ev *events.DecisionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

type staticGeo map[string]string

func (g staticGeo) Country(ip string) string { return g[ip] }

func TestEvaluate_PublishesDecisionEvent(t *testing.T) {
	pub := &capturePublisher{err: errors.New("sink down")}
	opts := testOptions()
	opts.Publisher = pub
	opts.Geo = staticGeo{"81.2.69.142": "GB"}
	ev := NewEvaluator(newTestStore(), opts)

	res, err := ev.Evaluate(context.Background(), validRequest(), RequestMeta{IPAddress: "81.2.69.142", DeviceFingerprint: "fp-1"})
	require.NoError(t, err, "publisher failures never fail the evaluation")

	require.Len(t, pub.events, 1)
	got := pub.events[0]
	assert.Equal(t, res.Record.TxnID, got.TxnID)
	assert.Equal(t, senderID, got.SenderUserID)
	assert.Equal(t, "Success", got.Status)
	assert.Equal(t, "GB", got.OriginCountry)
	assert.False(t, got.Scored)
	assert.Equal(t, "fp-1", res.Record.DeviceFingerprint)
	assert.False(t, res.Record.IsInternational, "origin country never feeds the internationality flag")
}

func TestEvaluate_RejectionsPublishNothing(t *testing.T) {
	pub := &capturePublisher{}
	store := newTestStore()
	seedSuccesses(store, 7)
	opts := testOptions()
	opts.Publisher = pub
	ev := NewEvaluator(store, opts)

	_, err := ev.Evaluate(context.Background(), validRequest(), RequestMeta{})
	require.Error(t, err)
	assert.Empty(t, pub.events)
}
