package risk

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	records  []*Record

	senderLocks sync.Map // map[string]chan struct{}, one slot per sender
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

// AddAccount seeds an identity-store row.
func (s *MemoryStore) AddAccount(a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := a
	s.accounts[a.UserID] = &acct
}

// Seed appends historical rows directly, bypassing the pipeline.
func (s *MemoryStore) Seed(records ...*Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		cp := *r
		s.records = append(s.records, &cp)
	}
}

// Open waits for the sender's slot when serialize is set, giving up when ctx
// is done.
func (s *MemoryStore) Open(ctx context.Context, senderID string, serialize bool) (Session, error) {
	sess := &memorySession{store: s}
	if serialize {
		v, _ := s.senderLocks.LoadOrStore(senderID, make(chan struct{}, 1))
		slot := v.(chan struct{})
		select {
		case slot <- struct{}{}:
			sess.lock = slot
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return sess, nil
}

func (s *MemoryStore) ListBySender(_ context.Context, senderID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, r := range s.records {
		if r.SenderUserID == senderID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) ListFlagged(_ context.Context, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, r := range s.records {
		if r.IsFraud {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context, since time.Time) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &Stats{TotalUsers: len(s.accounts)}
	for _, r := range s.records {
		if r.Timestamp.Before(since) {
			continue
		}
		st.TransactionsToday++
		if r.IsFraud {
			st.FlaggedToday++
		}
	}
	st.FraudRate = fraudRate(st.FlaggedToday, st.TransactionsToday)
	return st, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func sortNewestFirst(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
}

func fraudRate(flagged, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(flagged) / float64(total)
}

var errSessionClosed = errors.New("risk: session closed")

// memorySession buffers its insert until Commit.
type memorySession struct {
	store   *MemoryStore
	lock    chan struct{}
	pending *Record
	closed  bool
}

func (m *memorySession) LookupSender(_ context.Context, userID string) (*Account, error) {
	m.store.mu.RLock()
	defer m.store.mu.RUnlock()
	a, ok := m.store.accounts[userID]
	if !ok {
		return nil, ErrSenderNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memorySession) Velocity(_ context.Context, senderID string, from, to time.Time) (Velocity, error) {
	m.store.mu.RLock()
	defer m.store.mu.RUnlock()

	v := Velocity{Sum: decimal.Zero}
	for _, r := range m.store.records {
		if r.SenderUserID != senderID || r.Status != StatusSuccess || !inWindow(r.Timestamp, from, to) {
			continue
		}
		v.Count++
		v.Sum = v.Sum.Add(r.Amount)
	}
	return v, nil
}

func (m *memorySession) HasPayee(_ context.Context, senderID, receiverAccount string) (bool, error) {
	m.store.mu.RLock()
	defer m.store.mu.RUnlock()
	for _, r := range m.store.records {
		if r.SenderUserID == senderID && r.ReceiverAccountNumber == receiverAccount {
			return true, nil
		}
	}
	return false, nil
}

func (m *memorySession) Insert(_ context.Context, rec *Record) error {
	if m.closed {
		return errSessionClosed
	}
	cp := *rec
	m.pending = &cp
	return nil
}

func (m *memorySession) Commit() error {
	if m.closed {
		return errSessionClosed
	}
	if m.pending != nil {
		m.store.mu.Lock()
		m.store.records = append(m.store.records, m.pending)
		m.store.mu.Unlock()
		m.pending = nil
	}
	return nil
}

func (m *memorySession) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.pending = nil
	if m.lock != nil {
		<-m.lock
	}
	return nil
}
