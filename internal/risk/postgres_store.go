package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PostgresStore reads and appends transactions in PostgreSQL. The schema is
// owned by the migrations, never by the pipeline.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `txn_id, sender_user_id, receiver_account_number, receiver_name, amount,
	currency, description, channel, authorization_method, is_international, timestamp,
	txn_hour, txn_day_of_week, ip_address, device_fingerprint, is_new_payee,
	txn_count_last_24h, sum_amount_last_24h, is_fraud, status`

// queryer is satisfied by both *sql.Conn and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open pins one pooled connection for the evaluation. With serialize set it
// also opens a transaction and takes a transaction-scoped advisory lock on
// the sender, released at commit or rollback.
func (s *PostgresStore) Open(ctx context.Context, senderID string, serialize bool) (Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	sess := &pgSession{conn: conn, q: conn}
	if !serialize {
		return sess, nil
	}

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, senderID); err != nil {
		_ = tx.Rollback()
		_ = conn.Close()
		return nil, fmt.Errorf("lock sender: %w", err)
	}
	sess.tx = tx
	sess.q = tx
	return sess, nil
}

func (s *PostgresStore) ListBySender(ctx context.Context, senderID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM transactions
		WHERE sender_user_id = $1
		ORDER BY timestamp DESC
	`, senderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return scanRecords(rows)
}

func (s *PostgresStore) ListFlagged(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM transactions
		WHERE is_fraud
		ORDER BY timestamp DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list flagged transactions: %w", err)
	}
	return scanRecords(rows)
}

func (s *PostgresStore) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	st := &Stats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			COUNT(*),
			COUNT(*) FILTER (WHERE is_fraud)
		FROM transactions
		WHERE timestamp >= $1
	`, since).Scan(&st.TotalUsers, &st.TransactionsToday, &st.FlaggedToday)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	st.FraudRate = fraudRate(st.FlaggedToday, st.TransactionsToday)
	return st, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc rowScanner) (*Record, error) {
	var (
		r            Record
		receiverName sql.NullString
		description  sql.NullString
		ip           sql.NullString
		fingerprint  sql.NullString
		status       string
	)
	err := sc.Scan(
		&r.TxnID, &r.SenderUserID, &r.ReceiverAccountNumber, &receiverName, &r.Amount,
		&r.Currency, &description, &r.Channel, &r.AuthorizationMethod, &r.IsInternational, &r.Timestamp,
		&r.TxnHour, &r.TxnDayOfWeek, &ip, &fingerprint, &r.IsNewPayee,
		&r.TxnCountLast24h, &r.SumAmountLast24h, &r.IsFraud, &status,
	)
	if err != nil {
		return nil, err
	}
	if receiverName.Valid {
		r.ReceiverName = &receiverName.String
	}
	if description.Valid {
		r.Description = &description.String
	}
	r.IPAddress = ip.String
	r.DeviceFingerprint = fingerprint.String
	r.Status = Status(status)
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return result, nil
}

type pgSession struct {
	conn *sql.Conn
	tx   *sql.Tx
	q    queryer
	done bool
}

func (p *pgSession) LookupSender(ctx context.Context, userID string) (*Account, error) {
	var a Account
	err := p.q.QueryRowContext(ctx, `
		SELECT user_id, full_name, account_number, email
		FROM users
		WHERE user_id = $1
	`, userID).Scan(&a.UserID, &a.FullName, &a.AccountNumber, &a.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSenderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up sender: %w", err)
	}
	return &a, nil
}

func (p *pgSession) Velocity(ctx context.Context, senderID string, from, to time.Time) (Velocity, error) {
	v := Velocity{Sum: decimal.Zero}
	err := p.q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE sender_user_id = $1
		  AND status = 'Success'
		  AND timestamp >= $2
		  AND timestamp <= $3
	`, senderID, from, to).Scan(&v.Count, &v.Sum)
	if err != nil {
		return Velocity{}, fmt.Errorf("failed to aggregate velocity: %w", err)
	}
	return v, nil
}

func (p *pgSession) HasPayee(ctx context.Context, senderID, receiverAccount string) (bool, error) {
	var seen bool
	err := p.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE sender_user_id = $1 AND receiver_account_number = $2
		)
	`, senderID, receiverAccount).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("failed to check payee history: %w", err)
	}
	return seen, nil
}

func (p *pgSession) Insert(ctx context.Context, r *Record) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO transactions (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`,
		r.TxnID, r.SenderUserID, r.ReceiverAccountNumber, nullable(r.ReceiverName), r.Amount,
		r.Currency, nullable(r.Description), r.Channel, r.AuthorizationMethod, r.IsInternational, r.Timestamp,
		r.TxnHour, r.TxnDayOfWeek, r.IPAddress, r.DeviceFingerprint, r.IsNewPayee,
		r.TxnCountLast24h, r.SumAmountLast24h, r.IsFraud, string(r.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

func (p *pgSession) Commit() error {
	if p.tx == nil {
		return nil
	}
	if err := p.tx.Commit(); err != nil {
		return err
	}
	p.done = true
	return nil
}

// Close rolls back an uncommitted transaction and returns the connection
// to the pool.
func (p *pgSession) Close() error {
	var err error
	if p.tx != nil && !p.done {
		err = p.tx.Rollback()
		p.done = true
	}
	if cerr := p.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
