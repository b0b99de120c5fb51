package usage

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

var ErrInvalidRange = errors.New("usage: invalid time range")

// Appender receives usage records. The session store calls it when a session
// reaches the ended state; implementations must tolerate replays of the same
// (session_id, device_id) pair without duplicating.
type Appender interface {
	Append(ctx context.Context, recs []Record) error
}

// Ledger is the read side used for quota accounting.
type Ledger interface {
	Appender
	SummaryForDevice(ctx context.Context, deviceID string, from, to time.Time) (Summary, error)
}

// InsertTx appends records inside an existing transaction. ON CONFLICT keeps
// the fan-out idempotent when an end is retried after a partial failure.
func InsertTx(ctx context.Context, tx *sql.Tx, recs []Record) error {
	const q = `
INSERT INTO usage_records (id, session_id, device_id, minutes, created_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (session_id, device_id) DO NOTHING
`
	for _, r := range recs {
		if _, err := tx.ExecContext(ctx, q, r.ID, r.SessionID, r.DeviceID, r.Minutes, r.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

// PostgresLedger reads and writes usage_records through database/sql.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger { return &PostgresLedger{db: db} }

func (l *PostgresLedger) Append(ctx context.Context, recs []Record) error {
	const q = `
INSERT INTO usage_records (id, session_id, device_id, minutes, created_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (session_id, device_id) DO NOTHING
`
	for _, r := range recs {
		if _, err := l.db.ExecContext(ctx, q, r.ID, r.SessionID, r.DeviceID, r.Minutes, r.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (l *PostgresLedger) SummaryForDevice(ctx context.Context, deviceID string, from, to time.Time) (Summary, error) {
	if deviceID == "" || from.IsZero() || to.IsZero() || !to.After(from) {
		return Summary{}, ErrInvalidRange
	}
	const q = `
SELECT COALESCE(SUM(minutes), 0), COUNT(*)
FROM usage_records
WHERE device_id = $1 AND created_at >= $2 AND created_at < $3
`
	out := Summary{DeviceID: deviceID, From: from, To: to}
	if err := l.db.QueryRowContext(ctx, q, deviceID, from, to).Scan(&out.TotalMinutes, &out.Calls); err != nil {
		return Summary{}, err
	}
	return out, nil
}

// MemoryLedger is an in-memory ledger for tests and early development.
type MemoryLedger struct {
	mu   sync.Mutex
	recs []Record
	seen map[string]struct{} // session_id|device_id
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: map[string]struct{}{}}
}

func (l *MemoryLedger) Append(ctx context.Context, recs []Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range recs {
		key := r.SessionID + "|" + r.DeviceID
		if _, dup := l.seen[key]; dup {
			continue
		}
		l.seen[key] = struct{}{}
		l.recs = append(l.recs, r)
	}
	return nil
}

func (l *MemoryLedger) SummaryForDevice(ctx context.Context, deviceID string, from, to time.Time) (Summary, error) {
	if deviceID == "" || from.IsZero() || to.IsZero() || !to.After(from) {
		return Summary{}, ErrInvalidRange
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := Summary{DeviceID: deviceID, From: from, To: to}
	for _, r := range l.recs {
		if r.DeviceID != deviceID {
			continue
		}
		if r.CreatedAt.Before(from) || !r.CreatedAt.Before(to) {
			continue
		}
		out.TotalMinutes += r.Minutes
		out.Calls++
	}
	return out, nil
}

// Records returns a copy of everything appended so far.
func (l *MemoryLedger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.recs))
	copy(out, l.recs)
	return out
}
