package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"ringlink/internal/usage"
	"ringlink/pkg/utils"
)

// PostgresStore persists sessions in the sessions table.
//
// Schema assumptions:
// - sessions(id PK, caller_id, room_name, call_type, participant_ids TEXT (JSON array),
//   status, started_at, ended_at NULL, duration_minutes NULL, media_provider_verified)
// - partial unique index on room_name WHERE status = 'active'
// - usage_records with UNIQUE (session_id, device_id)
//
// Terminal transitions are compare-and-swap on status = 'active' so that
// concurrent end+cancel races resolve to exactly one winner.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

const sessionColumns = `id, caller_id, room_name, call_type, participant_ids, status, started_at, ended_at, duration_minutes, media_provider_verified`

func (s *PostgresStore) Create(ctx context.Context, c CallSession) error {
	participants, err := json.Marshal(c.ParticipantIDs)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO sessions (` + sessionColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`
	_, err = s.db.ExecContext(ctx, q,
		c.ID,
		c.CallerID,
		c.RoomName,
		c.CallType,
		string(participants),
		c.Status,
		c.StartedAt,
		c.EndedAt,
		c.DurationMinutes,
		c.MediaProviderVerified,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (CallSession, error) {
	const q = `
SELECT ` + sessionColumns + `
FROM sessions
WHERE id = $1
`
	return scanSession(s.db.QueryRowContext(ctx, q, id))
}

func (s *PostgresStore) GetByRoom(ctx context.Context, roomName string) (CallSession, error) {
	const q = `
SELECT ` + sessionColumns + `
FROM sessions
WHERE room_name = $1
ORDER BY started_at DESC
LIMIT 1
`
	return scanSession(s.db.QueryRowContext(ctx, q, roomName))
}

func (s *PostgresStore) End(ctx context.Context, id string, endedAt time.Time, minutes int) (CallSession, bool, error) {
	var out CallSession
	transitioned := false

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const cas = `
UPDATE sessions
SET status = 'ended', ended_at = $2, duration_minutes = $3
WHERE id = $1 AND status = 'active'
RETURNING ` + sessionColumns + `
`
		c, err := scanSession(tx.QueryRowContext(ctx, cas, id, endedAt, minutes))
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			// Lost the race or unknown id: read the stored row as-is.
			const get = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
			c, err = scanSession(tx.QueryRowContext(ctx, get, id))
			if err != nil {
				return err
			}
			out = c
			return nil
		}

		// Winner of the CAS bills every participant in the same transaction.
		if err := usage.InsertTx(ctx, tx, usageFanOut(c, minutes, endedAt)); err != nil {
			return err
		}
		out = c
		transitioned = true
		return nil
	})
	if err != nil {
		return CallSession{}, false, err
	}
	return out, transitioned, nil
}

func (s *PostgresStore) Cancel(ctx context.Context, id string, cancelledAt time.Time) (CallSession, bool, error) {
	const cas = `
UPDATE sessions
SET status = 'cancelled', ended_at = $2
WHERE id = $1 AND status = 'active'
RETURNING ` + sessionColumns + `
`
	c, err := scanSession(s.db.QueryRowContext(ctx, cas, id, cancelledAt))
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return CallSession{}, false, err
	}
	const get = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	c, err = scanSession(s.db.QueryRowContext(ctx, get, id))
	if err != nil {
		return CallSession{}, false, err
	}
	return c, false, nil
}

func (s *PostgresStore) ListActiveToTarget(ctx context.Context, targetID, excludeCallerID string, notBefore, notAfter time.Time) ([]CallSession, error) {
	// Device ids are uuids, so substring matching on the JSON blob and the
	// room name cannot produce false positives.
	const q = `
SELECT ` + sessionColumns + `
FROM sessions
WHERE status = 'active'
  AND ended_at IS NULL
  AND started_at >= $2 AND started_at <= $3
  AND (participant_ids LIKE '%' || $1 || '%' OR room_name LIKE '%' || $1 || '%')
  AND ($4 = '' OR caller_id <> $4)
ORDER BY started_at DESC
`
	rows, err := s.db.QueryContext(ctx, q, targetID, notBefore, notAfter, excludeCallerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]CallSession, 0)
	for rows.Next() {
		c, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (CallSession, error) {
	var c CallSession
	var participants string
	var endedAt sql.NullTime
	var minutes sql.NullInt64
	err := row.Scan(
		&c.ID,
		&c.CallerID,
		&c.RoomName,
		&c.CallType,
		&participants,
		&c.Status,
		&c.StartedAt,
		&endedAt,
		&minutes,
		&c.MediaProviderVerified,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallSession{}, ErrNotFound
		}
		return CallSession{}, err
	}
	if err := json.Unmarshal([]byte(participants), &c.ParticipantIDs); err != nil {
		return CallSession{}, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		c.EndedAt = &t
	}
	if minutes.Valid {
		m := int(minutes.Int64)
		c.DurationMinutes = &m
	}
	return c, nil
}
