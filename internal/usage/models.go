package usage

import "time"

// Record is one participant's share of an ended call, used for quota
// accounting.
//
// Invariants:
// - Records are append-only; no Update/Delete is provided.
// - (session_id, device_id) is unique. Ending a session fans out exactly one
//   record per participant, and a retried end never produces a second set.
//
// Storage (Postgres): table usage_records with
// UNIQUE (session_id, device_id).

type Record struct {
	ID        string    `json:"id" db:"id"`
	SessionID string    `json:"session_id" db:"session_id"`
	DeviceID  string    `json:"device_id" db:"device_id"`
	Minutes   int       `json:"minutes" db:"minutes"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Summary aggregates a device's usage over a time range.
type Summary struct {
	DeviceID     string    `json:"device_id"`
	TotalMinutes int       `json:"total_minutes"`
	Calls        int       `json:"calls"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
}
