package models

import "time"

// ConflictLog records a reconciliation that overwrote divergent local values.
type ConflictLog struct {
	ID              int64     `db:"id" json:"id"`
	ItemID          string    `db:"item_id" json:"item_id"`
	Fields          []string  `db:"fields" json:"fields"`
	LocalUpdatedAt  time.Time `db:"local_updated_at" json:"local_updated_at"`
	RemoteUpdatedAt time.Time `db:"remote_updated_at" json:"remote_updated_at"`
	Resolution      string    `db:"resolution" json:"resolution"` // remote_wins
	DetectedAt      time.Time `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}
