package models

import "time"

// PendingOp is an operation waiting in a device's operation log.
// Seq is the insertion order assigned by the log.
type PendingOp struct {
	Seq        int64     `db:"seq" json:"seq"`
	Operation  Operation `db:"-" json:"operation"`
	EnqueuedAt time.Time `db:"enqueued_at" json:"enqueued_at"`
}

// TableName returns the table name for PendingOp.
func (PendingOp) TableName() string {
	return "pending_ops"
}
