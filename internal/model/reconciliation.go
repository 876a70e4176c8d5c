package model

import "strings"

// ReconciliationStatus is the review state of one reconciliation pass.
type ReconciliationStatus string

const (
	ReconciliationStatusOK          ReconciliationStatus = "OK"
	ReconciliationStatusDiscrepancy ReconciliationStatus = "DISCREPANCY" // failed or dropped entries need review
	ReconciliationStatusResolved    ReconciliationStatus = "RESOLVED"
	ReconciliationStatusIgnored     ReconciliationStatus = "IGNORED"
)

// ParseReconciliationStatus accepts the status in any case.
func ParseReconciliationStatus(s string) (ReconciliationStatus, bool) {
	switch st := ReconciliationStatus(strings.ToUpper(s)); st {
	case ReconciliationStatusOK, ReconciliationStatusDiscrepancy,
		ReconciliationStatusResolved, ReconciliationStatusIgnored:
		return st, true
	}
	return "", false
}

// Reconciliation pass triggers.
const (
	ReconcileTriggerScheduler = "scheduler"
	ReconcileTriggerManual    = "manual"
)

// ReconciliationRecord is the persisted outcome of one pass over the
// pending ledger entries.
type ReconciliationRecord struct {
	ID               int64                `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID           string               `gorm:"column:task_id;type:varchar(36);index" json:"task_id,omitempty"`
	Trigger          string               `gorm:"column:trigger_source;type:varchar(20);not null" json:"trigger"`
	Checked          int                  `gorm:"column:checked;not null" json:"checked"`
	Confirmed        int                  `gorm:"column:confirmed;not null" json:"confirmed"`
	Failed           int                  `gorm:"column:failed;not null" json:"failed"`
	Dropped          int                  `gorm:"column:dropped;not null" json:"dropped"`
	StillPending     int                  `gorm:"column:still_pending;not null" json:"still_pending"`
	PaymentsUpdated  int                  `gorm:"column:payments_updated;not null" json:"payments_updated"`
	EscrowsCompleted int                  `gorm:"column:escrows_completed;not null" json:"escrows_completed"`
	Status           ReconciliationStatus `gorm:"column:status;type:varchar(20);index;not null" json:"status"`
	Resolution       string               `gorm:"column:resolution;type:varchar(500)" json:"resolution,omitempty"`
	ResolvedBy       string               `gorm:"column:resolved_by;type:varchar(64)" json:"resolved_by,omitempty"`
	ResolvedAt       int64                `gorm:"column:resolved_at;type:bigint" json:"resolved_at,omitempty"`
	CheckedAt        int64                `gorm:"column:checked_at;type:bigint;index;not null" json:"checked_at"`
	CreatedAt        int64                `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

func (ReconciliationRecord) TableName() string {
	return "teo_reconciliation_records"
}

// HasDiscrepancy reports whether the pass failed or dropped any entry.
func (r *ReconciliationRecord) HasDiscrepancy() bool {
	return r.Failed > 0 || r.Dropped > 0
}
