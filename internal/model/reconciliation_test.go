package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReconciliationRecord_TableName(t *testing.T) {
	assert.Equal(t, "teo_reconciliation_records", ReconciliationRecord{}.TableName())
}

func TestReconciliationRecord_HasDiscrepancy(t *testing.T) {
	tests := []struct {
		name     string
		record   ReconciliationRecord
		expected bool
	}{
		{"clean pass", ReconciliationRecord{Checked: 4, Confirmed: 3, StillPending: 1}, false},
		{"failed leg", ReconciliationRecord{Checked: 2, Confirmed: 1, Failed: 1}, true},
		{"dropped tx", ReconciliationRecord{Checked: 1, Dropped: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.record.HasDiscrepancy())
		})
	}
}

func TestParseReconciliationStatus(t *testing.T) {
	st, ok := ParseReconciliationStatus("discrepancy")
	assert.True(t, ok)
	assert.Equal(t, ReconciliationStatusDiscrepancy, st)

	_, ok = ParseReconciliationStatus("pending")
	assert.False(t, ok)
}
