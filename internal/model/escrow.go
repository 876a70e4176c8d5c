package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultEscrowDuration is how long a teacher has to decide.
const DefaultEscrowDuration = 7 * 24 * time.Hour

// EscrowStatus is one-way: pending moves to exactly one terminal state.
type EscrowStatus int8

const (
	EscrowStatusPending  EscrowStatus = 0
	EscrowStatusAccepted EscrowStatus = 1
	EscrowStatusRejected EscrowStatus = 2
	EscrowStatusExpired  EscrowStatus = 3
)

func (s EscrowStatus) String() string {
	switch s {
	case EscrowStatusPending:
		return "pending"
	case EscrowStatusAccepted:
		return "accepted"
	case EscrowStatusRejected:
		return "rejected"
	case EscrowStatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ParseEscrowStatus accepts the names produced by String.
func ParseEscrowStatus(s string) (EscrowStatus, bool) {
	for _, st := range []EscrowStatus{EscrowStatusPending, EscrowStatusAccepted, EscrowStatusRejected, EscrowStatusExpired} {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// IsTerminal reports whether no further transition is possible.
func (s EscrowStatus) IsTerminal() bool {
	return s != EscrowStatusPending
}

// Escrow is a student's TEO discount awaiting the teacher's decision.
type Escrow struct {
	ID                 string          `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	StudentID          string          `gorm:"column:student_id;type:varchar(64);not null" json:"student_id"`
	StudentWallet      string          `gorm:"column:student_wallet;type:varchar(42)" json:"student_wallet"`
	TeacherID          string          `gorm:"column:teacher_id;type:varchar(64);index:idx_escrow_teacher_status,priority:1;not null" json:"teacher_id"`
	TeacherWallet      string          `gorm:"column:teacher_wallet;type:varchar(42)" json:"teacher_wallet"`
	CourseID           string          `gorm:"column:course_id;type:varchar(64);not null" json:"course_id"`
	TeocoinAmount      decimal.Decimal `gorm:"column:teocoin_amount;type:decimal(36,18);not null" json:"teocoin_amount"`
	DiscountPercentage decimal.Decimal `gorm:"column:discount_percentage;type:decimal(5,2);not null" json:"discount_percentage"`
	DiscountEuroAmount decimal.Decimal `gorm:"column:discount_euro_amount;type:decimal(12,2);not null" json:"discount_euro_amount"`
	OriginalPrice      decimal.Decimal `gorm:"column:original_price;type:decimal(12,2);not null" json:"original_price"`
	CommissionRate     decimal.Decimal `gorm:"column:commission_rate;type:decimal(20,18);not null" json:"commission_rate"`
	StandardCommission decimal.Decimal `gorm:"column:standard_commission;type:decimal(12,2);not null" json:"standard_commission"`
	ReducedCommission  decimal.Decimal `gorm:"column:reduced_commission;type:decimal(12,2);not null" json:"reduced_commission"`
	Status             EscrowStatus    `gorm:"column:status;type:smallint;index:idx_escrow_teacher_status,priority:2;index:idx_escrow_status_expiry,priority:1;not null;default:0" json:"status"`
	ExpiresAt          int64           `gorm:"column:expires_at;type:bigint;index:idx_escrow_status_expiry,priority:2;not null" json:"expires_at"`
	TeacherDecisionAt  int64           `gorm:"column:teacher_decision_at;type:bigint" json:"teacher_decision_at"`
	DecisionNotes      string          `gorm:"column:decision_notes;type:text" json:"decision_notes"`
	EscrowTxHash       string          `gorm:"column:escrow_tx_hash;type:varchar(66)" json:"escrow_tx_hash"`
	ReleaseTxHash      string          `gorm:"column:release_tx_hash;type:varchar(66)" json:"release_tx_hash"`
	CreatedAt          int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt          int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName returns the table name.
func (Escrow) TableName() string {
	return "teo_escrows"
}

// IsExpiredAt reports whether the decision window closed before now.
// Expiry is derived from the clock, so a pending row past its deadline is
// expired even if the sweep has not run.
func (e *Escrow) IsExpiredAt(now time.Time) bool {
	return now.UnixMilli() > e.ExpiresAt
}

// DiscountedPrice is the EUR amount the student actually pays.
func (e *Escrow) DiscountedPrice() decimal.Decimal {
	return e.OriginalPrice.Sub(e.DiscountEuroAmount)
}

// TeacherEuroIfAccepted is the EUR payout when the teacher takes the TEO.
func (e *Escrow) TeacherEuroIfAccepted() decimal.Decimal {
	return e.DiscountedPrice().Sub(e.ReducedCommission)
}

// TeacherEuroIfRejected is the EUR payout under the standard commission.
func (e *Escrow) TeacherEuroIfRejected() decimal.Decimal {
	return e.OriginalPrice.Sub(e.StandardCommission)
}

// EscrowQuote holds the EUR figures derived at creation.
type EscrowQuote struct {
	DiscountEuroAmount decimal.Decimal
	StandardCommission decimal.Decimal
	ReducedCommission  decimal.Decimal
}

// QuoteEscrow computes the discount and both commission options.
// EUR values are rounded to cents.
func QuoteEscrow(originalPrice, discountPct, commissionRate decimal.Decimal) EscrowQuote {
	discount := originalPrice.Mul(discountPct).Div(decimal.NewFromInt(100)).Round(2)
	return EscrowQuote{
		DiscountEuroAmount: discount,
		StandardCommission: originalPrice.Mul(commissionRate).Round(2),
		ReducedCommission:  originalPrice.Sub(discount).Mul(commissionRate).Round(2),
	}
}

// EscrowStats aggregates one teacher's escrow history.
type EscrowStats struct {
	Total          int64           `json:"total"`
	Pending        int64           `json:"pending"`
	Accepted       int64           `json:"accepted"`
	Rejected       int64           `json:"rejected"`
	Expired        int64           `json:"expired"`
	AcceptanceRate decimal.Decimal `json:"acceptance_rate"`
	TotalTeoEarned decimal.Decimal `json:"total_teo_earned"`
}
