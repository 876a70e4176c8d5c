package model

import "github.com/shopspring/decimal"

// PaymentMode selects who signs the transfer legs.
type PaymentMode int8

const (
	// PaymentModeDirect: the student signs both transfers in an external
	// wallet and pays gas; the platform verifies.
	PaymentModeDirect PaymentMode = 1
	// PaymentModeSponsored: the hot wallet submits transferFrom against the
	// student's allowance and pays gas.
	PaymentModeSponsored PaymentMode = 2
)

func (m PaymentMode) String() string {
	switch m {
	case PaymentModeDirect:
		return "direct"
	case PaymentModeSponsored:
		return "sponsored"
	default:
		return "unknown"
	}
}

// ParsePaymentMode accepts the names produced by String.
func ParsePaymentMode(s string) (PaymentMode, bool) {
	switch s {
	case "direct":
		return PaymentModeDirect, true
	case "sponsored":
		return PaymentModeSponsored, true
	default:
		return 0, false
	}
}

// SplitPaymentStatus is the settlement outcome of a purchase.
type SplitPaymentStatus int8

const (
	SplitPaymentStatusPending          SplitPaymentStatus = 0 // created, nothing broadcast
	SplitPaymentStatusSubmitted        SplitPaymentStatus = 1 // broadcast, awaiting receipts
	SplitPaymentStatusSettled          SplitPaymentStatus = 2 // both legs confirmed
	SplitPaymentStatusPartiallySettled SplitPaymentStatus = 3 // teacher leg confirmed, commission leg failed
	SplitPaymentStatusFailed           SplitPaymentStatus = 4 // no leg moved funds
)

func (s SplitPaymentStatus) String() string {
	switch s {
	case SplitPaymentStatusPending:
		return "pending"
	case SplitPaymentStatusSubmitted:
		return "submitted"
	case SplitPaymentStatusSettled:
		return "settled"
	case SplitPaymentStatusPartiallySettled:
		return "partially_settled"
	case SplitPaymentStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the payment is final. A failed payment may
// still be retried under the same purchase id, so only settled and
// partially settled count.
func (s SplitPaymentStatus) IsTerminal() bool {
	return s == SplitPaymentStatusSettled || s == SplitPaymentStatusPartiallySettled
}

// SplitPayment is the settlement of one course purchase.
// TeacherAmount + CommissionAmount == Amount always holds.
type SplitPayment struct {
	ID               int64              `gorm:"primaryKey;autoIncrement" json:"id"`
	PurchaseID       string             `gorm:"column:purchase_id;type:varchar(64);uniqueIndex;not null" json:"purchase_id"`
	Mode             PaymentMode        `gorm:"column:mode;type:smallint;not null" json:"mode"`
	StudentAddress   string             `gorm:"column:student_address;type:varchar(42);index;not null" json:"student_address"`
	TeacherAddress   string             `gorm:"column:teacher_address;type:varchar(42);index;not null" json:"teacher_address"`
	RewardPool       string             `gorm:"column:reward_pool;type:varchar(42);not null" json:"reward_pool"`
	Amount           decimal.Decimal    `gorm:"column:amount;type:decimal(36,18);not null" json:"amount"`
	CommissionRate   decimal.Decimal    `gorm:"column:commission_rate;type:decimal(20,18);not null" json:"commission_rate"`
	TeacherAmount    decimal.Decimal    `gorm:"column:teacher_amount;type:decimal(36,18);not null" json:"teacher_amount"`
	CommissionAmount decimal.Decimal    `gorm:"column:commission_amount;type:decimal(36,18);not null" json:"commission_amount"`
	Status           SplitPaymentStatus `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	TeacherTxHash    string             `gorm:"column:teacher_tx_hash;type:varchar(66)" json:"teacher_tx_hash"`
	CommissionTxHash string             `gorm:"column:commission_tx_hash;type:varchar(66)" json:"commission_tx_hash"`
	FailedLeg        int                `gorm:"column:failed_leg;type:int;not null;default:0" json:"failed_leg,omitempty"`
	LastError        string             `gorm:"column:last_error;type:varchar(500)" json:"last_error,omitempty"`
	LastGasPrice     decimal.Decimal    `gorm:"column:last_gas_price;type:decimal(36,0)" json:"last_gas_price"`
	SettledAt        int64              `gorm:"column:settled_at;type:bigint" json:"settled_at"`
	CreatedAt        int64              `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt        int64              `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName returns the table name.
func (SplitPayment) TableName() string {
	return "teo_split_payments"
}

// RateDecimals is the most fractional digits a commission rate may carry;
// the commission_rate columns store exactly this many.
const RateDecimals = 18

// ComputeSplit splits amount by rate. The commission is rounded half-up to
// token precision and the teacher share is the exact remainder, so the two
// parts always sum to amount.
func ComputeSplit(amount, rate decimal.Decimal) (teacherAmount, commission decimal.Decimal) {
	commission = amount.Mul(rate).Round(TokenDecimals)
	teacherAmount = amount.Sub(commission)
	return teacherAmount, commission
}
