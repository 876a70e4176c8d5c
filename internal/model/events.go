package model

import "github.com/shopspring/decimal"

// PurchaseRequest asks for one course purchase to be settled. It arrives
// over HTTP or from the purchase-requests topic.
type PurchaseRequest struct {
	PurchaseID       string           `json:"purchase_id"`
	StudentAddress   string           `json:"student_address"`
	TeacherAddress   string           `json:"teacher_address"`
	TeacherID        string           `json:"teacher_id,omitempty"`
	Amount           decimal.Decimal  `json:"amount"`
	CommissionRate   *decimal.Decimal `json:"commission_rate,omitempty"`
	Mode             string           `json:"mode"`
	TeacherTxHash    string           `json:"teacher_tx_hash,omitempty"`
	CommissionTxHash string           `json:"commission_tx_hash,omitempty"`
}

// EscrowRequest asks for a discount escrow to be opened.
type EscrowRequest struct {
	StudentID          string          `json:"student_id"`
	StudentWallet      string          `json:"student_wallet"`
	TeacherID          string          `json:"teacher_id"`
	TeacherWallet      string          `json:"teacher_wallet"`
	CourseID           string          `json:"course_id"`
	TeocoinAmount      decimal.Decimal `json:"teocoin_amount"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	OriginalPrice      decimal.Decimal `json:"original_price"`
	EscrowTxHash       string          `json:"escrow_tx_hash,omitempty"`
}

// PaymentSettledEvent is published after every settlement outcome.
type PaymentSettledEvent struct {
	PurchaseID       string          `json:"purchase_id"`
	Mode             string          `json:"mode"`
	Status           string          `json:"status"`
	StudentAddress   string          `json:"student_address"`
	TeacherAddress   string          `json:"teacher_address"`
	Amount           decimal.Decimal `json:"amount"`
	TeacherAmount    decimal.Decimal `json:"teacher_amount"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	TeacherTxHash    string          `json:"teacher_tx_hash,omitempty"`
	CommissionTxHash string          `json:"commission_tx_hash,omitempty"`
	FailedLeg        int             `json:"failed_leg,omitempty"`
	Error            string          `json:"error,omitempty"`
	Timestamp        int64           `json:"timestamp"`
}

// EscrowEvent is published on every escrow transition.
type EscrowEvent struct {
	EscrowID      string          `json:"escrow_id"`
	Status        string          `json:"status"`
	StudentID     string          `json:"student_id"`
	TeacherID     string          `json:"teacher_id"`
	CourseID      string          `json:"course_id"`
	TeocoinAmount decimal.Decimal `json:"teocoin_amount"`
	ReleaseTxHash string          `json:"release_tx_hash,omitempty"`
	Timestamp     int64           `json:"timestamp"`
}

// Notification templates.
const (
	NotifyEscrowCreated        = "teocoin_discount_pending"
	NotifyEscrowAccepted       = "teocoin_discount_accepted"
	NotifyEscrowRejected       = "teocoin_discount_rejected"
	NotifyEscrowExpiredTeacher = "teocoin_discount_expired_teacher"
	NotifyEscrowExpiredStudent = "teocoin_discount_expired_student"
	NotifyPaymentPartial       = "teocoin_payment_partial"
)

// Notification is handed to the notification service.
type Notification struct {
	UserID    string            `json:"user_id"`
	Template  string            `json:"template"`
	Payload   map[string]string `json:"payload"`
	Timestamp int64             `json:"timestamp"`
}
