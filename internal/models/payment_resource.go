package models

import "time"

// Payment resource statuses mirrored to clients through payment.updated events.
const (
	PaymentPending    = "PENDING"
	PaymentProcessing = "PROCESSING"
	PaymentSuccess    = "SUCCESS"
	PaymentFailed     = "FAILED"
	PaymentCancelled  = "CANCELLED"
)

// PaymentResource is the remote side of a payment attempt: the appointment
// (or similar billable resource) created when the user confirms a purchase.
//
// CorrelationID is the client-known prefix plus a server random suffix, so
// clients match gateway confirmations by prefix only.
type PaymentResource struct {
	BaseModel

	UserID        string  `gorm:"type:uuid;index;not null" json:"user_id"`
	CorrelationID string  `gorm:"uniqueIndex;size:128;not null" json:"correlation_id"`
	Amount        float64 `gorm:"not null" json:"amount"`
	Currency      string  `gorm:"size:8;not null" json:"currency"`
	Status        string  `gorm:"type:varchar(16);not null;default:'PENDING'" json:"status"`
	Description   string  `gorm:"type:text" json:"description"`
	RedirectURL   string  `gorm:"type:text" json:"redirect_url"`
	Receipt       string  `gorm:"size:128" json:"receipt"`
	FailureCode   string  `gorm:"size:64" json:"failure_code"`

	SettledAt *time.Time `json:"settled_at"`
}

// Settled reports whether the payment reached a terminal state.
func (p *PaymentResource) Settled() bool {
	switch p.Status {
	case PaymentSuccess, PaymentFailed, PaymentCancelled:
		return true
	}
	return false
}
