package models

import "time"

// Access request statuses. PENDING is the only non-terminal stored state;
// "no request" is represented by the absence of a row.
const (
	AccessRequestPending  = "PENDING"
	AccessRequestApproved = "APPROVED"
	AccessRequestDenied   = "DENIED"
)

// AccessRequest captures a requester asking the owner for access to one of
// the owner's resources (a patient record).
type AccessRequest struct {
	BaseModel

	RequesterID string `gorm:"type:uuid;index;not null" json:"requester_id"`
	OwnerID     string `gorm:"type:uuid;index;not null" json:"owner_id"`
	ResourceID  string `gorm:"type:uuid;index;not null" json:"resource_id"`
	Status      string `gorm:"type:varchar(16);not null;default:'PENDING'" json:"status"`
	Reason      string `gorm:"type:text" json:"reason"`

	RespondedAt *time.Time `json:"responded_at"`
	ExpiresAt   *time.Time `gorm:"index" json:"expires_at"`
}

// Terminal reports whether the request already received a decision.
func (r *AccessRequest) Terminal() bool {
	return r.Status == AccessRequestApproved || r.Status == AccessRequestDenied
}
