package models

import (
	"time"

	"gorm.io/datatypes"
)

// Notification kinds used by the sync engine. The set is open ended; these
// are the kinds the core reacts to.
const (
	NotificationAccessRequested = "access.requested"
	NotificationAccessApproved  = "access.approved"
	NotificationAccessDenied    = "access.denied"
	NotificationGeneric         = "generic.update"
)

// Notification represents an in-app notification for a user.
//
// Processed is distinct from IsRead: it records that an actionable item
// (an access request) already received a terminal decision, so the owner
// UI can stop rendering accept/decline affordances.
type Notification struct {
	BaseModel

	UserID   string         `gorm:"type:uuid;index;not null" json:"user_id"`
	Kind     string         `gorm:"type:varchar(64);not null" json:"kind"`
	Title    string         `gorm:"type:varchar(255);not null" json:"title"`
	Message  string         `gorm:"type:text" json:"message"`
	Metadata datatypes.JSON `json:"metadata"`

	IsRead    bool       `gorm:"default:false;index" json:"is_read"`
	Processed bool       `gorm:"default:false" json:"processed"`
	ReadAt    *time.Time `json:"read_at"`
}
