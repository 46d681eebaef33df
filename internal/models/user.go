package models

// User represents a platform account. Both parties of the access workflow
// (requester and owner) are plain users; the role only matters per request.
type User struct {
	BaseModel

	Username    string `gorm:"uniqueIndex;size:64;not null" json:"username"`
	Email       string `gorm:"uniqueIndex;size:255;not null" json:"email"`
	Password    string `gorm:"size:255;not null" json:"-"`
	DisplayName string `gorm:"size:128" json:"display_name"`
	Role        string `gorm:"size:32;default:'patient'" json:"role"`
	IsActive    bool   `gorm:"default:true" json:"is_active"`
}
