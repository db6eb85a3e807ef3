package models

// AdminUser is a back-office operator allowed to issue links and move money.
type AdminUser struct {
	BaseModel
	Email        string `gorm:"uniqueIndex" json:"email"`
	DisplayName  string `json:"display_name"`
	PasswordHash string `json:"-"`
	Active       bool   `gorm:"not null" json:"active"`
}
