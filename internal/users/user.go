package users

import (
	"strings"
	"time"
)

// User is the Users collection record created on first sign-in.
type User struct {
	ID          string    `gorm:"column:user_id;primaryKey;size:190;not null" json:"id"`
	Email       string    `gorm:"column:user_email;size:320" json:"email"`
	DisplayName string    `gorm:"column:user_display_name;size:320" json:"display_name"`
	CreatedAt   time.Time `gorm:"column:created_at;not null" json:"created_at"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;not null" json:"last_seen_at"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// Profile is the verified identity presented at sign-in.
type Profile struct {
	Subject     string
	Email       string
	DisplayName string
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
