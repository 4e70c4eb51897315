package models

import (
	"time"
)

// User is the thin identity surface the pipeline protects. Password and token
// issuance mechanics live in the identity layer; the pipeline only needs the
// lock state and ownership of sessions.
type User struct {
	ID          uint       `json:"id" gorm:"primaryKey"`
	UUID        string     `json:"uuid" gorm:"uniqueIndex"`
	Email       string     `json:"email" gorm:"uniqueIndex"`
	Password    string     `json:"-"` // bcrypt hash
	Enabled     bool       `json:"enabled" gorm:"default:true"`
	TOTPEnabled bool       `json:"totp_enabled" gorm:"default:false"`
	Locked      bool       `json:"locked" gorm:"default:false"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	LockReason  string     `json:"lock_reason,omitempty"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Session records one authenticated session; the behavioral detectors read
// these to build profiles and compare consecutive logins.
type Session struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UUID      string    `json:"uuid" gorm:"uniqueIndex"`
	UserID    uint      `json:"user_id" gorm:"index"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
	Active    bool      `json:"active" gorm:"default:true;index"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LoginAttempt is one login try, successful or not. Source data for the
// credential-stuffing and failed-login heuristics.
type LoginAttempt struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Email     string    `json:"email" gorm:"index"`
	UserID    *uint     `json:"user_id,omitempty" gorm:"index"`
	IP        string    `json:"ip" gorm:"index"`
	UserAgent string    `json:"user_agent"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}
