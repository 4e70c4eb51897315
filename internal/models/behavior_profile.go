package models

import (
	"time"
)

// UserBehaviorProfile is the rolling baseline a user's activity is compared
// against. It is rebuilt from the trailing seven days and replaced wholesale
// on each rebuild, never patched incrementally, so expired source events
// cannot cause drift.
type UserBehaviorProfile struct {
	ID                 uint      `json:"id" gorm:"primaryKey"`
	UserID             uint      `json:"user_id" gorm:"uniqueIndex"`
	AvgRequestsPerHour float64   `json:"avg_requests_per_hour"`
	TopIPs             string    `json:"top_ips" gorm:"type:text"`         // JSON array, most frequent first, max 5
	TopUserAgents      string    `json:"top_user_agents" gorm:"type:text"` // JSON array, most frequent first, max 3
	TypicalLoginHours  string    `json:"typical_login_hours"`              // JSON array of hours 0-23
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}
