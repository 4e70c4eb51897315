package models

import (
	"time"
)

// Risk bands an anomaly score.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

// AnomalyDetection is an append-only record of one behavioral evaluation.
// Side effects of a critical result (account lock, session termination) are
// written as separate audit entries, not as mutations of this record.
type AnomalyDetection struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UUID      string    `json:"uuid" gorm:"uniqueIndex"`
	UserID    uint      `json:"user_id" gorm:"index"`
	IP        string    `json:"ip"`
	Score     int       `json:"score"` // 0-100
	Reasons   string    `json:"reasons" gorm:"type:text"` // JSON array
	Risk      Risk      `json:"risk" gorm:"index"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}
