package models

import (
	"time"
)

// Severity classifies how dangerous a matched rule or detector hit is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Violation is an append-only audit record of a firewall or detector match.
// Records are never mutated after insert.
type Violation struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	UUID        string    `json:"uuid" gorm:"uniqueIndex"`
	IP          string    `json:"ip" gorm:"index"`
	RuleID      string    `json:"rule_id" gorm:"index"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity" gorm:"index"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	Headers     string    `json:"headers" gorm:"type:text"`
	Body        string    `json:"body" gorm:"type:text"` // truncated to 1000 chars on capture
	CreatedAt   time.Time `json:"created_at" gorm:"index"`
}
