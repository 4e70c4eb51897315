package models

import (
	"time"
)

// Alert lifecycle. Alerts are short-lived deduplicated notices; at most one
// alert of a given type is created per rolling hour.
const (
	AlertStatusNew          = "new"
	AlertStatusAcknowledged = "acknowledged"
	AlertStatusResolved     = "resolved"
)

// SecurityAlert is a threshold breach noticed by the monitoring loop.
type SecurityAlert struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UUID      string    `json:"uuid" gorm:"uniqueIndex"`
	Type      string    `json:"type" gorm:"index"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message" gorm:"type:text"`
	Status    string    `json:"status" gorm:"index;default:'new'"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Incident lifecycle: open → investigating → resolved | false_positive.
const (
	IncidentStatusOpen          = "open"
	IncidentStatusInvestigating = "investigating"
	IncidentStatusResolved      = "resolved"
	IncidentStatusFalsePositive = "false_positive"
)

// SecurityIncident is a longer-lived case record opened from one or more
// alerts and worked by an operator.
type SecurityIncident struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UUID      string    `json:"uuid" gorm:"uniqueIndex"`
	Title     string    `json:"title"`
	Severity  Severity  `json:"severity"`
	Status    string    `json:"status" gorm:"index;default:'open'"`
	Details   string    `json:"details" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`
}
