package models

import (
	"time"
)

// SecurityAudit records actions taken by the pipeline or an operator:
// account locks, session terminations, manual unblocks, rotations.
type SecurityAudit struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UUID      string    `json:"uuid" gorm:"uniqueIndex"`
	Actor     string    `json:"actor"`  // "system" or operator email
	Action    string    `json:"action"` // e.g. account_lock, session_terminate, ip_unblock
	IP        string    `json:"ip"`
	Details   string    `json:"details" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}
