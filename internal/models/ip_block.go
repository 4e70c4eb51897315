package models

import (
	"time"
)

// IPBlockRecord holds the current block status for one IP. A new block for
// the same IP replaces the existing row, so there is at most one record per
// IP at any time.
type IPBlockRecord struct {
	ID           uint       `json:"id" gorm:"primaryKey"`
	UUID         string     `json:"uuid" gorm:"uniqueIndex"`
	IP           string     `json:"ip" gorm:"uniqueIndex"`
	Reason       string     `json:"reason"`
	Permanent    bool       `json:"permanent"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Active reports whether the block still applies at the given instant.
func (b *IPBlockRecord) Active(now time.Time) bool {
	if b.Permanent {
		return true
	}
	return b.BlockedUntil != nil && b.BlockedUntil.After(now)
}
