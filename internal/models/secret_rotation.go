package models

import (
	"time"
)

// SecretRotationRecord is the append-only audit trail of secret rotations.
// Only SHA-256 hashes of the old and new values are stored, never plaintext.
// Rotation compliance is computed from the latest record per type.
type SecretRotationRecord struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	UUID          string    `json:"uuid" gorm:"uniqueIndex"`
	SecretType    string    `json:"secret_type" gorm:"index"` // "jwt", "session"
	RotatedBy     string    `json:"rotated_by"`
	OldSecretHash string    `json:"old_secret_hash"`
	NewSecretHash string    `json:"new_secret_hash"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at" gorm:"index"`
}
