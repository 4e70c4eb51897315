package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"gorm.io/gorm"

	"github.com/pricesentry/pricesentry/internal/config"
	"github.com/pricesentry/pricesentry/internal/models"
)

// Known secret types.
const (
	TypeJWT     = "jwt"
	TypeSession = "session"
)

var (
	// ErrInvalidKey means the master key is missing or not 32 bytes.
	ErrInvalidKey = errors.New("master key must be 32 hex-encoded bytes")
	// ErrDecrypt means the ciphertext or its tag was tampered with.
	ErrDecrypt = errors.New("decryption failed")
	// ErrUnknownSecretType rejects rotation of types we do not manage.
	ErrUnknownSecretType = errors.New("unknown secret type")
)

// Service provides authenticated encryption for at-rest fields and the
// advisory rotation workflow. Rotation records hashes for audit; propagating
// the new value to consumers is the operator's out-of-band step.
type Service struct {
	db   *gorm.DB
	aead cipher.AEAD
	cfg  config.SecretsConfig
}

// NewService validates the master key and wires the rotation store.
func NewService(db *gorm.DB, masterKeyHex string, cfg config.SecretsConfig) (*Service, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &Service{db: db, aead: aead, cfg: cfg}, nil
}

// Encrypt seals plaintext with the master key. The random nonce is prepended
// to the ciphertext and the whole blob hex-encoded.
func (s *Service) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any tampering with the ciphertext or its tag
// fails authentication.
func (s *Service) Decrypt(encoded string) (string, error) {
	blob, err := hex.DecodeString(encoded)
	if err != nil {
		return "", ErrDecrypt
	}
	if len(blob) < s.aead.NonceSize() {
		return "", ErrDecrypt
	}
	nonce, ciphertext := blob[:s.aead.NonceSize()], blob[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// Rotation is the result handed back to the operator. NewSecret is returned
// exactly once and never stored.
type Rotation struct {
	SecretType string `json:"secret_type"`
	NewSecret  string `json:"new_secret"`
}

// RotateJWTSecret rotates the JWT signing secret.
func (s *Service) RotateJWTSecret(oldSecret, rotatedBy, reason string) (*Rotation, error) {
	return s.rotate(TypeJWT, oldSecret, rotatedBy, reason)
}

// RotateSessionSecret rotates the session signing secret.
func (s *Service) RotateSessionSecret(oldSecret, rotatedBy, reason string) (*Rotation, error) {
	return s.rotate(TypeSession, oldSecret, rotatedBy, reason)
}

// RotateAll rotates every managed secret type. Failures are reported, not
// swallowed: rotation is operator-triggered with no safe default.
func (s *Service) RotateAll(oldSecrets map[string]string, rotatedBy, reason string) ([]Rotation, error) {
	var out []Rotation
	for _, typ := range []string{TypeJWT, TypeSession} {
		rot, err := s.rotate(typ, oldSecrets[typ], rotatedBy, reason)
		if err != nil {
			return out, fmt.Errorf("rotate %s: %w", typ, err)
		}
		out = append(out, *rot)
	}
	return out, nil
}

func (s *Service) rotate(secretType, oldSecret, rotatedBy, reason string) (*Rotation, error) {
	if secretType != TypeJWT && secretType != TypeSession {
		return nil, ErrUnknownSecretType
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	newSecret := hex.EncodeToString(buf)

	record := models.SecretRotationRecord{
		UUID:          uuid.NewString(),
		SecretType:    secretType,
		RotatedBy:     rotatedBy,
		OldSecretHash: hashSecret(oldSecret),
		NewSecretHash: hashSecret(newSecret),
		Reason:        reason,
	}
	if err := s.db.Create(&record).Error; err != nil {
		return nil, fmt.Errorf("persist rotation record: %w", err)
	}
	return &Rotation{SecretType: secretType, NewSecret: newSecret}, nil
}

// RotationStatus reports compliance for one secret type, computed from the
// latest rotation record.
type RotationStatus struct {
	SecretType    string     `json:"secret_type"`
	LastRotatedAt *time.Time `json:"last_rotated_at,omitempty"`
	RotationDue   bool       `json:"rotation_due"`
}

// CheckRotationNeeded compares days since the last rotation of the type
// against the configured interval. A type never rotated is due.
func (s *Service) CheckRotationNeeded(secretType string) (RotationStatus, error) {
	status := RotationStatus{SecretType: secretType, RotationDue: true}

	var latest models.SecretRotationRecord
	err := s.db.Where("secret_type = ?", secretType).
		Order("created_at desc").First(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return status, nil
	}
	if err != nil {
		return status, err
	}

	status.LastRotatedAt = &latest.CreatedAt
	status.RotationDue = time.Since(latest.CreatedAt) > s.cfg.RotationInterval
	return status, nil
}

// History lists rotation records, newest first.
func (s *Service) History(limit int) ([]models.SecretRotationRecord, error) {
	var records []models.SecretRotationRecord
	q := s.db.Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&records).Error
	return records, err
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
