package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/pricesentry/pricesentry/internal/anomaly"
	"github.com/pricesentry/pricesentry/internal/api/middleware"
	"github.com/pricesentry/pricesentry/internal/logger"
	"github.com/pricesentry/pricesentry/internal/models"
)

// AuthHandler serves the login surface. Every attempt, successful or not,
// is recorded: the credential-stuffing and failed-login detectors read
// those rows.
type AuthHandler struct {
	db       *gorm.DB
	secret   string
	anomaly  *anomaly.Service
	tokenTTL time.Duration
}

func NewAuthHandler(db *gorm.DB, secret string, anomalySvc *anomaly.Service) *AuthHandler {
	return &AuthHandler{db: db, secret: secret, anomaly: anomalySvc, tokenTTL: 24 * time.Hour}
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	ip := c.ClientIP()
	ua := c.Request.UserAgent()

	var user models.User
	err := h.db.Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		h.recordAttempt(email, nil, ip, ua, false)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login unavailable"})
		return
	}

	if user.Locked {
		h.recordAttempt(email, &user.ID, ip, ua, false)
		c.JSON(http.StatusForbidden, gin.H{"error": "account locked", "code": "ACCOUNT_LOCKED"})
		return
	}
	if !user.Enabled {
		h.recordAttempt(email, &user.ID, ip, ua, false)
		c.JSON(http.StatusForbidden, gin.H{"error": "account disabled"})
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)) != nil {
		h.recordAttempt(email, &user.ID, ip, ua, false)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	// Correct password is not enough: compare against the previous session
	// before it is shadowed by the one this login would create.
	if ato := h.anomaly.CheckAccountTakeover(user.ID, ip, ua); ato.Deny {
		h.recordAttempt(email, &user.ID, ip, ua, false)
		logger.WithComponent("auth").WithFields(logrus.Fields{
			"user_id": user.ID,
			"score":   ato.Score,
			"reasons": strings.Join(ato.Reasons, "; "),
		}).Warn("login denied by takeover check")
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "additional verification required, please sign in again",
			"code":  middleware.CodeAnomalyDetected,
		})
		return
	}

	h.recordAttempt(email, &user.ID, ip, ua, true)

	session := models.Session{
		UUID:      uuid.NewString(),
		UserID:    user.ID,
		IP:        ip,
		UserAgent: ua,
		Active:    true,
	}
	if err := h.db.Create(&session).Error; err != nil {
		logger.WithComponent("auth").WithError(err).Warn("failed to persist session")
	}
	now := time.Now()
	if err := h.db.Model(&user).Update("last_login_at", now).Error; err != nil {
		logger.WithComponent("auth").WithError(err).Warn("failed to update last login")
	}

	token, err := h.issueToken(&user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

// Logout terminates every active session of the authenticated user.
func (h *AuthHandler) Logout(c *gin.Context) {
	userID, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	if err := h.db.Model(&models.Session{}).
		Where("user_id = ? AND active = ?", userID, true).
		Update("active", false).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "logout failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// PasswordReset is a public stub: it always answers 202 so the endpoint
// cannot be used to probe which emails exist.
func (h *AuthHandler) PasswordReset(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required,email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "if the account exists, a reset email was sent"})
}

func (h *AuthHandler) recordAttempt(email string, userID *uint, ip, ua string, success bool) {
	attempt := models.LoginAttempt{
		Email: email, UserID: userID, IP: ip, UserAgent: ua, Success: success,
	}
	if err := h.db.Create(&attempt).Error; err != nil {
		logger.WithComponent("auth").WithError(err).Warn("failed to persist login attempt")
	}
}

func (h *AuthHandler) issueToken(user *models.User) (string, error) {
	claims := &middleware.Claims{
		UserID: user.ID,
		Email:  user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UUID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(h.tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(h.secret))
}
