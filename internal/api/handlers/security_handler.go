package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pricesentry/pricesentry/internal/anomaly"
	"github.com/pricesentry/pricesentry/internal/api/middleware"
	"github.com/pricesentry/pricesentry/internal/breaker"
	"github.com/pricesentry/pricesentry/internal/ddos"
	"github.com/pricesentry/pricesentry/internal/intrusion"
	"github.com/pricesentry/pricesentry/internal/models"
	"github.com/pricesentry/pricesentry/internal/monitor"
	"github.com/pricesentry/pricesentry/internal/secrets"
	"github.com/pricesentry/pricesentry/internal/waf"
)

// SecurityHandler is the admin surface operating the pipeline: dashboard,
// alerts, incidents, blocks, challenges, rotation and account unlock.
type SecurityHandler struct {
	monitor   *monitor.Service
	intrusion *intrusion.Service
	ddos      *ddos.Service
	anomaly   *anomaly.Service
	secrets   *secrets.Service
	waf       *waf.Service
	breakers  *breaker.Registry
}

func NewSecurityHandler(m *monitor.Service, i *intrusion.Service, d *ddos.Service, a *anomaly.Service, s *secrets.Service, w *waf.Service, b *breaker.Registry) *SecurityHandler {
	return &SecurityHandler{monitor: m, intrusion: i, ddos: d, anomaly: a, secrets: s, waf: w, breakers: b}
}

// actor names the operator for audit rows.
func actor(c *gin.Context) string {
	if v, ok := c.Get(middleware.UserEmailKey); ok {
		if email, ok := v.(string); ok && email != "" {
			return email
		}
	}
	return "system"
}

func (h *SecurityHandler) Dashboard(c *gin.Context) {
	d, err := h.monitor.BuildDashboard(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dashboard unavailable"})
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *SecurityHandler) ListAlerts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	alerts, err := h.monitor.Alerts(c.Query("status"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "alerts unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (h *SecurityHandler) AcknowledgeAlert(c *gin.Context) {
	h.alertStatusChange(c, h.monitor.AcknowledgeAlert)
}

func (h *SecurityHandler) ResolveAlert(c *gin.Context) {
	h.alertStatusChange(c, h.monitor.ResolveAlert)
}

func (h *SecurityHandler) alertStatusChange(c *gin.Context, change func(string) error) {
	err := change(c.Param("uuid"))
	if errors.Is(err, monitor.ErrAlertNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "alert update failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SecurityHandler) ListIncidents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	incidents, err := h.monitor.Incidents(c.Query("status"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "incidents unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incidents})
}

type createIncidentRequest struct {
	Title    string `json:"title" binding:"required"`
	Severity string `json:"severity" binding:"required,oneof=low medium high critical"`
	Details  string `json:"details"`
}

func (h *SecurityHandler) CreateIncident(c *gin.Context) {
	var req createIncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	incident, err := h.monitor.OpenIncident(req.Title, models.Severity(req.Severity), req.Details)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "incident creation failed"})
		return
	}
	c.JSON(http.StatusCreated, incident)
}

func (h *SecurityHandler) UpdateIncident(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.monitor.UpdateIncidentStatus(c.Param("uuid"), req.Status)
	switch {
	case errors.Is(err, monitor.ErrIncidentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
	case errors.Is(err, monitor.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "incident update failed"})
	default:
		c.Status(http.StatusNoContent)
	}
}

// ViolationStats reports the most-triggered rules and loudest IPs over a
// rolling window (default 24h).
func (h *SecurityHandler) ViolationStats(c *gin.Context) {
	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hours"})
		return
	}
	window := time.Duration(hours) * time.Hour

	topRules, err := h.waf.TopRules(window, 10)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
		return
	}
	topIPs, err := h.waf.TopIPs(window, 10)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"top_rules": topRules, "top_ips": topIPs, "window_hours": hours})
}

func (h *SecurityHandler) ListBlocked(c *gin.Context) {
	blocked, err := h.intrusion.ListBlocked()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "blocks unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocked": blocked})
}

type blockRequest struct {
	IP              string `json:"ip" binding:"required,ip"`
	Reason          string `json:"reason" binding:"required"`
	DurationSeconds int64  `json:"duration_seconds"`
}

func (h *SecurityHandler) BlockIP(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	duration := time.Duration(req.DurationSeconds) * time.Second
	if err := h.intrusion.BlockIP(req.IP, req.Reason, duration); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "block failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SecurityHandler) UnblockIP(c *gin.Context) {
	err := h.intrusion.UnblockIP(c.Param("ip"))
	if errors.Is(err, intrusion.ErrNotBlocked) {
		c.JSON(http.StatusNotFound, gin.H{"error": "ip is not blocked"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unblock failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SecurityHandler) ThreatScore(c *gin.Context) {
	c.JSON(http.StatusOK, h.intrusion.ThreatScore(c.Param("ip")))
}

// IssueChallenge hands the calling client a single-use token to present in
// the X-Challenge-Token header.
func (h *SecurityHandler) IssueChallenge(c *gin.Context) {
	token, err := h.ddos.IssueChallenge(c.Request.Context(), c.ClientIP())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "challenge issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "header": middleware.ChallengeHeader})
}

type rotateRequest struct {
	SecretType string `json:"secret_type" binding:"required"`
	OldSecret  string `json:"old_secret"`
	Reason     string `json:"reason" binding:"required"`
}

func (h *SecurityHandler) RotateSecret(c *gin.Context) {
	var req rotateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var rotation *secrets.Rotation
	var err error
	switch req.SecretType {
	case secrets.TypeJWT:
		rotation, err = h.secrets.RotateJWTSecret(req.OldSecret, actor(c), req.Reason)
	case secrets.TypeSession:
		rotation, err = h.secrets.RotateSessionSecret(req.OldSecret, actor(c), req.Reason)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown secret type"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rotation failed"})
		return
	}
	c.JSON(http.StatusOK, rotation)
}

func (h *SecurityHandler) RotationStatus(c *gin.Context) {
	statuses := make([]secrets.RotationStatus, 0, 2)
	for _, typ := range []string{secrets.TypeJWT, secrets.TypeSession} {
		status, err := h.secrets.CheckRotationNeeded(typ)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rotation status unavailable"})
			return
		}
		statuses = append(statuses, status)
	}
	c.JSON(http.StatusOK, gin.H{"secrets": statuses})
}

func (h *SecurityHandler) RotationHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	history, err := h.secrets.History(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rotations": history})
}

// UnlockAccount reverses the anomaly layer's account lock. Locks are never
// reversed automatically; this is the explicit operator path.
func (h *SecurityHandler) UnlockAccount(c *gin.Context) {
	userID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	err = h.anomaly.UnlockAccount(uint(userID), actor(c))
	if errors.Is(err, anomaly.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unlock failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// BreakerStates reports the current state of every dependency breaker.
func (h *SecurityHandler) BreakerStates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": h.breakers.States()})
}

// Report exports the day-range summary. Dates are inclusive, YYYY-MM-DD.
func (h *SecurityHandler) Report(c *gin.Context) {
	from, err := time.Parse("2006-01-02", c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from date"})
		return
	}
	to, err := time.Parse("2006-01-02", c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to date"})
		return
	}
	if to.Before(from) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to precedes from"})
		return
	}

	report, err := h.monitor.BuildReport(from, to.Add(24*time.Hour))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "report unavailable"})
		return
	}
	c.JSON(http.StatusOK, report)
}
