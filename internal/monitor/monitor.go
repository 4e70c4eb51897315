// Package monitor re-evaluates pipeline statistics on a fixed cadence,
// raises deduplicated alerts on threshold breaches, and serves the operator
// surfaces built on top of them (dashboard, incidents, reports).
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containrrr/shoutrrr"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pricesentry/pricesentry/internal/anomaly"
	"github.com/pricesentry/pricesentry/internal/config"
	"github.com/pricesentry/pricesentry/internal/ddos"
	"github.com/pricesentry/pricesentry/internal/intrusion"
	"github.com/pricesentry/pricesentry/internal/logger"
	"github.com/pricesentry/pricesentry/internal/metrics"
	"github.com/pricesentry/pricesentry/internal/models"
	"github.com/pricesentry/pricesentry/internal/waf"
)

// Alert types raised by the loop.
const (
	AlertTypeCriticalIntrusions = "critical_intrusions"
	AlertTypeMassBlocking       = "mass_blocking"
	AlertTypeEmergencyMode      = "emergency_mode"
	AlertTypeDistributedAttack  = "distributed_attack"
	AlertTypeCriticalAnomalies  = "critical_anomalies"
	AlertTypeRotationOverdue    = "secret_rotation_overdue"
)

var (
	ErrAlertNotFound     = errors.New("alert not found")
	ErrIncidentNotFound  = errors.New("incident not found")
	ErrInvalidTransition = errors.New("invalid incident status transition")
)

// Service is the monitoring loop plus the alert/incident store around it.
type Service struct {
	db        *gorm.DB
	ddos      *ddos.Service
	intrusion *intrusion.Service
	anomaly   *anomaly.Service
	waf       *waf.Service
	cfg       config.MonitorConfig

	// notify pushes one formatted message to the operator channels.
	// Replaced in tests.
	notify func(message string)
}

// NewService wires the loop to the stores it reads and the alert URLs it
// pushes to.
func NewService(db *gorm.DB, d *ddos.Service, i *intrusion.Service, a *anomaly.Service, w *waf.Service, cfg config.MonitorConfig, alertURLs []string) *Service {
	s := &Service{db: db, ddos: d, intrusion: i, anomaly: a, waf: w, cfg: cfg}
	s.notify = func(message string) {
		for _, url := range alertURLs {
			go func(u string) {
				if err := shoutrrr.Send(u, message); err != nil {
					logger.WithComponent("monitor").WithField("error", err.Error()).
						Warn("Failed to push alert notification")
				}
			}(url)
		}
	}
	return s
}

// SetNotifier replaces the alert push path, e.g. to route sends through a
// circuit breaker guarding the outbound channel.
func (s *Service) SetNotifier(fn func(message string)) {
	s.notify = fn
}

// RunCheck is one iteration of the monitoring loop. Every statistic is
// re-evaluated independently; a read failure skips that check only.
func (s *Service) RunCheck(ctx context.Context) {
	log := logger.WithComponent("monitor")

	if n, err := s.intrusion.CriticalViolationCount(time.Hour); err != nil {
		log.WithField("error", err.Error()).Warn("Intrusion stats unavailable")
	} else if n > s.cfg.CriticalPerHour {
		s.RaiseAlert(AlertTypeCriticalIntrusions, models.SeverityCritical,
			fmt.Sprintf("%d critical intrusion violations in the last hour (threshold %d)", n, s.cfg.CriticalPerHour))
	}

	if n, err := s.intrusion.ActiveBlockCount(); err != nil {
		log.WithField("error", err.Error()).Warn("Block stats unavailable")
	} else {
		metrics.SetBlockedIPs(float64(n))
		if n > s.cfg.MaxBlockedIPs {
			s.RaiseAlert(AlertTypeMassBlocking, models.SeverityHigh,
				fmt.Sprintf("%d IPs simultaneously blocked (threshold %d)", n, s.cfg.MaxBlockedIPs))
		}
	}

	snap := s.ddos.Metrics(ctx)
	if snap.Emergency {
		s.RaiseAlert(AlertTypeEmergencyMode, models.SeverityCritical,
			"System-wide emergency mode is active")
	}
	if snap.TightLimits {
		s.RaiseAlert(AlertTypeDistributedAttack, models.SeverityHigh,
			fmt.Sprintf("Distributed attack pattern: %d active IPs, global count %d", snap.ActiveIPs, snap.GlobalCount))
	}

	if n, err := s.anomaly.CriticalDetectionCount(time.Hour); err != nil {
		log.WithField("error", err.Error()).Warn("Anomaly stats unavailable")
	} else if n > 0 {
		s.RaiseAlert(AlertTypeCriticalAnomalies, models.SeverityHigh,
			fmt.Sprintf("%d critical behavioral anomalies in the last hour", n))
	}

	s.ddos.AutoScale(ctx)
}

// RaiseAlert creates an alert unless one of the same type already exists
// inside the dedup window. Returns the alert, or nil when deduplicated.
func (s *Service) RaiseAlert(alertType string, severity models.Severity, message string) *models.SecurityAlert {
	since := time.Now().Add(-s.cfg.AlertDedupWindow)

	var existing int64
	if err := s.db.Model(&models.SecurityAlert{}).
		Where("type = ? AND created_at > ?", alertType, since).
		Count(&existing).Error; err != nil {
		logger.WithComponent("monitor").WithField("error", err.Error()).Warn("Alert dedup lookup failed")
		return nil
	}
	if existing > 0 {
		return nil
	}

	alert := models.SecurityAlert{
		UUID:     uuid.NewString(),
		Type:     alertType,
		Severity: severity,
		Message:  message,
		Status:   models.AlertStatusNew,
	}
	if err := s.db.Create(&alert).Error; err != nil {
		logger.WithComponent("monitor").WithField("error", err.Error()).Warn("Failed to persist alert")
		return nil
	}

	logger.WithComponent("monitor").WithFields(map[string]interface{}{
		"type":     alertType,
		"severity": severity,
	}).Warn(message)
	s.notify(fmt.Sprintf("[PriceSentry %s] %s", severity, message))
	return &alert
}

// Alerts lists alerts newest first, optionally filtered by status.
func (s *Service) Alerts(status string, limit int) ([]models.SecurityAlert, error) {
	var alerts []models.SecurityAlert
	q := s.db.Order("created_at desc")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&alerts).Error
	return alerts, err
}

// AcknowledgeAlert marks an alert as seen by an operator.
func (s *Service) AcknowledgeAlert(alertUUID string) error {
	return s.setAlertStatus(alertUUID, models.AlertStatusAcknowledged)
}

// ResolveAlert closes an alert.
func (s *Service) ResolveAlert(alertUUID string) error {
	return s.setAlertStatus(alertUUID, models.AlertStatusResolved)
}

func (s *Service) setAlertStatus(alertUUID, status string) error {
	res := s.db.Model(&models.SecurityAlert{}).
		Where("uuid = ?", alertUUID).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// OpenIncident records a new case for operator follow-up.
func (s *Service) OpenIncident(title string, severity models.Severity, details string) (*models.SecurityIncident, error) {
	incident := models.SecurityIncident{
		UUID:     uuid.NewString(),
		Title:    title,
		Severity: severity,
		Status:   models.IncidentStatusOpen,
		Details:  details,
	}
	if err := s.db.Create(&incident).Error; err != nil {
		return nil, err
	}
	return &incident, nil
}

// incidentTransitions holds the allowed status moves. Resolved and
// false_positive are terminal.
var incidentTransitions = map[string][]string{
	models.IncidentStatusOpen: {
		models.IncidentStatusInvestigating,
		models.IncidentStatusResolved,
		models.IncidentStatusFalsePositive,
	},
	models.IncidentStatusInvestigating: {
		models.IncidentStatusResolved,
		models.IncidentStatusFalsePositive,
	},
}

// UpdateIncidentStatus advances an incident through its lifecycle.
func (s *Service) UpdateIncidentStatus(incidentUUID, status string) error {
	var incident models.SecurityIncident
	if err := s.db.Where("uuid = ?", incidentUUID).First(&incident).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrIncidentNotFound
		}
		return err
	}

	allowed := false
	for _, next := range incidentTransitions[incident.Status] {
		if next == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, incident.Status, status)
	}

	return s.db.Model(&incident).Update("status", status).Error
}

// Incidents lists incidents newest first, optionally filtered by status.
func (s *Service) Incidents(status string, limit int) ([]models.SecurityIncident, error) {
	var incidents []models.SecurityIncident
	q := s.db.Order("created_at desc")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&incidents).Error
	return incidents, err
}

// Dashboard aggregates the operator overview.
type Dashboard struct {
	AlertsBySeverity map[string]int64          `json:"alerts_by_severity"`
	RecentIncidents  []models.SecurityIncident `json:"recent_incidents"`
	TopThreatIPs     []waf.RuleStat            `json:"top_threat_ips"`
	TopRules         []waf.RuleStat            `json:"top_rules"`
	ActiveBlocks     int64                     `json:"active_blocks"`
	DDoS             ddos.Snapshot             `json:"ddos"`
	Recommendations  []string                  `json:"recommendations"`
}

// BuildDashboard assembles the overview over a trailing 24h window.
func (s *Service) BuildDashboard(ctx context.Context) (*Dashboard, error) {
	d := &Dashboard{
		AlertsBySeverity: make(map[string]int64),
		DDoS:             s.ddos.Metrics(ctx),
	}

	since := time.Now().Add(-24 * time.Hour)
	rows, err := s.db.Model(&models.SecurityAlert{}).
		Select("severity, COUNT(*) as count").
		Where("created_at > ?", since).
		Group("severity").Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var severity string
		var count int64
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, err
		}
		d.AlertsBySeverity[severity] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if d.RecentIncidents, err = s.Incidents("", 10); err != nil {
		return nil, err
	}
	if d.TopThreatIPs, err = s.waf.TopIPs(24*time.Hour, 10); err != nil {
		return nil, err
	}
	if d.TopRules, err = s.waf.TopRules(24*time.Hour, 10); err != nil {
		return nil, err
	}
	if d.ActiveBlocks, err = s.intrusion.ActiveBlockCount(); err != nil {
		return nil, err
	}
	d.Recommendations = s.recommendations()
	return d, nil
}

// recommendations derives advisory items from coverage heuristics. Failures
// here degrade the list, never the dashboard.
func (s *Service) recommendations() []string {
	var recs []string

	var lastViolation models.Violation
	err := s.db.Order("created_at desc").First(&lastViolation).Error
	stale := errors.Is(err, gorm.ErrRecordNotFound) ||
		(err == nil && time.Since(lastViolation.CreatedAt) > 24*time.Hour)
	if stale {
		recs = append(recs, "No firewall findings recorded in the last 24 hours; verify the pipeline is receiving traffic")
	}

	var total, withTOTP int64
	if err := s.db.Model(&models.User{}).Where("enabled = ?", true).Count(&total).Error; err == nil && total > 0 {
		if err := s.db.Model(&models.User{}).Where("enabled = ? AND totp_enabled = ?", true, true).Count(&withTOTP).Error; err == nil {
			if withTOTP*2 < total {
				recs = append(recs, fmt.Sprintf("Two-factor coverage is %d of %d enabled accounts; push adoption above 50%%", withTOTP, total))
			}
		}
	}

	var staleSessions int64
	weekAgo := time.Now().Add(-7 * 24 * time.Hour)
	if err := s.db.Model(&models.Session{}).
		Where("active = ? AND created_at < ?", true, weekAgo).
		Count(&staleSessions).Error; err == nil && staleSessions > 0 {
		recs = append(recs, fmt.Sprintf("%d sessions have been active for over a week; consider terminating stale sessions", staleSessions))
	}

	return recs
}

// Report is the exportable summary over a day range.
type Report struct {
	From                 time.Time        `json:"from"`
	To                   time.Time        `json:"to"`
	ViolationsBySeverity map[string]int64 `json:"violations_by_severity"`
	AlertCount           int64            `json:"alert_count"`
	IncidentCount        int64            `json:"incident_count"`
	BlocksIssued         int64            `json:"blocks_issued"`
	AnomalyCount         int64            `json:"anomaly_count"`
}

// BuildReport summarizes activity between two instants.
func (s *Service) BuildReport(from, to time.Time) (*Report, error) {
	r := &Report{From: from, To: to, ViolationsBySeverity: make(map[string]int64)}

	rows, err := s.db.Model(&models.Violation{}).
		Select("severity, COUNT(*) as count").
		Where("created_at BETWEEN ? AND ?", from, to).
		Group("severity").Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var severity string
		var count int64
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, err
		}
		r.ViolationsBySeverity[severity] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	inRange := func(model interface{}, dest *int64) error {
		return s.db.Model(model).
			Where("created_at BETWEEN ? AND ?", from, to).
			Count(dest).Error
	}
	if err := inRange(&models.SecurityAlert{}, &r.AlertCount); err != nil {
		return nil, err
	}
	if err := inRange(&models.SecurityIncident{}, &r.IncidentCount); err != nil {
		return nil, err
	}
	if err := inRange(&models.IPBlockRecord{}, &r.BlocksIssued); err != nil {
		return nil, err
	}
	if err := inRange(&models.AnomalyDetection{}, &r.AnomalyCount); err != nil {
		return nil, err
	}
	return r, nil
}

// CleanupStale deletes detection records older than the retention window.
// Resolved alerts age out; open alerts and all incidents are kept.
func (s *Service) CleanupStale() error {
	cutoff := time.Now().Add(-s.cfg.Retention)

	if err := s.db.Where("created_at < ?", cutoff).
		Delete(&models.Violation{}).Error; err != nil {
		return fmt.Errorf("cleanup violations: %w", err)
	}
	if err := s.db.Where("created_at < ?", cutoff).
		Delete(&models.AnomalyDetection{}).Error; err != nil {
		return fmt.Errorf("cleanup anomaly detections: %w", err)
	}
	if err := s.db.Where("created_at < ? AND status = ?", cutoff, models.AlertStatusResolved).
		Delete(&models.SecurityAlert{}).Error; err != nil {
		return fmt.Errorf("cleanup alerts: %w", err)
	}
	return nil
}
