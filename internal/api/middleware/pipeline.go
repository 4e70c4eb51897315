package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pricesentry/pricesentry/internal/anomaly"
	"github.com/pricesentry/pricesentry/internal/ddos"
	"github.com/pricesentry/pricesentry/internal/intrusion"
	"github.com/pricesentry/pricesentry/internal/metrics"
	"github.com/pricesentry/pricesentry/internal/waf"
)

// VerdictKey carries the denial code to the request logger.
const VerdictKey = "pipelineVerdict"

// ChallengeHeader presents a previously issued challenge token.
const ChallengeHeader = "X-Challenge-Token"

// Denial codes, one per pipeline stage.
const (
	CodeIPBlocked          = "IP_BLOCKED"
	CodeEmergencyMode      = "EMERGENCY_MODE"
	CodeDDoSDetected       = "DDOS_DETECTED"
	CodeChallengeRequired  = "CHALLENGE_REQUIRED"
	CodeInvalidChallenge   = "INVALID_CHALLENGE"
	CodeWAFBlocked         = "WAF_BLOCKED"
	CodeSQLInjection       = "SQL_INJECTION"
	CodeXSS                = "XSS"
	CodePathTraversal      = "PATH_TRAVERSAL"
	CodeCommandInjection   = "COMMAND_INJECTION"
	CodeLDAPInjection      = "LDAP_INJECTION"
	CodeBotDetected        = "BOT_DETECTED"
	CodeHighThreatScore    = "HIGH_THREAT_SCORE"
	CodeCredentialStuffing = "CREDENTIAL_STUFFING_DETECTED"
	CodeAnomalyDetected    = "ANOMALY_DETECTED"
)

// maxScanBody caps how much of the request body the detectors read. The
// remainder still reaches the handler untouched.
const maxScanBody = 64 * 1024

// slowRequestThreshold marks a request as a long-lived connection for the
// slow-pattern heuristic.
const slowRequestThreshold = 5 * time.Second

const loginPath = "/api/v1/auth/login"

// Pipeline is the admission chain every request traverses before its
// handler. Stages short-circuit on the first terminal verdict; detector
// errors fail open, verdicts are enforced deterministically.
type Pipeline struct {
	WAF       *waf.Service
	Intrusion *intrusion.Service
	DDoS      *ddos.Service
	Anomaly   *anomaly.Service
}

// Handler returns the middleware. It must run after Identity so the
// behavioral stage can see the authenticated user.
func (p *Pipeline) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		metrics.IncPipelineRequest()

		ip := c.ClientIP()
		path := c.Request.URL.Path
		ctx := c.Request.Context()

		// Stage 1: active IP block.
		if p.Intrusion.IsBlocked(ip) {
			deny(c, http.StatusForbidden, CodeIPBlocked, "access denied", 0)
			return
		}

		// Stage 2: system-wide emergency mode. Critical paths stay
		// reachable and skip the volumetric stage, which would otherwise
		// deny them for the rest of the window.
		var result ddos.Result
		if p.DDoS.EmergencyActive(ctx) {
			if !p.DDoS.IsCriticalPath(path) {
				deny(c, http.StatusServiceUnavailable, CodeEmergencyMode, "service temporarily unavailable", time.Minute)
				return
			}
			result = ddos.Result{Allowed: true}
		} else {
			// Stage 3: volumetric counters and flood heuristics.
			result = p.DDoS.RegisterRequest(ctx, ip, path)
			if !result.Allowed {
				deny(c, http.StatusTooManyRequests, CodeDDoSDetected, "rate limit exceeded", result.RetryAfter)
				return
			}
		}

		// Stage 4: challenge-response for high-threat clients.
		if p.DDoS.RequireChallenge(ip) {
			token := c.GetHeader(ChallengeHeader)
			if token == "" {
				deny(c, http.StatusForbidden, CodeChallengeRequired, "challenge required", 0)
				return
			}
			if !p.DDoS.VerifyChallenge(ctx, ip, token) {
				deny(c, http.StatusForbidden, CodeInvalidChallenge, "challenge verification failed", 0)
				return
			}
		}

		body := peekBody(c)

		if !p.WAF.IsPublicPath(path) {
			// Stage 5: firewall rule table.
			matches := p.WAF.Evaluate(c.Request, body)
			if len(matches) > 0 {
				p.WAF.Record(ip, c.Request, body, matches)
				if waf.ShouldBlock(matches) {
					deny(c, http.StatusForbidden, CodeWAFBlocked, "request blocked", 0)
					return
				}
			}

			// Stage 6: generic injection detectors, the second opinion
			// behind the rule table.
			input := detectorInput(c, body)
			if code := p.runDetectors(c.Request, input, ip); code != "" {
				deny(c, http.StatusForbidden, code, "malicious payload detected", 0)
				return
			}
		}

		// Stage 7: bot fingerprinting.
		if p.Anomaly.DetectBot(ctx, ip, c.Request.UserAgent()) {
			deny(c, http.StatusForbidden, CodeBotDetected, "automated traffic not allowed", 0)
			return
		}

		// Stage 8: aggregate threat score.
		if score := p.Intrusion.ThreatScore(ip); score.Blocked {
			deny(c, http.StatusForbidden, CodeHighThreatScore, "access denied", 0)
			return
		}

		// Stage 9: credential stuffing, login endpoint only.
		if path == loginPath && c.Request.Method == http.MethodPost {
			if email := bodyEmail(body); email != "" {
				if p.Anomaly.CheckCredentialStuffing(ctx, ip, email) {
					deny(c, http.StatusTooManyRequests, CodeCredentialStuffing, "too many login attempts", time.Hour)
					return
				}
			}
		}

		// Stage 10: behavioral checks for authenticated users.
		if userID, ok := CurrentUser(c); ok {
			p.Anomaly.CountRequest(ctx, userID, ip, path)

			det, err := p.Anomaly.Detect(ctx, userID, ip, c.Request.UserAgent(), path)
			if err == nil && det.ShouldBlock {
				deny(c, http.StatusForbidden, CodeAnomalyDetected, "suspicious activity detected", 0)
				return
			}
			if ato := p.Anomaly.CheckAccountTakeover(userID, ip, c.Request.UserAgent()); ato.Deny {
				deny(c, http.StatusUnauthorized, CodeAnomalyDetected, "please sign in again", 0)
				return
			}
		}

		if result.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		}

		start := time.Now()
		c.Next()
		if time.Since(start) > slowRequestThreshold {
			p.DDoS.RecordSlowRequest(ctx, ip)
		}
	}
}

// runDetectors returns the denial code of the first detector that fires.
func (p *Pipeline) runDetectors(r *http.Request, input, ip string) string {
	switch {
	case p.Intrusion.DetectSQLInjection(r, input, ip):
		return CodeSQLInjection
	case p.Intrusion.DetectXSS(r, input, ip):
		return CodeXSS
	case p.Intrusion.DetectPathTraversal(r, input, ip):
		return CodePathTraversal
	case p.Intrusion.DetectCommandInjection(r, input, ip):
		return CodeCommandInjection
	case p.Intrusion.DetectLDAPInjection(r, input, ip):
		return CodeLDAPInjection
	}
	return ""
}

func deny(c *gin.Context, status int, code, message string, retryAfter time.Duration) {
	c.Set(VerdictKey, code)
	metrics.IncDenied(code)

	resp := gin.H{"error": message, "code": code}
	if retryAfter > 0 {
		resp["retryAfter"] = int(retryAfter.Seconds())
		c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	}
	c.AbortWithStatusJSON(status, resp)
}

// peekBody reads up to maxScanBody of the request body for scanning and
// puts the full body back for the handler.
func peekBody(c *gin.Context) string {
	if c.Request.Body == nil {
		return ""
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxScanBody))
	if err != nil {
		return ""
	}
	rest, _ := io.ReadAll(c.Request.Body)
	c.Request.Body = io.NopCloser(bytes.NewReader(append(raw, rest...)))
	return string(raw)
}

// detectorInput concatenates the scannable request surfaces.
func detectorInput(c *gin.Context, body string) string {
	var b strings.Builder
	b.WriteString(c.Request.URL.Path)
	b.WriteByte('\n')
	query, err := url.QueryUnescape(c.Request.URL.RawQuery)
	if err != nil {
		query = c.Request.URL.RawQuery
	}
	b.WriteString(query)
	b.WriteByte('\n')
	b.WriteString(body)
	b.WriteByte('\n')
	b.WriteString(c.Request.UserAgent())
	b.WriteByte('\n')
	b.WriteString(c.Request.Referer())
	return b.String()
}

func bodyEmail(body string) string {
	var payload struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(payload.Email))
}
