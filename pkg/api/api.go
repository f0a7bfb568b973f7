// Package api wires the challenge session and ban escalation engine to
// their HTTP boundary.
package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/captcha-gate/pkg/escalation"
	"github.com/dobrevit/captcha-gate/pkg/session"
)

// SessionCookie carries the challenge session token.
const SessionCookie = "captcha_session"

// Handler exposes the captcha gate endpoints.
type Handler struct {
	registry   *Registry
	engine     *escalation.Engine
	logger     *log.Logger
	trustProxy bool
}

// NewHandler creates the HTTP handler set.
func NewHandler(registry *Registry, engine *escalation.Engine, trustProxy bool, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Handler{
		registry:   registry,
		engine:     engine,
		logger:     logger,
		trustProxy: trustProxy,
	}
}

// Register attaches all routes to the router.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/captcha/challenge", h.handleChallenge).Methods(http.MethodPost)
	r.HandleFunc("/api/captcha/answer", h.handleAnswer).Methods(http.MethodPost)
	r.HandleFunc("/api/captcha/state", h.handleState).Methods(http.MethodGet)
	r.HandleFunc("/api/captcha/refresh", h.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/api/captcha/lockout", h.handleLockout).Methods(http.MethodPost)
	r.HandleFunc("/api/captcha/status", h.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/login", h.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// handleChallenge starts (or replaces) a challenge session. A banned IP is
// turned away before a challenge is ever presented.
func (h *Handler) handleChallenge(w http.ResponseWriter, r *http.Request) {
	ip := h.clientIP(r)

	if dec := h.statusFailOpen(r, ip); dec != nil {
		writeJSON(w, http.StatusForbidden, banPayload(dec))
		return
	}

	oldToken := ""
	if c, err := r.Cookie(SessionCookie); err == nil {
		oldToken = c.Value
	}

	token, sess := h.registry.Create(ip, oldToken)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})

	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// answerRequest is the answer submission body. The "website" field is the
// honeypot; real users never see it, so any value marks automation.
type answerRequest struct {
	Answer  string `json:"answer"`
	Website string `json:"website"`
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	sess := h.sessionFor(r)
	if sess == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active challenge session"})
		return
	}

	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	sess.SetHoneypot(req.Website)
	sess.SetAnswer(req.Answer)

	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	sess := h.sessionFor(r)
	if sess == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active challenge session"})
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sess := h.sessionFor(r)
	if sess == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active challenge session"})
		return
	}
	sess.Refresh()
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// handleLockout is the violation-reporting boundary: no payload, the source
// IP is implicit. A store failure surfaces as a server error, never as an
// unbanned response.
func (h *Handler) handleLockout(w http.ResponseWriter, r *http.Request) {
	ip := h.clientIP(r)

	dec, err := h.engine.RecordViolation(r.Context(), ip)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server error"})
		return
	}
	if dec == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"banned": false})
		return
	}

	writeJSON(w, http.StatusOK, banPayload(dec))
}

// handleStatus is the read-only ban gate. Store failures fail open: a
// transient infrastructure problem must not deny every legitimate user.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ip := h.clientIP(r)

	dec := h.statusFailOpen(r, ip)
	if dec == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"banned": false})
		return
	}
	writeJSON(w, http.StatusOK, banPayload(dec))
}

// handleLogin is the protected endpoint: it requires no active ban and a
// verified, unconsumed challenge session. Credential handling belongs to
// the host application; this handler only decides admission.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := h.clientIP(r)

	if dec := h.statusFailOpen(r, ip); dec != nil {
		writeJSON(w, http.StatusForbidden, banPayload(dec))
		return
	}

	sess := h.sessionFor(r)
	if sess == nil || !sess.Consume() {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "captcha verification required"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	status := "healthy"
	code := http.StatusOK
	if err != nil {
		status = "degraded"
		code = http.StatusPartialContent
	}

	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now(),
		"sessions":  h.registry.Len(),
		"banStore":  stats,
	})
}

// statusFailOpen looks up the ban status, treating store errors as "not
// banned" after logging them.
func (h *Handler) statusFailOpen(r *http.Request, ip string) *escalation.Decision {
	dec, err := h.engine.CheckStatus(r.Context(), ip)
	if err != nil {
		h.logger.WithError(err).WithField("ip", ip).Warn("Ban status check failed, failing open")
		return nil
	}
	return dec
}

func (h *Handler) sessionFor(r *http.Request) *session.Session {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return nil
	}
	return h.registry.Get(c.Value)
}

func banPayload(dec *escalation.Decision) map[string]interface{} {
	payload := map[string]interface{}{
		"banned":    true,
		"tier":      dec.Tier,
		"code":      dec.Code,
		"permanent": dec.Permanent,
	}
	if dec.BannedUntil != nil {
		payload["bannedUntil"] = dec.BannedUntil.Format(time.RFC3339)
	}
	return payload
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// clientIP extracts the client IP, honoring proxy headers only when the
// deployment says to trust them.
func (h *Handler) clientIP(r *http.Request) string {
	if h.trustProxy {
		// X-Forwarded-For is a comma-joined hop list; only the first entry
		// is the client. Later hops must never leak into the ban key, or
		// every violation behind a second proxy would mint a fresh key.
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			return strings.TrimSpace(strings.Split(xff, ",")[0])
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
