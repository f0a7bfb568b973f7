// Package session implements the interactive challenge session state
// machine: input gating, honeypot and minimum think-time heuristics,
// single-use judgment, the sliding failure window, and the local lockout
// that triggers a violation report to the ban escalation engine.
//
// A session is event driven. Every delay (verification debounce, challenge
// rotation, verified-state lifetime, lockout countdown, global timeout) is a
// cancelable scheduled task; no method blocks the caller.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/captcha-gate/pkg/challenge"
	"github.com/dobrevit/captcha-gate/pkg/escalation"
)

var (
	challengesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "captchagate_challenges_issued_total",
		Help: "Total challenges issued across all sessions",
	})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "captchagate_verifications_total",
		Help: "Challenge judgments by result",
	}, []string{"result"})

	honeypotHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "captchagate_honeypot_hits_total",
		Help: "Judgments failed because the decoy field was filled",
	})
)

// Config represents challenge session tuning.
type Config struct {
	// MaxAttempts is the number of failures inside AttemptWindow that
	// trigger lockout and a violation report.
	MaxAttempts int `toml:"maxAttempts"`

	// AttemptWindow is the sliding window over which failures count.
	AttemptWindow time.Duration `toml:"attemptWindow"`

	// MinThinkTime is the floor between challenge issue and judgment.
	// Faster submissions are held back until the floor elapses rather than
	// rejected, so timing probes learn nothing.
	MinThinkTime time.Duration `toml:"minThinkTime"`

	// RetryDelay is how long after a wrong answer a fresh challenge is
	// issued.
	RetryDelay time.Duration `toml:"retryDelay"`

	// LockoutDuration is the local lockout length. Deliberately much
	// shorter than any server-side ban; this is UX throttling, the ban
	// engine is the real control.
	LockoutDuration time.Duration `toml:"lockoutDuration"`

	// VerifiedLifetime bounds how long an unconsumed verified state lives
	// before the session reverts to a fresh challenge.
	VerifiedLifetime time.Duration `toml:"verifiedLifetime"`

	// SessionTimeout forces a full reset of stale sessions.
	SessionTimeout time.Duration `toml:"sessionTimeout"`

	// MaxSessionsPerIP caps concurrent registry sessions for one client
	// IP. Zero disables the cap.
	MaxSessionsPerIP int `toml:"maxSessionsPerIP"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      5,
		AttemptWindow:    5 * time.Minute,
		MinThinkTime:     1500 * time.Millisecond,
		RetryDelay:       1500 * time.Millisecond,
		LockoutDuration:  5 * time.Second,
		VerifiedLifetime: 60 * time.Second,
		SessionTimeout:   10 * time.Minute,
		MaxSessionsPerIP: 10,
	}
}

// Reporter receives the violation report when a session exhausts its local
// attempt budget. Satisfied by *escalation.Engine.
type Reporter interface {
	RecordViolation(ctx context.Context, ip string) (*escalation.Decision, error)
}

// Hooks notify the host of session outcomes. All callbacks run while the
// session holds its internal lock and must not call back into the session.
// Any hook may be nil.
type Hooks struct {
	// OnVerified fires with the judgment result of every completed answer,
	// and with false when a verified state expires unconsumed.
	OnVerified func(ok bool)

	// OnBlocked fires when the ban engine returned a decision for this
	// session's violation report; the host should route to the block page.
	OnBlocked func(dec *escalation.Decision)

	// OnLockedOut fires when lockout was reached but no ban decision is
	// available (whitelisted IP, or reporting failed); the host falls back
	// to a neutral route.
	OnLockedOut func()

	// OnChallenge fires whenever a fresh challenge is issued.
	OnChallenge func(ch challenge.Challenge)
}

// Snapshot is a point-in-time view of the session for the HTTP boundary.
type Snapshot struct {
	State          string               `json:"state"`
	Challenge      string               `json:"challenge"`
	IssuedAt       time.Time            `json:"issuedAt"`
	Verified       bool                 `json:"verified"`
	Pending        bool                 `json:"pending"`
	FailedAttempts int                  `json:"failedAttempts"`
	LockedUntil    *time.Time           `json:"lockedUntil,omitempty"`
	Banned         *escalation.Decision `json:"banned,omitempty"`
}

// Session owns exactly one live challenge and judges answers against it.
type Session struct {
	mu       sync.Mutex
	cfg      Config
	gen      *challenge.Generator
	reporter Reporter
	hooks    Hooks
	ip       string
	logger   *log.Entry

	current challenge.Challenge
	judged  bool // current challenge has produced a verdict

	answer    string
	processed bool // current buffer content already judged
	honeypot  string

	failures    []time.Time
	verified    bool
	verifiedAt  time.Time
	lockedUntil time.Time
	banned      *escalation.Decision

	verifySeq     uint64
	verifyTimer   *time.Timer
	retryTimer    *time.Timer
	verifiedTimer *time.Timer
	lockoutTimer  *time.Timer
	sessionTimer  *time.Timer

	closed bool
}

// New creates a session for one client, issues the first challenge and arms
// the global timeout.
func New(cfg Config, gen *challenge.Generator, reporter Reporter, ip string, hooks Hooks, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &Session{
		cfg:      cfg,
		gen:      gen,
		reporter: reporter,
		hooks:    hooks,
		ip:       ip,
		logger:   logger.WithField("ip", ip),
	}

	s.mu.Lock()
	s.rotateChallenge()
	s.armSessionTimer()
	s.mu.Unlock()

	return s
}

// SetAnswer replaces the candidate answer buffer. Input is silently
// normalized: lowercase is uppercased, anything outside the challenge
// alphabet's character classes is stripped, and the buffer is capped at the
// challenge length. When the normalized buffer reaches the exact challenge
// length and has not been judged yet, verification is scheduled; an earlier
// pending verification is canceled whenever the buffer changes.
func (s *Session) SetAnswer(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.verified || s.isLocked(time.Now()) {
		return
	}

	normalized := normalize(raw, s.gen.Length())
	if normalized != s.answer {
		s.answer = normalized
		s.processed = false
		s.cancelVerify()
	}

	if len(s.answer) == s.gen.Length() && !s.processed && !s.judged {
		s.scheduleVerify()
	}
}

// SetHoneypot records the decoy field's value. Humans never see the field;
// any non-empty value forces the next judgment to fail.
func (s *Session) SetHoneypot(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.honeypot = v
}

// Refresh is the manual trapdoor for legitimate users: it clears the local
// failure count and lockout, issues a fresh challenge and re-arms the
// global timeout. It is not a security boundary; the server-side ban engine
// still gates the IP.
func (s *Session) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.reset()
}

// Consume claims a verified session for the host (e.g. to complete login).
// Returns false if the session is not currently verified. A successful
// consume resets the session to a fresh challenge.
func (s *Session) Consume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.verified {
		return false
	}
	s.reset()
	return true
}

// Verified reports whether the session holds an unconsumed verified state.
func (s *Session) Verified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified
}

// Snapshot returns the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		Challenge:      s.current.Text,
		IssuedAt:       s.current.IssuedAt,
		Verified:       s.verified,
		Pending:        s.verifyTimer != nil,
		FailedAttempts: len(pruneWindow(s.failures, now.Add(-s.cfg.AttemptWindow))),
		Banned:         s.banned,
	}
	if s.isLocked(now) {
		until := s.lockedUntil
		snap.LockedUntil = &until
	}
	snap.State = s.stateLabel(now)
	return snap
}

// Close tears the session down and cancels every scheduled task.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.cancelVerify()
	stopTimer(&s.retryTimer)
	stopTimer(&s.verifiedTimer)
	stopTimer(&s.lockoutTimer)
	stopTimer(&s.sessionTimer)
}

func (s *Session) stateLabel(now time.Time) string {
	switch {
	case s.verified:
		return "verified"
	case s.isLocked(now):
		return "locked"
	case s.verifyTimer != nil:
		return "pending"
	case s.answer != "":
		return "answering"
	default:
		return "idle"
	}
}

func (s *Session) isLocked(now time.Time) bool {
	return s.lockedUntil.After(now)
}

// scheduleVerify arms the verification task. The honeypot check comes
// before the timing check: a filled decoy field is judged immediately as a
// failure, with no think-time delay. Otherwise judgment is deferred until
// the think-time floor has elapsed since the challenge was issued, so
// too-fast submissions are held back instead of rejected.
// Caller holds s.mu.
func (s *Session) scheduleVerify() {
	if s.honeypot != "" {
		s.judge(s.answer)
		return
	}

	delay := s.cfg.MinThinkTime - time.Since(s.current.IssuedAt)
	if delay <= 0 {
		s.judge(s.answer)
		return
	}

	s.verifySeq++
	seq := s.verifySeq
	ans := s.answer
	stopTimer(&s.verifyTimer)
	s.verifyTimer = time.AfterFunc(delay, func() {
		s.verifyScheduled(seq, ans)
	})
}

func (s *Session) verifyScheduled(seq uint64, ans string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || seq != s.verifySeq {
		return
	}
	s.verifyTimer = nil

	// Abandon if the preconditions no longer hold.
	if s.judged || s.answer != ans || s.honeypot != "" || s.isLocked(time.Now()) {
		return
	}
	s.judge(ans)
}

// cancelVerify invalidates any pending verification. Caller holds s.mu.
func (s *Session) cancelVerify() {
	s.verifySeq++
	stopTimer(&s.verifyTimer)
}

// judge produces the one verdict the current challenge will ever get.
// Caller holds s.mu.
func (s *Session) judge(ans string) {
	s.judged = true
	s.processed = true
	s.cancelVerify()

	now := time.Now()
	ok := s.honeypot == "" && s.current.Matches(ans)
	if s.honeypot != "" {
		honeypotHits.Inc()
	}

	if ok {
		verificationsTotal.WithLabelValues("success").Inc()
		s.verified = true
		s.verifiedAt = now
		s.failures = nil
		stopTimer(&s.sessionTimer)
		s.armVerifiedTimer()
		s.logger.Debug("Challenge verified")
		s.notifyVerified(true)
		return
	}

	verificationsTotal.WithLabelValues("failure").Inc()
	s.failures = append(pruneWindow(s.failures, now.Add(-s.cfg.AttemptWindow)), now)
	s.notifyVerified(false)

	if len(s.failures) >= s.cfg.MaxAttempts {
		s.lockedUntil = now.Add(s.cfg.LockoutDuration)
		s.armLockoutTimer()
		s.logger.WithField("failures", len(s.failures)).Info("Attempt budget exhausted, reporting violation")
		go s.reportViolation()
		return
	}

	// Wrong but under budget: rotate to a fresh challenge after a short
	// delay, staying in the answering state.
	stopTimer(&s.retryTimer)
	s.retryTimer = time.AfterFunc(s.cfg.RetryDelay, s.retryRotate)
}

func (s *Session) retryRotate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.verified || s.isLocked(time.Now()) {
		return
	}
	s.rotateChallenge()
}

// reportViolation runs off the event path so judgment never blocks on the
// engine. Reporting failures fall back to the neutral lockout notification;
// they are never treated as "no ban".
func (s *Session) reportViolation() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dec, err := s.reporter.RecordViolation(ctx, s.ip)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if err != nil {
		s.logger.WithError(err).Error("Violation report failed")
		if s.hooks.OnLockedOut != nil {
			s.hooks.OnLockedOut()
		}
		return
	}
	if dec == nil {
		if s.hooks.OnLockedOut != nil {
			s.hooks.OnLockedOut()
		}
		return
	}

	s.banned = dec
	if s.hooks.OnBlocked != nil {
		s.hooks.OnBlocked(dec)
	}
}

func (s *Session) lockoutExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.lockedUntil = time.Time{}
	s.rotateChallenge()
}

func (s *Session) verifiedExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.verified {
		return
	}

	s.verified = false
	s.verifiedAt = time.Time{}
	s.rotateChallenge()
	s.armSessionTimer()
	s.logger.Debug("Verified state expired unconsumed")
	s.notifyVerified(false)
}

func (s *Session) sessionExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.logger.Debug("Session timed out, resetting")
	s.reset()
}

// reset returns the session to a fresh answering state. Caller holds s.mu.
func (s *Session) reset() {
	s.failures = nil
	s.lockedUntil = time.Time{}
	s.verified = false
	s.verifiedAt = time.Time{}
	stopTimer(&s.retryTimer)
	stopTimer(&s.verifiedTimer)
	stopTimer(&s.lockoutTimer)
	s.rotateChallenge()
	s.armSessionTimer()
}

// rotateChallenge replaces the challenge and clears per-challenge state.
// Caller holds s.mu.
func (s *Session) rotateChallenge() {
	s.cancelVerify()
	s.current = s.gen.Generate()
	challengesIssued.Inc()
	s.judged = false
	s.processed = false
	s.answer = ""
	s.honeypot = ""
	if s.hooks.OnChallenge != nil {
		s.hooks.OnChallenge(s.current)
	}
}

func (s *Session) armSessionTimer() {
	stopTimer(&s.sessionTimer)
	s.sessionTimer = time.AfterFunc(s.cfg.SessionTimeout, s.sessionExpired)
}

func (s *Session) armVerifiedTimer() {
	stopTimer(&s.verifiedTimer)
	s.verifiedTimer = time.AfterFunc(s.cfg.VerifiedLifetime, s.verifiedExpired)
}

func (s *Session) armLockoutTimer() {
	stopTimer(&s.lockoutTimer)
	s.lockoutTimer = time.AfterFunc(s.cfg.LockoutDuration, s.lockoutExpired)
}

func (s *Session) notifyVerified(ok bool) {
	if s.hooks.OnVerified != nil {
		s.hooks.OnVerified(ok)
	}
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// normalize strips everything but uppercase alphanumerics (lowercase input
// is uppercased first) and caps the buffer at the challenge length. Invalid
// characters are dropped silently, never rejected with an error.
func normalize(raw string, max int) string {
	out := make([]byte, 0, max)
	for i := 0; i < len(raw) && len(out) < max; i++ {
		c := raw[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			out = append(out, c)
		}
	}
	return string(out)
}

// pruneWindow drops timestamps at or before cutoff.
func pruneWindow(ts []time.Time, cutoff time.Time) []time.Time {
	recent := make([]time.Time, 0, len(ts))
	for _, t := range ts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	return recent
}
