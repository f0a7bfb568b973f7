package api

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"

	"github.com/dobrevit/captcha-gate/pkg/challenge"
	"github.com/dobrevit/captcha-gate/pkg/session"
)

// Registry tracks live challenge sessions by opaque token. Tokens travel in
// the captcha_session cookie; sessions themselves never persist across
// reloads beyond what the client mirrors locally.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry

	cfg      session.Config
	gen      *challenge.Generator
	reporter session.Reporter
	logger   *log.Logger
	tomb     tomb.Tomb
}

type registryEntry struct {
	sess     *session.Session
	ip       string
	lastSeen time.Time
}

// NewRegistry creates a session registry.
func NewRegistry(cfg session.Config, gen *challenge.Generator, reporter session.Reporter, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Registry{
		entries:  make(map[string]*registryEntry),
		cfg:      cfg,
		gen:      gen,
		reporter: reporter,
		logger:   logger,
	}
}

// Create starts a fresh session for the client IP and returns its token.
// An existing session for oldToken, if any, is closed and replaced. A
// cookieless client minting a new session per request is bounded by the
// per-IP cap: the least recently seen session for the IP is evicted.
func (r *Registry) Create(ip, oldToken string) (string, *session.Session) {
	sess := session.New(r.cfg, r.gen, r.reporter, ip, session.Hooks{}, r.logger)
	token := uuid.NewString()

	r.mu.Lock()
	if old, ok := r.entries[oldToken]; ok {
		old.sess.Close()
		delete(r.entries, oldToken)
	}
	if max := r.cfg.MaxSessionsPerIP; max > 0 {
		r.evictOverCap(ip, max-1)
	}
	r.entries[token] = &registryEntry{sess: sess, ip: ip, lastSeen: time.Now()}
	r.mu.Unlock()

	return token, sess
}

// evictOverCap drops the least recently seen sessions for ip until at most
// allowed remain. Caller holds r.mu.
func (r *Registry) evictOverCap(ip string, allowed int) {
	for {
		count := 0
		oldestToken := ""
		var oldest time.Time
		for token, entry := range r.entries {
			if entry.ip != ip {
				continue
			}
			count++
			if oldestToken == "" || entry.lastSeen.Before(oldest) {
				oldestToken = token
				oldest = entry.lastSeen
			}
		}
		if count <= allowed {
			return
		}
		r.entries[oldestToken].sess.Close()
		delete(r.entries, oldestToken)
		r.logger.WithField("ip", ip).Debug("Evicted oldest challenge session over per-IP cap")
	}
}

// Get returns the session for a token, or nil. Touches the entry's
// last-seen time.
func (r *Registry) Get(token string) *session.Session {
	if token == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[token]
	if !ok {
		return nil
	}
	entry.lastSeen = time.Now()
	return entry.sess
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Start launches the reaper that drops sessions idle past twice the global
// session timeout. The sessions reset themselves on timeout; the reaper
// only reclaims registry memory.
func (r *Registry) Start() {
	r.tomb.Go(r.reapTask)
}

// Stop terminates the reaper and closes every session.
func (r *Registry) Stop() {
	r.tomb.Kill(nil)
	r.tomb.Wait()

	r.mu.Lock()
	for token, entry := range r.entries {
		entry.sess.Close()
		delete(r.entries, token)
	}
	r.mu.Unlock()
}

func (r *Registry) reapTask() error {
	interval := r.cfg.SessionTimeout
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reap(2 * r.cfg.SessionTimeout)
		case <-r.tomb.Dying():
			return nil
		}
	}
}

func (r *Registry) reap(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	reaped := 0

	r.mu.Lock()
	for token, entry := range r.entries {
		if entry.lastSeen.Before(cutoff) {
			entry.sess.Close()
			delete(r.entries, token)
			reaped++
		}
	}
	r.mu.Unlock()

	if reaped > 0 {
		r.logger.WithField("count", reaped).Debug("Reaped idle challenge sessions")
	}
}
