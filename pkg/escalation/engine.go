package escalation

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/oschwald/geoip2-golang"
	log "github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"

	"github.com/dobrevit/captcha-gate/pkg/challenge"
)

// Engine is the ban escalation authority. It decides, per reported
// violation, the next punitive state for an IP and persists it through the
// configured store.
type Engine struct {
	config    Config
	store     Store
	logger    *log.Logger
	geo       *geoip2.Reader
	whitelist map[string]bool
	ipNets    []*net.IPNet
	tomb      tomb.Tomb
}

// New creates an engine backed by the store selected in config.
func New(config Config, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if err := validateDurations(config); err != nil {
		return nil, err
	}

	store, err := createStore(config.Backend)
	if err != nil {
		return nil, fmt.Errorf("failed to create ban store: %w", err)
	}

	e := &Engine{
		config: config,
		store:  store,
		logger: logger,
	}

	if err := e.initWhitelist(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize whitelist: %w", err)
	}

	if config.GeoIPDatabase != "" {
		geo, err := geoip2.Open(config.GeoIPDatabase)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
		}
		e.geo = geo
	}

	return e, nil
}

// NewWithStore creates an engine on an already-constructed store. Used by
// tests and by callers that manage the store lifecycle themselves.
func NewWithStore(config Config, store Store, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if err := validateDurations(config); err != nil {
		return nil, err
	}
	e := &Engine{
		config: config,
		store:  store,
		logger: logger,
	}
	if err := e.initWhitelist(); err != nil {
		return nil, fmt.Errorf("failed to initialize whitelist: %w", err)
	}
	return e, nil
}

func validateDurations(config Config) error {
	if config.Tier1Duration <= 0 || config.Tier2Duration <= 0 || config.Tier3Duration <= 0 {
		return fmt.Errorf("tier durations must be positive")
	}
	if config.Tier2Duration < config.Tier1Duration || config.Tier3Duration < config.Tier2Duration {
		return fmt.Errorf("tier durations must not decrease tier over tier")
	}
	return nil
}

func createStore(config BackendConfig) (Store, error) {
	switch config.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(config.Redis)
	default:
		return nil, fmt.Errorf("unknown ban store type: %s", config.Type)
	}
}

func (e *Engine) initWhitelist() error {
	e.whitelist = make(map[string]bool)
	e.ipNets = make([]*net.IPNet, 0)

	for _, ipStr := range e.config.Whitelist {
		if ip := net.ParseIP(ipStr); ip != nil {
			e.whitelist[ip.String()] = true
		} else if _, ipNet, err := net.ParseCIDR(ipStr); err == nil {
			e.ipNets = append(e.ipNets, ipNet)
		} else {
			return fmt.Errorf("invalid IP or CIDR: %s", ipStr)
		}
	}

	return nil
}

// IsWhitelisted checks if an IP is exempt from banning.
func (e *Engine) IsWhitelisted(ip string) bool {
	if e.whitelist[ip] {
		return true
	}

	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return false
	}

	for _, ipNet := range e.ipNets {
		if ipNet.Contains(parsedIP) {
			return true
		}
	}

	return false
}

// RecordViolation registers one qualifying violation for the IP and returns
// the resulting ban decision.
//
// Promotion rules: a violation while a temporary ban is still active
// escalates one tier (Tier3 promotes to permanent); a violation after the
// previous ban expired starts over at Tier1; a permanent record is terminal
// and returned unchanged. The lookup-then-promote sequence is atomic per IP
// inside the store.
//
// A store failure is retried once and then surfaced as an error. It is
// never translated into an unbanned decision; callers must treat the error
// as a denial, not as permission.
func (e *Engine) RecordViolation(ctx context.Context, ip string) (*Decision, error) {
	if e.IsWhitelisted(ip) {
		e.logger.WithField("ip", ip).Debug("Violation from whitelisted IP ignored")
		return nil, nil
	}

	rec, changed, err := e.escalate(ctx, ip)
	if err != nil {
		// One retry before failing safe toward denial.
		rec, changed, err = e.escalate(ctx, ip)
	}
	if err != nil {
		e.logger.WithError(err).WithField("ip", ip).Error("Failed to record violation")
		return nil, fmt.Errorf("failed to record violation for %s: %w", ip, err)
	}

	violationsTotal.WithLabelValues(rec.Tier.String()).Inc()
	if changed {
		e.logBan(rec)
	} else {
		// Permanent record left untouched; the ban was announced when it
		// was written.
		e.logger.WithFields(log.Fields{
			"ip":   rec.IP,
			"code": rec.Code,
		}).Debug("Repeat violation against permanent ban")
	}

	return decisionFor(rec), nil
}

func (e *Engine) escalate(ctx context.Context, ip string) (*Record, bool, error) {
	start := time.Now()
	defer func() {
		storeDuration.WithLabelValues("apply").Observe(time.Since(start).Seconds())
	}()

	changed := false
	rec, err := e.store.Apply(ctx, ip, func(cur *Record) (*Record, error) {
		changed = false
		now := time.Now()

		if cur != nil && cur.Tier == TierPermanent {
			return nil, nil
		}

		code, err := challenge.NewCode()
		if err != nil {
			return nil, err
		}
		changed = true

		if cur == nil {
			// First offense, or the previous ban expired and reset
			// escalation memory.
			return &Record{
				IP:          ip,
				Tier:        Tier1,
				Code:        code,
				BannedUntil: now.Add(e.config.Tier1Duration),
				CreatedAt:   now,
				UpdatedAt:   now,
			}, nil
		}

		// Repeat offense during an active ban: promote.
		next := &Record{
			IP:        ip,
			Tier:      cur.Tier.Next(),
			Code:      code,
			CreatedAt: cur.CreatedAt,
			UpdatedAt: now,
		}
		if next.Tier != TierPermanent {
			next.BannedUntil = now.Add(e.tierDuration(next.Tier))
		}
		return next, nil
	})
	return rec, changed, err
}

func (e *Engine) tierDuration(t Tier) time.Duration {
	switch t {
	case Tier1:
		return e.config.Tier1Duration
	case Tier2:
		return e.config.Tier2Duration
	default:
		return e.config.Tier3Duration
	}
}

// CheckStatus returns the active ban decision for the IP, or nil if none.
// Two consecutive calls without an intervening violation return identical
// results. Errors are surfaced as-is; the HTTP boundary fails open on them.
func (e *Engine) CheckStatus(ctx context.Context, ip string) (*Decision, error) {
	if e.IsWhitelisted(ip) {
		return nil, nil
	}

	start := time.Now()
	rec, err := e.store.Lookup(ctx, ip)
	storeDuration.WithLabelValues("lookup").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to check ban status for %s: %w", ip, err)
	}

	return decisionFor(rec), nil
}

// Unban removes every ban record for the IP. Support operation; nothing in
// the escalation flow calls it.
func (e *Engine) Unban(ctx context.Context, ip string) error {
	if err := e.store.Delete(ctx, ip); err != nil {
		return fmt.Errorf("failed to unban %s: %w", ip, err)
	}
	e.logger.WithField("ip", ip).Info("IP unbanned")
	return nil
}

// Stats returns current store statistics.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	return e.store.Stats(ctx)
}

// Start launches the background sweep and metrics tasks.
func (e *Engine) Start() {
	e.tomb.Go(e.sweepTask)
	e.tomb.Go(e.metricsTask)
}

// Stop terminates background tasks and closes the store.
func (e *Engine) Stop() {
	e.tomb.Kill(nil)
	e.tomb.Wait()

	if e.geo != nil {
		e.geo.Close()
	}
	if e.store != nil {
		e.store.Close()
	}
}

func (e *Engine) sweepTask() error {
	interval := e.config.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := e.store.Sweep(ctx); err != nil {
				e.logger.WithError(err).Warn("Ban store sweep failed")
			}
			cancel()
		case <-e.tomb.Dying():
			return nil
		}
	}
}

func (e *Engine) metricsTask() error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if stats, err := e.store.Stats(ctx); err == nil {
				for tier, count := range stats.ByTier {
					activeBans.WithLabelValues(tier).Set(float64(count))
				}
			}
			cancel()
		case <-e.tomb.Dying():
			return nil
		}
	}
}

// logBan emits the structured audit record for a ban event.
func (e *Engine) logBan(rec *Record) {
	fields := log.Fields{
		"ip":   rec.IP,
		"tier": rec.Tier.String(),
		"code": rec.Code,
	}
	if rec.Tier != TierPermanent {
		fields["bannedUntil"] = rec.BannedUntil.Format(time.RFC3339)
	}
	if country := e.countryFor(rec.IP); country != "" {
		fields["country"] = country
	}
	e.logger.WithFields(fields).Warn("Ban recorded")
}

func (e *Engine) countryFor(ip string) string {
	if e.geo == nil {
		return ""
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	country, err := e.geo.Country(parsed)
	if err != nil {
		return ""
	}
	return country.Country.IsoCode
}
