// Package escalation implements the server-side ban authority for the
// captcha gate. Violations reported for an IP promote it through temporary
// ban tiers of increasing duration and, past the last tier, to a permanent
// ban.
package escalation

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tier is a discrete ban severity level. Temporary tiers escalate in order;
// TierPermanent is terminal and never downgraded.
type Tier int

const (
	Tier1 Tier = iota + 1
	Tier2
	Tier3
	TierPermanent
)

// String returns the storage/wire label for the tier.
func (t Tier) String() string {
	switch t {
	case Tier1:
		return "tier1"
	case Tier2:
		return "tier2"
	case Tier3:
		return "tier3"
	case TierPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Next returns the tier a repeat offense during an active ban promotes to.
func (t Tier) Next() Tier {
	if t >= Tier3 {
		return TierPermanent
	}
	return t + 1
}

// temporaryTiers lists the temporary tiers in ascending severity.
var temporaryTiers = []Tier{Tier1, Tier2, Tier3}

// allTiers lists every storage partition in descending precedence.
var allTiers = []Tier{TierPermanent, Tier3, Tier2, Tier1}

// Record is the authoritative ban state for one IP within one tier
// partition. BannedUntil is zero for permanent records.
type Record struct {
	IP          string
	Tier        Tier
	Code        string
	BannedUntil time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Active reports whether the record still bans the IP at the given instant.
func (r *Record) Active(now time.Time) bool {
	if r == nil {
		return false
	}
	return r.Tier == TierPermanent || r.BannedUntil.After(now)
}

// Decision is what the engine hands back to the HTTP boundary. BannedUntil
// is omitted for permanent bans.
type Decision struct {
	Tier        string     `json:"tier"`
	Code        string     `json:"code"`
	Permanent   bool       `json:"permanent"`
	BannedUntil *time.Time `json:"bannedUntil,omitempty"`
}

// decisionFor converts an active record into a wire decision.
func decisionFor(rec *Record) *Decision {
	if rec == nil {
		return nil
	}
	d := &Decision{
		Tier:      rec.Tier.String(),
		Code:      rec.Code,
		Permanent: rec.Tier == TierPermanent,
	}
	if !d.Permanent {
		until := rec.BannedUntil
		d.BannedUntil = &until
	}
	return d
}

// ErrTxConflict is returned by a store when concurrent updates for the same
// IP exhausted the optimistic retry budget.
var ErrTxConflict = errors.New("ban record transaction conflict")

// Store persists ban records across four partitions, one per temporary tier
// plus one for permanent bans, each keyed by IP address.
//
// Implementations must provide per-IP atomicity for Apply: two concurrent
// Apply calls for the same IP must serialize, so that a read-modify-write
// race can neither double-promote nor skip a tier. Cross-IP coordination is
// never required.
type Store interface {
	// Lookup returns the highest-precedence active record for ip, or nil.
	// Expired temporary records are ignored (lazy expiry on the read path).
	Lookup(ctx context.Context, ip string) (*Record, error)

	// Apply runs fn against the current highest-precedence active record
	// for ip (nil if none) and persists the returned record atomically,
	// clearing the IP from every other partition. A nil return from fn
	// leaves the state untouched. Apply returns the record in effect after
	// the call.
	Apply(ctx context.Context, ip string, fn func(cur *Record) (*Record, error)) (*Record, error)

	// Delete removes the IP from all partitions (support unban).
	Delete(ctx context.Context, ip string) error

	// Sweep removes expired temporary records. Storage hygiene only; the
	// read path never depends on it.
	Sweep(ctx context.Context) error

	// Stats returns per-partition record counts.
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// Stats represents store statistics.
type Stats struct {
	BackendType string         `json:"backend_type"`
	ByTier      map[string]int `json:"by_tier"`
}

// Config represents ban escalation configuration.
type Config struct {
	Backend       BackendConfig `toml:"backend"`
	Tier1Duration time.Duration `toml:"tier1Duration"`
	Tier2Duration time.Duration `toml:"tier2Duration"`
	Tier3Duration time.Duration `toml:"tier3Duration"`
	SweepInterval time.Duration `toml:"sweepInterval"`

	// GeoIPDatabase optionally points at a MaxMind database used to tag
	// ban audit logs with a country code. Empty disables enrichment.
	GeoIPDatabase string `toml:"geoipDatabase"`

	// Whitelist lists IPs and CIDR ranges that are never banned.
	Whitelist []string `toml:"whitelist"`
}

// BackendConfig selects and configures the ban store backend.
type BackendConfig struct {
	Type  string      `toml:"type"`
	Redis RedisConfig `toml:"redis"`
}

// RedisConfig represents Redis backend configuration.
type RedisConfig struct {
	Addr         string        `toml:"addr"`
	Password     string        `toml:"password"`
	DB           int           `toml:"db"`
	PoolSize     int           `toml:"poolSize"`
	DialTimeout  time.Duration `toml:"dialTimeout"`
	ReadTimeout  time.Duration `toml:"readTimeout"`
	WriteTimeout time.Duration `toml:"writeTimeout"`
	KeyPrefix    string        `toml:"keyPrefix"`
	MaxRetries   int           `toml:"maxRetries"`
}

// DefaultConfig returns the default escalation configuration. Tier
// durations grow from seconds through minutes to hours; validation only
// requires that they are monotonic.
func DefaultConfig() Config {
	return Config{
		Backend: BackendConfig{
			Type: "memory",
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				PoolSize:     10,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
				KeyPrefix:    "captchagate:bans:",
				MaxRetries:   3,
			},
		},
		Tier1Duration: 5 * time.Second,
		Tier2Duration: 15 * time.Minute,
		Tier3Duration: 24 * time.Hour,
		SweepInterval: 5 * time.Minute,
		Whitelist: []string{
			"127.0.0.1",
			"::1",
		},
	}
}

// Prometheus metrics are package level so multiple engine instances (tests
// included) share one set of collectors.
var (
	violationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "captchagate_ban_violations_total",
		Help: "Total qualifying violations recorded, by resulting tier",
	}, []string{"tier"})

	activeBans = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "captchagate_active_bans",
		Help: "Number of currently stored ban records",
	}, []string{"tier"})

	storeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "captchagate_ban_store_duration_seconds",
		Help:    "Duration of ban store operations",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	}, []string{"operation"})
)
