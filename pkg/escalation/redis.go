// Package escalation - Redis store implementation
package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements the Store interface on Redis. Each tier partition
// maps to a key prefix; records are hashes. Apply uses WATCH over the four
// keys for the IP, so a concurrent promotion for the same IP aborts the
// transaction and is retried against the fresh state.
type RedisStore struct {
	client *redis.Client
	config RedisConfig
}

// NewRedisStore creates a Redis store and verifies connectivity.
func NewRedisStore(config RedisConfig) (*RedisStore, error) {
	if config.PoolSize <= 0 {
		config.PoolSize = 10
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 3 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 3 * time.Second
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "captchagate:bans:"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		MaxRetries:   config.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client: client,
		config: config,
	}, nil
}

func (s *RedisStore) key(t Tier, ip string) string {
	return s.config.KeyPrefix + t.String() + ":" + ip
}

func (s *RedisStore) keysFor(ip string) []string {
	keys := make([]string, 0, len(allTiers))
	for _, t := range allTiers {
		keys = append(keys, s.key(t, ip))
	}
	return keys
}

// recordFromHash decodes a stored hash, or returns nil for a missing key.
func recordFromHash(ip string, t Tier, fields map[string]string) (*Record, error) {
	if len(fields) == 0 {
		return nil, nil
	}

	rec := &Record{
		IP:   ip,
		Tier: t,
		Code: fields["code"],
	}

	var err error
	if v := fields["banned_until"]; v != "" {
		if rec.BannedUntil, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("invalid banned_until for %s: %w", ip, err)
		}
	}
	if v := fields["created_at"]; v != "" {
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("invalid created_at for %s: %w", ip, err)
		}
	}
	if v := fields["updated_at"]; v != "" {
		if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("invalid updated_at for %s: %w", ip, err)
		}
	}

	return rec, nil
}

func recordToHash(rec *Record) map[string]interface{} {
	fields := map[string]interface{}{
		"code":       rec.Code,
		"created_at": rec.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": rec.UpdatedAt.Format(time.RFC3339Nano),
	}
	if rec.Tier != TierPermanent {
		fields["banned_until"] = rec.BannedUntil.Format(time.RFC3339Nano)
	}
	return fields
}

// lookupWith walks the partitions in precedence order using the supplied
// command runner (plain client or WATCH transaction).
func (s *RedisStore) lookupWith(ctx context.Context, cmd redis.Cmdable, ip string) (*Record, error) {
	now := time.Now()
	for _, t := range allTiers {
		fields, err := cmd.HGetAll(ctx, s.key(t, ip)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read ban record: %w", err)
		}
		rec, err := recordFromHash(ip, t, fields)
		if err != nil {
			return nil, err
		}
		if rec.Active(now) {
			return rec, nil
		}
	}
	return nil, nil
}

func (s *RedisStore) Lookup(ctx context.Context, ip string) (*Record, error) {
	return s.lookupWith(ctx, s.client, ip)
}

func (s *RedisStore) Apply(ctx context.Context, ip string, fn func(cur *Record) (*Record, error)) (*Record, error) {
	var result *Record

	txf := func(tx *redis.Tx) error {
		cur, err := s.lookupWith(ctx, tx, ip)
		if err != nil {
			return err
		}

		next, err := fn(cur)
		if err != nil {
			return err
		}
		if next == nil {
			result = cur
			return nil
		}
		result = next

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, t := range allTiers {
				if t != next.Tier {
					pipe.Del(ctx, s.key(t, ip))
				}
			}

			key := s.key(next.Tier, ip)
			pipe.HSet(ctx, key, recordToHash(next))
			if next.Tier != TierPermanent {
				// Keep the key around past expiry for a while; the read
				// path ignores expired records either way.
				pipe.Expire(ctx, key, time.Until(next.BannedUntil)+time.Hour)
			} else {
				pipe.Persist(ctx, key)
			}
			return nil
		})
		return err
	}

	for i := 0; i < s.config.MaxRetries; i++ {
		err := s.client.Watch(ctx, txf, s.keysFor(ip)...)
		if err == nil {
			return result, nil
		}
		if err != redis.TxFailedErr {
			return nil, fmt.Errorf("failed to apply ban record: %w", err)
		}
	}

	return nil, ErrTxConflict
}

func (s *RedisStore) Delete(ctx context.Context, ip string) error {
	if err := s.client.Del(ctx, s.keysFor(ip)...).Err(); err != nil {
		return fmt.Errorf("failed to delete ban records: %w", err)
	}
	return nil
}

// Sweep is a no-op for Redis: temporary records carry TTLs and permanent
// records are never removed automatically.
func (s *RedisStore) Sweep(ctx context.Context) error {
	return nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	byTier := make(map[string]int, len(allTiers))

	for _, t := range allTiers {
		pattern := s.config.KeyPrefix + t.String() + ":*"
		var cursor uint64
		count := 0
		for {
			keys, nextCursor, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return Stats{}, fmt.Errorf("failed to scan ban records: %w", err)
			}
			count += len(keys)
			cursor = nextCursor
			if cursor == 0 {
				break
			}
		}
		byTier[t.String()] = count
	}

	return Stats{
		BackendType: "redis",
		ByTier:      byTier,
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
