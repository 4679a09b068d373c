package budget

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// RedisConfig configures the Redis/Valkey-backed Tracker.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	KeyPrefix string
}

// RedisTracker stores each tenant's usage as a sorted set keyed
// "<prefix>:<tenant>" with members "<ts>:<tokens>:<nonce>" scored by
// timestamp. Prune-then-read is not transactional: an over-accepted
// request under concurrent load is preferable to rejecting a legitimate
// one.
type RedisTracker struct {
	client valkey.Client
	prefix string
	limits Limits
}

// NewRedis constructs a Redis/Valkey-backed Tracker.
func NewRedis(cfg RedisConfig, limits Limits) (*RedisTracker, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("budget: redis address required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "srg:budget:v1"
	}
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	if err != nil {
		return nil, &BackendError{Cause: fmt.Errorf("budget: redis client: %w", err)}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, &BackendError{Cause: fmt.Errorf("budget: redis ping: %w", err)}
	}
	return &RedisTracker{client: client, prefix: prefix, limits: limits}, nil
}

func (t *RedisTracker) key(tenant string) string {
	return t.prefix + ":" + tenant
}

// pruneAndSum removes entries older than the window and sums the tokens of
// the remaining members. It performs ZREMRANGEBYSCORE then ZRANGEBYSCORE as
// two separate commands, matching the documented non-transactional design.
func (t *RedisTracker) pruneAndSum(ctx context.Context, tenant string, now time.Time) (int, error) {
	key := t.key(tenant)
	cutoff := windowStart(now, t.limits.WindowSeconds).UnixNano()

	remCmd := t.client.B().Zremrangebyscore().Key(key).Min("-inf").Max(strconv.FormatInt(cutoff, 10)).Build()
	if err := t.client.Do(ctx, remCmd).Error(); err != nil {
		return 0, &BackendError{Cause: fmt.Errorf("budget: zremrangebyscore: %w", err)}
	}

	rangeCmd := t.client.B().Zrangebyscore().Key(key).Min(strconv.FormatInt(cutoff, 10)).Max("+inf").Build()
	resp := t.client.Do(ctx, rangeCmd)
	members, err := resp.AsStrSlice()
	if err != nil {
		return 0, &BackendError{Cause: fmt.Errorf("budget: zrangebyscore: %w", err)}
	}

	used := 0
	for _, m := range members {
		parts := strings.SplitN(m, ":", 3)
		if len(parts) < 2 {
			continue
		}
		tokens, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		used += tokens
	}
	return used, nil
}

func (t *RedisTracker) Check(ctx context.Context, tenant string, requested int) error {
	used, err := t.pruneAndSum(ctx, tenant, time.Now())
	if err != nil {
		return err
	}
	ceiling := t.limits.CeilingFor(tenant)
	if used+requested > ceiling {
		return &ExceededError{Tenant: tenant, Used: used, Ceiling: ceiling, WindowSeconds: t.limits.WindowSeconds}
	}
	return nil
}

func (t *RedisTracker) CheckRunning(ctx context.Context, tenant string, requested int) (bool, error) {
	used, err := t.pruneAndSum(ctx, tenant, time.Now())
	if err != nil {
		return false, err
	}
	return used+requested <= t.limits.CeilingFor(tenant), nil
}

// Record appends a usage entry via pipelined ZADD + EXPIRE, setting the key
// TTL to 2*window so idle tenants' keys eventually expire without an explicit
// cleanup job. The TTL is not configurable separately from the window.
func (t *RedisTracker) Record(ctx context.Context, tenant string, tokens int) error {
	key := t.key(tenant)
	now := time.Now()
	member := fmt.Sprintf("%d:%d:%s", now.UnixNano(), tokens, randomNonce())

	ttl := time.Duration(2*t.limits.WindowSeconds) * time.Second
	addCmd := t.client.B().Zadd().Key(key).ScoreMember().ScoreMember(float64(now.UnixNano()), member).Build()
	expireCmd := t.client.B().Expire().Key(key).Seconds(int64(ttl.Seconds())).Build()

	for _, resp := range t.client.DoMulti(ctx, addCmd, expireCmd) {
		if err := resp.Error(); err != nil {
			return &BackendError{Cause: fmt.Errorf("budget: record: %w", err)}
		}
	}
	return nil
}

func (t *RedisTracker) Summary(ctx context.Context, tenant string) (Summary, error) {
	used, err := t.pruneAndSum(ctx, tenant, time.Now())
	if err != nil {
		return Summary{}, err
	}
	return summarize(tenant, t.limits, used), nil
}

func (t *RedisTracker) Close(context.Context) error {
	t.client.Close()
	return nil
}

func randomNonce() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
