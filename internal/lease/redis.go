package lease

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/biz-doublej/rangu.fam-sub002/internal/wiki"
)

// Leases live in a hash per page:
//
//	wiki:lease:<pageID> -> holder, reason, started, expires (unix ms)
//
// Expiry is judged against the caller's clock inside the script; the key
// TTL only reclaims memory.
var acquireScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'holder')
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires') or '0')
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local live = holder and expires > now
if live and holder ~= ARGV[1] then
  return {0, holder, redis.call('HGET', KEYS[1], 'reason') or '', redis.call('HGET', KEYS[1], 'started') or '0', tostring(expires)}
end
local started = ARGV[3]
local reason = ARGV[2]
local granted = 1
if live then
  granted = 2
  started = redis.call('HGET', KEYS[1], 'started') or ARGV[3]
  if reason == '' then
    reason = redis.call('HGET', KEYS[1], 'reason') or ''
  end
end
local newExpires = now + ttl
redis.call('HSET', KEYS[1], 'holder', ARGV[1], 'reason', reason, 'started', started, 'expires', tostring(newExpires))
redis.call('PEXPIRE', KEYS[1], ttl)
return {granted, ARGV[1], reason, started, tostring(newExpires)}
`)

var releaseScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'holder')
if not holder then
  return {1, ''}
end
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires') or '0')
if holder == ARGV[1] or expires <= tonumber(ARGV[2]) then
  redis.call('DEL', KEYS[1])
  return {1, holder}
end
return {0, holder}
`)

type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects to redisURL and verifies the connection.
func NewRedisBackend(ctx context.Context, redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBackendWithClient(client), nil
}

func NewRedisBackendWithClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, prefix: "wiki:lease:"}
}

func (b *RedisBackend) key(pageKey string) string {
	return b.prefix + pageKey
}

func (b *RedisBackend) Acquire(ctx context.Context, key, holder, reason string, now time.Time, ttl time.Duration) (wiki.Lease, error) {
	res, err := acquireScript.Run(ctx, b.client, []string{b.key(key)},
		holder, reason, now.UnixMilli(), ttl.Milliseconds()).Slice()
	if err != nil {
		return wiki.Lease{}, fmt.Errorf("acquire lease: %w", err)
	}
	status, lease, err := decodeLease(key, res)
	if err != nil {
		return wiki.Lease{}, err
	}
	if status == 0 {
		return wiki.Lease{}, lockHeld(lease)
	}
	lease.Renewed = status == 2
	return lease, nil
}

func (b *RedisBackend) Release(ctx context.Context, key, holder string, now time.Time) error {
	res, err := releaseScript.Run(ctx, b.client, []string{b.key(key)}, holder, now.UnixMilli()).Slice()
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if len(res) != 2 {
		return fmt.Errorf("release lease: unexpected reply %v", res)
	}
	if ok, _ := res[0].(int64); ok == 1 {
		return nil
	}
	current, _ := res[1].(string)
	return notHolder(wiki.Lease{Key: key, Holder: current})
}

func (b *RedisBackend) Get(ctx context.Context, key string, now time.Time) (wiki.Lease, bool, error) {
	fields, err := b.client.HGetAll(ctx, b.key(key)).Result()
	if err != nil {
		return wiki.Lease{}, false, fmt.Errorf("get lease: %w", err)
	}
	if fields["holder"] == "" {
		return wiki.Lease{}, false, nil
	}
	started, err := parseMillis(fields["started"])
	if err != nil {
		return wiki.Lease{}, false, err
	}
	expires, err := parseMillis(fields["expires"])
	if err != nil {
		return wiki.Lease{}, false, err
	}
	lease := wiki.Lease{Key: key, Holder: fields["holder"], Reason: fields["reason"], StartedAt: started, ExpiresAt: expires}
	if !lease.Live(now) {
		return wiki.Lease{}, false, nil
	}
	return lease, true, nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// decodeLease unpacks the acquire reply. status is 0 when someone else holds
// the lease, 1 for a new grant and 2 for a renewal.
func decodeLease(key string, res []any) (int64, wiki.Lease, error) {
	if len(res) != 5 {
		return 0, wiki.Lease{}, fmt.Errorf("acquire lease: unexpected reply %v", res)
	}
	status, _ := res[0].(int64)
	holder, _ := res[1].(string)
	reason, _ := res[2].(string)
	startedRaw, _ := res[3].(string)
	expiresRaw, _ := res[4].(string)
	started, err := parseMillis(startedRaw)
	if err != nil {
		return 0, wiki.Lease{}, err
	}
	expires, err := parseMillis(expiresRaw)
	if err != nil {
		return 0, wiki.Lease{}, err
	}
	return status, wiki.Lease{Key: key, Holder: holder, Reason: reason, StartedAt: started, ExpiresAt: expires}, nil
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse lease timestamp %q: %w", raw, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}
