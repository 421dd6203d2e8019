package session

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vinayprograms/llmdispatch/logging"
)

// DefaultKeyPrefix namespaces registry keys in Redis.
const DefaultKeyPrefix = "llmdispatch:sessions"

// Session hash fields. Timestamps are Unix milliseconds.
const (
	fieldConnectedAt   = "connected_at"
	fieldLastHeartbeat = "last_heartbeat"
	fieldLastRequest   = "last_request"
	fieldRequestCount  = "request_count"
)

// recordRequestScript counts a request on an existing session only, and
// never moves last_request backwards.
var recordRequestScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HINCRBY', KEYS[1], 'request_count', 1)
local last = tonumber(redis.call('HGET', KEYS[1], 'last_request') or '0')
if tonumber(ARGV[1]) > last then
	redis.call('HSET', KEYS[1], 'last_request', ARGV[1])
end
return 1
`)

// evictScript removes every session whose heartbeat score is at or below
// ARGV[1] and returns id, connected_at, last_heartbeat, last_request and
// request_count for each, flattened.
var evictScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local out = {}
for _, id in ipairs(ids) do
	local key = ARGV[2] .. id
	local rec = redis.call('HMGET', key, 'connected_at', 'last_heartbeat', 'last_request', 'request_count')
	redis.call('DEL', key)
	redis.call('ZREM', KEYS[1], id)
	table.insert(out, id)
	for i = 1, 4 do
		table.insert(out, rec[i] or '')
	end
end
return out
`)

// RedisRegistry is a Registry shared by every dispatcher pointed at the same
// Redis. Heartbeats live in a sorted set scored by Unix milliseconds, so
// eviction is a single range query. Each session is a hash updated field by
// field, so concurrent dispatchers never overwrite each other's counters.
//
// Registry methods do not return errors. When Redis is unreachable, writes
// are logged and dropped and ActiveCount returns the last count it saw.
type RedisRegistry struct {
	client    redis.UniversalClient
	prefix    string
	timeout   time.Duration
	opTimeout time.Duration
	onEvict   func(Session)
	logger    *logging.Logger
	nowFunc   func() time.Time

	mu        sync.Mutex
	lastCount int
}

var _ Registry = (*RedisRegistry)(nil)

// RedisOption configures a RedisRegistry.
type RedisOption func(*RedisRegistry)

// WithKeyPrefix sets the key namespace.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisRegistry) {
		if p := strings.Trim(prefix, ":"); p != "" {
			r.prefix = p
		}
	}
}

// WithOpTimeout bounds each Redis round trip.
func WithOpTimeout(d time.Duration) RedisOption {
	return func(r *RedisRegistry) {
		if d > 0 {
			r.opTimeout = d
		}
	}
}

// NewRedisRegistry creates a registry backed by client.
func NewRedisRegistry(client redis.UniversalClient, cfg Config, opts ...RedisOption) (*RedisRegistry, error) {
	if client == nil {
		return nil, ErrInvalidConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	r := &RedisRegistry{
		client:    client,
		prefix:    DefaultKeyPrefix,
		timeout:   cfg.Timeout,
		opTimeout: 2 * time.Second,
		onEvict:   cfg.OnEvict,
		logger:    cfg.Logger.WithComponent("sessions"),
		nowFunc:   cfg.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *RedisRegistry) heartbeatsKey() string       { return r.prefix + ":heartbeats" }
func (r *RedisRegistry) sessionPrefix() string       { return r.prefix + ":session:" }
func (r *RedisRegistry) sessionKey(id string) string { return r.sessionPrefix() + id }

func (r *RedisRegistry) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.opTimeout)
}

// Register creates or overwrites a session.
func (r *RedisRegistry) Register(id string) {
	now := r.nowFunc().UnixMilli()
	key := r.sessionKey(id)
	ctx, cancel := r.ctx()
	defer cancel()

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			fieldConnectedAt, now,
			fieldLastHeartbeat, now,
			fieldRequestCount, 0)
		pipe.ZAdd(ctx, r.heartbeatsKey(), redis.Z{Score: float64(now), Member: id})
		return nil
	})
	if err != nil {
		r.logger.Warn("session_register_failed", zap.String("session", id), zap.Error(err))
		return
	}
	r.logger.SessionEvent("session_registered", id, -1)
}

// Heartbeat refreshes a session, registering it if unknown.
func (r *RedisRegistry) Heartbeat(id string) {
	now := r.nowFunc().UnixMilli()
	key := r.sessionKey(id)
	ctx, cancel := r.ctx()
	defer cancel()

	var created *redis.BoolCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.HSetNX(ctx, key, fieldConnectedAt, now)
		pipe.HSet(ctx, key, fieldLastHeartbeat, now)
		pipe.ZAdd(ctx, r.heartbeatsKey(), redis.Z{Score: float64(now), Member: id})
		return nil
	})
	if err != nil {
		r.logger.Warn("session_heartbeat_failed", zap.String("session", id), zap.Error(err))
		return
	}
	if created.Val() {
		r.logger.SessionEvent("session_registered", id, -1)
	}
}

// RecordRequest stamps a request on a known session.
func (r *RedisRegistry) RecordRequest(id string) {
	now := r.nowFunc().UnixMilli()
	ctx, cancel := r.ctx()
	defer cancel()

	found, err := recordRequestScript.Run(ctx, r.client, []string{r.sessionKey(id)}, now).Int()
	if err != nil {
		r.logger.Warn("session_record_failed", zap.String("session", id), zap.Error(err))
		return
	}
	if found == 0 {
		r.logger.Debug("record_request_unknown_session", zap.String("session", id))
	}
}

// Get returns a live session by ID.
func (r *RedisRegistry) Get(id string) (Session, bool) {
	ctx, cancel := r.ctx()
	defer cancel()

	fields, err := r.client.HGetAll(ctx, r.sessionKey(id)).Result()
	if err != nil {
		r.logger.Warn("session_get_failed", zap.String("session", id), zap.Error(err))
		return Session{}, false
	}
	if len(fields) == 0 {
		return Session{}, false
	}
	s := parseSession(id, fields)
	if expired(s, r.nowFunc(), r.timeout) {
		return Session{}, false
	}
	return s, true
}

// ActiveCount evicts expired sessions and returns how many remain.
func (r *RedisRegistry) ActiveCount() int {
	ctx, cancel := r.ctx()
	defer cancel()

	if err := r.evict(ctx); err != nil {
		return r.fallbackCount(err)
	}
	n, err := r.client.ZCard(ctx, r.heartbeatsKey()).Result()
	if err != nil {
		return r.fallbackCount(err)
	}

	r.mu.Lock()
	r.lastCount = int(n)
	r.mu.Unlock()
	return int(n)
}

// Sessions evicts expired sessions and returns the rest, oldest first.
func (r *RedisRegistry) Sessions() []Session {
	ctx, cancel := r.ctx()
	defer cancel()

	if err := r.evict(ctx); err != nil {
		r.logger.Warn("session_list_failed", zap.Error(err))
		return nil
	}
	ids, err := r.client.ZRange(ctx, r.heartbeatsKey(), 0, -1).Result()
	if err != nil {
		r.logger.Warn("session_list_failed", zap.Error(err))
		return nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.sessionKey(id))
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("session_list_failed", zap.Error(err))
		return nil
	}

	out := make([]Session, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		out = append(out, parseSession(id, fields))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Remove deletes a session.
func (r *RedisRegistry) Remove(id string) {
	ctx, cancel := r.ctx()
	defer cancel()

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.heartbeatsKey(), id)
		pipe.Del(ctx, r.sessionKey(id))
		return nil
	})
	if err != nil {
		r.logger.Warn("session_remove_failed", zap.String("session", id), zap.Error(err))
		return
	}
	r.logger.SessionEvent("session_removed", id, -1)
}

// Clear deletes every session.
func (r *RedisRegistry) Clear() {
	ctx, cancel := r.ctx()
	defer cancel()

	ids, err := r.client.ZRange(ctx, r.heartbeatsKey(), 0, -1).Result()
	if err != nil {
		r.logger.Warn("session_clear_failed", zap.Error(err))
		return
	}
	keys := make([]string, 0, len(ids)+1)
	keys = append(keys, r.heartbeatsKey())
	for _, id := range ids {
		keys = append(keys, r.sessionKey(id))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		r.logger.Warn("session_clear_failed", zap.Error(err))
		return
	}
	r.mu.Lock()
	r.lastCount = 0
	r.mu.Unlock()
}

// evict removes sessions whose heartbeat is older than the timeout.
func (r *RedisRegistry) evict(ctx context.Context) error {
	cutoff := r.nowFunc().UnixMilli() - r.timeout.Milliseconds() - 1
	raw, err := evictScript.Run(ctx, r.client,
		[]string{r.heartbeatsKey()},
		cutoff, r.sessionPrefix()).StringSlice()
	if err != nil {
		return err
	}

	for i := 0; i+4 < len(raw); i += 5 {
		id := raw[i]
		r.logger.SessionEvent("session_evicted", id, -1)
		if r.onEvict == nil {
			continue
		}
		r.onEvict(parseSession(id, map[string]string{
			fieldConnectedAt:   raw[i+1],
			fieldLastHeartbeat: raw[i+2],
			fieldLastRequest:   raw[i+3],
			fieldRequestCount:  raw[i+4],
		}))
	}
	return nil
}

func (r *RedisRegistry) fallbackCount(err error) int {
	r.mu.Lock()
	n := r.lastCount
	r.mu.Unlock()
	r.logger.Warn("session_count_degraded", zap.Int("last_known", n), zap.Error(err))
	return n
}

func parseSession(id string, fields map[string]string) Session {
	s := Session{
		ID:              id,
		ConnectedAt:     unixMilli(fields[fieldConnectedAt]),
		LastHeartbeat:   unixMilli(fields[fieldLastHeartbeat]),
		LastRequestTime: unixMilli(fields[fieldLastRequest]),
	}
	s.RequestCount, _ = strconv.ParseInt(fields[fieldRequestCount], 10, 64)
	return s
}

func unixMilli(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
