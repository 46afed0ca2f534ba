package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/actiongate/gateway/pkg/errs"
)

// Redis is a Store backed by a shared Redis instance, the natural choice
// for dedup/throttle state shared across gateway nodes (spec.md §8
// scenario 1). Every multi-step operation (check-and-set, increment,
// compare-and-swap) runs as a Lua script so it is atomic server-side,
// the same pattern the teacher's token-bucket limiter uses.
//
// RefreshesTTLOnIncrement = true: the increment script re-applies TTL on
// every call that carries one, matching Memory's sliding-expiry choice.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing *redis.Client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key Key) (Entry, bool, error) {
	res, err := getScript.Run(ctx, r.client, []string{key.Canonical()}).Result()
	if err != nil {
		if err == redis.Nil {
			return Entry{}, false, nil
		}
		return Entry{}, false, errs.Wrap(errs.KindConnection, "redis get", err)
	}
	return decodeEntryResult(res)
}

func (r *Redis) Set(ctx context.Context, key Key, value string, ttl time.Duration) error {
	ttlMs := ttl.Milliseconds()
	if err := setScript.Run(ctx, r.client, []string{key.Canonical()}, value, ttlMs).Err(); err != nil {
		return errs.Wrap(errs.KindConnection, "redis set", err)
	}
	return nil
}

func (r *Redis) CheckAndSet(ctx context.Context, key Key, value string, ttl time.Duration) (bool, error) {
	res, err := checkAndSetScript.Run(ctx, r.client, []string{key.Canonical()}, value, ttl.Milliseconds()).Result()
	if err != nil {
		return false, errs.Wrap(errs.KindConnection, "redis check_and_set", err)
	}
	ok, _ := res.(int64)
	return ok == 1, nil
}

func (r *Redis) Delete(ctx context.Context, key Key) (bool, error) {
	res, err := deleteScript.Run(ctx, r.client, []string{key.Canonical()}).Result()
	if err != nil {
		return false, errs.Wrap(errs.KindConnection, "redis delete", err)
	}
	ok, _ := res.(int64)
	return ok == 1, nil
}

func (r *Redis) Increment(ctx context.Context, key Key, delta int64, ttl time.Duration) (int64, error) {
	res, err := incrementScript.Run(ctx, r.client, []string{key.Canonical()}, delta, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, errs.Wrap(errs.KindConnection, "redis increment", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 1 {
		return 0, errs.New(errs.KindSerialization, "unexpected increment script response")
	}
	newVal, _ := results[0].(int64)
	return newVal, nil
}

func (r *Redis) CompareAndSwap(ctx context.Context, key Key, expectedVersion uint64, newValue string, ttl time.Duration) (CASResult, error) {
	res, err := casScript.Run(ctx, r.client, []string{key.Canonical()}, expectedVersion, newValue, ttl.Milliseconds()).Result()
	if err != nil {
		return CASResult{}, errs.Wrap(errs.KindConnection, "redis compare_and_swap", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 3 {
		return CASResult{}, errs.New(errs.KindSerialization, "unexpected cas script response")
	}
	status, _ := results[0].(int64)
	currentValue, _ := results[1].(string)
	currentVersion, _ := results[2].(int64)

	r2 := CASResult{CurrentValue: currentValue, CurrentVersion: uint64(currentVersion)}
	if status == 1 {
		r2.Status = CASOk
	} else {
		r2.Status = CASConflict
	}
	return r2, nil
}

func (r *Redis) ScanKeysByKind(ctx context.Context, kind Kind) ([]KeyValue, error) {
	pattern := fmt.Sprintf("*:*:%s:*", kind)
	var out []KeyValue
	iter := r.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		canonical := iter.Val()
		parsed, ok := ParseCanonical(canonical)
		if !ok || parsed.Kind != kind {
			continue
		}
		entry, ok, err := r.Get(ctx, parsed)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, KeyValue{Key: parsed, Entry: entry})
	}
	if err := iter.Err(); err != nil {
		return nil, errs.Wrap(errs.KindConnection, "redis scan", err)
	}
	return out, nil
}

func decodeEntryResult(res interface{}) (Entry, bool, error) {
	results, ok := res.([]interface{})
	if !ok || len(results) < 3 {
		return Entry{}, false, nil
	}
	found, _ := results[0].(int64)
	if found == 0 {
		return Entry{}, false, nil
	}
	value, _ := results[1].(string)
	version, _ := results[2].(int64)
	entry := Entry{Value: value, Version: uint64(version)}
	if len(results) > 3 {
		if writtenMs, ok := results[3].(int64); ok && writtenMs > 0 {
			entry.WrittenAt = time.UnixMilli(writtenMs).UTC()
		}
	}
	return entry, true, nil
}

// Each entry is stored as a Redis hash: {value, version, expires_at_ms,
// written_at_ms}. expires_at_ms is a defense-in-depth application-level
// expiry check layered on top of Redis's own PEXPIRE, so a read
// immediately before physical eviction still honors "invisible to reads
// once expired". written_at_ms backs state.time_since_write().
var getScript = redis.NewScript(`
local h = redis.call("HMGET", KEYS[1], "value", "version", "expires_at_ms", "written_at_ms")
if not h[1] then return {0} end
if h[3] and tonumber(h[3]) > 0 and tonumber(h[3]) <= tonumber(ARGV[1] or redis.call("TIME")[1]) * 1000 then
    redis.call("DEL", KEYS[1])
    return {0}
end
return {1, h[1], tonumber(h[2]), tonumber(h[4] or 0)}
`)

var setScript = redis.NewScript(`
local existing_version = redis.call("HGET", KEYS[1], "version")
local version = 1
if existing_version then version = tonumber(existing_version) + 1 end
local now_ms = redis.call("TIME")[1] * 1000
local ttl_ms = tonumber(ARGV[2])
local expires_at = 0
if ttl_ms > 0 then expires_at = now_ms + ttl_ms end
redis.call("HMSET", KEYS[1], "value", ARGV[1], "version", version, "expires_at_ms", expires_at, "written_at_ms", now_ms)
if ttl_ms > 0 then redis.call("PEXPIRE", KEYS[1], ttl_ms) end
return 1
`)

var checkAndSetScript = redis.NewScript(`
local now_ms = redis.call("TIME")[1] * 1000
local expires_at = redis.call("HGET", KEYS[1], "expires_at_ms")
local live = redis.call("EXISTS", KEYS[1]) == 1
if live and expires_at and tonumber(expires_at) > 0 and tonumber(expires_at) <= now_ms then
    redis.call("DEL", KEYS[1])
    live = false
end
if live then return 0 end
local ttl_ms = tonumber(ARGV[2])
local exp = 0
if ttl_ms > 0 then exp = now_ms + ttl_ms end
redis.call("HMSET", KEYS[1], "value", ARGV[1], "version", 1, "expires_at_ms", exp, "written_at_ms", now_ms)
if ttl_ms > 0 then redis.call("PEXPIRE", KEYS[1], ttl_ms) end
return 1
`)

var deleteScript = redis.NewScript(`
local existed = redis.call("EXISTS", KEYS[1]) == 1
redis.call("DEL", KEYS[1])
if existed then return 1 else return 0 end
`)

var incrementScript = redis.NewScript(`
local now_ms = redis.call("TIME")[1] * 1000
local expires_at = redis.call("HGET", KEYS[1], "expires_at_ms")
local live = redis.call("EXISTS", KEYS[1]) == 1
if live and expires_at and tonumber(expires_at) > 0 and tonumber(expires_at) <= now_ms then
    redis.call("DEL", KEYS[1])
    live = false
end
local current = 0
if live then current = tonumber(redis.call("HGET", KEYS[1], "value")) or 0 end
local delta = tonumber(ARGV[1])
local new_val = current + delta
local ttl_ms = tonumber(ARGV[2])
local version = 1
if live then
    version = tonumber(redis.call("HGET", KEYS[1], "version")) + 1
end
local exp = 0
if ttl_ms > 0 then exp = now_ms + ttl_ms end
redis.call("HMSET", KEYS[1], "value", new_val, "version", version, "expires_at_ms", exp, "written_at_ms", now_ms)
if ttl_ms > 0 then redis.call("PEXPIRE", KEYS[1], ttl_ms) end
return {new_val}
`)

var casScript = redis.NewScript(`
local now_ms = redis.call("TIME")[1] * 1000
local expires_at = redis.call("HGET", KEYS[1], "expires_at_ms")
local live = redis.call("EXISTS", KEYS[1]) == 1
if live and expires_at and tonumber(expires_at) > 0 and tonumber(expires_at) <= now_ms then
    redis.call("DEL", KEYS[1])
    live = false
end
local current_version = 0
local current_value = ""
if live then
    current_version = tonumber(redis.call("HGET", KEYS[1], "version"))
    current_value = redis.call("HGET", KEYS[1], "value")
end
local expected = tonumber(ARGV[1])
if current_version ~= expected then
    return {0, current_value, current_version}
end
local ttl_ms = tonumber(ARGV[3])
local exp = 0
if ttl_ms > 0 then exp = now_ms + ttl_ms end
local new_version = expected + 1
redis.call("HMSET", KEYS[1], "value", ARGV[2], "version", new_version, "expires_at_ms", exp, "written_at_ms", now_ms)
if ttl_ms > 0 then redis.call("PEXPIRE", KEYS[1], ttl_ms) end
return {1, ARGV[2], new_version}
`)
