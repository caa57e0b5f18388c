package queue

import "github.com/redis/go-redis/v9"

// Wait-set scores order by priority first and insertion sequence second.
// Priorities are capped at MaxPriority so the score stays an exact integer.

// KEYS: job, wait, delayed, dedupe, seq
// ARGV: id, data, kind, priority, readyAtMs, nowMs, maxAttempts, dedupeKey
var addJobScript = redis.NewScript(`
if ARGV[8] ~= "" then
  local existing = redis.call("HGET", KEYS[4], ARGV[8])
  if existing then
    return {0, existing}
  end
end
if redis.call("EXISTS", KEYS[1]) == 1 then
  return {0, ARGV[1]}
end
local state = "waiting"
if tonumber(ARGV[5]) > tonumber(ARGV[6]) then
  state = "delayed"
end
redis.call("HSET", KEYS[1],
  "id", ARGV[1], "data", ARGV[2], "kind", ARGV[3], "state", state,
  "priority", ARGV[4], "attempts", 0, "max_attempts", ARGV[7],
  "dedupe_key", ARGV[8], "enqueued_at", ARGV[6], "updated_at", ARGV[6])
if state == "delayed" then
  redis.call("ZADD", KEYS[3], ARGV[5], ARGV[1])
else
  local seq = redis.call("INCR", KEYS[5])
  redis.call("ZADD", KEYS[2], tonumber(ARGV[4]) * 4294967296 + (seq % 4294967296), ARGV[1])
end
if ARGV[8] ~= "" then
  redis.call("HSET", KEYS[4], ARGV[8], ARGV[1])
end
return {1, ARGV[1]}
`)

// KEYS: wait, delayed, active, seq
// ARGV: nowMs, lockDeadlineMs, token, jobKeyPrefix, worker
var claimScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(due) do
  local jobKey = ARGV[4] .. id
  redis.call("ZREM", KEYS[2], id)
  if redis.call("EXISTS", jobKey) == 1 then
    local prio = tonumber(redis.call("HGET", jobKey, "priority")) or 0
    local seq = redis.call("INCR", KEYS[4])
    redis.call("ZADD", KEYS[1], prio * 4294967296 + (seq % 4294967296), id)
    redis.call("HSET", jobKey, "state", "waiting", "updated_at", ARGV[1])
  end
end
while true do
  local popped = redis.call("ZPOPMIN", KEYS[1])
  if #popped == 0 then
    return false
  end
  local id = popped[1]
  local jobKey = ARGV[4] .. id
  if redis.call("EXISTS", jobKey) == 1 then
    local attempts = redis.call("HINCRBY", jobKey, "attempts", 1)
    redis.call("HSET", jobKey, "state", "active", "lock", ARGV[3], "worker", ARGV[5],
      "processed_at", ARGV[1], "updated_at", ARGV[1])
    redis.call("ZADD", KEYS[3], ARGV[2], id)
    local f = redis.call("HMGET", jobKey, "data", "max_attempts")
    return {id, f[1], attempts, f[2]}
  end
end
`)

// KEYS: job, active
// ARGV: id, token, lockDeadlineMs
var extendLockScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "lock") ~= ARGV[2] then
  return 0
end
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// KEYS: job, active, completed, dedupe
// ARGV: id, token, nowMs, ttlSeconds, keepCount, jobKeyPrefix, provider, providerMessageID
var completeScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "lock") ~= ARGV[2] then
  return 0
end
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[1], "lock")
redis.call("HSET", KEYS[1], "state", "completed", "finished_at", ARGV[3], "updated_at", ARGV[3],
  "provider", ARGV[7], "provider_message_id", ARGV[8], "last_error", "")
local dk = redis.call("HGET", KEYS[1], "dedupe_key")
if dk and dk ~= "" and redis.call("HGET", KEYS[4], dk) == ARGV[1] then
  redis.call("HDEL", KEYS[4], dk)
end
redis.call("EXPIRE", KEYS[1], ARGV[4])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
local excess = redis.call("ZCARD", KEYS[3]) - tonumber(ARGV[5])
if excess > 0 then
  local old = redis.call("ZRANGE", KEYS[3], 0, excess - 1)
  for _, oid in ipairs(old) do
    redis.call("DEL", ARGV[6] .. oid)
  end
  redis.call("ZREMRANGEBYRANK", KEYS[3], 0, excess - 1)
end
return 1
`)

// A retryAtMs of 0 fails the job for good.
//
// KEYS: job, active, delayed, failed, dedupe
// ARGV: id, token, nowMs, retryAtMs, error, ttlSeconds
var failScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "lock") ~= ARGV[2] then
  return -1
end
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[1], "lock")
if tonumber(ARGV[4]) > 0 then
  redis.call("HSET", KEYS[1], "state", "delayed", "last_error", ARGV[5], "updated_at", ARGV[3])
  redis.call("ZADD", KEYS[3], ARGV[4], ARGV[1])
  return 1
end
redis.call("HSET", KEYS[1], "state", "failed", "last_error", ARGV[5],
  "finished_at", ARGV[3], "updated_at", ARGV[3])
local dk = redis.call("HGET", KEYS[1], "dedupe_key")
if dk and dk ~= "" and redis.call("HGET", KEYS[5], dk) == ARGV[1] then
  redis.call("HDEL", KEYS[5], dk)
end
redis.call("EXPIRE", KEYS[1], ARGV[6])
redis.call("ZADD", KEYS[4], ARGV[3], ARGV[1])
return 0
`)

// KEYS: job, active, wait, seq
// ARGV: id, token, nowMs
var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "lock") ~= ARGV[2] then
  return 0
end
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[1], "lock", "worker")
redis.call("HINCRBY", KEYS[1], "attempts", -1)
local prio = tonumber(redis.call("HGET", KEYS[1], "priority")) or 0
local seq = redis.call("INCR", KEYS[4])
redis.call("ZADD", KEYS[3], prio * 4294967296 + (seq % 4294967296), ARGV[1])
redis.call("HSET", KEYS[1], "state", "waiting", "updated_at", ARGV[3])
return 1
`)

// KEYS: job, wait, delayed, dedupe
// ARGV: id
var removeScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
  return -1
end
if state ~= "waiting" and state ~= "delayed" then
  return 0
end
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
local dk = redis.call("HGET", KEYS[1], "dedupe_key")
if dk and dk ~= "" and redis.call("HGET", KEYS[4], dk) == ARGV[1] then
  redis.call("HDEL", KEYS[4], dk)
end
redis.call("DEL", KEYS[1])
return 1
`)

// A stalled job goes back to waiting. Its attempt counter already includes
// the lost attempt, so a job that crashed its last worker is failed instead.
//
// KEYS: active, wait, failed, dedupe, seq
// ARGV: nowMs, jobKeyPrefix, limit, failedTTLSeconds
var recoverStalledScript = redis.NewScript(`
local stalled = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[3]))
local requeued = 0
local failed = 0
for _, id in ipairs(stalled) do
  local jobKey = ARGV[2] .. id
  redis.call("ZREM", KEYS[1], id)
  if redis.call("EXISTS", jobKey) == 1 then
    redis.call("HDEL", jobKey, "lock", "worker")
    local f = redis.call("HMGET", jobKey, "attempts", "max_attempts", "priority", "dedupe_key")
    if (tonumber(f[1]) or 0) >= (tonumber(f[2]) or 0) then
      redis.call("HSET", jobKey, "state", "failed", "last_error", "job stalled and exhausted its attempts",
        "finished_at", ARGV[1], "updated_at", ARGV[1])
      if f[4] and f[4] ~= "" and redis.call("HGET", KEYS[4], f[4]) == id then
        redis.call("HDEL", KEYS[4], f[4])
      end
      redis.call("EXPIRE", jobKey, ARGV[4])
      redis.call("ZADD", KEYS[3], ARGV[1], id)
      failed = failed + 1
    else
      local seq = redis.call("INCR", KEYS[5])
      redis.call("ZADD", KEYS[2], (tonumber(f[3]) or 0) * 4294967296 + (seq % 4294967296), id)
      redis.call("HSET", jobKey, "state", "waiting", "updated_at", ARGV[1])
      requeued = requeued + 1
    end
  end
end
return {requeued, failed}
`)

// KEYS: completed, failed
// ARGV: completedBeforeMs, failedBeforeMs, jobKeyPrefix
var cleanScript = redis.NewScript(`
local removed = 0
local sets = {{KEYS[1], ARGV[1]}, {KEYS[2], ARGV[2]}}
for _, s in ipairs(sets) do
  local ids = redis.call("ZRANGEBYSCORE", s[1], "-inf", s[2])
  for _, id in ipairs(ids) do
    redis.call("DEL", ARGV[3] .. id)
  end
  removed = removed + redis.call("ZREMRANGEBYSCORE", s[1], "-inf", s[2])
end
return removed
`)
