package queue

import (
	"fmt"

	r "github.com/redis/go-redis/v9"
)

// Every mutation that needs exclusivity across processes is one of these
// scripts. Redis runs a script to completion before serving any other
// command, so each one is a single atomic step. All arithmetic on
// timestamps and attempt counts happens in Go; the scripts only compare.
//
// Scripts that touch more than one job answer with a status code first:
const (
	codeNotFound = 0
	codeApplied  = 1
	codeNoop     = 2 // already in the requested state
	codeConflict = 3 // followed by the observed state
)

// KEYS: job, target (ready list or scheduled zset), counters
// ARGV: mode, id, score, priority, field/value pairs...
var enqueueScript = r.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 5))
if ARGV[1] == 'ready' then
  redis.call('RPUSH', KEYS[2], ARGV[2])
else
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
end
redis.call('HINCRBY', KEYS[3], 'enqueued:' .. ARGV[4], 1)
return 1
`)

// KEYS: ready lists in priority order (3), leases
// ARGV: prefix, owner, now, lease ms, expiry
var claimScript = r.NewScript(`
for i = 1, 3 do
  while true do
    local id = redis.call('LPOP', KEYS[i])
    if not id then
      break
    end
    local jk = ARGV[1] .. 'job:' .. id
    if redis.call('HGET', jk, 'state') == 'queued' then
      redis.call('HSET', jk, 'state', 'claimed', 'lease_owner', ARGV[2],
        'lease_expiry', ARGV[5], 'updated_at', ARGV[3])
      redis.call('ZADD', KEYS[4], ARGV[5], id)
      redis.call('SET', ARGV[1] .. 'lease:' .. id, ARGV[2], 'PX', ARGV[4])
      return redis.call('HGETALL', jk)
    end
  end
end
return false
`)

// KEYS: ready lists in priority order (3)
// ARGV: none
var dequeueScript = r.NewScript(`
for i = 1, 3 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    return id
  end
end
return false
`)

// KEYS: job, leases, lease key, counters
// ARGV: id, owner, now, retention ms, result
var ackScript = r.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'state', 'lease_owner', 'priority', 'created_at')
if not f[1] then
  return {0}
end
if f[1] == 'succeeded' then
  return {2}
end
if f[1] ~= 'claimed' or f[2] ~= ARGV[2] then
  return {3, f[1]}
end
redis.call('HSET', KEYS[1], 'state', 'succeeded', 'finished_at', ARGV[3],
  'updated_at', ARGV[3], 'lease_owner', '', 'lease_expiry', '', 'result', ARGV[5])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
redis.call('HINCRBY', KEYS[4], 'succeeded:' .. f[3], 1)
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return {1, f[4], f[3]}
`)

// KEYS: job, leases, lease key
// ARGV: id, owner, new expiry, lease ms
var extendScript = r.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'state', 'lease_owner')
if not f[1] then
  return {0}
end
if f[1] ~= 'claimed' or f[2] ~= ARGV[2] then
  return {3, f[1]}
end
redis.call('HSET', KEYS[1], 'lease_expiry', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
redis.call('SET', KEYS[3], ARGV[2], 'PX', ARGV[4])
return {1}
`)

// KEYS: job, leases, lease key, scheduled, deadletter, counters
// ARGV: id, owner, expected attempts, next attempts, now, target,
//       not_before, error, expired cutoff ('' to skip the check)
var failScript = r.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'state', 'lease_owner', 'attempts', 'lease_expiry', 'priority', 'created_at')
if not f[1] then
  return {0}
end
if f[1] ~= 'claimed' or f[2] ~= ARGV[2] or f[3] ~= ARGV[3] then
  return {3, f[1]}
end
local expiry = tonumber(f[4])
if ARGV[9] ~= '' and expiry and expiry > tonumber(ARGV[9]) then
  return {3, f[1]}
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
redis.call('HINCRBY', KEYS[6], 'failed:' .. f[5], 1)
if ARGV[6] == 'retry_wait' then
  redis.call('HSET', KEYS[1], 'state', 'retry_wait', 'attempts', ARGV[4],
    'last_error', ARGV[8], 'not_before', ARGV[7], 'updated_at', ARGV[5],
    'lease_owner', '', 'lease_expiry', '')
  redis.call('ZADD', KEYS[4], ARGV[7], ARGV[1])
  redis.call('HINCRBY', KEYS[6], 'retried:' .. f[5], 1)
else
  redis.call('HSET', KEYS[1], 'state', 'dead', 'attempts', ARGV[4],
    'last_error', ARGV[8], 'finished_at', ARGV[5], 'updated_at', ARGV[5],
    'lease_owner', '', 'lease_expiry', '')
  redis.call('ZADD', KEYS[5], ARGV[5], ARGV[1])
  redis.call('HINCRBY', KEYS[6], 'dead:' .. f[5], 1)
end
return {1, f[6]}
`)

// KEYS: scheduled
// ARGV: now, limit
var popDueScript = r.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
end
return ids
`)

// KEYS: scheduled
// ARGV: prefix, now, limit
var promoteScript = r.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, ARGV[3])
local moved = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jk = ARGV[1] .. 'job:' .. id
  local f = redis.call('HMGET', jk, 'state', 'priority')
  if f[1] == 'scheduled' or f[1] == 'retry_wait' then
    redis.call('HSET', jk, 'state', 'queued', 'not_before', '', 'updated_at', ARGV[2])
    redis.call('RPUSH', ARGV[1] .. 'queue:' .. f[2], id)
    moved[#moved + 1] = id
    moved[#moved + 1] = f[1]
  end
end
return moved
`)

// KEYS: job, scheduled
// ARGV: id, prefix, now, expected state
var promoteOneScript = r.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'state', 'priority')
if not f[1] then
  return {0}
end
if f[1] == 'queued' then
  return {2}
end
if f[1] ~= ARGV[4] or redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then
  return {3, f[1]}
end
redis.call('HSET', KEYS[1], 'state', 'queued', 'not_before', '', 'updated_at', ARGV[3])
redis.call('RPUSH', ARGV[2] .. 'queue:' .. f[2], ARGV[1])
return {1}
`)

// KEYS: deadletter, job
// ARGV: id
var purgeScript = r.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('DEL', KEYS[2])
return 1
`)

// KEYS: deadletter, old job, new job, counters
// ARGV: old id, new id, now, prefix
var requeueScript = r.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
local f = redis.call('HMGET', KEYS[2], 'type', 'payload', 'priority', 'max_attempts')
redis.call('ZREM', KEYS[1], ARGV[1])
if not f[1] then
  return 0
end
redis.call('HSET', KEYS[3], 'id', ARGV[2], 'type', f[1], 'payload', f[2],
  'priority', f[3], 'state', 'queued', 'attempts', '0', 'max_attempts', f[4],
  'created_at', ARGV[3], 'updated_at', ARGV[3], 'not_before', '',
  'finished_at', '', 'last_error', '', 'result', '', 'lease_owner', '', 'lease_expiry', '')
redis.call('RPUSH', ARGV[4] .. 'queue:' .. f[3], ARGV[2])
redis.call('DEL', KEYS[2])
redis.call('HINCRBY', KEYS[4], 'enqueued:' .. f[3], 1)
return 1
`)

// reply splits a {code, ...} script answer.
func reply(v interface{}) (int64, []interface{}, error) {
	arr, ok := v.([]interface{})
	if !ok || len(arr) == 0 {
		return 0, nil, fmt.Errorf("queue: unexpected script reply %T", v)
	}
	code, ok := arr[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("queue: unexpected script code %T", arr[0])
	}
	return code, arr[1:], nil
}

func replyString(rest []interface{}, i int) string {
	if i >= len(rest) {
		return ""
	}
	s, _ := rest[i].(string)
	return s
}
