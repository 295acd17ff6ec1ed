package redis

import goredis "github.com/redis/go-redis/v9"

// The status transitions have to be conditional writes, and Redis has no
// transactions with interleaved reads, so each transition is a Lua
// script executed atomically on the server.
//
// Timestamps cross the script boundary as unix milliseconds: Lua numbers
// are doubles and lose precision above 2^53, which rules out nanoseconds.

// claimScript promotes due jobs from the delayed set into the ready set,
// then claims the ready head. The delayed set is scored by available_at,
// so the promotion range never touches jobs that are not yet due; the
// ready set is scored by priority DESC then arrival, so the head is
// always the next claimable job. The promote limit bounds work per call,
// not visibility: members past the limit surface on subsequent claims.
// Orphaned members of either set are dropped as they are encountered.
//
// KEYS[1] = ready zset, KEYS[2] = delayed zset
// ARGV[1] = now (ms), ARGV[2] = lease deadline (ms), ARGV[3] = worker id,
// ARGV[4] = job key prefix, ARGV[5] = promote batch limit
//
// Returns the claimed job id, or false when nothing is eligible.
var claimScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[5]))
for _, id in ipairs(due) do
	local key = ARGV[4] .. id
	local vals = redis.call('HMGET', key, 'status', 'priority', 'available_at')
	if vals[1] == 'pending' then
		local score = -tonumber(vals[2]) + tonumber(vals[3]) / 1e15
		redis.call('ZADD', KEYS[1], score, id)
	end
	redis.call('ZREM', KEYS[2], id)
end
while true do
	local head = redis.call('ZRANGE', KEYS[1], 0, 0)
	if #head == 0 then return false end
	local id = head[1]
	local key = ARGV[4] .. id
	if redis.call('HGET', key, 'status') == 'pending' then
		redis.call('HSET', key,
			'status', 'processing',
			'lease_expires_at', ARGV[2],
			'claimed_by', ARGV[3],
			'updated_at', ARGV[1])
		redis.call('ZREM', KEYS[1], id)
		return id
	end
	redis.call('ZREM', KEYS[1], id)
end
`)

// completeScript moves a processing job to completed.
//
// KEYS[1] = job hash; ARGV[1] = now (ms)
// Returns 'ok', 'missing', or 'invalid'.
var completeScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return 'missing' end
if status ~= 'processing' then return 'invalid' end
redis.call('HSET', KEYS[1], 'status', 'completed', 'claimed_by', '', 'updated_at', ARGV[1])
redis.call('HDEL', KEYS[1], 'lease_expires_at')
return 'ok'
`)

// failScript records a failed attempt. The retry delay is computed by
// the caller from the new attempt count, so the script guards on the
// attempt count it was computed from; a concurrent change reports
// 'conflict' and the caller re-reads and retries.
//
// KEYS[1] = job hash, KEYS[2] = delayed zset
// ARGV[1] = expected attempts, ARGV[2] = max attempts, ARGV[3] = error
// message, ARGV[4] = now (ms), ARGV[5] = retry available_at (ms),
// ARGV[6] = job id
// Returns 'ok', 'missing', 'invalid', or 'conflict'.
var failScript = goredis.NewScript(`
local vals = redis.call('HMGET', KEYS[1], 'status', 'attempts')
if not vals[1] then return 'missing' end
if vals[1] ~= 'processing' then return 'invalid' end
if vals[2] ~= ARGV[1] then return 'conflict' end
local attempts = tonumber(ARGV[1]) + 1
redis.call('HSET', KEYS[1],
	'attempts', attempts,
	'max_attempts', ARGV[2],
	'last_error', ARGV[3],
	'claimed_by', '',
	'updated_at', ARGV[4])
redis.call('HDEL', KEYS[1], 'lease_expires_at')
if attempts >= tonumber(ARGV[2]) then
	redis.call('HSET', KEYS[1], 'status', 'failed')
else
	redis.call('HSET', KEYS[1], 'status', 'pending', 'available_at', ARGV[5])
	redis.call('ZADD', KEYS[2], ARGV[5], ARGV[6])
end
return 'ok'
`)

// releaseScript returns a processing job to pending without touching the
// attempt counter.
//
// KEYS[1] = job hash, KEYS[2] = delayed zset
// ARGV[1] = now (ms), ARGV[2] = available_at (ms), ARGV[3] = job id
// Returns 'ok', 'missing', or 'invalid'.
var releaseScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return 'missing' end
if status ~= 'processing' then return 'invalid' end
redis.call('HSET', KEYS[1],
	'status', 'pending',
	'available_at', ARGV[2],
	'claimed_by', '',
	'updated_at', ARGV[1])
redis.call('HDEL', KEYS[1], 'lease_expires_at')
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 'ok'
`)

// reclaimScript requeues one processing job if its lease deadline is
// older than the cutoff. Checking and requeueing in one script keeps a
// racing Complete from being overwritten.
//
// KEYS[1] = job hash, KEYS[2] = delayed zset
// ARGV[1] = cutoff (ms), ARGV[2] = now (ms), ARGV[3] = job id
// Returns 'ok' or 'skip'.
var reclaimScript = goredis.NewScript(`
local vals = redis.call('HMGET', KEYS[1], 'status', 'lease_expires_at')
if not vals[1] or vals[1] ~= 'processing' then return 'skip' end
local lease = tonumber(vals[2])
if lease == nil or lease >= tonumber(ARGV[1]) then return 'skip' end
redis.call('HSET', KEYS[1],
	'status', 'pending',
	'available_at', ARGV[2],
	'claimed_by', '',
	'updated_at', ARGV[2])
redis.call('HDEL', KEYS[1], 'lease_expires_at')
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 'ok'
`)
