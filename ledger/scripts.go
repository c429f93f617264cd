package ledger

/*
	Server-side scripts, invoked through the generic EVAL command.
	These are fixed constants bundled with this layer and never
	accepted from external input. Each one is a single atomic round
	trip: the store executes scripts one at a time, so a concurrent
	deduction from another process can never interleave between the
	balance read and the balance write.
*/

// creditAdjustScript applies a signed credit adjustment to a key hash.
//
//	KEYS[1] — the key record hash
//	ARGV[1] — amount: positive deducts, negative grants
//	ARGV[2] — call count delta
//
// Returns {1, balance, spent, calls} when applied, {0, balance} when
// the balance cannot cover a deduction, or an error reply when the key
// record does not exist.
const creditAdjustScript = `-- pylon: credit adjust
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
  return redis.error_reply('NOKEY no such key record')
end
local amount = tonumber(ARGV[1])
local balance = tonumber(redis.call('HGET', key, 'balance') or '0')
if amount > 0 and balance < amount then
  return {0, balance}
end
local newBalance = redis.call('HINCRBY', key, 'balance', -amount)
local spentDelta = 0
if amount > 0 then
  spentDelta = amount
end
local spent = redis.call('HINCRBY', key, 'spent', spentDelta)
local calls = redis.call('HINCRBY', key, 'calls', tonumber(ARGV[2]))
return {1, newBalance, spent, calls}
`

// rateWindowScript performs one sliding-window rate check against a
// time-ordered set: trim expired entries, count, and conditionally add
// the new entry, all in one round trip.
//
//	KEYS[1] — the per-key, per-tool window set
//	ARGV[1] — limit (max entries in the window)
//	ARGV[2] — window length in milliseconds
//	ARGV[3] — current time in milliseconds
//	ARGV[4] — unique member for the new entry
//
// Returns {1, count, 0} when allowed (count includes the new entry) or
// {0, count, retry_ms} when over the limit, where retry_ms is the time
// until the oldest in-window entry expires.
const rateWindowScript = `-- pylon: rate window check
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local retry = window
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  if oldest[2] then
    retry = (tonumber(oldest[2]) + window) - now
  end
  return {0, count, retry}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, count + 1, 0}
`
