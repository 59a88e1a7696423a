package ratelimit

// messageRateScript enforces both message windows in one atomic round
// trip. Each window is a ZSET of send timestamps; expired members are
// pruned, cardinality is the in-window count, and the send is recorded
// only when both windows admit it. There is no check-then-increment race
// between connections or nodes.
//
// KEYS[1] per-connection window, KEYS[2] per-user window.
// ARGV: now_ms, conn_window_ms, conn_limit, user_window_ms, user_limit, member.
// Returns {allowed 0|1, reason "connection"|"user"|"", remaining}.
const messageRateScript = `
local now = tonumber(ARGV[1])
local conn_window = tonumber(ARGV[2])
local conn_limit = tonumber(ARGV[3])
local user_window = tonumber(ARGV[4])
local user_limit = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - conn_window)
redis.call('ZREMRANGEBYSCORE', KEYS[2], 0, now - user_window)

local conn_count = redis.call('ZCARD', KEYS[1])
if conn_count >= conn_limit then
  return {0, 'connection', 0}
end

local user_count = redis.call('ZCARD', KEYS[2])
if user_count >= user_limit then
  return {0, 'user', 0}
end

redis.call('ZADD', KEYS[1], now, ARGV[6])
redis.call('ZADD', KEYS[2], now, ARGV[6])
redis.call('PEXPIRE', KEYS[1], conn_window)
redis.call('PEXPIRE', KEYS[2], user_window)

local remaining = user_limit - user_count - 1
local conn_remaining = conn_limit - conn_count - 1
if conn_remaining < remaining then
  remaining = conn_remaining
end
return {1, '', remaining}
`
