package statestore

import "github.com/redis/go-redis/v9"

// casStatusScript atomically compares the "status" field of a hash
// against an expected value and, on match, applies new field values.
// KEYS[1] = hash key
// ARGV[1] = expected status ("" matches a missing key, used for
//           first-time transitions where the hash does not exist yet)
// ARGV[2..] = field/value pairs to set, including the new status
var casStatusScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if current == false then current = '' end
if current ~= ARGV[1] then
  return 0
end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

// lockAcquireScript sets key to owner with a TTL only if absent.
// KEYS[1] = lock key, ARGV[1] = owner token, ARGV[2] = ttl millis
var lockAcquireScript = redis.NewScript(`
return redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) and 1 or 0
`)

// lockReleaseScript deletes a lock key only if still held by owner.
// KEYS[1] = lock key, ARGV[1] = owner token
var lockReleaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// rateWindowIncrScript increments a fixed-window counter, setting its
// expiry only on first increment of the window.
// KEYS[1] = counter key, ARGV[1] = window seconds, ARGV[2] = limit
var rateWindowIncrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('TTL', KEYS[1])
local limit = tonumber(ARGV[2])
local allowed = 1
if count > limit then
  allowed = 0
end
return {allowed, count, ttl}
`)
