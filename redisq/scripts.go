package redisq

import "github.com/redis/go-redis/v9"

// KEYS: ready list, in-flight zset, payload hash, receive count hash,
// malformed list.

// receiveScript requeues every in-flight message whose visibility expired,
// then pops up to len(ARGV)-2 messages. ARGV[1] is now and ARGV[2] the
// visible-at time of the popped messages, both in unix milliseconds. The
// remaining ARGV are the receipts to assign. Returns a flat list of
// receipt, payload, receive count triples.
var receiveScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, receipt in ipairs(expired) do
  local payload = redis.call('HGET', KEYS[3], receipt)
  if payload then
    redis.call('RPUSH', KEYS[1], payload)
  end
  redis.call('HDEL', KEYS[3], receipt)
  redis.call('ZREM', KEYS[2], receipt)
end

local out = {}
for i = 3, #ARGV do
  local payload = redis.call('RPOP', KEYS[1])
  if not payload then
    break
  end
  local ok, decoded = pcall(cjson.decode, payload)
  local id = ''
  if ok and type(decoded) == 'table' and decoded['id'] then
    id = tostring(decoded['id'])
  end
  local count = redis.call('HINCRBY', KEYS[4], id, 1)
  redis.call('HSET', KEYS[3], ARGV[i], payload)
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[i])
  table.insert(out, ARGV[i])
  table.insert(out, payload)
  table.insert(out, count)
end
return out
`)

// deleteScript removes the in-flight messages named by the ARGV receipts.
// Returns 1 per removed receipt and 0 per unknown one.
var deleteScript = redis.NewScript(`
local out = {}
for i = 1, #ARGV do
  local payload = redis.call('HGET', KEYS[3], ARGV[i])
  if payload then
    redis.call('HDEL', KEYS[3], ARGV[i])
    redis.call('ZREM', KEYS[2], ARGV[i])
    local ok, decoded = pcall(cjson.decode, payload)
    if ok and type(decoded) == 'table' and decoded['id'] then
      redis.call('HDEL', KEYS[4], tostring(decoded['id']))
    end
    table.insert(out, 1)
  else
    table.insert(out, 0)
  end
end
return out
`)

// visibilityScript moves the visible-at time of in-flight messages. ARGV
// holds receipt, visible-at pairs. Returns 1 per updated receipt and 0 per
// unknown one.
var visibilityScript = redis.NewScript(`
local out = {}
for i = 1, #ARGV, 2 do
  if redis.call('ZSCORE', KEYS[2], ARGV[i]) then
    redis.call('ZADD', KEYS[2], 'XX', ARGV[i + 1], ARGV[i])
    table.insert(out, 1)
  else
    table.insert(out, 0)
  end
end
return out
`)

// quarantineScript moves the in-flight messages named by the ARGV receipts
// to the malformed list. Returns the number of messages moved.
var quarantineScript = redis.NewScript(`
local moved = 0
for i = 1, #ARGV do
  local payload = redis.call('HGET', KEYS[3], ARGV[i])
  if payload then
    redis.call('HDEL', KEYS[3], ARGV[i])
    redis.call('ZREM', KEYS[2], ARGV[i])
    redis.call('RPUSH', KEYS[5], payload)
    local ok, decoded = pcall(cjson.decode, payload)
    local id = ''
    if ok and type(decoded) == 'table' and decoded['id'] then
      id = tostring(decoded['id'])
    end
    redis.call('HDEL', KEYS[4], id)
    moved = moved + 1
  end
end
return moved
`)
