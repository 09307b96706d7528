package ledger

const (
	// consumeScript 原子扣减额度并追加使用明细，余额不足返回 -1。
	consumeScript = `
local credit_key = KEYS[1]      -- credit:{userID}
local usage_key = KEYS[2]       -- credit:usage:{userID}

local amount = tonumber(ARGV[1])
local entry = ARGV[2]
local keep = tonumber(ARGV[3])

local total = tonumber(redis.call('HGET', credit_key, 'total') or '0')
local used = tonumber(redis.call('HGET', credit_key, 'used') or '0')

if total - used < amount then
  return -1
end

redis.call('HINCRBY', credit_key, 'used', amount)
redis.call('LPUSH', usage_key, entry)
redis.call('LTRIM', usage_key, 0, keep - 1)

return total - used - amount
`

	// refundScript 归还额度，归还量不超过已用量。
	refundScript = `
local credit_key = KEYS[1]
local usage_key = KEYS[2]

local amount = tonumber(ARGV[1])
local entry = ARGV[2]
local keep = tonumber(ARGV[3])

local used = tonumber(redis.call('HGET', credit_key, 'used') or '0')
if amount > used then
  amount = used
end

redis.call('HINCRBY', credit_key, 'used', -amount)
redis.call('LPUSH', usage_key, entry)
redis.call('LTRIM', usage_key, 0, keep - 1)

return amount
`
)
