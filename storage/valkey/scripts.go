package valkey

// Lua scripts for the check-and-set operations. Each runs atomically on the
// server; string results starting with an upper-case tag are sentinel
// outcomes, anything else is the JSON payload.

// luaConsumeCode marks an authorization code used.
//
// KEYS[1] = code key
// ARGV[1] = now (unix seconds)
// ARGV[2] = clock skew grace (seconds)
//
// Returns the code JSON as it was before consumption, "NOT_FOUND",
// "EXPIRED" or "ALREADY_USED:<json>". A used code is reported as reused even
// after it expired so that a late replay still triggers revocation.
const luaConsumeCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)
if code.used then
    return 'ALREADY_USED:' .. data
end

local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and now > expiresAt + tonumber(ARGV[2]) then
    return 'EXPIRED'
end

code.used = true
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')
return data
`

// luaSaveRefreshToken stores a refresh token unless its family is revoked.
//
// KEYS[1] = refresh key, KEYS[2] = family tokens set,
// KEYS[3] = family revoked marker, KEYS[4] = user/client family set,
// KEYS[5] = user family set
// ARGV[1] = token JSON, ARGV[2] = token TTL (seconds), ARGV[3] = token id,
// ARGV[4] = family id, ARGV[5] = index TTL (seconds)
const luaSaveRefreshToken = `
if redis.call('EXISTS', KEYS[3]) == 1 then
    return 'REVOKED'
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[5])
redis.call('SADD', KEYS[4], ARGV[4])
redis.call('EXPIRE', KEYS[4], ARGV[5])
redis.call('SADD', KEYS[5], ARGV[4])
redis.call('EXPIRE', KEYS[5], ARGV[5])
return 'OK'
`

// luaRotateRefreshToken replaces a refresh token with its successor.
//
// KEYS[1] = old refresh key, KEYS[2] = new refresh key,
// KEYS[3] = family tokens set, KEYS[4] = family revoked marker,
// KEYS[5] = user/client family set, KEYS[6] = user family set
// ARGV[1] = now, ARGV[2] = grace, ARGV[3] = new token JSON,
// ARGV[4] = new token TTL, ARGV[5] = new token id, ARGV[6] = family id,
// ARGV[7] = index TTL
//
// Returns the old token JSON with replaced_by set, "NOT_FOUND",
// "REUSED:<json>", "REVOKED", "EXPIRED" or "FAMILY_MISMATCH". Nothing is
// written unless the rotation succeeds.
const luaRotateRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local old = cjson.decode(data)
if old.replaced_by and old.replaced_by ~= '' then
    return 'REUSED:' .. data
end
if old.revoked or redis.call('EXISTS', KEYS[4]) == 1 then
    return 'REVOKED'
end
if tonumber(ARGV[1]) > tonumber(old.expires_at) + tonumber(ARGV[2]) then
    return 'EXPIRED'
end
if old.family_id ~= ARGV[6] then
    return 'FAMILY_MISMATCH'
end

old.replaced_by = ARGV[5]
local updated = cjson.encode(old)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')
redis.call('SET', KEYS[2], ARGV[3], 'EX', ARGV[4])
redis.call('SADD', KEYS[3], ARGV[5])
redis.call('EXPIRE', KEYS[3], ARGV[7])
redis.call('SADD', KEYS[5], ARGV[6])
redis.call('EXPIRE', KEYS[5], ARGV[7])
redis.call('SADD', KEYS[6], ARGV[6])
redis.call('EXPIRE', KEYS[6], ARGV[7])
return updated
`

// luaRevokeFamily marks a family revoked and flags each of its tokens.
//
// KEYS[1] = family tokens set, KEYS[2] = family revoked marker
// ARGV[1] = refresh key prefix, ARGV[2] = retention (seconds), ARGV[3] = now
//
// Returns the number of tokens newly revoked.
const luaRevokeFamily = `
redis.call('SET', KEYS[2], ARGV[3], 'EX', ARGV[2])
local revoked = 0
for _, id in ipairs(redis.call('SMEMBERS', KEYS[1])) do
    local key = ARGV[1] .. id
    local data = redis.call('GET', key)
    if data then
        local t = cjson.decode(data)
        if not t.revoked then
            t.revoked = true
            t.revoked_at = tonumber(ARGV[3])
            redis.call('SET', key, cjson.encode(t), 'KEEPTTL')
            revoked = revoked + 1
        end
    end
end
return revoked
`

// luaConsumeOnce returns and deletes a value, or "NOT_FOUND".
//
// KEYS[1] = key
const luaConsumeOnce = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
redis.call('DEL', KEYS[1])
return data
`

// luaCountRegistration increments the per-IP registration counter unless
// the limit has been reached.
//
// KEYS[1] = counter key
// ARGV[1] = max, ARGV[2] = window (seconds)
//
// Returns the new count, or -1 when the limit is reached.
const luaCountRegistration = `
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= tonumber(ARGV[1]) then
    return -1
end
count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return count
`

// luaClaimOnce stores a value if the key is free.
//
// KEYS[1] = key
// ARGV[1] = value, ARGV[2] = TTL (seconds)
//
// Returns "CLAIMED" or the existing value.
const luaClaimOnce = `
local existing = redis.call('GET', KEYS[1])
if existing then
    return existing
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
return 'CLAIMED'
`

// luaReleaseClaim deletes an idempotency claim if it still names the
// client that made it.
//
// KEYS[1] = key
// ARGV[1] = client id
//
// Returns 1 when the claim was deleted, 0 otherwise.
const luaReleaseClaim = `
local existing = redis.call('GET', KEYS[1])
if not existing then
    return 0
end
if cjson.decode(existing).client_id ~= ARGV[1] then
    return 0
end
redis.call('DEL', KEYS[1])
return 1
`
