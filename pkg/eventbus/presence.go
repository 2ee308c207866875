package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/padloom/padloom/internal/coreerr"
	"github.com/padloom/padloom/internal/protocol"
)

// presenceEntry is the JSON value stored per user in the pad's presence
// hash: display name plus the set of live connection ids.
type presenceEntry struct {
	Username    string   `json:"username"`
	Connections []string `json:"connections"`
}

// Presence mutation must be atomic at the per-user-entry level: many
// Connection Hubs add and remove connection ids for the same user
// concurrently, and a read-modify-write done client-side would lose
// updates. Both mutations run as Lua scripts so the whole
// read-decode-mutate-write cycle is a single Redis operation.

// addConnectionScript appends a connection id to a user's entry,
// creating the entry if absent and renewing the hash's TTL.
// KEYS[1] presence key; ARGV: user id, username, connection id, ttl.
var addConnectionScript = redis.NewScript(`
local raw = redis.call("HGET", KEYS[1], ARGV[1])
local entry
if raw then
	entry = cjson.decode(raw)
	local seen = false
	for _, c in ipairs(entry.connections) do
		if c == ARGV[3] then seen = true end
	end
	if not seen then table.insert(entry.connections, ARGV[3]) end
	if entry.username == nil or entry.username == "" then entry.username = ARGV[2] end
else
	entry = {username = ARGV[2], connections = {ARGV[3]}}
end
redis.call("HSET", KEYS[1], ARGV[1], cjson.encode(entry))
redis.call("EXPIRE", KEYS[1], ARGV[4])
return 1
`)

// removeConnectionScript drops one connection id from a user's entry,
// deleting the entry entirely once no connections remain. Returns the
// number of connections left. KEYS[1] presence key; ARGV: user id,
// connection id, ttl.
var removeConnectionScript = redis.NewScript(`
local raw = redis.call("HGET", KEYS[1], ARGV[1])
if not raw then return 0 end
local entry = cjson.decode(raw)
local remaining = {}
for _, c in ipairs(entry.connections) do
	if c ~= ARGV[2] then table.insert(remaining, c) end
end
if #remaining == 0 then
	redis.call("HDEL", KEYS[1], ARGV[1])
	return 0
end
entry.connections = remaining
redis.call("HSET", KEYS[1], ARGV[1], cjson.encode(entry))
redis.call("EXPIRE", KEYS[1], ARGV[3])
return #remaining
`)

// AddConnection registers a connection id under a user in the pad's
// presence hash, renewing the hash's TTL. Best-effort: a failure here
// must never block event delivery.
func (b *Bus) AddConnection(ctx context.Context, padID, userID, username, connectionID string) error {
	expiry := strconv.Itoa(int(b.cfg.PresenceExpiry.Seconds()))
	err := addConnectionScript.Run(ctx, b.rdb, []string{presenceKey(padID)}, userID, username, connectionID, expiry).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrBusUnavailable, err)
	}
	return nil
}

// RemoveConnection drops a connection id from a user's presence entry,
// dropping the user entirely once their connection list is empty.
func (b *Bus) RemoveConnection(ctx context.Context, padID, userID, connectionID string) error {
	expiry := strconv.Itoa(int(b.cfg.PresenceExpiry.Seconds()))
	err := removeConnectionScript.Run(ctx, b.rdb, []string{presenceKey(padID)}, userID, connectionID, expiry).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrBusUnavailable, err)
	}
	return nil
}

// ListPresence returns the full set of present users for a pad.
func (b *Bus) ListPresence(ctx context.Context, padID string) ([]protocol.Collaborator, error) {
	all, err := b.rdb.HGetAll(ctx, presenceKey(padID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.ErrBusUnavailable, err)
	}

	out := make([]protocol.Collaborator, 0, len(all))
	for userID, raw := range all {
		var entry presenceEntry
		if jerr := json.Unmarshal([]byte(raw), &entry); jerr != nil {
			continue
		}
		if len(entry.Connections) == 0 {
			continue
		}
		out = append(out, protocol.Collaborator{UserID: userID, Username: entry.Username})
	}
	return out, nil
}
