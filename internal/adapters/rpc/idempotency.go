package rpc

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	idempotencyHeader = "X-ICGW-Idempotency-Key"
	replayTTL         = 10 * time.Minute
	replayMaxEntries  = 1024
	maxReplayKeyLen   = 200
)

// replayedMethods change state. Reads are always re-executed.
var replayedMethods = map[string]struct{}{
	"identity.regenerate":     {},
	"identity.import_phrase":  {},
	"identity.backup":         {},
	"identity.restore_backup": {},
	"identity.restore_blob":   {},
	"registry.add":            {},
	"registry.remove":         {},
	"registry.invalidate":     {},
	"canister.call":           {},
}

type replayEntry struct {
	key      string
	digest   string
	response rpcResponse
	storedAt time.Time
}

// replayCache remembers the response to each keyed request until the TTL
// passes or capacity evicts it, oldest first. A key presented again with a
// different request is a conflict.
type replayCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]*replayEntry
	order   []*replayEntry
}

func newReplayCache(ttl time.Duration, max int) *replayCache {
	return &replayCache{ttl: ttl, max: max, entries: make(map[string]*replayEntry)}
}

func (c *replayCache) lookup(key, digest string, now time.Time) (resp rpcResponse, hit, conflict bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(now)
	e, ok := c.entries[key]
	if !ok {
		return rpcResponse{}, false, false
	}
	if e.digest != digest {
		return rpcResponse{}, false, true
	}
	return e.response, true, false
}

func (c *replayCache) store(key, digest string, resp rpcResponse, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(now)
	if _, ok := c.entries[key]; ok {
		return
	}
	e := &replayEntry{key: key, digest: digest, response: resp, storedAt: now}
	c.entries[key] = e
	c.order = append(c.order, e)
	for len(c.order) > c.max {
		delete(c.entries, c.order[0].key)
		c.order = c.order[1:]
	}
}

// expire drops entries from the front of the insertion order.
func (c *replayCache) expire(now time.Time) {
	n := 0
	for n < len(c.order) && now.Sub(c.order[n].storedAt) > c.ttl {
		delete(c.entries, c.order[n].key)
		n++
	}
	c.order = c.order[n:]
}

// replayKey scopes the client key by auth token. Non-replayed methods and
// empty or oversized keys yield "".
func replayKey(method, raw, token string) string {
	if _, ok := replayedMethods[method]; !ok {
		return ""
	}
	key := strings.TrimSpace(raw)
	if key == "" || len(key) > maxReplayKeyLen {
		return ""
	}
	return token + "|" + key
}

func requestDigest(req rpcRequest) string {
	h := sha256.New()
	h.Write([]byte(req.Method))
	h.Write([]byte{0})
	if req.APIVersion != nil {
		h.Write([]byte(strconv.Itoa(*req.APIVersion)))
	}
	h.Write([]byte{0})
	h.Write(req.Params)
	return hex.EncodeToString(h.Sum(nil))
}
