// Package secretgw implements the secret/prompt gateway: resolving a secret
// (a WPA passphrase, an 802.1X credential, a VPN key) either synchronously
// from a cache, or by parking the request and asking the operator
// out-of-band, without ever blocking the reconciler's single goroutine.
package secretgw

import (
	"fmt"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/nicksinger/wicked/internal/event"
)

// Status is the outcome of a Resolve call.
type Status int

// Resolve outcomes.
const (
	// StatusResolved means the secret was available (cache hit) and is
	// returned immediately.
	StatusResolved Status = iota
	// StatusPending means no cached value existed; an out-of-band prompt
	// event was emitted and the caller should park until a
	// KindPromptResponse event for this request arrives.
	StatusPending
)

// Result is returned by Resolve.
type Result struct {
	Status Status
	Secret string // valid only when Status == StatusResolved
}

// PromptRequest is the payload of the out-of-band prompt event emitted on a
// cache miss.
type PromptRequest struct {
	Token       string
	SecurityID  string
	Path        string
	DeviceIndex int
}

// Gateway mediates secret resolution. The cache is keyed by a hash of
// (security ID, path) rather than the raw values, so a prompt gateway log
// or cache dump never incidentally leaks what a raw security identifier or
// credential path looked like. Prompt tokens handed to the operator are a
// separate, unguessable uuid rather than the cache key itself, so an
// RPC access log never incidentally records the hashed credential path
// either.
type Gateway struct {
	mu           sync.Mutex
	cache        gcache.Cache
	queue        *event.Queue
	pending      map[string]pendingEntry // by token
	pendingByKey map[string]string       // cache key -> token, for Resolve dedup
}

type pendingEntry struct {
	key         string
	deviceIndex int
	issuedAt    time.Time
}

// Option configures a Gateway.
type Option func(*config)

type config struct {
	capacity int
}

// WithCapacity bounds the number of distinct resolved secrets cached at
// once, preventing unbounded growth across many transient wifi networks
// seen over a long-running daemon's lifetime.
func WithCapacity(n int) Option {
	return func(c *config) { c.capacity = n }
}

// New creates a Gateway that publishes prompt events onto queue.
func New(queue *event.Queue, opts ...Option) *Gateway {
	c := config{capacity: 256}
	for _, o := range opts {
		o(&c)
	}
	return &Gateway{
		cache:        gcache.New(c.capacity).LRU().Build(),
		queue:        queue,
		pending:      make(map[string]pendingEntry),
		pendingByKey: make(map[string]string),
	}
}

func cacheKey(securityID, path string) string {
	sum := blake2b.Sum256([]byte(securityID + "\x00" + path))
	return fmt.Sprintf("%x", sum)
}

// Resolve looks up the secret for (securityID, path). On a cache miss it
// emits a KindPromptNeeded event describing the request and returns
// StatusPending; the caller (a parked worker) is rechecked once Answer
// succeeds for the prompt's token and the caller of Answer pushes
// KindPromptResponse (internal/rpc does). Answer itself pushes no event.
func (g *Gateway) Resolve(securityID, path string, deviceIndex int) Result {
	key := cacheKey(securityID, path)

	g.mu.Lock()
	defer g.mu.Unlock()

	if v, err := g.cache.Get(key); err == nil {
		return Result{Status: StatusResolved, Secret: v.(string)}
	}

	if _, already := g.pendingByKey[key]; !already {
		token := uuid.NewString()
		g.pending[token] = pendingEntry{key: key, deviceIndex: deviceIndex, issuedAt: time.Now()}
		g.pendingByKey[key] = token
		g.queue.Push(event.KindPromptNeeded, deviceIndex, PromptRequest{
			Token:       token,
			SecurityID:  securityID,
			Path:        path,
			DeviceIndex: deviceIndex,
		})
	}
	return Result{Status: StatusPending}
}

// Answer delivers an out-of-band secret for a previously pending token,
// caching it and returning the device index that should be rechecked.
func (g *Gateway) Answer(token, secret string) (deviceIndex int, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.pending[token]
	if !ok {
		return 0, false
	}
	delete(g.pending, token)
	delete(g.pendingByKey, entry.key)
	_ = g.cache.Set(entry.key, secret) // no expiry: evicted only by LRU capacity or Forget
	return entry.deviceIndex, true
}

// Forget evicts a cached secret, e.g. because the operator rotated it.
func (g *Gateway) Forget(securityID, path string) {
	g.cache.Remove(cacheKey(securityID, path))
}

// pendingTTL bounds how long an unanswered prompt is remembered before the
// gateway gives up waiting and lets the worker fail with a Configuration
// error instead of parking forever.
const pendingTTL = 10 * time.Minute

// SweepExpired drops pending prompts older than pendingTTL, returning the
// device indexes that should be rechecked so their workers can fail over
// to a Configuration error rather than waiting on a prompt that will never
// be answered.
func (g *Gateway) SweepExpired(now time.Time) []int {
	g.mu.Lock()
	defer g.mu.Unlock()

	var expired []int
	for token, entry := range g.pending {
		if now.Sub(entry.issuedAt) >= pendingTTL {
			delete(g.pending, token)
			delete(g.pendingByKey, entry.key)
			expired = append(expired, entry.deviceIndex)
		}
	}
	return expired
}
