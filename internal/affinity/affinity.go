// Package affinity implements the MongoDB-mode session affinity engine: a
// client identifier to backend-id binding held for the duration of a
// client's session.
package affinity

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/clusterlb/clusterlb/internal/registry"
	"github.com/clusterlb/clusterlb/internal/selector"
)

// Strategy selects how a client is identified for affinity purposes.
type Strategy int

const (
	// SourceAddress identifies a client by its full IP+port.
	SourceAddress Strategy = iota
	// ConnectionFingerprint identifies a client by SHA-256 of opaque
	// handshake bytes it sent, falling back to SourceAddress if absent.
	ConnectionFingerprint
	// SessionID is a placeholder strategy: the extraction mechanism for a
	// MongoDB session id from handshake bytes is unspecified, so this
	// strategy always falls back to SourceAddress (see DESIGN.md Open
	// Question).
	SessionID
	// Hybrid combines source address and fingerprint; both must match for a
	// hit, which is NAT-friendly (distinct clients sharing a NAT address do
	// not collapse onto the same binding).
	Hybrid
)

// ClientContext describes a new or reconnecting client connection.
type ClientContext struct {
	SourceAddr     string
	ConnectionData []byte // opaque handshake bytes, may be nil/empty
}

func (s Strategy) identify(ctx ClientContext) string {
	switch s {
	case SourceAddress:
		return ctx.SourceAddr
	case ConnectionFingerprint:
		if len(ctx.ConnectionData) == 0 {
			return ctx.SourceAddr
		}
		return fingerprint(ctx.ConnectionData)
	case SessionID:
		// Extraction path not implemented; fall back per spec.
		return ctx.SourceAddr
	case Hybrid:
		if len(ctx.ConnectionData) == 0 {
			return ctx.SourceAddr
		}
		return ctx.SourceAddr + "|" + fingerprint(ctx.ConnectionData)
	default:
		return ctx.SourceAddr
	}
}

func fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type session struct {
	backendID  string
	createdAt  time.Time
	lastSeenAt time.Time
}

const shardCount = 32

type shard struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// Engine binds client identifiers to backend ids for the lifetime of a
// session. Internally sharded by key hash so get_or_bind can run without
// serialising unrelated clients; the sweep walks one shard at a time so it
// never blocks all lookups for longer than a single shard scan.
type Engine struct {
	strategy       Strategy
	sessionTimeout time.Duration
	evictOnRelease bool // default false: keep bindings until expiry
	shards         [shardCount]*shard
}

// Options configures a new affinity Engine.
type Options struct {
	Strategy       Strategy
	SessionTimeout time.Duration
	// EvictOnRelease, when true, drops a binding immediately on Release
	// (disconnect) instead of the default policy of keeping it until expiry
	// so a brief reconnect reuses the same backend.
	EvictOnRelease bool
}

// New constructs an affinity engine.
func New(opts Options) *Engine {
	e := &Engine{
		strategy:       opts.Strategy,
		sessionTimeout: opts.SessionTimeout,
		evictOnRelease: opts.EvictOnRelease,
	}
	for i := range e.shards {
		e.shards[i] = &shard{sessions: make(map[string]*session)}
	}
	return e
}

func (e *Engine) shardFor(key string) *shard {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return e.shards[h%uint32(len(e.shards))]
}

// GetOrBind looks up the identifier for ctx. On hit with the bound backend
// present in candidates, it refreshes last-seen and returns the bound id. On
// hit but the bound backend absent from candidates (unhealthy or removed),
// the binding is evicted and the call falls through to a fresh selection. On
// miss, sel.Select(candidates) is consulted, the result persisted, and
// returned.
func (e *Engine) GetOrBind(ctx ClientContext, candidates []registry.Backend, sel *selector.Weighted) (string, error) {
	key := e.strategy.identify(ctx)
	s := e.shardFor(key)

	s.mu.Lock()
	if existing, ok := s.sessions[key]; ok {
		if backendInCandidates(existing.backendID, candidates) {
			existing.lastSeenAt = time.Now()
			backendID := existing.backendID
			s.mu.Unlock()
			return backendID, nil
		}
		delete(s.sessions, key)
	}
	s.mu.Unlock()

	chosen, err := sel.Select(candidates)
	if err != nil {
		return "", err
	}

	now := time.Now()
	s.mu.Lock()
	s.sessions[key] = &session{backendID: chosen.ID, createdAt: now, lastSeenAt: now}
	s.mu.Unlock()

	return chosen.ID, nil
}

func backendInCandidates(id string, candidates []registry.Backend) bool {
	for _, c := range candidates {
		if c.ID == id {
			return true
		}
	}
	return false
}

// Release removes the binding for ctx if the engine's eviction policy
// requires it on disconnect. The default policy keeps the binding until
// expiry so a brief disconnect reuses the same backend.
func (e *Engine) Release(ctx ClientContext) {
	if !e.evictOnRelease {
		return
	}
	key := e.strategy.identify(ctx)
	s := e.shardFor(key)
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
}

// Sweep removes every binding whose last-seen time is older than the
// session timeout (as of now), returning the count removed. It locks one
// shard at a time.
func (e *Engine) Sweep(now time.Time) int {
	removed := 0
	for _, s := range e.shards {
		s.mu.Lock()
		for key, sess := range s.sessions {
			if now.Sub(sess.lastSeenAt) > e.sessionTimeout {
				delete(s.sessions, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Count returns the current total binding count across all shards.
func (e *Engine) Count() int {
	total := 0
	for _, s := range e.shards {
		s.mu.Lock()
		total += len(s.sessions)
		s.mu.Unlock()
	}
	return total
}

// Stats is a read-only projection used by the admin /healthz endpoint,
// supplementing the core spec with the distribution reporting the original
// implementation exposed.
type Stats struct {
	TotalSessions      int
	BackendDistribution map[string]int
}

// Stats snapshots the current binding distribution across backends.
func (e *Engine) Stats() Stats {
	dist := make(map[string]int)
	total := 0
	for _, s := range e.shards {
		s.mu.Lock()
		for _, sess := range s.sessions {
			dist[sess.backendID]++
			total++
		}
		s.mu.Unlock()
	}
	return Stats{TotalSessions: total, BackendDistribution: dist}
}
