// Package ratelimit implements the sliding-window limiter behind C9's
// control-plane endpoints: `AUTOTUNER_RPS` requests per 60s per identifier
// (token if present, else client IP). Sharded by identifier hash, the way
// the teacher's adaptive rate limiter shards by domain, to keep the common
// case (many distinct identifiers) from serializing on one mutex — but the
// per-identifier state here is a bounded timestamp deque, not a token
// bucket with a circuit breaker: C9 needs a hard sliding-window count, not
// adaptive backoff against a flaky upstream.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

const (
	DefaultRPS        = 12
	DefaultWindow     = 60 * time.Second
	defaultShardCount = 16
)

// Config configures a Limiter.
type Config struct {
	Limit  int           // default 12
	Window time.Duration // default 60s
	Shards int           // default 16, must be a power of two
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = DefaultRPS
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Shards <= 0 || (c.Shards&(c.Shards-1)) != 0 {
		c.Shards = defaultShardCount
	}
	return c
}

type shard struct {
	mu    sync.Mutex
	byKey map[string][]time.Time
}

// Limiter is the sliding-window limiter (C9 grounding: spec §4.9's "Per
// identifier... sliding-window AUTOTUNER_RPS requests per 60s").
type Limiter struct {
	cfg    Config
	shards []*shard
	mask   uint64
}

// New constructs a Limiter.
func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{byKey: make(map[string][]time.Time)}
	}
	return &Limiter{cfg: cfg, shards: shards, mask: uint64(cfg.Shards - 1)}
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[uint64(h.Sum32())&l.mask]
}

// Allow reports whether a request identified by key is permitted under the
// configured rate, recording the request's timestamp if so. now is passed
// in explicitly for deterministic tests.
func (l *Limiter) Allow(key string, now time.Time) bool {
	sh := l.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cutoff := now.Add(-l.cfg.Window)
	timestamps := sh.byKey[key]
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.cfg.Limit {
		sh.byKey[key] = kept
		return false
	}
	sh.byKey[key] = append(kept, now)
	return true
}

// Identifier resolves the C9 per-request rate-limit key: the auth token if
// one was presented, else the client IP (spec §4.9).
func Identifier(token, remoteAddr string) string {
	if token != "" {
		return "token:" + token
	}
	return "ip:" + remoteAddr
}
