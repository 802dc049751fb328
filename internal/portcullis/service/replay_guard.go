package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/portcullis/portcullis/internal/clock"
)

// errReplay is returned by a ReplayGuard when the key was already claimed
// inside the window.
var errReplay = errors.New("replay")

// ReplayGuard implements anti-passback: a token that let someone in may
// not let anyone else in until the window passes.
type ReplayGuard interface {
	// Claim records key. It returns errReplay if key was claimed within
	// the guard's window.
	Claim(ctx context.Context, key string) error
}

const replayKeyPrefix = "portcullis:replay:"

// replayKey hashes the signed part of a token so raw credentials never
// reach the guard's backing store.
func replayKey(signed string) string {
	sum := sha256.Sum256([]byte(signed))
	return replayKeyPrefix + base64.RawURLEncoding.EncodeToString(sum[:])
}

// MemoryReplayGuard is a process-local ReplayGuard for single-reader sites.
type MemoryReplayGuard struct {
	window time.Duration
	clock  clock.Clock

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryReplayGuard(window time.Duration, c clock.Clock) *MemoryReplayGuard {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryReplayGuard{window: window, clock: c, seen: make(map[string]time.Time)}
}

func (g *MemoryReplayGuard) Claim(_ context.Context, key string) error {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for k, exp := range g.seen {
		if !now.Before(exp) {
			delete(g.seen, k)
		}
	}
	if _, ok := g.seen[key]; ok {
		return errReplay
	}
	g.seen[key] = now.Add(g.window)
	return nil
}

// RedisReplayGuard shares claims between readers through Redis SETNX.
type RedisReplayGuard struct {
	client redis.UniversalClient
	window time.Duration
}

func NewRedisReplayGuard(client redis.UniversalClient, window time.Duration) *RedisReplayGuard {
	return &RedisReplayGuard{client: client, window: window}
}

func (g *RedisReplayGuard) Claim(ctx context.Context, key string) error {
	ok, err := g.client.SetNX(ctx, key, "1", g.window).Result()
	if err != nil {
		return err
	}
	if !ok {
		return errReplay
	}
	return nil
}
