package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const guardPrefix = "seller-ledger:order:v1:"

// Guard remembers which orders were already credited so a replayed completion event
// cannot credit a seller twice.
type Guard interface {
	// Acquire returns true the first time a (seller, order) pair is seen.
	Acquire(ctx context.Context, sellerID, orderRef string) (bool, error)
	// Release forgets the pair after a credit that did not happen.
	Release(ctx context.Context, sellerID, orderRef string) error
}

// RedisGuard keeps order markers in Redis so every API replica shares them.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisGuard builds a guard whose markers expire after ttl.
func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	return &RedisGuard{client: client, ttl: ttl}
}

func (g *RedisGuard) Acquire(ctx context.Context, sellerID, orderRef string) (bool, error) {
	ok, err := g.client.SetNX(ctx, guardKey(sellerID, orderRef), time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire order guard: %w", err)
	}
	return ok, nil
}

func (g *RedisGuard) Release(ctx context.Context, sellerID, orderRef string) error {
	if err := g.client.Del(ctx, guardKey(sellerID, orderRef)).Err(); err != nil {
		return fmt.Errorf("release order guard: %w", err)
	}
	return nil
}

// MemoryGuard is the single-process guard used without Redis.
type MemoryGuard struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryGuard creates an empty in-memory guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{seen: make(map[string]struct{})}
}

func (g *MemoryGuard) Acquire(_ context.Context, sellerID, orderRef string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := guardKey(sellerID, orderRef)
	if _, ok := g.seen[key]; ok {
		return false, nil
	}
	g.seen[key] = struct{}{}
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, sellerID, orderRef string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, guardKey(sellerID, orderRef))
	return nil
}

func guardKey(sellerID, orderRef string) string {
	return guardPrefix + sellerID + ":" + orderRef
}
