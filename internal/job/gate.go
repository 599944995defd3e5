package job

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Gate is the system-wide mutual exclusion guarding generation runs.
// TryAcquire never blocks: it either returns a release func or ok=false.
type Gate interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
	Busy() bool
}

// LocalGate is an in-process Gate.
type LocalGate struct {
	mu   sync.Mutex
	held atomic.Bool
}

// NewLocalGate creates an unlocked LocalGate.
func NewLocalGate() *LocalGate {
	return &LocalGate{}
}

func (g *LocalGate) TryAcquire(_ context.Context) (func(), bool, error) {
	if !g.mu.TryLock() {
		return nil, false, nil
	}
	g.held.Store(true)

	var once sync.Once
	return func() {
		once.Do(func() {
			g.held.Store(false)
			g.mu.Unlock()
		})
	}, true, nil
}

func (g *LocalGate) Busy() bool {
	return g.held.Load()
}

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisGate shares the gate between server instances through a Redis key.
// The key carries a TTL that is refreshed while the holder is alive, so a
// crashed instance cannot hold the gate forever.
type RedisGate struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisGate creates a Gate stored under key.
func NewRedisGate(client *redis.Client, key string, ttl time.Duration) *RedisGate {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisGate{client: client, key: key, ttl: ttl}
}

func (g *RedisGate) TryAcquire(ctx context.Context) (func(), bool, error) {
	token := uuid.New().String()
	ok, err := g.client.SetNX(ctx, g.key, token, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire redis gate %s: %w", g.key, err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go g.keepAlive(token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, g.client, []string{g.key}, token).Err(); err != nil {
				log.Printf("Failed to release redis gate %s: %v", g.key, err)
			}
		})
	}, true, nil
}

func (g *RedisGate) keepAlive(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), g.ttl/3)
			err := refreshScript.Run(ctx, g.client, []string{g.key}, token, g.ttl.Milliseconds()).Err()
			cancel()
			if err != nil {
				log.Printf("Failed to refresh redis gate %s: %v", g.key, err)
			}
		}
	}
}

func (g *RedisGate) Busy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := g.client.Exists(ctx, g.key).Result()
	if err != nil {
		log.Printf("Failed to query redis gate %s: %v", g.key, err)
		return false
	}
	return n > 0
}
