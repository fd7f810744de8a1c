package server

import (
	"context"
	redisSvc "pair_chat/internal/service/redis"
	"sync"
	"time"
)

type (
	// LoginLimiter counts login attempts per client key inside a fixed window.
	LoginLimiter interface {
		Allow(ctx context.Context, key string) (bool, error)
	}

	RedisLimiter struct {
		redis  *redisSvc.RedisService
		limit  int64
		window time.Duration
	}

	MemoryLimiter struct {
		mu     sync.Mutex
		limit  int64
		window time.Duration
		now    func() time.Time
		hits   map[string]*loginWindow
	}

	loginWindow struct {
		count   int64
		resetAt time.Time
	}
)

func NewRedisLimiter(redis *redisSvc.RedisService, limit int64, window time.Duration) *RedisLimiter {
	return &RedisLimiter{redis: redis, limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := l.redis.IncrWithTTL(ctx, "login:"+key, l.window)
	if err != nil {
		return false, err
	}
	return n <= l.limit, nil
}

func NewMemoryLimiter(limit int64, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		hits:   make(map[string]*loginWindow),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.hits[key]
	if !ok || !now.Before(w.resetAt) {
		w = &loginWindow{resetAt: now.Add(l.window)}
		l.hits[key] = w
	}
	w.count++
	return w.count <= l.limit, nil
}
