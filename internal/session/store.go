package session

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/scratcha/scratcha/internal/config"
)

// Store holds raw chunks until every chunk of a transfer has arrived.
type Store interface {
	// Put stores the chunk at index and returns how many distinct chunks
	// the key now holds.
	Put(ctx context.Context, key string, index int, payload []byte, ttl time.Duration) (int, error)
	// Take atomically returns every stored chunk by index and deletes the key.
	Take(ctx context.Context, key string) (map[int][]byte, error)
	// Restore puts taken chunks back, keeping any that arrived since.
	Restore(ctx context.Context, key string, chunks map[int][]byte, ttl time.Duration) error
}

// RedisStore keeps each transfer in a Redis hash keyed by chunk index.
type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(cfg config.RedisConfig) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{redis: rdb}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

func (s *RedisStore) Put(ctx context.Context, key string, index int, payload []byte, ttl time.Duration) (int, error) {
	// Use Redis pipeline for efficiency
	pipe := s.redis.Pipeline()
	pipe.HSet(ctx, key, strconv.Itoa(index), payload)
	pipe.Expire(ctx, key, ttl)
	count := pipe.HLen(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("key", key).Int("chunk_index", index).Msg("Failed to store chunk in Redis")
		return 0, err
	}
	return int(count.Val()), nil
}

func (s *RedisStore) Take(ctx context.Context, key string) (map[int][]byte, error) {
	var all *redis.MapStringStringCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		all = pipe.HGetAll(ctx, key)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}

	data := all.Val()

	chunks := make(map[int][]byte, len(data))
	for field, v := range data {
		idx, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		chunks[idx] = []byte(v)
	}
	return chunks, nil
}

func (s *RedisStore) Restore(ctx context.Context, key string, chunks map[int][]byte, ttl time.Duration) error {
	pipe := s.redis.Pipeline()
	for idx, payload := range chunks {
		pipe.HSetNX(ctx, key, strconv.Itoa(idx), payload)
	}
	pipe.Expire(ctx, key, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("key", key).Int("chunks", len(chunks)).Msg("Failed to restore chunks in Redis")
		return err
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.redis.Close()
}

// memorySweepInterval bounds how often Put scans for abandoned transfers.
const memorySweepInterval = 30 * time.Second

// MemoryStore is an in-process Store for single-instance deployments and tests.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]*memoryEntry
	now       func() time.Time
	lastSweep time.Time
}

type memoryEntry struct {
	chunks  map[int][]byte
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry), now: time.Now}
}

func (s *MemoryStore) Put(_ context.Context, key string, index int, payload []byte, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)

	e, ok := s.entries[key]
	if !ok || now.After(e.expires) {
		e = &memoryEntry{chunks: make(map[int][]byte)}
		s.entries[key] = e
	}
	e.chunks[index] = append([]byte(nil), payload...)
	e.expires = now.Add(ttl)
	return len(e.chunks), nil
}

func (s *MemoryStore) Take(_ context.Context, key string) (map[int][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int][]byte)
	e, ok := s.entries[key]
	delete(s.entries, key)
	if !ok || s.now().After(e.expires) {
		return out, nil
	}
	for idx, p := range e.chunks {
		out[idx] = p
	}
	return out, nil
}

func (s *MemoryStore) Restore(_ context.Context, key string, chunks map[int][]byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok || now.After(e.expires) {
		e = &memoryEntry{chunks: make(map[int][]byte, len(chunks))}
		s.entries[key] = e
	}
	for idx, p := range chunks {
		if _, exists := e.chunks[idx]; !exists {
			e.chunks[idx] = p
		}
	}
	e.expires = now.Add(ttl)
	return nil
}

// sweepLocked drops expired transfers, at most once per memorySweepInterval.
func (s *MemoryStore) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < memorySweepInterval {
		return
	}
	s.lastSweep = now
	for key, e := range s.entries {
		if now.After(e.expires) {
			delete(s.entries, key)
		}
	}
}
