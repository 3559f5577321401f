package validation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/scratcha/scratcha/internal/config"
)

var ErrInvalidToken = errors.New("invalid client token")

type Validator struct {
	db    *pgxpool.Pool
	redis *redis.Client
	limit atomic.Int64
}

func NewValidator(ctx context.Context, cfg *config.Config) (*Validator, error) {
	// Connect to PostgreSQL
	db, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}

	// Connect to Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	v := &Validator{
		db:    db,
		redis: rdb,
	}
	v.SetRateLimit(cfg.RateLimit.RequestsPerSecond)
	return v, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ValidateClientToken resolves the problem a client token was issued for.
func (v *Validator) ValidateClientToken(ctx context.Context, token string) (string, error) {
	if len(token) < 8 {
		return "", ErrInvalidToken
	}

	tokenHash := hashToken(token)

	// Check cache first
	cacheKey := "token:" + tokenHash[:16]
	problemID, err := v.redis.Get(ctx, cacheKey).Result()
	if err == nil {
		return problemID, nil
	}

	// Query database
	var id string
	err = v.db.QueryRow(ctx, `
		SELECT problem_id::text FROM captcha_problems
		WHERE token_hash = $1
		AND (expires_at IS NULL OR expires_at > NOW())
	`, tokenHash).Scan(&id)

	if err != nil {
		return "", ErrInvalidToken
	}

	// Cache for 5 minutes
	if err := v.redis.Set(ctx, cacheKey, id, 5*time.Minute).Err(); err != nil {
		log.Warn().Err(err).Msg("Failed to cache client token")
	}

	return id, nil
}

// SetRateLimit changes the per-second chunk allowance. Zero disables limiting.
func (v *Validator) SetRateLimit(perSecond int) {
	v.limit.Store(int64(perSecond))
}

func (v *Validator) CheckRateLimit(ctx context.Context, key string) bool {
	limit := v.limit.Load()
	if limit <= 0 {
		return true
	}
	redisKey := "ratelimit:" + key

	// Increment counter
	count, err := v.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return true // Allow on error
	}

	// Set expiry on first request
	if count == 1 {
		v.redis.Expire(ctx, redisKey, time.Second)
	}

	return count <= limit
}

func (v *Validator) Close() {
	if v.db != nil {
		v.db.Close()
	}
	if v.redis != nil {
		v.redis.Close()
	}
}
