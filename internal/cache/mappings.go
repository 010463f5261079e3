package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/minasoft/lis-gateway/internal/db"
)

const (
	keyPrefix = "lis:mapping:"
	// missing marks a code known to have no active mapping.
	missing = "-"
)

// MappingCache is a read-through Redis cache in front of the mapping
// repository. Writes go to the repository and drop every cached code of the
// instrument.
type MappingCache struct {
	repo        db.MappingRepository
	redisClient *redis.Client
	ttl         time.Duration
	negativeTTL time.Duration
	logger      *zap.Logger
}

func NewMappingCache(repo db.MappingRepository, redisClient *redis.Client, ttl time.Duration, logger *zap.Logger) *MappingCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	neg := ttl / 5
	if neg < time.Second {
		neg = time.Second
	}
	return &MappingCache{
		repo:        repo,
		redisClient: redisClient,
		ttl:         ttl,
		negativeTTL: neg,
		logger:      logger.With(zap.String("component", "mapping_cache")),
	}
}

// NewRedisClient parses a redis:// URL and checks the server is reachable.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func key(instrumentID uuid.UUID, code string) string {
	return keyPrefix + instrumentID.String() + ":" + strings.ToUpper(strings.TrimSpace(code))
}

// FindActiveMapping serves from Redis when possible. Cache failures fall
// back to the repository.
func (c *MappingCache) FindActiveMapping(ctx context.Context, instrumentID uuid.UUID, code string) (*db.InstrumentTestMapping, error) {
	k := key(instrumentID, code)

	val, err := c.redisClient.Get(ctx, k).Result()
	switch {
	case err == nil && val == missing:
		return nil, db.ErrNotFound
	case err == nil:
		var m db.InstrumentTestMapping
		if jerr := json.Unmarshal([]byte(val), &m); jerr == nil {
			return &m, nil
		}
		c.logger.Warn("dropping unreadable cache entry", zap.String("key", k))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("mapping cache read failed", zap.String("key", k), zap.Error(err))
	}

	m, err := c.repo.FindActiveMapping(ctx, instrumentID, code)
	if errors.Is(err, db.ErrNotFound) {
		c.set(ctx, k, missing, c.negativeTTL)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if b, jerr := json.Marshal(m); jerr == nil {
		c.set(ctx, k, string(b), c.ttl)
	}
	return m, nil
}

func (c *MappingCache) set(ctx context.Context, k, v string, ttl time.Duration) {
	if err := c.redisClient.Set(ctx, k, v, ttl).Err(); err != nil {
		c.logger.Warn("mapping cache write failed", zap.String("key", k), zap.Error(err))
	}
}

// Invalidate drops every cached code of an instrument.
func (c *MappingCache) Invalidate(ctx context.Context, instrumentID uuid.UUID) error {
	pattern := keyPrefix + instrumentID.String() + ":*"
	var keys []string
	iter := c.redisClient.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan mapping cache: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.redisClient.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate mapping cache: %w", err)
	}
	c.logger.Debug("mapping cache invalidated",
		zap.String("instrument_id", instrumentID.String()),
		zap.Int("keys", len(keys)))
	return nil
}

func (c *MappingCache) invalidate(ctx context.Context, instrumentID uuid.UUID) {
	if err := c.Invalidate(ctx, instrumentID); err != nil {
		c.logger.Warn("mapping cache invalidation failed", zap.Error(err))
	}
}

func (c *MappingCache) ListMappings(ctx context.Context, instrumentID uuid.UUID) ([]*db.InstrumentTestMapping, error) {
	return c.repo.ListMappings(ctx, instrumentID)
}

func (c *MappingCache) GetMapping(ctx context.Context, id uuid.UUID) (*db.InstrumentTestMapping, error) {
	return c.repo.GetMapping(ctx, id)
}

func (c *MappingCache) CreateMapping(ctx context.Context, m *db.InstrumentTestMapping) error {
	if err := c.repo.CreateMapping(ctx, m); err != nil {
		return err
	}
	c.invalidate(ctx, m.InstrumentID)
	return nil
}

func (c *MappingCache) UpdateMapping(ctx context.Context, m *db.InstrumentTestMapping) error {
	prev, err := c.repo.GetMapping(ctx, m.ID)
	if err != nil {
		return err
	}
	if err := c.repo.UpdateMapping(ctx, m); err != nil {
		return err
	}
	c.invalidate(ctx, m.InstrumentID)
	if prev.InstrumentID != m.InstrumentID {
		c.invalidate(ctx, prev.InstrumentID)
	}
	return nil
}

func (c *MappingCache) DeleteMapping(ctx context.Context, id uuid.UUID) error {
	prev, err := c.repo.GetMapping(ctx, id)
	if err != nil {
		return err
	}
	if err := c.repo.DeleteMapping(ctx, id); err != nil {
		return err
	}
	c.invalidate(ctx, prev.InstrumentID)
	return nil
}
