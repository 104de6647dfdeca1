// Package cache provides Redis caching operations for annotations.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/docmark/annotator/internal/config"
	"github.com/docmark/annotator/internal/models"
)

const (
	// Cache key prefixes
	annotationKeyPrefix = "annotation:"
	versionKeyPrefix    = "annotations:version:"

	// Default TTL for cached items
	defaultTTL = 5 * time.Minute
)

// Cache defines the interface for caching operations.
type Cache interface {
	// Get retrieves an annotation from cache by ID. A miss is (nil, nil).
	Get(ctx context.Context, id string) (*models.Annotation, error)

	// GetVersion retrieves the cached annotation list of a version.
	GetVersion(ctx context.Context, versionID string) ([]models.Annotation, bool, error)

	// Set stores an annotation and drops its version list.
	Set(ctx context.Context, annotation *models.Annotation) error

	// SetVersion stores the annotation list of a version.
	SetVersion(ctx context.Context, versionID string, annotations []models.Annotation) error

	// Delete removes an annotation and drops its version list.
	Delete(ctx context.Context, id, versionID string) error

	// InvalidateVersion drops the cached list of a version.
	InvalidateVersion(ctx context.Context, versionID string) error

	// Close closes the cache connection.
	Close() error
}

// RedisCache implements Cache using Redis.
type RedisCache struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(cfg *config.Config, logger *zap.Logger) (Cache, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis cache")

	return NewRedisCacheFromClient(client, logger), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client, logger *zap.Logger) *RedisCache {
	return &RedisCache{
		client: client,
		logger: logger,
		ttl:    defaultTTL,
	}
}

func versionKey(versionID string) string {
	return versionKeyPrefix + versionID
}

// Get retrieves an annotation from cache by ID.
func (c *RedisCache) Get(ctx context.Context, id string) (*models.Annotation, error) {
	key := annotationKeyPrefix + id

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil // Cache miss
	}
	if err != nil {
		c.logger.Warn("Failed to get from cache", zap.String("key", key), zap.Error(err))
		return nil, nil // Treat errors as cache miss
	}

	var annotation models.Annotation
	if err := json.Unmarshal(data, &annotation); err != nil {
		c.logger.Warn("Failed to unmarshal cached annotation", zap.Error(err))
		return nil, nil
	}

	c.logger.Debug("Cache hit", zap.String("key", key))
	return &annotation, nil
}

// GetVersion retrieves the cached annotation list of a version.
func (c *RedisCache) GetVersion(ctx context.Context, versionID string) ([]models.Annotation, bool, error) {
	key := versionKey(versionID)

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		c.logger.Warn("Failed to get version from cache", zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}

	var annotations []models.Annotation
	if err := json.Unmarshal(data, &annotations); err != nil {
		c.logger.Warn("Failed to unmarshal cached annotations", zap.Error(err))
		return nil, false, nil
	}

	c.logger.Debug("Cache hit", zap.String("key", key), zap.Int("count", len(annotations)))
	return annotations, true, nil
}

// Set stores an annotation in cache.
func (c *RedisCache) Set(ctx context.Context, annotation *models.Annotation) error {
	key := annotationKeyPrefix + annotation.ID

	data, err := json.Marshal(annotation)
	if err != nil {
		c.logger.Warn("Failed to marshal annotation for cache", zap.Error(err))
		return err
	}

	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("Failed to set cache", zap.String("key", key), zap.Error(err))
		return err
	}

	// The version list no longer matches
	_ = c.InvalidateVersion(ctx, annotation.VersionID)

	c.logger.Debug("Cached annotation", zap.String("key", key))
	return nil
}

// SetVersion stores the annotation list of a version.
func (c *RedisCache) SetVersion(ctx context.Context, versionID string, annotations []models.Annotation) error {
	data, err := json.Marshal(annotations)
	if err != nil {
		c.logger.Warn("Failed to marshal annotations for cache", zap.Error(err))
		return err
	}

	if err := c.client.Set(ctx, versionKey(versionID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("Failed to set version cache", zap.String("version_id", versionID), zap.Error(err))
		return err
	}

	c.logger.Debug("Cached version annotations", zap.String("version_id", versionID), zap.Int("count", len(annotations)))
	return nil
}

// Delete removes an annotation from cache.
func (c *RedisCache) Delete(ctx context.Context, id, versionID string) error {
	key := annotationKeyPrefix + id

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("Failed to delete from cache", zap.String("key", key), zap.Error(err))
		return err
	}

	_ = c.InvalidateVersion(ctx, versionID)

	c.logger.Debug("Deleted from cache", zap.String("key", key))
	return nil
}

// InvalidateVersion drops the cached list of a version.
func (c *RedisCache) InvalidateVersion(ctx context.Context, versionID string) error {
	if versionID == "" {
		return nil
	}
	if err := c.client.Del(ctx, versionKey(versionID)).Err(); err != nil {
		c.logger.Warn("Failed to invalidate version cache", zap.String("version_id", versionID), zap.Error(err))
		return err
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	c.logger.Info("Closing Redis connection")
	return c.client.Close()
}
