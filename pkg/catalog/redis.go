package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// CachedCatalog is a read-through cache over another Catalog. Feature sets
// are expensive to recompute upstream, so they are cached in redis with a
// TTL. A cache miss or an unreachable redis falls through to the inner
// catalog; cache write failures are logged and otherwise ignored.
type CachedCatalog struct {
	inner  Catalog
	client *redis.Client
	ttl    time.Duration
	log    logrus.FieldLogger
}

// NewCachedCatalog connects to redis and wraps inner.
func NewCachedCatalog(inner Catalog, redisURL string, ttl time.Duration, log logrus.FieldLogger) (*CachedCatalog, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &CachedCatalog{inner: inner, client: client, ttl: ttl, log: log}, nil
}

func (c *CachedCatalog) Close() error {
	return c.client.Close()
}

func (c *CachedCatalog) Validate(ctx context.Context, vehicle, board, version string, features []string) error {
	return c.inner.Validate(ctx, vehicle, board, version, features)
}

func (c *CachedCatalog) ResolveRef(ctx context.Context, version string) (string, error) {
	return c.inner.ResolveRef(ctx, version)
}

func (c *CachedCatalog) FeatureSet(ctx context.Context, vehicle, board, version string) ([]Feature, error) {
	key := fmt.Sprintf("catalog:features:%s:%s:%s", vehicle, board, version)

	raw, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var features []Feature
		if err := json.Unmarshal(raw, &features); err == nil {
			return features, nil
		}
		c.log.WithField("key", key).Warn("dropping undecodable catalog cache entry")
		c.client.Del(ctx, key)
	} else if err != redis.Nil {
		c.log.WithError(err).Warn("catalog cache read failed, querying source")
	}

	features, err := c.inner.FeatureSet(ctx, vehicle, board, version)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(features); err == nil {
		if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
			c.log.WithError(err).Warn("catalog cache write failed")
		}
	}
	return features, nil
}
