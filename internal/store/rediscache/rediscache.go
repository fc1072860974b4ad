// Package rediscache is a read-through Redis cache in front of a
// position.Store.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/bulwark/internal/position"
)

const keyPrefix = "bulwark:position:"

// Cache serves GetPosition from Redis and falls through to the backing
// store on a miss. Writes go to the backing store and invalidate the key.
// A Redis outage degrades to direct backing-store reads.
type Cache struct {
	client  redis.Cmdable
	backing position.Store
	ttl     time.Duration
	logger  log.Logger
}

var _ position.Store = (*Cache)(nil)

// New wraps backing with a cache whose entries live for ttl.
func New(client redis.Cmdable, backing position.Store, ttl time.Duration, logger log.Logger) *Cache {
	if logger == nil {
		logger = log.Nop()
	}
	return &Cache{client: client, backing: backing, ttl: ttl, logger: logger}
}

func key(id string) string { return keyPrefix + id }

// Ping checks the Redis connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// GetPosition returns the cached position or loads and caches it.
func (c *Cache) GetPosition(ctx context.Context, id string) (*position.Position, bool, error) {
	data, err := c.client.Get(ctx, key(id)).Bytes()
	switch {
	case err == nil:
		var p position.Position
		if err := json.Unmarshal(data, &p); err == nil {
			return &p, true, nil
		}
		c.logger.Warn(ctx, "discarding undecodable cached position", "position_id", id)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn(ctx, "position cache read failed", "position_id", id, "err", err)
	}

	p, ok, err := c.backing.GetPosition(ctx, id)
	if err != nil || !ok {
		return p, ok, err
	}
	c.fill(ctx, p)
	return p, true, nil
}

func (c *Cache) fill(ctx context.Context, p *position.Position) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key(p.ID), data, c.ttl).Err(); err != nil {
		c.logger.Warn(ctx, "position cache write failed", "position_id", p.ID, "err", err)
	}
}

// PutPosition writes through to the backing store and drops the cached
// copy.
func (c *Cache) PutPosition(ctx context.Context, p *position.Position) error {
	if err := c.backing.PutPosition(ctx, p); err != nil {
		return err
	}
	return c.invalidate(ctx, p.ID)
}

// DeletePosition deletes from the backing store and drops the cached copy.
func (c *Cache) DeletePosition(ctx context.Context, id string) error {
	if err := c.backing.DeletePosition(ctx, id); err != nil {
		return err
	}
	return c.invalidate(ctx, id)
}

// ListActivePositions always reads the backing store.
func (c *Cache) ListActivePositions(ctx context.Context) ([]position.Position, error) {
	return c.backing.ListActivePositions(ctx)
}

func (c *Cache) invalidate(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, key(id)).Err(); err != nil {
		return fmt.Errorf("invalidate cached position %s: %w", id, err)
	}
	return nil
}
