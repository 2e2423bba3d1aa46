package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/crosslogic/metering-agent/internal/billing"
	"github.com/crosslogic/metering-agent/pkg/cache"
	"github.com/crosslogic/metering-agent/pkg/models"
	"github.com/crosslogic/metering-agent/pkg/sanitize"
	"github.com/go-redis/redis/v8"
)

const (
	fieldQuantity      = "quantity"
	fieldLastFlushedAt = "last_flushed_at"
)

// Both scripts return false (redis.Nil) for a dimension that was never
// created, so a stray increment cannot resurrect a purged key. The reset
// receives the already negated quantity: negating a zero inside Lua yields
// -0, which HINCRBY rejects as not an integer.
var (
	incrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
return redis.call('HINCRBY', KEYS[1], 'quantity', ARGV[1])
`)

	resetScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local q = redis.call('HINCRBY', KEYS[1], 'quantity', ARGV[1])
if q < 0 then
  redis.call('HSET', KEYS[1], 'quantity', 0)
end
redis.call('HSET', KEYS[1], 'last_flushed_at', ARGV[2])
return 1
`)
)

// Redis keeps one hash per dimension at "<prefix>:<name>" and the set of
// known names at "<prefix>".
type Redis struct {
	cache  *cache.Cache
	prefix string
}

var _ billing.DimensionStore = (*Redis)(nil)

// NewRedis returns a store on top of c. The store owns c and closes it.
func NewRedis(c *cache.Cache, prefix string) *Redis {
	return &Redis{cache: c, prefix: prefix}
}

func (r *Redis) key(name string) string {
	return r.prefix + ":" + name
}

func (r *Redis) EnsureDimensions(ctx context.Context, names []string, purge bool, at time.Time) error {
	client := r.cache.Client

	var stale []string
	if purge {
		members, err := client.SMembers(ctx, r.prefix).Result()
		if err != nil {
			return fmt.Errorf("list dimension names: %w", err)
		}
		stale = members
	}

	_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, name := range stale {
			pipe.Del(ctx, r.key(name))
		}
		if purge {
			pipe.Del(ctx, r.prefix)
		}
		for _, name := range names {
			pipe.HSetNX(ctx, r.key(name), fieldQuantity, 0)
			pipe.HSetNX(ctx, r.key(name), fieldLastFlushedAt, at.Unix())
			pipe.SAdd(ctx, r.prefix, name)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ensure dimensions: %w", err)
	}
	return nil
}

func (r *Redis) ListDimensions(ctx context.Context) ([]models.Dimension, error) {
	client := r.cache.Client

	names, err := client.SMembers(ctx, r.prefix).Result()
	if err != nil {
		return nil, fmt.Errorf("list dimension names: %w", err)
	}
	sort.Strings(names)

	cmds := make([]*redis.SliceCmd, len(names))
	_, err = client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, name := range names {
			cmds[i] = pipe.HMGet(ctx, r.key(name), fieldQuantity, fieldLastFlushedAt)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read dimensions: %w", err)
	}

	out := make([]models.Dimension, 0, len(names))
	for i, name := range names {
		vals := cmds[i].Val()
		if len(vals) != 2 || vals[0] == nil {
			continue
		}
		quantity, err := sanitize.Quantity(vals[0])
		if err != nil {
			return nil, fmt.Errorf("dimension %q: %w", name, err)
		}
		flushedAt, err := sanitize.Quantity(vals[1])
		if err != nil {
			return nil, fmt.Errorf("dimension %q: %w", name, err)
		}
		out = append(out, models.Dimension{Name: name, Quantity: quantity, LastFlushedAt: flushedAt})
	}
	return out, nil
}

func (r *Redis) Increment(ctx context.Context, name string, delta int64) error {
	err := incrementScript.Run(ctx, r.cache.Client, []string{r.key(name)}, delta).Err()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %q", billing.ErrUnknownDimension, name)
	}
	if err != nil {
		return fmt.Errorf("increment %q: %w", name, err)
	}
	return nil
}

func (r *Redis) ResetAfterFlush(ctx context.Context, name string, flushed int64, at time.Time) error {
	err := resetScript.Run(ctx, r.cache.Client, []string{r.key(name)}, resetArgs(flushed, at)...).Err()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %q", billing.ErrUnknownDimension, name)
	}
	if err != nil {
		return fmt.Errorf("reset %q: %w", name, err)
	}
	return nil
}

func resetArgs(flushed int64, at time.Time) []interface{} {
	return []interface{}{-flushed, at.Unix()}
}

func (r *Redis) MaxLastFlushedAt(ctx context.Context) (int64, error) {
	dims, err := r.ListDimensions(ctx)
	if err != nil {
		return 0, err
	}
	var max int64
	for _, d := range dims {
		if d.LastFlushedAt > max {
			max = d.LastFlushedAt
		}
	}
	return max, nil
}

func (r *Redis) Close() error {
	return r.cache.Close()
}
