package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dukerupert/keygate/internal/model"
)

const (
	keyPrefix = "keygate:product:"
	genPrefix = "keygate:product-gen:"

	defaultTTL = 5 * time.Minute
)

// setIfCurrent writes the product only while the slug's generation still
// matches the fill token.
const setIfCurrent = `
if (redis.call('GET', KEYS[2]) or '0') ~= ARGV[2] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1`

// bumpAndDelete advances the generation and drops the entry in one step.
const bumpAndDelete = `
redis.call('INCR', KEYS[2])
redis.call('DEL', KEYS[1])
return 1`

// redisClient is the subset of *redis.Client used here.
type redisClient interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// Redis is a ProductCache shared between keygate instances and the CLI.
type Redis struct {
	client redisClient
	ttl    time.Duration
}

// Connect parses redisURL (a redis:// URL or a bare host:port) and pings
// the server.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var opts *redis.Options
	if strings.Contains(redisURL, "://") {
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: redisURL}
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Get(ctx context.Context, slug string) (*model.Product, int64, error) {
	vals, err := r.client.MGet(ctx, keyPrefix+slug, genPrefix+slug).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redis get product: %w", err)
	}
	if len(vals) != 2 {
		return nil, 0, fmt.Errorf("redis get product: %d values for 2 keys", len(vals))
	}

	var token int64
	if s, ok := vals[1].(string); ok {
		if token, err = strconv.ParseInt(s, 10, 64); err != nil {
			return nil, 0, fmt.Errorf("parse product generation: %w", err)
		}
	}
	data, ok := vals[0].(string)
	if !ok {
		return nil, token, nil
	}
	var p model.Product
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, token, fmt.Errorf("decode cached product: %w", err)
	}
	return &p, token, nil
}

func (r *Redis) Set(ctx context.Context, p *model.Product, token int64) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode product: %w", err)
	}
	err = r.client.Eval(ctx, setIfCurrent,
		[]string{keyPrefix + p.Slug, genPrefix + p.Slug},
		string(data), strconv.FormatInt(token, 10), r.ttl.Milliseconds(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis set product: %w", err)
	}
	return nil
}

func (r *Redis) Purge(ctx context.Context, slug string) error {
	err := r.client.Eval(ctx, bumpAndDelete, []string{keyPrefix + slug, genPrefix + slug}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis purge product: %w", err)
	}
	return nil
}
