package cache

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dukerupert/keygate/internal/model"
)

// fakeRedis implements redisClient over a map, running the two scripts
// the cache uses.
type fakeRedis struct {
	data map[string]string
	ttls map[string]int64
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string), ttls: make(map[string]int64)}
}

func (f *fakeRedis) MGet(_ context.Context, keys ...string) *redis.SliceCmd {
	vals := make([]any, len(keys))
	for i, k := range keys {
		if v, ok := f.data[k]; ok {
			vals[i] = v
		}
	}
	return redis.NewSliceResult(vals, nil)
}

func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...any) *redis.Cmd {
	gen := f.data[keys[1]]
	if gen == "" {
		gen = "0"
	}
	switch script {
	case setIfCurrent:
		if gen != args[1].(string) {
			return redis.NewCmdResult(int64(0), nil)
		}
		f.data[keys[0]] = args[0].(string)
		f.ttls[keys[0]] = args[2].(int64)
		return redis.NewCmdResult(int64(1), nil)
	case bumpAndDelete:
		n, _ := strconv.ParseInt(gen, 10, 64)
		f.data[keys[1]] = strconv.FormatInt(n+1, 10)
		delete(f.data, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(nil, redis.Nil)
}

func TestRedisRoundTrip(t *testing.T) {
	fake := newFakeRedis()
	c := &Redis{client: fake, ttl: 30 * time.Second}
	ctx := context.Background()

	p, token, err := c.Get(ctx, "widget")
	if p != nil || err != nil {
		t.Fatalf("miss = %v, %v; want nil, nil", p, err)
	}

	if err := c.Set(ctx, &model.Product{ID: 7, Slug: "widget", LatestVersion: "2.0.0"}, token); err != nil {
		t.Fatalf("set: %v", err)
	}
	if fake.ttls["keygate:product:widget"] != 30000 {
		t.Errorf("ttl = %dms, want 30000", fake.ttls["keygate:product:widget"])
	}

	p, _, err = c.Get(ctx, "widget")
	if err != nil || p == nil {
		t.Fatalf("get = %v, %v", p, err)
	}
	if p.ID != 7 || p.LatestVersion != "2.0.0" {
		t.Errorf("product = %+v", p)
	}

	if err := c.Purge(ctx, "widget"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if p, _, _ := c.Get(ctx, "widget"); p != nil {
		t.Error("purged entry should miss")
	}
}

func TestRedisSetAfterPurgeIsDropped(t *testing.T) {
	c := &Redis{client: newFakeRedis(), ttl: time.Minute}
	ctx := context.Background()

	// A reader misses and loads the old row.
	_, token, err := c.Get(ctx, "widget")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	stale := &model.Product{ID: 1, Slug: "widget", LatestVersion: "1.0.0"}

	// The update lands and purges before the reader fills.
	if err := c.Purge(ctx, "widget"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if err := c.Set(ctx, stale, token); err != nil {
		t.Fatalf("set: %v", err)
	}
	if p, _, _ := c.Get(ctx, "widget"); p != nil {
		t.Fatalf("stale fill was cached: %+v", p)
	}

	// A reader that started after the purge fills normally.
	_, token, _ = c.Get(ctx, "widget")
	if err := c.Set(ctx, &model.Product{ID: 1, Slug: "widget", LatestVersion: "2.0.0"}, token); err != nil {
		t.Fatalf("set: %v", err)
	}
	p, _, _ := c.Get(ctx, "widget")
	if p == nil || p.LatestVersion != "2.0.0" {
		t.Errorf("cached = %+v, want 2.0.0", p)
	}
}

func TestNewRedisDefaultTTL(t *testing.T) {
	if c := NewRedis(nil, 0); c.ttl != defaultTTL {
		t.Errorf("ttl = %v, want %v", c.ttl, defaultTTL)
	}
}
