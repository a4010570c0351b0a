// Package cache holds advisory product lookups keyed by slug. The database
// remains authoritative; a miss or a cache error falls through to it.
package cache

import (
	"context"

	"github.com/dukerupert/keygate/internal/model"
)

// ProductCache caches products by slug.
//
// Get returns the cached product, or nil and a fill token on a miss. Set
// stores p only if no Purge of the slug happened since that token was
// handed out, so a reader that loaded the row before an update cannot put
// the old row back after the update purged it.
type ProductCache interface {
	Get(ctx context.Context, slug string) (p *model.Product, token int64, err error)
	Set(ctx context.Context, p *model.Product, token int64) error
	Purge(ctx context.Context, slug string) error
}

// Observed reports every Get outcome to observe. Errors count as misses.
func Observed(c ProductCache, observe func(hit bool)) ProductCache {
	return &observed{ProductCache: c, observe: observe}
}

type observed struct {
	ProductCache
	observe func(hit bool)
}

func (o *observed) Get(ctx context.Context, slug string) (*model.Product, int64, error) {
	p, token, err := o.ProductCache.Get(ctx, slug)
	o.observe(p != nil && err == nil)
	return p, token, err
}
