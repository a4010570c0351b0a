package licensing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/keygate/internal/cache"
	"github.com/dukerupert/keygate/internal/model"
	"github.com/dukerupert/keygate/internal/store"
)

const maxSlugSuffix = 100

// ProductInput describes a product to register.
type ProductInput struct {
	Slug        string
	Name        string
	Version     string
	Changelog   string
	ArtifactRef string
}

// ProductUpdate is a partial update; nil fields are left unchanged.
type ProductUpdate struct {
	Name        *string
	Version     *string
	Changelog   *string
	ArtifactRef *string
}

// ProductRegistry owns the product catalog. Its cache may be nil; without a
// cache shared by every process that writes products, lookups go to the
// database.
type ProductRegistry struct {
	products *store.ProductStore
	cache    cache.ProductCache
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewProductRegistry(ps *store.ProductStore, pc cache.ProductCache, timeout time.Duration, logger *slog.Logger) *ProductRegistry {
	return &ProductRegistry{
		products: ps,
		cache:    pc,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateProduct registers a product. A taken slug is disambiguated with a
// numeric suffix ("-1" through "-100") and, past that, a unix timestamp.
func (r *ProductRegistry) CreateProduct(ctx context.Context, in ProductInput) (*model.Product, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	name := strings.TrimSpace(in.Name)
	base := SanitizeSlug(in.Slug)
	if base == "" {
		base = SanitizeSlug(name)
	}
	if base == "" {
		base = "product"
	}
	if name == "" {
		name = base
	}

	p := model.Product{
		Name:          name,
		LatestVersion: strings.TrimSpace(in.Version),
		Changelog:     in.Changelog,
		ArtifactRef:   in.ArtifactRef,
	}
	for _, candidate := range slugCandidates(base, r.now()) {
		exists, err := r.products.SlugExists(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}
		p.Slug = candidate
		created, err := r.products.Create(ctx, p)
		if errors.Is(err, store.ErrDuplicate) {
			// Lost a race for this slug.
			continue
		}
		if err != nil {
			return nil, err
		}
		r.logger.Info("product registered", "product_id", created.ID, "slug", created.Slug)
		return created, nil
	}
	return nil, fmt.Errorf("create product %q: no free slug", base)
}

func slugCandidates(base string, now time.Time) []string {
	c := make([]string, 0, maxSlugSuffix+3)
	c = append(c, base)
	for i := 1; i <= maxSlugSuffix; i++ {
		c = append(c, base+"-"+strconv.Itoa(i))
	}
	ts := now.Unix()
	c = append(c, fmt.Sprintf("%s-%d", base, ts), fmt.Sprintf("%s-%d", base, now.UnixNano()))
	return c
}

// EnsureProduct returns the product registered under slug, registering it
// first when unknown.
func (r *ProductRegistry) EnsureProduct(ctx context.Context, slug, name string) (*model.Product, error) {
	slug = SanitizeSlug(slug)
	if slug == "" {
		return nil, fmt.Errorf("ensure product: empty slug: %w", ErrInvalidInput)
	}
	p, err := r.GetProductBySlug(ctx, slug)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrProductNotFound) {
		return nil, err
	}
	return r.CreateProduct(ctx, ProductInput{Slug: slug, Name: name})
}

func (r *ProductRegistry) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	p, err := r.products.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrProductNotFound
	}
	return p, nil
}

// GetProductBySlug is read-through cached when a cache is configured. Cache
// failures are logged and fall through to the database.
func (r *ProductRegistry) GetProductBySlug(ctx context.Context, slug string) (*model.Product, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	fill := r.cache != nil
	var token int64
	if fill {
		cached, t, err := r.cache.Get(ctx, slug)
		switch {
		case err != nil:
			r.logger.Warn("product cache get", "slug", slug, "error", err)
			fill = false
		case cached != nil:
			return cached, nil
		}
		token = t
	}

	p, err := r.products.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrProductNotFound
	}
	if fill {
		if err := r.cache.Set(ctx, p, token); err != nil {
			r.logger.Warn("product cache set", "slug", slug, "error", err)
		}
	}
	return p, nil
}

func (r *ProductRegistry) ListProducts(ctx context.Context) ([]model.Product, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	return r.products.List(ctx)
}

// UpdateProduct applies a partial update, refreshes updated_at and purges
// the cached entry for the slug.
func (r *ProductRegistry) UpdateProduct(ctx context.Context, id int64, u ProductUpdate) (bool, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	p, err := r.products.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if p == nil {
		return false, nil
	}
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.Version != nil {
		p.LatestVersion = strings.TrimSpace(*u.Version)
	}
	if u.Changelog != nil {
		p.Changelog = *u.Changelog
	}
	if u.ArtifactRef != nil {
		p.ArtifactRef = *u.ArtifactRef
	}

	ok, err := r.products.Update(ctx, *p)
	if err != nil {
		return false, err
	}
	r.purge(ctx, p.Slug)
	return ok, nil
}

// PublishUpdate records a new release. The cache is purged before
// returning, so update checks that start afterwards see the new version.
func (r *ProductRegistry) PublishUpdate(ctx context.Context, id int64, version, changelog, artifactRef string) (*model.Product, error) {
	if strings.TrimSpace(version) == "" {
		return nil, fmt.Errorf("publish update: version is required: %w", ErrInvalidInput)
	}
	u := ProductUpdate{Version: &version, Changelog: &changelog}
	if artifactRef != "" {
		u.ArtifactRef = &artifactRef
	}
	ok, err := r.UpdateProduct(ctx, id, u)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrProductNotFound
	}
	p, err := r.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	r.logger.Info("update published", "product_id", p.ID, "slug", p.Slug, "version", p.LatestVersion)
	return p, nil
}

// DeleteProduct removes a product. It returns false when the product does
// not exist or licenses still reference it.
func (r *ProductRegistry) DeleteProduct(ctx context.Context, id int64) (bool, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	p, err := r.products.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if p == nil {
		return false, nil
	}
	ok, err := r.products.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		r.purge(ctx, p.Slug)
	}
	return ok, nil
}

func (r *ProductRegistry) purge(ctx context.Context, slug string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Purge(ctx, slug); err != nil {
		r.logger.Error("product cache purge", "slug", slug, "error", err)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
