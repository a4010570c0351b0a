package licensing

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/keygate/internal/database"
	"github.com/dukerupert/keygate/internal/model"
	"github.com/dukerupert/keygate/internal/store"
)

type recordingNotifier struct {
	mu       sync.Mutex
	created  []int64
	expired  []int64
	expiring map[int64]int
	// onExpired runs after an expiry is recorded, outside the lock.
	onExpired func(id int64)
	err       error
}

func (n *recordingNotifier) LicenseCreated(_ context.Context, l *model.License) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, l.ID)
	return nil
}

func (n *recordingNotifier) LicenseExpiring(_ context.Context, l *model.License, days int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.expiring == nil {
		n.expiring = make(map[int64]int)
	}
	n.expiring[l.ID] = days
	return nil
}

func (n *recordingNotifier) LicenseExpired(_ context.Context, l *model.License) error {
	n.mu.Lock()
	n.expired = append(n.expired, l.ID)
	hook, err := n.onExpired, n.err
	n.mu.Unlock()
	if hook != nil {
		hook(l.ID)
	}
	return err
}

// memCache is a ProductCache with the purge-generation contract.
type memCache struct {
	mu      sync.Mutex
	entries map[string]model.Product
	gens    map[string]int64
	sets    int
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]model.Product), gens: make(map[string]int64)}
}

func (c *memCache) Get(_ context.Context, slug string) (*model.Product, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.entries[slug]; ok {
		return &p, c.gens[slug], nil
	}
	return nil, c.gens[slug], nil
}

func (c *memCache) Set(_ context.Context, p *model.Product, token int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[p.Slug] == token {
		c.entries[p.Slug] = *p
		c.sets++
	}
	return nil
}

func (c *memCache) Purge(_ context.Context, slug string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[slug]++
	delete(c.entries, slug)
	return nil
}

type testEnv struct {
	registry    *ProductRegistry
	licenses    *LicenseService
	ledger      *ActivationLedger
	activations *store.ActivationStore
	notifier    *recordingNotifier
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupEnv(t *testing.T, cfg LicenseConfig) *testEnv {
	t.Helper()
	return setupEnvAt(t, cfg, ":memory:")
}

func setupEnvAt(t *testing.T, cfg LicenseConfig, path string) *testEnv {
	t.Helper()
	db, err := database.Open(path)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := discardLogger()
	ps := store.NewProductStore(db)
	ls := store.NewLicenseStore(db)
	as := store.NewActivationStore(db)
	n := &recordingNotifier{}

	svc := NewLicenseService(ls, ps, n, cfg, logger)
	return &testEnv{
		registry:    NewProductRegistry(ps, newMemCache(), time.Second, logger),
		licenses:    svc,
		ledger:      NewActivationLedger(svc, ls, as, time.Second, logger),
		activations: as,
		notifier:    n,
	}
}

func (e *testEnv) product(t *testing.T, slug, version string) *model.Product {
	t.Helper()
	p, err := e.registry.CreateProduct(context.Background(), ProductInput{Slug: slug, Name: slug, Version: version})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	return p
}

func (e *testEnv) license(t *testing.T, productID int64, max int, expiresAt *time.Time) *model.License {
	t.Helper()
	in := LicenseInput{ProductID: productID, CustomerEmail: "alice@example.com", MaxActivations: max, ExpiresAt: expiresAt}
	if expiresAt == nil {
		in.Lifetime = true
	}
	l, err := e.licenses.CreateLicense(context.Background(), in)
	if err != nil {
		t.Fatalf("create license: %v", err)
	}
	return l
}

func ptrTime(t time.Time) *time.Time { return &t }
