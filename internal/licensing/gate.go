package licensing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"path"
	"strings"

	"github.com/dukerupert/keygate/internal/keygen"
)

// Blob is an opened update package.
type Blob struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
}

// BlobStore resolves artifact references. Open returns an error wrapping
// fs.ErrNotExist when the reference names nothing.
type BlobStore interface {
	Open(ctx context.Context, ref string) (*Blob, error)
}

// UpdateInfo is the answer to an update check.
type UpdateInfo struct {
	HasUpdate     bool
	LatestVersion string
	Changelog     string
	DownloadURL   string
}

// Download is an authorized update package stream. The caller closes Body.
type Download struct {
	*Blob
	FileName string
	Version  string
}

// UpdateGate gates update metadata and packages behind license validation.
type UpdateGate struct {
	registry *ProductRegistry
	licenses *LicenseService
	blobs    BlobStore
	baseURL  string
}

func NewUpdateGate(registry *ProductRegistry, licenses *LicenseService, blobs BlobStore, baseURL string) *UpdateGate {
	return &UpdateGate{
		registry: registry,
		licenses: licenses,
		blobs:    blobs,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}
}

// CheckUpdate reports whether the product has a release newer than
// currentVersion. Changelog and download URL are only filled in when it
// does.
func (g *UpdateGate) CheckUpdate(ctx context.Context, key, slug, currentVersion string) (*UpdateInfo, error) {
	product, err := g.registry.GetProductBySlug(ctx, strings.TrimSpace(slug))
	if err != nil {
		return nil, err
	}
	if _, err := g.licenses.ValidateLicense(ctx, key, product.ID); err != nil {
		return nil, err
	}

	info := &UpdateInfo{LatestVersion: product.LatestVersion}
	if product.LatestVersion != "" && IsNewer(product.LatestVersion, currentVersion) {
		info.HasUpdate = true
		info.Changelog = product.Changelog
		info.DownloadURL = g.DownloadURL(key, product.Slug)
	}
	return info, nil
}

// DownloadURL builds the license-scoped package URL for slug.
func (g *UpdateGate) DownloadURL(key, slug string) string {
	q := url.Values{}
	q.Set("license_key", keygen.Normalize(key))
	q.Set("product_slug", slug)
	return g.baseURL + "/licensing/v1/update-download?" + q.Encode()
}

// AuthorizeDownload validates the license and opens the product's current
// package. A product without a package, or a dangling reference, yields
// ErrArtifactNotFound.
func (g *UpdateGate) AuthorizeDownload(ctx context.Context, key, slug string) (*Download, error) {
	product, err := g.registry.GetProductBySlug(ctx, strings.TrimSpace(slug))
	if err != nil {
		return nil, err
	}
	if _, err := g.licenses.ValidateLicense(ctx, key, product.ID); err != nil {
		return nil, err
	}
	if product.ArtifactRef == "" || g.blobs == nil {
		return nil, ErrArtifactNotFound
	}

	blob, err := g.blobs.Open(ctx, product.ArtifactRef)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact %q: %w", product.ArtifactRef, err)
	}

	name := path.Base(product.ArtifactRef)
	if name == "." || name == "/" {
		name = product.Slug + ".zip"
	}
	return &Download{Blob: blob, FileName: name, Version: product.LatestVersion}, nil
}
