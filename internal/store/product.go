package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/keygate/internal/model"
)

type ProductStore struct {
	db *sql.DB
}

func NewProductStore(db *sql.DB) *ProductStore {
	return &ProductStore{db: db}
}

func scanProduct(scanner interface{ Scan(...any) error }) (*model.Product, error) {
	var p model.Product
	err := scanner.Scan(
		&p.ID, &p.Slug, &p.Name, &p.LatestVersion, &p.Changelog,
		&p.ArtifactRef, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

const productCols = `id, slug, name, latest_version, changelog, artifact_ref, created_at, updated_at`

// Create inserts a product. It returns ErrDuplicate when the slug is taken.
func (s *ProductStore) Create(ctx context.Context, p model.Product) (*model.Product, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO products (slug, name, latest_version, changelog, artifact_ref, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Slug, p.Name, p.LatestVersion, p.Changelog, p.ArtifactRef, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert product %q: %w", p.Slug, ErrDuplicate)
		}
		return nil, fmt.Errorf("insert product: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *ProductStore) GetByID(ctx context.Context, id int64) (*model.Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productCols+` FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

func (s *ProductStore) GetBySlug(ctx context.Context, slug string) (*model.Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productCols+` FROM products WHERE slug = ?`, slug)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get product by slug: %w", err)
	}
	return p, nil
}

func (s *ProductStore) SlugExists(ctx context.Context, slug string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products WHERE slug = ?`, slug).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check product slug: %w", err)
	}
	return count > 0, nil
}

func (s *ProductStore) List(ctx context.Context) ([]model.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productCols+` FROM products ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

// Update writes the mutable columns of p and refreshes updated_at. It reports
// whether a row was changed.
func (s *ProductStore) Update(ctx context.Context, p model.Product) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE products SET name = ?, latest_version = ?, changelog = ?, artifact_ref = ?, updated_at = ?
		 WHERE id = ?`,
		p.Name, p.LatestVersion, p.Changelog, p.ArtifactRef, time.Now().UTC(), p.ID,
	)
	if err != nil {
		return false, fmt.Errorf("update product: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Delete removes a product that no license references. It returns false when
// the product is missing or still referenced.
func (s *ProductStore) Delete(ctx context.Context, id int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var refs int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM licenses WHERE product_id = ?`, id).Scan(&refs); err != nil {
		return false, fmt.Errorf("count product licenses: %w", err)
	}
	if refs > 0 {
		return false, nil
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete product: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return n > 0, nil
}
