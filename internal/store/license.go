package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/keygate/internal/model"
)

type LicenseStore struct {
	db *sql.DB
}

func NewLicenseStore(db *sql.DB) *LicenseStore {
	return &LicenseStore{db: db}
}

func scanLicense(scanner interface{ Scan(...any) error }) (*model.License, error) {
	var l model.License
	var expiresAt sql.NullTime
	var orderRef sql.NullString
	err := scanner.Scan(
		&l.ID, &l.ProductID, &l.Key, &l.Status, &expiresAt, &l.MaxActivations,
		&l.Activations, &l.Domains, &l.CustomerEmail, &orderRef, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		l.ExpiresAt = &t
	}
	if orderRef.Valid {
		l.OrderRef = &orderRef.String
	}
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}

const licenseCols = `id, product_id, license_key, status, expires_at, max_activations, activations, domains, customer_email, order_ref, created_at, updated_at`

// Create inserts l. It returns ErrDuplicate when the key is already issued.
func (s *LicenseStore) Create(ctx context.Context, l model.License) (*model.License, error) {
	now := time.Now().UTC()
	var orderRef any
	if l.OrderRef != nil {
		orderRef = *l.OrderRef
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO licenses (product_id, license_key, status, expires_at, max_activations, customer_email, order_ref, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ProductID, l.Key, l.Status, nullTime(l.ExpiresAt), l.MaxActivations, l.CustomerEmail, orderRef, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert license: %w", ErrDuplicate)
		}
		return nil, fmt.Errorf("insert license: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *LicenseStore) GetByID(ctx context.Context, id int64) (*model.License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+licenseCols+` FROM licenses WHERE id = ?`, id)
	l, err := scanLicense(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	return l, nil
}

func (s *LicenseStore) GetByKey(ctx context.Context, key string) (*model.License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+licenseCols+` FROM licenses WHERE license_key = ?`, key)
	l, err := scanLicense(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get license by key: %w", err)
	}
	return l, nil
}

// ListFilter narrows List. Zero fields are ignored.
type ListFilter struct {
	ProductID     int64
	Status        model.LicenseStatus
	CustomerEmail string
	OrderRef      string
	Limit         int
	Offset        int
}

func (s *LicenseStore) List(ctx context.Context, f ListFilter) ([]model.License, error) {
	var where []string
	var args []any
	if f.ProductID != 0 {
		where = append(where, "product_id = ?")
		args = append(args, f.ProductID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.CustomerEmail != "" {
		where = append(where, "customer_email = ?")
		args = append(args, f.CustomerEmail)
	}
	if f.OrderRef != "" {
		where = append(where, "order_ref = ?")
		args = append(args, f.OrderRef)
	}

	query := `SELECT ` + licenseCols + ` FROM licenses`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	return scanLicenses(rows)
}

// ListDueForExpiry returns active licenses whose expiry is at or before now.
func (s *LicenseStore) ListDueForExpiry(ctx context.Context, now time.Time, limit int) ([]model.License, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+licenseCols+` FROM licenses
		 WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= ?
		 ORDER BY expires_at LIMIT ?`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list licenses due for expiry: %w", err)
	}
	return scanLicenses(rows)
}

// ListExpiringBetween returns active licenses expiring in (from, to].
func (s *LicenseStore) ListExpiringBetween(ctx context.Context, from, to time.Time) ([]model.License, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+licenseCols+` FROM licenses
		 WHERE status = 'active' AND expires_at > ? AND expires_at <= ?
		 ORDER BY expires_at`,
		from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list expiring licenses: %w", err)
	}
	return scanLicenses(rows)
}

func (s *LicenseStore) CountByProduct(ctx context.Context, productID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM licenses WHERE product_id = ?`, productID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count licenses: %w", err)
	}
	return count, nil
}

// Update writes the administratively editable columns of l. Activation
// accounting columns are never touched here.
func (s *LicenseStore) Update(ctx context.Context, l model.License) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET status = ?, expires_at = ?, max_activations = ?, customer_email = ?, updated_at = ?
		 WHERE id = ?`,
		l.Status, nullTime(l.ExpiresAt), l.MaxActivations, l.CustomerEmail, time.Now().UTC(), l.ID,
	)
	if err != nil {
		return false, fmt.Errorf("update license: %w", err)
	}
	return affected(result)
}

// MarkExpired moves an active, past-expiry license to expired. Only one
// concurrent caller observes true.
func (s *LicenseStore) MarkExpired(ctx context.Context, id int64, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET status = 'expired', updated_at = ?
		 WHERE id = ? AND status = 'active' AND expires_at IS NOT NULL AND expires_at <= ?`,
		now.UTC(), id, now.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("mark license expired: %w", err)
	}
	return affected(result)
}

func (s *LicenseStore) SetStatus(ctx context.Context, id int64, status model.LicenseStatus) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("set license status: %w", err)
	}
	return affected(result)
}

// DisableByOrder disables every license issued for orderRef and returns the
// affected licenses.
func (s *LicenseStore) DisableByOrder(ctx context.Context, orderRef string) ([]model.License, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE licenses SET status = 'disabled', updated_at = ? WHERE order_ref = ? AND status != 'disabled'`,
		time.Now().UTC(), orderRef,
	); err != nil {
		return nil, fmt.Errorf("disable licenses by order: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT `+licenseCols+` FROM licenses WHERE order_ref = ? ORDER BY id`, orderRef)
	if err != nil {
		return nil, fmt.Errorf("list order licenses: %w", err)
	}
	licenses, err := scanLicenses(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return licenses, nil
}

// IncrementActivations adds one activation unless the limit is reached.
func (s *LicenseStore) IncrementActivations(ctx context.Context, id int64) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET activations = activations + 1, updated_at = ?
		 WHERE id = ? AND activations < max_activations`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("increment activations: %w", err)
	}
	return affected(result)
}

// DecrementActivations removes one activation, never going below zero.
func (s *LicenseStore) DecrementActivations(ctx context.Context, id int64) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET activations = MAX(activations - 1, 0), updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("decrement activations: %w", err)
	}
	return affected(result)
}

// Reconcile recomputes the activation counter and domain list of every
// license from the activations table and returns how many rows drifted.
func (s *LicenseStore) Reconcile(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET
		   activations = (SELECT COUNT(*) FROM activations a WHERE a.license_id = licenses.id),
		   domains = `+domainsExpr+`,
		   updated_at = ?
		 WHERE activations != (SELECT COUNT(*) FROM activations a WHERE a.license_id = licenses.id)
		    OR domains != `+domainsExpr,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("reconcile licenses: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (s *LicenseStore) Delete(ctx context.Context, id int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM licenses WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete license: %w", err)
	}
	return affected(result)
}

func scanLicenses(rows *sql.Rows) ([]model.License, error) {
	defer rows.Close()
	var licenses []model.License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		licenses = append(licenses, *l)
	}
	return licenses, rows.Err()
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
