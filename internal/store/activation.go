package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/keygate/internal/model"
)

// domainsExpr rebuilds the denormalized domain list of the license row in
// scope from the activations table.
const domainsExpr = `COALESCE((SELECT group_concat(a.domain, ',') FROM activations a WHERE a.license_id = licenses.id), '')`

type ActivationStore struct {
	db *sql.DB
}

func NewActivationStore(db *sql.DB) *ActivationStore {
	return &ActivationStore{db: db}
}

func scanActivation(scanner interface{ Scan(...any) error }) (*model.Activation, error) {
	var a model.Activation
	err := scanner.Scan(&a.ID, &a.LicenseID, &a.ProductID, &a.Domain, &a.IPAddress, &a.ActivatedAt)
	if err != nil {
		return nil, err
	}
	a.ActivatedAt = a.ActivatedAt.UTC()
	return &a, nil
}

const activationCols = `id, license_id, product_id, domain, ip_address, activated_at`

// Activate records domain against the license. When the domain is already
// recorded the existing row is returned with created false and nothing
// changes. Otherwise the counter is incremented under the
// activations < max_activations guard, the row inserted and the domain list
// recomputed, all in one transaction. ErrLimitReached is returned when the
// guard refuses the increment.
func (s *ActivationStore) Activate(ctx context.Context, licenseID, productID int64, domain, ip string) (*model.Activation, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+activationCols+` FROM activations WHERE license_id = ? AND domain = ?`,
		licenseID, domain,
	)
	existing, err := scanActivation(row)
	if err == nil {
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("get activation: %w", err)
	}

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		`UPDATE licenses SET activations = activations + 1, updated_at = ?
		 WHERE id = ? AND activations < max_activations`,
		now, licenseID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("increment activations: %w", err)
	}
	ok, err := affected(result)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, ErrLimitReached
	}

	result, err = tx.ExecContext(ctx,
		`INSERT INTO activations (license_id, product_id, domain, ip_address, activated_at) VALUES (?, ?, ?, ?, ?)`,
		licenseID, productID, domain, ip, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert activation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("last insert id: %w", err)
	}

	if err := refreshDomains(ctx, tx, licenseID); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}

	return &model.Activation{
		ID:          id,
		LicenseID:   licenseID,
		ProductID:   productID,
		Domain:      domain,
		IPAddress:   ip,
		ActivatedAt: now,
	}, true, nil
}

// Deactivate removes the activation for domain, decrements the counter
// (floored at zero) and recomputes the domain list. It reports false when no
// such activation exists.
func (s *ActivationStore) Deactivate(ctx context.Context, licenseID int64, domain string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM activations WHERE license_id = ? AND domain = ?`, licenseID, domain)
	if err != nil {
		return false, fmt.Errorf("delete activation: %w", err)
	}
	ok, err := affected(result)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE licenses SET activations = MAX(activations - 1, 0), updated_at = ? WHERE id = ?`,
		time.Now().UTC(), licenseID,
	); err != nil {
		return false, fmt.Errorf("decrement activations: %w", err)
	}
	if err := refreshDomains(ctx, tx, licenseID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func refreshDomains(ctx context.Context, tx *sql.Tx, licenseID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE licenses SET domains = `+domainsExpr+` WHERE id = ?`, licenseID)
	if err != nil {
		return fmt.Errorf("refresh license domains: %w", err)
	}
	return nil
}

func (s *ActivationStore) Get(ctx context.Context, licenseID int64, domain string) (*model.Activation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+activationCols+` FROM activations WHERE license_id = ? AND domain = ?`,
		licenseID, domain,
	)
	a, err := scanActivation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get activation: %w", err)
	}
	return a, nil
}

func (s *ActivationStore) ListByLicense(ctx context.Context, licenseID int64) ([]model.Activation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+activationCols+` FROM activations WHERE license_id = ? ORDER BY domain`,
		licenseID,
	)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	defer rows.Close()

	var activations []model.Activation
	for rows.Next() {
		a, err := scanActivation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		activations = append(activations, *a)
	}
	return activations, rows.Err()
}

// Stats aggregates activations across all licenses. since marks the start of
// "today" and topN bounds the domain ranking.
func (s *ActivationStore) Stats(ctx context.Context, since time.Time, topN int) (*model.ActivationStats, error) {
	var stats model.ActivationStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN activated_at >= ? THEN 1 ELSE 0 END), 0) FROM activations`,
		since.UTC(),
	).Scan(&stats.TotalActivations, &stats.ActivationsToday)
	if err != nil {
		return nil, fmt.Errorf("count activations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT domain, COUNT(*) AS n FROM activations GROUP BY domain ORDER BY n DESC, domain LIMIT ?`,
		topN,
	)
	if err != nil {
		return nil, fmt.Errorf("top domains: %w", err)
	}
	defer rows.Close()

	stats.TopDomains = []model.DomainCount{}
	for rows.Next() {
		var dc model.DomainCount
		if err := rows.Scan(&dc.Domain, &dc.Count); err != nil {
			return nil, fmt.Errorf("scan domain count: %w", err)
		}
		stats.TopDomains = append(stats.TopDomains, dc)
	}
	return &stats, rows.Err()
}
