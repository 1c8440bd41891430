package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/museflow/ai-gateway/internal/providers"
)

// ListFilter narrows FindAll results. Zero values mean "no constraint".
type ListFilter struct {
	ProviderType providers.ProviderType
	IsActive     *bool
	HealthStatus providers.HealthStatus
}

const providerColumns = `id, provider_id, provider_name, provider_type, configuration,
	is_active, is_primary, priority, cost_per_unit, health_status,
	created_at, updated_at, created_by, updated_by`

// Create inserts a validated provider configuration and returns it with
// its assigned id and timestamps.
func (s *Store) Create(ctx context.Context, p *providers.ProviderConfiguration) (*providers.ProviderConfiguration, error) {
	if err := p.Validate(); err != nil {
		return nil, providers.NewError(providers.CodeValidation, err.Error(), 400)
	}

	cfgJSON, err := json.Marshal(p.Config)
	if err != nil {
		return nil, fmt.Errorf("store: marshal configuration: %w", err)
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_configs
			(provider_id, provider_name, provider_type, configuration,
			 is_active, is_primary, priority, cost_per_unit, health_status,
			 created_at, updated_at, created_by, updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProviderID, p.ProviderName, string(p.ProviderType), string(cfgJSON),
		boolToInt(p.IsActive), boolToInt(p.IsPrimary), p.Priority, p.CostPerUnit,
		string(healthOrUnknown(p.HealthStatus)),
		now.Unix(), now.Unix(), p.CreatedBy, p.UpdatedBy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, providers.NewError(providers.CodeValidation,
				fmt.Sprintf("provider %s/%s already exists", p.ProviderID, p.ProviderType), 409)
		}
		return nil, fmt.Errorf("store: create provider: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: last insert id: %w", err)
	}

	out := *p
	out.ID = id
	out.HealthStatus = healthOrUnknown(p.HealthStatus)
	out.CreatedAt = now
	out.UpdatedAt = now
	return &out, nil
}

// FindByID loads one record by surrogate id.
func (s *Store) FindByID(ctx context.Context, id int64) (*providers.ProviderConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM provider_configs WHERE id = ?`, id)
	return scanProvider(row)
}

// FindByProviderAndType loads one record by its stable identity.
func (s *Store) FindByProviderAndType(ctx context.Context, providerID string, pt providers.ProviderType) (*providers.ProviderConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM provider_configs WHERE provider_id = ? AND provider_type = ?`,
		providerID, string(pt))
	return scanProvider(row)
}

// FindAll lists records matching the filter, ordered by ascending priority
// then most recent creation.
func (s *Store) FindAll(ctx context.Context, filter ListFilter) ([]*providers.ProviderConfiguration, error) {
	query := `SELECT ` + providerColumns + ` FROM provider_configs WHERE 1=1`
	args := make([]any, 0, 3)

	if filter.ProviderType != "" {
		query += ` AND provider_type = ?`
		args = append(args, string(filter.ProviderType))
	}
	if filter.IsActive != nil {
		query += ` AND is_active = ?`
		args = append(args, boolToInt(*filter.IsActive))
	}
	if filter.HealthStatus != "" {
		query += ` AND health_status = ?`
		args = append(args, string(filter.HealthStatus))
	}
	query += ` ORDER BY priority ASC, created_at DESC`

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list providers: %w", err)
	}
	defer rows.Close()

	return scanProviders(rows)
}

// FindActiveProviders lists active records, optionally narrowed to a type.
func (s *Store) FindActiveProviders(ctx context.Context, pt providers.ProviderType) ([]*providers.ProviderConfiguration, error) {
	active := true
	return s.FindAll(ctx, ListFilter{ProviderType: pt, IsActive: &active})
}

// FindPrimaryProvider returns the primary record for a type, nil when none
// is designated.
func (s *Store) FindPrimaryProvider(ctx context.Context, pt providers.ProviderType) (*providers.ProviderConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM provider_configs WHERE provider_type = ? AND is_primary = 1`,
		string(pt))

	p, err := scanProvider(row)
	if err != nil {
		if providers.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// GetProvidersWithHealthStatus lists records currently in the given
// persisted health state.
func (s *Store) GetProvidersWithHealthStatus(ctx context.Context, status providers.HealthStatus) ([]*providers.ProviderConfiguration, error) {
	return s.FindAll(ctx, ListFilter{HealthStatus: status})
}

// Update rewrites the mutable fields of a record. ProviderID and
// ProviderType are immutable; a change to either is rejected.
func (s *Store) Update(ctx context.Context, p *providers.ProviderConfiguration) (*providers.ProviderConfiguration, error) {
	existing, err := s.FindByID(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if p.ProviderID != existing.ProviderID || p.ProviderType != existing.ProviderType {
		return nil, providers.NewError(providers.CodeValidation,
			"providerId and providerType are immutable", 400)
	}
	if err := p.Validate(); err != nil {
		return nil, providers.NewError(providers.CodeValidation, err.Error(), 400)
	}

	cfgJSON, err := json.Marshal(p.Config)
	if err != nil {
		return nil, fmt.Errorf("store: marshal configuration: %w", err)
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		UPDATE provider_configs SET
			provider_name = ?, configuration = ?, is_active = ?, is_primary = ?,
			priority = ?, cost_per_unit = ?, health_status = ?, updated_at = ?, updated_by = ?
		WHERE id = ?`,
		p.ProviderName, string(cfgJSON), boolToInt(p.IsActive), boolToInt(p.IsPrimary),
		p.Priority, p.CostPerUnit, string(healthOrUnknown(p.HealthStatus)), now.Unix(), p.UpdatedBy,
		p.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: update provider: %w", err)
	}

	out := *p
	out.CreatedAt = existing.CreatedAt
	out.UpdatedAt = now
	return &out, nil
}

// Delete removes a record by id.
func (s *Store) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM provider_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete provider: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return notFoundByID(id)
	}
	return nil
}

// SetProviderActive flips the active flag. Deactivating a primary provider
// also clears its primary designation.
func (s *Store) SetProviderActive(ctx context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE provider_configs SET is_active = ?, updated_at = ? WHERE id = ?`
	if !active {
		query = `UPDATE provider_configs SET is_active = ?, is_primary = 0, updated_at = ? WHERE id = ?`
	}
	res, err := s.db.ExecContext(ctx, query, boolToInt(active), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("store: set active: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return notFoundByID(id)
	}
	return nil
}

// UnsetPrimaryProvider clears the primary designation for a type.
func (s *Store) UnsetPrimaryProvider(ctx context.Context, pt providers.ProviderType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE provider_configs SET is_primary = 0, updated_at = ? WHERE provider_type = ? AND is_primary = 1`,
		time.Now().Unix(), string(pt))
	if err != nil {
		return fmt.Errorf("store: unset primary: %w", err)
	}
	return nil
}

// SetPrimaryProvider designates one record as primary for its type. The
// previous primary of the same type is unset in the same transaction, so
// at most one primary per type ever exists.
func (s *Store) SetPrimaryProvider(ctx context.Context, id int64) error {
	target, err := s.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if !target.IsActive {
		return providers.NewError(providers.CodeValidation,
			fmt.Sprintf("provider %s must be active to become primary", target.ProviderID), 400)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx,
		`UPDATE provider_configs SET is_primary = 0, updated_at = ? WHERE provider_type = ? AND is_primary = 1`,
		now, string(target.ProviderType)); err != nil {
		return fmt.Errorf("store: unset previous primary: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE provider_configs SET is_primary = 1, updated_at = ? WHERE id = ?`,
		now, id); err != nil {
		return fmt.Errorf("store: set primary: %w", err)
	}

	return tx.Commit()
}

// UpdateHealthStatus persists the current health state and appends it to
// the health transition log.
func (s *Store) UpdateHealthStatus(ctx context.Context, providerID string, status providers.HealthStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()

	res, err := s.db.ExecContext(ctx,
		`UPDATE provider_configs SET health_status = ?, updated_at = ? WHERE provider_id = ?`,
		string(status), now, providerID)
	if err != nil {
		return fmt.Errorf("store: update health status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return providers.NewError(providers.CodeProviderNotFound,
			fmt.Sprintf("provider %s not found", providerID), 404)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_health_log (provider_id, health_status, recorded_at) VALUES (?, ?, ?)`,
		providerID, string(status), now); err != nil {
		return fmt.Errorf("store: append health log: %w", err)
	}
	return nil
}

// HealthHistory returns the most recent health transitions for a provider,
// newest first.
func (s *Store) HealthHistory(ctx context.Context, providerID string, limit int) ([]providers.HealthTransition, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT health_status, recorded_at FROM provider_health_log
		 WHERE provider_id = ? ORDER BY recorded_at DESC, id DESC LIMIT ?`,
		providerID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: health history: %w", err)
	}
	defer rows.Close()

	var out []providers.HealthTransition
	for rows.Next() {
		var status string
		var at int64
		if err := rows.Scan(&status, &at); err != nil {
			return nil, fmt.Errorf("store: scan health log: %w", err)
		}
		out = append(out, providers.HealthTransition{
			Status:     providers.HealthStatus(status),
			RecordedAt: time.Unix(at, 0),
		})
	}
	return out, rows.Err()
}

// BulkUpdateProviders applies Update to each record inside one transaction;
// any failure rolls back the whole batch.
func (s *Store) BulkUpdateProviders(ctx context.Context, ps []*providers.ProviderConfiguration) error {
	for _, p := range ps {
		if err := p.Validate(); err != nil {
			return providers.NewError(providers.CodeValidation, err.Error(), 400)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, p := range ps {
		cfgJSON, err := json.Marshal(p.Config)
		if err != nil {
			return fmt.Errorf("store: marshal configuration: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE provider_configs SET
				provider_name = ?, configuration = ?, is_active = ?, is_primary = ?,
				priority = ?, cost_per_unit = ?, updated_at = ?, updated_by = ?
			WHERE id = ?`,
			p.ProviderName, string(cfgJSON), boolToInt(p.IsActive), boolToInt(p.IsPrimary),
			p.Priority, p.CostPerUnit, now, p.UpdatedBy, p.ID)
		if err != nil {
			return fmt.Errorf("store: bulk update id %d: %w", p.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFoundByID(p.ID)
		}
	}
	return tx.Commit()
}

// BulkSetActive flips the active flag on many records at once.
func (s *Store) BulkSetActive(ctx context.Context, ids []int64, active bool) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	query := `UPDATE provider_configs SET is_active = ?, updated_at = ? WHERE id = ?`
	if !active {
		query = `UPDATE provider_configs SET is_active = ?, is_primary = 0, updated_at = ? WHERE id = ?`
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, query, boolToInt(active), now, id); err != nil {
			return fmt.Errorf("store: bulk set active id %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// Count returns the number of stored provider configurations.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM provider_configs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count providers: %w", err)
	}
	return n, nil
}

// ── scanning helpers ───────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (*providers.ProviderConfiguration, error) {
	var (
		p          providers.ProviderConfiguration
		pType      string
		cfgJSON    string
		isActive   int
		isPrimary  int
		health     string
		createdAt  int64
		updatedAt  int64
	)

	err := row.Scan(&p.ID, &p.ProviderID, &p.ProviderName, &pType, &cfgJSON,
		&isActive, &isPrimary, &p.Priority, &p.CostPerUnit, &health,
		&createdAt, &updatedAt, &p.CreatedBy, &p.UpdatedBy)
	if err == sql.ErrNoRows {
		return nil, providers.NewError(providers.CodeProviderNotFound, "provider not found", 404)
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan provider: %w", err)
	}

	if err := json.Unmarshal([]byte(cfgJSON), &p.Config); err != nil {
		return nil, fmt.Errorf("store: unmarshal configuration for %s: %w", p.ProviderID, err)
	}

	p.ProviderType = providers.ProviderType(pType)
	p.IsActive = isActive != 0
	p.IsPrimary = isPrimary != 0
	p.HealthStatus = providers.HealthStatus(health)
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

func scanProviders(rows *sql.Rows) ([]*providers.ProviderConfiguration, error) {
	var out []*providers.ProviderConfiguration
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func notFoundByID(id int64) error {
	return providers.NewError(providers.CodeProviderNotFound,
		fmt.Sprintf("provider id %d not found", id), 404)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func healthOrUnknown(h providers.HealthStatus) providers.HealthStatus {
	if h == "" {
		return providers.HealthUnknown
	}
	return h
}
