package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/repositories"
)

// LLMConfigRepository implements repositories.LLMConfigRepository on SQLite.
type LLMConfigRepository struct {
	store *Store
}

// NewLLMConfigRepository creates a new LLM config repository
func NewLLMConfigRepository(store *Store) repositories.LLMConfigRepository {
	return &LLMConfigRepository{store: store}
}

// GetByID retrieves a stored config by ID
func (r *LLMConfigRepository) GetByID(ctx context.Context, id string) (*models.LLMConfig, error) {
	row := r.store.db.QueryRowContext(ctx,
		`SELECT id, provider, model, api_key, api_endpoint, is_default, updated_at FROM llm_configs WHERE id = ?`, id)
	return scanConfig(row)
}

// GetDefault retrieves the most recently updated default config
func (r *LLMConfigRepository) GetDefault(ctx context.Context) (*models.LLMConfig, error) {
	row := r.store.db.QueryRowContext(ctx,
		`SELECT id, provider, model, api_key, api_endpoint, is_default, updated_at
		 FROM llm_configs WHERE is_default = 1 ORDER BY updated_at DESC LIMIT 1`)
	return scanConfig(row)
}

// Upsert creates or replaces a stored config
func (r *LLMConfigRepository) Upsert(ctx context.Context, cfg *models.LLMConfig) error {
	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO llm_configs (id, provider, model, api_key, api_endpoint, is_default, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider = excluded.provider,
			model = excluded.model,
			api_key = excluded.api_key,
			api_endpoint = excluded.api_endpoint,
			is_default = excluded.is_default,
			updated_at = excluded.updated_at
	`, cfg.ID, cfg.Provider, cfg.Model, cfg.APIKey, emptyToNull(cfg.APIEndpoint), cfg.IsDefault, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert llm config: %w", err)
	}
	return nil
}

// List returns all stored configs, most recently updated first
func (r *LLMConfigRepository) List(ctx context.Context) ([]*models.LLMConfig, error) {
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT id, provider, model, api_key, api_endpoint, is_default, updated_at
		 FROM llm_configs ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list llm configs: %w", err)
	}
	defer rows.Close()

	var configs []*models.LLMConfig
	for rows.Next() {
		cfg := &models.LLMConfig{}
		var endpoint sql.NullString
		if err := rows.Scan(&cfg.ID, &cfg.Provider, &cfg.Model, &cfg.APIKey, &endpoint, &cfg.IsDefault, &cfg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan llm config: %w", err)
		}
		if endpoint.Valid {
			cfg.APIEndpoint = endpoint.String
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// SetDefault makes one config the default and clears every other flag
// in the same transaction.
func (r *LLMConfigRepository) SetDefault(ctx context.Context, id string) error {
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE llm_configs SET is_default = 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set default llm config: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return repositories.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE llm_configs SET is_default = 0 WHERE is_default = 1 AND id <> ?`, id); err != nil {
		return fmt.Errorf("failed to clear previous default: %w", err)
	}
	return tx.Commit()
}

// Delete removes a stored config
func (r *LLMConfigRepository) Delete(ctx context.Context, id string) error {
	res, err := r.store.db.ExecContext(ctx, `DELETE FROM llm_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete llm config: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return repositories.ErrNotFound
	}
	return nil
}

func scanConfig(row *sql.Row) (*models.LLMConfig, error) {
	cfg := &models.LLMConfig{}
	var endpoint sql.NullString
	err := row.Scan(&cfg.ID, &cfg.Provider, &cfg.Model, &cfg.APIKey, &endpoint, &cfg.IsDefault, &cfg.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan llm config: %w", err)
	}
	if endpoint.Valid {
		cfg.APIEndpoint = endpoint.String
	}
	return cfg, nil
}
