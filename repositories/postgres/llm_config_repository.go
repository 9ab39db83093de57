package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/repositories"
	"go.uber.org/zap"
)

// LLMConfigRepository implements repositories.LLMConfigRepository
type LLMConfigRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewLLMConfigRepository creates a new LLM config repository
func NewLLMConfigRepository(db *DB, logger *zap.Logger) repositories.LLMConfigRepository {
	return &LLMConfigRepository{
		db:     db,
		logger: logger,
	}
}

const llmConfigColumns = `id, provider, model, api_key, api_endpoint, is_default, updated_at`

// GetByID retrieves a stored config by ID
func (r *LLMConfigRepository) GetByID(ctx context.Context, id string) (*models.LLMConfig, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+llmConfigColumns+` FROM llm_configs WHERE id = $1`, id)
	return scanLLMConfig(row)
}

// GetDefault retrieves the most recently updated default config
func (r *LLMConfigRepository) GetDefault(ctx context.Context) (*models.LLMConfig, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+llmConfigColumns+` FROM llm_configs WHERE is_default = TRUE ORDER BY updated_at DESC LIMIT 1`)
	return scanLLMConfig(row)
}

// Upsert creates or replaces a stored config
func (r *LLMConfigRepository) Upsert(ctx context.Context, cfg *models.LLMConfig) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO llm_configs (id, provider, model, api_key, api_endpoint, is_default, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET
			provider = EXCLUDED.provider,
			model = EXCLUDED.model,
			api_key = EXCLUDED.api_key,
			api_endpoint = EXCLUDED.api_endpoint,
			is_default = EXCLUDED.is_default,
			updated_at = CURRENT_TIMESTAMP
	`, cfg.ID, cfg.Provider, cfg.Model, cfg.APIKey, nullString(cfg.APIEndpoint), cfg.IsDefault)
	if err != nil {
		return fmt.Errorf("failed to upsert llm config: %w", err)
	}

	r.logger.Debug("llm config upserted", zap.String("id", cfg.ID))
	return nil
}

// List returns all stored configs, most recently updated first
func (r *LLMConfigRepository) List(ctx context.Context) ([]*models.LLMConfig, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+llmConfigColumns+` FROM llm_configs ORDER BY updated_at DESC`)
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
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE llm_configs SET is_default = TRUE, updated_at = CURRENT_TIMESTAMP WHERE id = $1`, id)
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
			`UPDATE llm_configs SET is_default = FALSE WHERE is_default = TRUE AND id <> $1`, id); err != nil {
			return fmt.Errorf("failed to clear previous default: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Debug("llm config set as default", zap.String("id", id))
	return nil
}

// Delete removes a stored config
func (r *LLMConfigRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM llm_configs WHERE id = $1`, id)
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

func scanLLMConfig(row *sql.Row) (*models.LLMConfig, error) {
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
