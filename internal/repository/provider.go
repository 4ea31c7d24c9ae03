package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/felipepmaragno/adventure-engine/internal/crypto"
	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/felipepmaragno/adventure-engine/internal/registry"
)

// PostgresProviderRepository stores the provider catalog and serves it as a
// registry.Source. Literal API keys are sealed with the Encryptor before they
// are written; the stored credential_ref then carries the enc: scheme.
type PostgresProviderRepository struct {
	db        *sql.DB
	encryptor *crypto.Encryptor
}

func NewPostgresProviderRepository(db *sql.DB, encryptor *crypto.Encryptor) *PostgresProviderRepository {
	return &PostgresProviderRepository{db: db, encryptor: encryptor}
}

func (r *PostgresProviderRepository) Load(ctx context.Context) (registry.Catalog, error) {
	var cat registry.Catalog

	providers, err := r.db.QueryContext(ctx, `
		SELECT id, name, kind, base_url, credential_ref, active, priority, requests_per_second
		FROM providers
		ORDER BY priority, id
	`)
	if err != nil {
		return cat, fmt.Errorf("query providers: %w", err)
	}
	defer providers.Close()

	for providers.Next() {
		var (
			p                      domain.Provider
			baseURL, credentialRef sql.NullString
		)
		if err := providers.Scan(&p.ID, &p.Name, &p.Kind, &baseURL, &credentialRef, &p.Active, &p.Priority, &p.RequestsPerSecond); err != nil {
			return cat, fmt.Errorf("scan provider: %w", err)
		}
		p.BaseURL = baseURL.String
		p.CredentialRef = credentialRef.String
		cat.Providers = append(cat.Providers, p)
	}
	if err := providers.Err(); err != nil {
		return cat, err
	}

	models, err := r.db.QueryContext(ctx, `
		SELECT id, provider_id, name, role, max_output_tokens, cost_per_unit, input_cost_per_k, active, priority
		FROM models
		ORDER BY provider_id, priority, id
	`)
	if err != nil {
		return cat, fmt.Errorf("query models: %w", err)
	}
	defer models.Close()

	for models.Next() {
		var m domain.Model
		if err := models.Scan(&m.ID, &m.ProviderID, &m.Name, &m.Role, &m.MaxOutputTokens, &m.CostPerUnit, &m.InputCostPerK, &m.Active, &m.Priority); err != nil {
			return cat, fmt.Errorf("scan model: %w", err)
		}
		cat.Models = append(cat.Models, m)
	}

	return cat, models.Err()
}

// UpsertProvider writes p. A non-empty apiKey is encrypted and replaces the
// provider's credential reference.
func (r *PostgresProviderRepository) UpsertProvider(ctx context.Context, p domain.Provider, apiKey string) error {
	if apiKey != "" {
		if r.encryptor == nil {
			return fmt.Errorf("provider %s: storing an API key requires ENCRYPTION_KEY", p.ID)
		}
		sealed, err := r.encryptor.Encrypt(apiKey)
		if err != nil {
			return fmt.Errorf("encrypt credential: %w", err)
		}
		p.CredentialRef = sealed
	}

	query := `
		INSERT INTO providers (id, name, kind, base_url, credential_ref, active, priority, requests_per_second)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, kind = EXCLUDED.kind, base_url = EXCLUDED.base_url,
		    credential_ref = EXCLUDED.credential_ref, active = EXCLUDED.active,
		    priority = EXCLUDED.priority, requests_per_second = EXCLUDED.requests_per_second,
		    updated_at = NOW()
	`

	_, err := r.db.ExecContext(ctx, query,
		p.ID,
		p.Name,
		p.Kind,
		nullString(p.BaseURL),
		nullString(p.CredentialRef),
		p.Active,
		p.Priority,
		p.RequestsPerSecond,
	)
	if err != nil {
		return fmt.Errorf("upsert provider: %w", err)
	}
	return nil
}

func (r *PostgresProviderRepository) UpsertModel(ctx context.Context, m domain.Model) error {
	query := `
		INSERT INTO models (id, provider_id, name, role, max_output_tokens, cost_per_unit, input_cost_per_k, active, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET provider_id = EXCLUDED.provider_id, name = EXCLUDED.name, role = EXCLUDED.role,
		    max_output_tokens = EXCLUDED.max_output_tokens, cost_per_unit = EXCLUDED.cost_per_unit,
		    input_cost_per_k = EXCLUDED.input_cost_per_k, active = EXCLUDED.active,
		    priority = EXCLUDED.priority
	`

	_, err := r.db.ExecContext(ctx, query,
		m.ID,
		m.ProviderID,
		m.Name,
		m.Role,
		m.MaxOutputTokens,
		m.CostPerUnit,
		m.InputCostPerK,
		m.Active,
		m.Priority,
	)
	if err != nil {
		return fmt.Errorf("upsert model: %w", err)
	}
	return nil
}

// DeleteProvider removes a provider; its models go with it.
func (r *PostgresProviderRepository) DeleteProvider(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM providers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("provider %s: %w", id, domain.ErrProviderUnavailable)
	}
	return nil
}
