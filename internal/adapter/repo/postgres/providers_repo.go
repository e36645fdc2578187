package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/llmbroker/internal/domain"
)

// ProvidersRepo is the provider catalog backing domain.ProviderConfigStore:
// the active set of providers, their kind, timeout, retry budget, and
// default model, all configurable without a redeploy.
type ProvidersRepo struct{ Pool PgxPool }

// NewProvidersRepo constructs a ProvidersRepo with the given pool.
func NewProvidersRepo(p PgxPool) *ProvidersRepo { return &ProvidersRepo{Pool: p} }

const providerSelectColumns = `slug, kind, active, timeout_seconds, max_retries, retry_delay_seconds, default_model, config`

func scanProvider(row pgx.Row) (domain.ProviderConfig, error) {
	var p domain.ProviderConfig
	var configJSON []byte
	if err := row.Scan(&p.Slug, &p.Kind, &p.Active, &p.TimeoutSeconds, &p.MaxRetries, &p.RetryDelaySeconds, &p.DefaultModel, &configJSON); err != nil {
		return domain.ProviderConfig{}, err
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &p.Config); err != nil {
			return domain.ProviderConfig{}, fmt.Errorf("op=providers.scan.unmarshal_config: %w", err)
		}
	}
	return p, nil
}

// Upsert writes one catalog row, keyed on slug, used by startup seeding.
func (r *ProvidersRepo) Upsert(ctx domain.Context, p domain.ProviderConfig) error {
	tracer := otel.Tracer("repo.providers")
	ctx, span := tracer.Start(ctx, "providers.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "INSERT"), attribute.String("db.sql.table", "providers"))

	configJSON, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("op=providers.upsert.marshal_config: %w", err)
	}
	_, err = r.Pool.Exec(ctx, `
		INSERT INTO providers (slug, kind, active, timeout_seconds, max_retries, retry_delay_seconds, default_model, config)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (slug) DO UPDATE SET
			kind=EXCLUDED.kind, active=EXCLUDED.active,
			timeout_seconds=EXCLUDED.timeout_seconds, max_retries=EXCLUDED.max_retries,
			retry_delay_seconds=EXCLUDED.retry_delay_seconds,
			default_model=EXCLUDED.default_model, config=EXCLUDED.config`,
		p.Slug, p.Kind, p.Active, p.TimeoutSeconds, p.MaxRetries, p.RetryDelaySeconds, p.DefaultModel, configJSON,
	)
	if err != nil {
		return fmt.Errorf("op=providers.upsert: %w", err)
	}
	return nil
}

// Get loads a single provider's configuration by slug.
func (r *ProvidersRepo) Get(ctx domain.Context, slug domain.ProviderSlug) (domain.ProviderConfig, error) {
	tracer := otel.Tracer("repo.providers")
	ctx, span := tracer.Start(ctx, "providers.Get")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "providers"))

	row := r.Pool.QueryRow(ctx, `SELECT `+providerSelectColumns+` FROM providers WHERE slug=$1`, slug)
	p, err := scanProvider(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ProviderConfig{}, fmt.Errorf("op=providers.get: %w", domain.ErrNotFound)
		}
		return domain.ProviderConfig{}, fmt.Errorf("op=providers.get: %w", err)
	}
	return p, nil
}

// List returns every provider in the catalog, active or not, so callers can
// decide their own routing policy.
func (r *ProvidersRepo) List(ctx domain.Context) ([]domain.ProviderConfig, error) {
	tracer := otel.Tracer("repo.providers")
	ctx, span := tracer.Start(ctx, "providers.List")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "providers"))

	rows, err := r.Pool.Query(ctx, `SELECT `+providerSelectColumns+` FROM providers ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("op=providers.list: %w", err)
	}
	defer rows.Close()

	var out []domain.ProviderConfig
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("op=providers.list.scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=providers.list.rows: %w", err)
	}
	return out, nil
}
