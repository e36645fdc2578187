package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/llmbroker/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/llmbroker/internal/config"
	"github.com/fairyhunter13/llmbroker/internal/domain"
)

// seedProviders upserts the provider catalog from a YAML seed file, so a
// fresh database comes up with the configured backends without hand-written
// SQL.
func seedProviders(ctx context.Context, path string, repo *postgres.ProvidersRepo) error {
	seed, err := config.LoadProvidersSeed(path)
	if err != nil {
		return err
	}
	for _, p := range seed.Providers {
		cfg := domain.ProviderConfig{
			Slug:              domain.ProviderSlug(p.Slug),
			Kind:              domain.ProviderKind(p.Kind),
			Active:            p.IsActive(),
			TimeoutSeconds:    p.TimeoutSeconds,
			MaxRetries:        p.MaxRetries,
			RetryDelaySeconds: p.RetryDelaySeconds,
			DefaultModel:      p.DefaultModel,
			Config:            p.Config,
		}
		if err := repo.Upsert(ctx, cfg); err != nil {
			return fmt.Errorf("seed provider %s: %w", p.Slug, err)
		}
		slog.Info("provider seeded", slog.String("slug", p.Slug), slog.String("kind", p.Kind))
	}
	return nil
}
