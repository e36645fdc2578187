package app

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/llmbroker/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/llmbroker/internal/config"
)

// ConnectPool opens the Postgres pool and waits for it to answer a ping,
// retrying with the configured backoff so a database that is still coming
// up doesn't kill the process at boot.
func ConnectPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	err := RetryWithBackoff(ctx, cfg.GetRetryConfig(), "postgres", func() error {
		p, err := postgres.NewPool(ctx, cfg.DBURL)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}
