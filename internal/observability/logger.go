// Package observability provides logging, metrics, and tracing shared by the
// coordination kernel's HTTP surface, worker, and callback receiver.
package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/llmbroker/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
