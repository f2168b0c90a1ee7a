// Package helpers carries the small glue shared by CLI commands.
package helpers

import (
	"context"

	"github.com/ravshansbox/rho/pkg/config"
)

type configCtxKey struct{}

// ContextWithConfig returns a context carrying the loaded configuration.
func ContextWithConfig(ctx context.Context, cfg *config.Config) context.Context {
	return context.WithValue(ctx, configCtxKey{}, cfg)
}

// ConfigFromContext returns the configuration stored by the root command.
// Falls back to defaults so commands stay usable in isolation (tests).
func ConfigFromContext(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(configCtxKey{}).(*config.Config); ok && cfg != nil {
		return cfg
	}
	return config.Default()
}
