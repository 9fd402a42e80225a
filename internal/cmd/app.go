package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/pmframework/internal/app"
	"github.com/dativo-io/pmframework/internal/config"
)

// cleanupTimeout bounds queue draining when a command exits.
const cleanupTimeout = 30 * time.Second

// openApp loads configuration and builds an initialized App. When start is
// set the trigger worker and maintenance run too. The returned func drains
// and closes it.
func openApp(ctx context.Context, start bool) (*app.App, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	closeApp := func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := a.Cleanup(cctx); err != nil {
			log.Warn().Err(err).Msg("app_cleanup_failed")
		}
	}
	if err := a.Initialize(ctx); err != nil {
		closeApp()
		return nil, nil, fmt.Errorf("initializing memory: %w", err)
	}
	if start {
		if err := a.Start(ctx); err != nil {
			closeApp()
			return nil, nil, fmt.Errorf("starting: %w", err)
		}
	}
	return a, closeApp, nil
}
