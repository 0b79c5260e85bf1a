package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rentway/internal/audit"
	"github.com/smallbiznis/rentway/internal/billing"
	"github.com/smallbiznis/rentway/internal/cache"
	"github.com/smallbiznis/rentway/internal/clock"
	"github.com/smallbiznis/rentway/internal/config"
	"github.com/smallbiznis/rentway/internal/consistency"
	"github.com/smallbiznis/rentway/internal/meter"
	"github.com/smallbiznis/rentway/internal/observability"
	"github.com/smallbiznis/rentway/pkg/db"
	"go.uber.org/fx"
)

const commandTimeout = 30 * time.Minute

// coreOptions wires everything below the HTTP layer.
func coreOptions() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,
		audit.Module,
		meter.Module,
		billing.Module,
		consistency.Module,
	)
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

// runOnce starts the graph, runs fn against the populated targets and stops
// the graph again so pools and exporters are flushed.
func runOnce(ctx context.Context, fn func(ctx context.Context) error, opts ...fx.Option) error {
	app := fx.New(append([]fx.Option{coreOptions(), fx.NopLogger}, opts...)...)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, fx.DefaultTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	runCtx, cancelRun := context.WithTimeout(ctx, commandTimeout)
	runErr := fn(runCtx)
	cancelRun()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), fx.DefaultTimeout)
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
