package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rentway/internal/audit"
	"github.com/smallbiznis/rentway/internal/billing"
	"github.com/smallbiznis/rentway/internal/cache"
	"github.com/smallbiznis/rentway/internal/clock"
	"github.com/smallbiznis/rentway/internal/config"
	"github.com/smallbiznis/rentway/internal/consistency"
	"github.com/smallbiznis/rentway/internal/meter"
	"github.com/smallbiznis/rentway/internal/observability"
	"github.com/smallbiznis/rentway/internal/server"
	"github.com/smallbiznis/rentway/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
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

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
