package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/minutely/internal/audit"
	"github.com/smallbiznis/minutely/internal/clock"
	"github.com/smallbiznis/minutely/internal/config"
	"github.com/smallbiznis/minutely/internal/ledger"
	"github.com/smallbiznis/minutely/internal/marketplace"
	"github.com/smallbiznis/minutely/internal/observability"
	"github.com/smallbiznis/minutely/internal/ratelimit"
	"github.com/smallbiznis/minutely/internal/scheduler"
	"github.com/smallbiznis/minutely/internal/statsexport"
	"github.com/smallbiznis/minutely/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,

		// Domain services required by scheduler
		audit.Module,
		ledger.Module,
		marketplace.Module,

		// No server module!
		scheduler.Module,
		statsexport.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
