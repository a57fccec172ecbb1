package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/minutely/internal/audit"
	"github.com/smallbiznis/minutely/internal/clock"
	"github.com/smallbiznis/minutely/internal/config"
	"github.com/smallbiznis/minutely/internal/ledger"
	"github.com/smallbiznis/minutely/internal/marketplace"
	"github.com/smallbiznis/minutely/internal/migration"
	"github.com/smallbiznis/minutely/internal/observability"
	"github.com/smallbiznis/minutely/internal/ratelimit"
	"github.com/smallbiznis/minutely/internal/receipt"
	"github.com/smallbiznis/minutely/internal/scheduler"
	"github.com/smallbiznis/minutely/internal/server"
	"github.com/smallbiznis/minutely/internal/statsexport"
	"github.com/smallbiznis/minutely/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,

		// Functional Domains
		audit.Module,
		ledger.Module,
		marketplace.Module,
		receipt.Module,

		scheduler.Module,
		statsexport.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
