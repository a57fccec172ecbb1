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
	"github.com/smallbiznis/minutely/internal/receipt"
	"github.com/smallbiznis/minutely/internal/server"
	"github.com/smallbiznis/minutely/pkg/db"
	"go.uber.org/fx"
)

// The API process serves HTTP only. When a separate scheduler process shares
// the database, run both with SERIALIZER=redis and distinct NODE_ID values.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,

		audit.Module,
		ledger.Module,
		marketplace.Module,
		receipt.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
