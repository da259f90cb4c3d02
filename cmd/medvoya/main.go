package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/medvoya/core/internal/clock"
	"github.com/medvoya/core/internal/config"
	"github.com/medvoya/core/internal/migration"
	"github.com/medvoya/core/internal/observability"
	"github.com/medvoya/core/internal/server"
	"github.com/medvoya/core/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain modules, HTTP surface and scheduler
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
