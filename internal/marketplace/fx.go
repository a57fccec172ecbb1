package marketplace

import (
	"github.com/smallbiznis/minutely/internal/marketplace/query"
	"github.com/smallbiznis/minutely/internal/marketplace/repository"
	"github.com/smallbiznis/minutely/internal/marketplace/service"
	"go.uber.org/fx"
)

var Module = fx.Module("marketplace.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewEngine),
	fx.Provide(query.New),
)
