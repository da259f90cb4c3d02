package routing

import (
	"github.com/medvoya/core/internal/routing/repository"
	"github.com/medvoya/core/internal/routing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("routing.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
