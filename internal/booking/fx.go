package booking

import (
	"github.com/medvoya/core/internal/booking/service"
	"go.uber.org/fx"
)

var Module = fx.Module("booking.service",
	fx.Provide(service.NewService),
)
