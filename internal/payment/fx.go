package payment

import (
	"github.com/medvoya/core/internal/payment/service"
	"github.com/medvoya/core/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(service.NewService),
	fx.Provide(webhook.NewService),
)
