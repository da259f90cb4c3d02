package scheduler

import (
	"context"

	"github.com/medvoya/core/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(ProvideLocker),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

func ProvideConfig() Config {
	return DefaultConfig()
}

// ProvideLocker returns nil when redis is not configured; the scheduler
// then runs unguarded, which is fine for a single replica.
func ProvideLocker(cfg config.Config) *Locker {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return NewLocker(client)
}

func NewScheduler(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
