// Package eventqfx wires an eventq bus into an fx application.
package eventqfx

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/petal-labs/eventq/bus"
	"github.com/petal-labs/eventq/config"
)

// Params are the dependencies of the bus provider.
type Params struct {
	fx.In

	Config  *config.Config `optional:"true"`
	Logger  *slog.Logger   `optional:"true"`
	Metrics bus.Metrics    `optional:"true"`
	Options []bus.Option   `group:"eventq.bus.options"`
}

// Module provides a *bus.Bus built from the optional *config.Config and
// closes it when the application stops.
func Module() fx.Option {
	return fx.Module("eventq",
		fx.Provide(NewBus),
		fx.Invoke(registerLifecycle),
	)
}

// BusOption contributes an extra option to the bus built by Module.
func BusOption(opt bus.Option) fx.Option {
	return fx.Provide(fx.Annotate(
		func() bus.Option { return opt },
		fx.ResultTags(`group:"eventq.bus.options"`),
	))
}

// NewBus builds the bus from p.
func NewBus(p Params) *bus.Bus {
	cfg := config.Default()
	if p.Config != nil {
		cfg = p.Config.WithDefaults()
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := cfg.BusOptions(logger)
	if p.Metrics != nil {
		opts = append(opts, bus.WithMetrics(p.Metrics))
	}
	opts = append(opts, p.Options...)
	return bus.New(opts...)
}

func registerLifecycle(lc fx.Lifecycle, b *bus.Bus) {
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return b.Close()
		},
	})
}
