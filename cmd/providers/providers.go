package providers

import (
	"context"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric/global"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Log is the global logger, built by the root command.
var Log *zap.Logger

// Providers holds constructors for shared components.
var Providers = []interface{}{
	// providers.go
	NewContext,
	// config.go
	NewQueueConfig,
	// signature.go
	NewSigner,
	NewPayloadSignature,
	// queue.go
	NewAlivenessProvider,
	NewHistoryStorage,
	NewHistoryTracker,
	NewJobTombstones,
	NewAcceptedBuckets,
	NewBalancingQueue,
	NewTestsEnqueuer,
	NewTerminationController,
	// workercfg.go
	NewWorkerConfigs,
}

// NewApp assembles an fx application around a cobra command.
func NewApp(cmd *cobra.Command, opts ...fx.Option) *fx.App {
	baseOpts := []fx.Option{
		fx.Provide(Providers...),
		fx.Supply(cmd),
		fx.Supply(Log),
		fx.Logger(zap.NewStdLog(Log)),
		fx.Supply(global.GetMeterProvider().Meter(cmd.Name())),
	}
	baseOpts = append(baseOpts, opts...)
	return fx.New(baseOpts...)
}

// NewContext provides a context bound to the application lifecycle.
func NewContext(lc fx.Lifecycle) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}
