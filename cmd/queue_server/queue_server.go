package queue_server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"go.waggle.dev/waggle/cmd/providers"
	"go.waggle.dev/waggle/pkg/aliveness"
	"go.waggle.dev/waggle/pkg/api"
	"go.waggle.dev/waggle/pkg/enqueue"
	"go.waggle.dev/waggle/pkg/queue"
	"go.waggle.dev/waggle/pkg/termination"
	"go.waggle.dev/waggle/pkg/workercfg"
)

// Cmd is the queue-server sub-command.
var Cmd = cobra.Command{
	Use:   "queue-server",
	Short: "Run the bucket queue server",
	Long: "Runs the HTTP server that dispatches test buckets to workers.\n" +
		"Queue state is in-memory and dies with the process.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		log := providers.Log
		configPath, err := cmd.Flags().GetString("queue-server-configuration")
		if err != nil {
			panic(err)
		}
		if configPath != "" {
			viper.SetConfigFile(configPath)
			if err := viper.ReadInConfig(); err != nil {
				log.Fatal("Failed to read queue server configuration", zap.Error(err))
			}
		}
		metricsHandler, err := providers.SetupPrometheus()
		if err != nil {
			log.Fatal("Failed to set up Prometheus", zap.Error(err))
		}
		app := providers.NewApp(
			cmd,
			fx.Supply(MetricsHandler{Handler: metricsHandler}),
			fx.Provide(
				newQueueServerFlags,
				newAPIMetrics,
				newDispatchMetrics,
				newReaperMetrics,
				newAPIServer,
			),
			fx.Invoke(
				runQueueServer,
				runReaper,
				runTermination,
			),
		)
		app.Run()
	},
}

func init() {
	flags := Cmd.Flags()
	flags.String("queue-server-configuration", "", "Path to the queue server configuration file")
	flags.String("queue-version", "", "Version reported to workers and tools")
}

// MetricsHandler wraps the Prometheus exporter handler for injection.
type MetricsHandler struct {
	http.Handler
}

type queueServerFlags struct {
	version string
}

func newQueueServerFlags(cmd *cobra.Command) *queueServerFlags {
	version, err := cmd.Flags().GetString("queue-version")
	if err != nil {
		panic(err)
	}
	return &queueServerFlags{version: version}
}

func newAPIMetrics(m metric.Meter) (*api.Metrics, error) {
	return api.NewMetrics(m)
}

func newDispatchMetrics(m metric.Meter) (*queue.DispatchMetrics, error) {
	return queue.NewDispatchMetrics(m)
}

func newReaperMetrics(m metric.Meter) (*queue.ReaperMetrics, error) {
	return queue.NewReaperMetrics(m)
}

func newAPIServer(
	log *zap.Logger,
	flags *queueServerFlags,
	cfg *providers.QueueConfig,
	sig providers.PayloadSignature,
	alive *aliveness.Provider,
	workerConfigs *workercfg.File,
	bq *queue.BalancingQueue,
	enqueuer *enqueue.TestsEnqueuer,
	controller *termination.Controller,
	accepted providers.AcceptedBuckets,
	apiMetrics *api.Metrics,
	dispatchMetrics *queue.DispatchMetrics,
) *api.Server {
	return &api.Server{
		Log:              log.Named("api"),
		PayloadSignature: string(sig),
		Alive:            alive,
		WorkerConfigs:    workerConfigs,
		Dequeuer:         &queue.MeteredDequeuer{Next: bq, Metrics: dispatchMetrics},
		Accepter:         &queue.MeteredAccepter{Next: bq, Metrics: dispatchMetrics},
		States:           bq,
		Deleter:          bq,
		TestsEnqueuer:    enqueuer,
		Activity:         controller,
		AcceptedBuckets:  accepted.Cache,
		MaxArtifactBytes: cfg.MaxArtifactBytes,
		Version:          flags.version,
		Metrics:          apiMetrics,
	}
}

type drainingServer struct {
	httpServer *http.Server
	apiServer  *api.Server
	log        *zap.Logger
}

func (s *drainingServer) Serve(sock net.Listener) error {
	if err := s.httpServer.Serve(sock); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains gracefully: no new jobs, in-flight accepts finish.
func (s *drainingServer) Stop() {
	s.apiServer.SetDraining(true)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Error("Failed to shut down HTTP server", zap.Error(err))
	}
}

func runQueueServer(
	lc fx.Lifecycle,
	log *zap.Logger,
	cfg *providers.QueueConfig,
	apiServer *api.Server,
	metricsHandler MetricsHandler,
) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	mux.Handle("/", apiServer.Router())
	sock, port, err := providers.ListenPortRange(log, cfg)
	if err != nil {
		return err
	}
	if err := providers.WritePortFile(log, cfg.PortFile, port); err != nil {
		return err
	}
	providers.LifecycleServe(log, lc, sock, &drainingServer{
		httpServer: &http.Server{Handler: mux},
		apiServer:  apiServer,
		log:        log,
	})
	return nil
}

func runReaper(
	lc fx.Lifecycle,
	ctx context.Context,
	log *zap.Logger,
	cfg *providers.QueueConfig,
	bq *queue.BalancingQueue,
	metrics *queue.ReaperMetrics,
) {
	reaper := &queue.Reaper{
		Reenqueuer: bq,
		Interval:   cfg.ReaperInterval,
		Log:        log.Named("reaper"),
		Metrics:    metrics,
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := reaper.Run(ctx); err != nil && ctx.Err() == nil {
					log.Error("Reaper failed", zap.Error(err))
				}
			}()
			return nil
		},
	})
}

func runTermination(
	lc fx.Lifecycle,
	ctx context.Context,
	log *zap.Logger,
	controller *termination.Controller,
	shutdowner fx.Shutdowner,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := controller.Run(ctx); err == nil {
					if err := shutdowner.Shutdown(); err != nil {
						log.Error("Failed to shut down", zap.Error(err))
					}
				}
			}()
			return nil
		},
	})
}
