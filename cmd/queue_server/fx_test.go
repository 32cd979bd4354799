package queue_server

import (
	"net/http"
	"testing"

	"go.uber.org/fx"

	"go.waggle.dev/waggle/cmd/providers/providerstest"
)

func TestApp(t *testing.T) {
	providerstest.Validate(t,
		fx.Supply(MetricsHandler{Handler: http.NotFoundHandler()}),
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
		))
}
