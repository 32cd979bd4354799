package providers

import (
	"context"
	"fmt"
	"io/ioutil"
	"net"
	"strconv"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Server abstracts HTTP and gRPC servers.
type Server interface {
	Serve(sock net.Listener) error
	Stop()
}

// Listen is a wrapper over net.Listen.
func Listen(network, address string) (net.Listener, error) {
	return net.Listen(network, address)
}

// ListenPortRange binds the first free port in [start, end].
// Collocated tools discover the port through the port file.
func ListenPortRange(log *zap.Logger, cfg *QueueConfig) (net.Listener, int, error) {
	network := "tcp"
	if cfg.UseOnlyIPv4 {
		network = "tcp4"
	}
	for port := cfg.PortRangeStart; port <= cfg.PortRangeEnd; port++ {
		sock, err := Listen(network, net.JoinHostPort("", strconv.Itoa(port)))
		if err == nil {
			log.Info("Listening",
				zap.String("listen.net", network),
				zap.Int("listen.port", port))
			return sock, port, nil
		}
	}
	return nil, 0, fmt.Errorf("no free port in range %d-%d", cfg.PortRangeStart, cfg.PortRangeEnd)
}

// WritePortFile records the bound port for collocated tools.
func WritePortFile(log *zap.Logger, path string, port int) error {
	if path == "" {
		return nil
	}
	log.Info("Writing port file", zap.String("path", path), zap.Int("port", port))
	return ioutil.WriteFile(path, []byte(strconv.Itoa(port)), 0644)
}

// LifecycleServe registers a server on a listener on the provided fx.Lifecycle.
func LifecycleServe(log *zap.Logger, lc fx.Lifecycle, sock net.Listener, server Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := server.Serve(sock); err != nil {
					log.Fatal("Server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			server.Stop()
			return nil
		},
	})
}
