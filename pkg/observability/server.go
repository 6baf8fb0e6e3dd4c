package observability

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer exposes a Prometheus registry on /metrics.
type MetricsServer struct {
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// StartMetricsServer listens on addr and serves gatherer in the background.
// Use ":0" to pick a free port; Addr reports the bound address.
func StartMetricsServer(addr string, gatherer prometheus.Gatherer, logger *zap.Logger) (*MetricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	ms := &MetricsServer{
		srv:      &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: ln,
		logger:   logger,
	}
	go func() {
		if err := ms.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return ms, nil
}

// Addr returns the listening address.
func (m *MetricsServer) Addr() string {
	return m.listener.Addr().String()
}

// Shutdown stops the server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
