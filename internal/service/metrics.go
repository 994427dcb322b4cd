// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"errors"
	"log/slog"
	stdhttp "net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wneessen/locatekit/internal/logger"
)

const metricsShutdownTimeout = 5 * time.Second

// metricsServer exposes the Prometheus registry of the service and a health endpoint.
type metricsServer struct {
	httpServer *stdhttp.Server
	logger     *logger.Logger
}

func newMetricsServer(addr string, gatherer prometheus.Gatherer, log *logger.Logger) *metricsServer {
	mux := stdhttp.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w stdhttp.ResponseWriter, _ *stdhttp.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(stdhttp.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	return &metricsServer{
		httpServer: &stdhttp.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: log,
	}
}

// Start listens until Shutdown is called. A graceful shutdown is not reported as an error.
func (m *metricsServer) Start() error {
	m.logger.Info("metrics server starting", slog.String("addr", m.httpServer.Addr))
	if err := m.httpServer.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
		return err
	}
	return nil
}

func (m *metricsServer) Shutdown(ctx context.Context) error {
	return m.httpServer.Shutdown(ctx)
}

func (m *metricsServer) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	m.httpServer.Handler.ServeHTTP(w, r)
}
