package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gammadia/batchpilot/client/log"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsServer struct {
	*http.Server
}

// serveMetrics exposes the registry on /metrics until the returned closer is called.
func serveMetrics(listen string) io.Closer {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := metricsServer{&http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}

	go func() {
		log.Info("Serving metrics", "listen", listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", "error", err)
		}
	}()
	return server
}

func (s metricsServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}
