// Package metrics exports agent statistics in the Prometheus format
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Server serves /metrics over HTTP
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// NewRegistry returns a registry with the agent collector plus the
// standard Go runtime and process collectors
func NewRegistry(src StatsSource) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		NewCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return reg, nil
}

// Start listens on addr and serves the metrics of reg in the background
func Start(addr string, reg *prometheus.Registry) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s := &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln: ln,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	log.Info().
		Str("addr", ln.Addr().String()).
		Msg("Metrics server started")

	return s, nil
}

// Addr returns the address the server listens on
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Stop shuts the server down, waiting for in-flight scrapes until ctx ends
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
