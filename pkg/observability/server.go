package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Server exposes the process's observability surface over HTTP: prometheus
// metrics on /metrics, the aggregated health report on /health, and
// kubernetes-style readiness and liveness probes on /ready and /live.
type Server struct {
	httpServer *http.Server
	port       int
}

func NewServer(port int) *Server {
	return &Server{port: port}
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler())
	mux.HandleFunc("/health", HealthHandler())
	mux.HandleFunc("/ready", ReadinessHandler())
	mux.HandleFunc("/live", LivenessHandler())
	return mux
}

// Start serves until Shutdown. A graceful shutdown is not reported as an
// error.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
