package common

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ahrav/coursework-ingestor/pkg/common/logger"
)

// OpsRoutes are excluded from trace sampling.
var OpsRoutes = map[string]struct{}{
	"/healthz": {},
	"/readyz":  {},
	"/metrics": {},
}

// OpsServer serves liveness, readiness and prometheus metrics.
type OpsServer struct {
	ready  atomic.Bool
	srv    *http.Server
	logger *logger.Logger
}

// NewOpsServer creates a server listening on addr. It reports not ready
// until SetReady(true) is called.
func NewOpsServer(addr string, log *logger.Logger) *OpsServer {
	s := &OpsServer{logger: log.With("component", "ops_server")}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(s.Routes(), "ops"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes returns the ops HTTP handler.
func (s *OpsServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// SetReady flips the readiness probe.
func (s *OpsServer) SetReady(ready bool) { s.ready.Store(ready) }

// Run serves until ctx is cancelled, then shuts the listener down.
func (s *OpsServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "ops server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
