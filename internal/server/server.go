// Package server wires the broker's HTTP surface: the upload interceptor
// ahead of the mux, the control-plane routes, and the middleware chain.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"dropgate/internal/api"
	"dropgate/internal/observability/logging"
	"dropgate/internal/observability/metrics"
	"dropgate/internal/serverutil"
)

// TLSConfig defines certificate and key paths for enabling TLS listeners.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config controls the HTTP server construction.
type Config struct {
	Addr    string
	TLS     TLSConfig
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Server hosts the broker's HTTP listener.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	tlsCertFile string
	tlsKeyFile  string
}

// New builds the route table and middleware chain around the handler.
func New(handler *api.Handler, cfg Config) *Server {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/create", handler.CreateSession)
	mux.HandleFunc("/", downloadOrNotFound(handler))

	// The upload interceptor sits outside the mux so the redirect-or-pass
	// decision happens before any route-level handling touches the request.
	chain := UploadInterceptor(handler, mux)
	chain = metrics.HTTPMiddleware(recorder, chain)
	chain = logging.RequestLogger(cfg.Logger, chain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer:  httpServer,
		logger:      cfg.Logger,
		tlsCertFile: cfg.TLS.CertFile,
		tlsKeyFile:  cfg.TLS.KeyFile,
	}
}

// Handler exposes the composed handler chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the listener and blocks until the context is cancelled or the
// server fails.
func (s *Server) Run(ctx context.Context) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server: s.httpServer,
		TLS: serverutil.TLSConfig{
			CertFile: s.tlsCertFile,
			KeyFile:  s.tlsKeyFile,
		},
	})
}

// downloadOrNotFound serves GET transfer paths and rejects everything else
// that fell through the mux.
func downloadOrNotFound(handler *api.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && api.IsTransferPath(r.URL.Path) {
			handler.Download(w, r)
			return
		}
		http.NotFound(w, r)
	}
}
