// Package serverutil runs an http.Server with graceful, context-driven
// shutdown.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// TLSConfig defines certificate and key paths for enabling TLS listeners.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config controls the HTTP server runtime behaviour.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// Ready is closed once the listener is accepting connections.
	Ready chan<- struct{}
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run starts the provided HTTP server and blocks until it stops. When the
// context is cancelled, Run drains in-flight requests with a graceful
// shutdown bounded by ShutdownTimeout.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}

	ln, err := listen(cfg)
	if err != nil {
		return err
	}
	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	select {
	case err = <-serveErr:
	case <-ctx.Done():
		timeout := cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = DefaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if shutdownErr := cfg.Server.Shutdown(shutdownCtx); shutdownErr != nil {
			<-serveErr
			return shutdownErr
		}
		err = <-serveErr
	}

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func listen(cfg Config) (net.Listener, error) {
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return nil, fmt.Errorf("both TLS cert file and key file must be provided")
	}
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return nil, err
	}
	if cfg.TLS.CertFile == "" {
		return ln, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		ln.Close()
		return nil, err
	}
	tlsCfg := cfg.Server.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	cfg.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}
