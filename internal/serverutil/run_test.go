package serverutil

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestRunRequiresServer(t *testing.T) {
	if err := Run(context.Background(), Config{}); err == nil {
		t.Fatal("expected error when server is nil")
	}
}

func TestRunRejectsPartialTLS(t *testing.T) {
	cfg := Config{
		Server: &http.Server{Addr: "127.0.0.1:0"},
		TLS:    TLSConfig{CertFile: "cert.pem"},
	}
	if err := Run(context.Background(), cfg); err == nil {
		t.Fatal("expected error for cert without key")
	}
}

func TestRunServesUntilContextCancelled(t *testing.T) {
	srv := &http.Server{
		Addr: "127.0.0.1:0",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, "ok")
		}),
	}
	ready := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	runErr := make(chan error, 1)
	go func() {
		runErr <- Run(ctx, Config{Server: srv, Ready: ready, ShutdownTimeout: time.Second})
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error after graceful shutdown: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
