package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakePurger struct {
	calls chan struct{}
	err   error
}

func newFakePurger() *fakePurger {
	return &fakePurger{calls: make(chan struct{}, 1)}
}

func (f *fakePurger) PurgeExpired() error {
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return f.err
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

func TestStartPurgeWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	purger := newFakePurger()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stop := startPurgeWorkerWithTicker(ctx, logger, purger, time.Minute, func(time.Duration) purgeTicker {
		return ticker
	})

	ticker.Tick()
	select {
	case <-purger.calls:
	case <-time.After(time.Second):
		t.Fatal("expected purge to be invoked")
	}

	cancel()
	stop()

	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected ticker to stop after context cancellation")
	}
}

func TestStartPurgeWorkerKeepsRunningAfterError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	purger := newFakePurger()
	purger.err = errors.New("sweep failed")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stop := startPurgeWorkerWithTicker(ctx, logger, purger, time.Minute, func(time.Duration) purgeTicker {
		return ticker
	})
	defer stop()

	for i := 0; i < 2; i++ {
		ticker.Tick()
		select {
		case <-purger.calls:
		case <-time.After(time.Second):
			t.Fatalf("expected purge attempt %d despite errors", i+1)
		}
	}
}

func TestStartPurgeWorkerDisabledWithoutInterval(t *testing.T) {
	stop := startPurgeWorker(context.Background(), nil, newFakePurger(), 0)
	stop()
	stop()
}

func TestResolveStoreConfig(t *testing.T) {
	cases := []struct {
		name        string
		flagDriver  string
		envDriver   string
		redisAddr   string
		postgresDSN string
		wantDriver  string
		wantErr     bool
	}{
		{name: "defaults to memory", wantDriver: "memory"},
		{name: "redis addr implies redis", redisAddr: "127.0.0.1:6379", wantDriver: "redis"},
		{name: "dsn implies postgres", postgresDSN: "postgres://localhost/dropgate", wantDriver: "postgres"},
		{name: "explicit redis without addr", flagDriver: "redis", wantErr: true},
		{name: "explicit postgres without dsn", envDriver: "postgres", wantErr: true},
		{name: "flag wins over inference", flagDriver: "memory", redisAddr: "127.0.0.1:6379", wantDriver: "memory"},
		{name: "unknown driver", flagDriver: "etcd", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := resolveStoreConfig(tc.flagDriver, tc.envDriver, tc.redisAddr, tc.postgresDSN)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Driver != tc.wantDriver {
				t.Fatalf("expected driver %q, got %q", tc.wantDriver, cfg.Driver)
			}
		})
	}
}

func TestParseRetryLengths(t *testing.T) {
	lengths, err := parseRetryLengths(" 6, 7 ,8 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lengths) != 3 || lengths[0] != 6 || lengths[1] != 7 || lengths[2] != 8 {
		t.Fatalf("unexpected lengths %v", lengths)
	}

	if got, err := parseRetryLengths(""); err != nil || got != nil {
		t.Fatalf("expected empty input to be nil, got %v (%v)", got, err)
	}
	if _, err := parseRetryLengths("6,x"); err == nil {
		t.Fatal("expected error for non-numeric length")
	}
	if _, err := parseRetryLengths("0"); err == nil {
		t.Fatal("expected error for non-positive length")
	}
}
