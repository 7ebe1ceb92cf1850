package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Writer: &buf})

	logger.Info("hidden")
	logger.Warn("visible")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Fatalf("info record should be filtered at warn level: %s", output)
	}
	if !strings.Contains(output, "visible") {
		t.Fatalf("warn record missing: %s", output)
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: "text", Writer: &buf})
	logger.Info("hello", "key", "value")
	if !strings.Contains(buf.String(), "key=value") {
		t.Fatalf("expected logfmt output, got %s", buf.String())
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(New(Config{Writer: &buf}), "session")
	logger.Info("test")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log record: %v", err)
	}
	if record["component"] != "session" {
		t.Fatalf("expected component=session, got %v", record["component"])
	}
}

func TestTransferIDContextRoundTrip(t *testing.T) {
	ctx := ContextWithTransferID(context.Background(), "abc123")
	if id, ok := TransferIDFromContext(ctx); !ok || id != "abc123" {
		t.Fatalf("expected abc123, got %q ok=%v", id, ok)
	}
	if _, ok := TransferIDFromContext(context.Background()); ok {
		t.Fatal("expected no transfer id on empty context")
	}
	if ctx := ContextWithTransferID(context.Background(), "  "); ctx != context.Background() {
		t.Fatal("blank transfer id should not annotate the context")
	}
}

func TestRequestLoggerAnnotatesTransferID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestLogger(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*r = *r.WithContext(ContextWithTransferID(r.Context(), "xfer42"))
		w.WriteHeader(http.StatusFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/xfer42", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log record: %v (%s)", err, buf.String())
	}
	if record["status"] != float64(http.StatusFound) {
		t.Fatalf("expected status 302, got %v", record["status"])
	}
	if record["transfer_id"] != "xfer42" {
		t.Fatalf("expected transfer_id xfer42, got %v", record["transfer_id"])
	}
	if record["method"] != http.MethodGet {
		t.Fatalf("expected method GET, got %v", record["method"])
	}
}
