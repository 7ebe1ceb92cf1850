package server

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Fatalf("unexpected health body %s", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/create", "application/json", strings.NewReader(`{"file_size": 16}`))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "dropgate_session_events_total") {
		t.Fatalf("expected session event counters in exposition:\n%s", body)
	}
}

func TestUnknownPathIsNotFound(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/a/b/c", "/ab", "/bad_chars-1"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("GET %s: expected 404, got %d", path, resp.StatusCode)
		}
	}
}

func TestDeleteOnTransferPathIsNotFound(t *testing.T) {
	ts := newTestServer(t)
	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/someid", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHandlerChainRecordsRequests(t *testing.T) {
	// Middleware order matters: the recorder must observe the status the
	// routed handler wrote, not a default 200.
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/nosuchsession1")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	metricsResp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer metricsResp.Body.Close()
	body, _ := io.ReadAll(metricsResp.Body)
	if !strings.Contains(string(body), `status="404"`) {
		t.Fatalf("expected 404 observation in exposition:\n%s", body)
	}
}
