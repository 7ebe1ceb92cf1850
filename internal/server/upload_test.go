package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"dropgate/internal/api"
	"dropgate/internal/observability/metrics"
	"dropgate/internal/session"
)

type stubProvisioner struct {
	mu   sync.Mutex
	next int
}

func (p *stubProvisioner) NewFlow(_ context.Context, _ int64) (session.Flow, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return session.Flow{
		ID:    fmt.Sprintf("flow-%d", p.next),
		Token: fmt.Sprintf("tok-%d", p.next),
	}, nil
}

func (p *stubProvisioner) Address() string {
	return "http://storage.test:9000"
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	manager := session.NewManager(session.NewMemoryStore(), &stubProvisioner{})
	handler := api.NewHandler(manager)
	handler.Metrics = metrics.New()
	srv := New(handler, Config{Metrics: handler.Metrics})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func TestUploadInterceptedBeforeRoutes(t *testing.T) {
	ts := newTestServer(t)
	client := noRedirectClient()

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/report1/data.bin", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTemporaryRedirect {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 307, got %d: %s", resp.StatusCode, body)
	}
	location := resp.Header.Get("Location")
	if !strings.Contains(location, "/flow/flow-1/push") || !strings.Contains(location, "token=tok-1") {
		t.Fatalf("unexpected redirect location %q", location)
	}
}

func TestUploadWithExpectContinueIsRedirectedImmediately(t *testing.T) {
	ts := newTestServer(t)
	client := noRedirectClient()

	// The interim 100 Continue must never be sent: the handler answers with
	// the redirect before touching the body, so the client keeps its payload
	// for the backend.
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/report2", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Expect", "100-continue")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", resp.StatusCode)
	}
}

func TestUploadDuplicateIdentifierThroughChain(t *testing.T) {
	ts := newTestServer(t)
	client := noRedirectClient()

	first, err := http.NewRequest(http.MethodPost, ts.URL+"/shared2", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := client.Do(first)
	if err != nil {
		t.Fatalf("first upload failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("first upload expected 307, got %d", resp.StatusCode)
	}

	second, err := http.NewRequest(http.MethodPost, ts.URL+"/shared2", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err = client.Do(second)
	if err != nil {
		t.Fatalf("second upload failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("second upload expected 400, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["msg"] != api.CodeDuplicatedID {
		t.Fatalf("expected %s, got %s", api.CodeDuplicatedID, body["msg"])
	}
}

func TestControlPlaneRoutesAreNotIntercepted(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/create", "application/json", strings.NewReader(`{"file_size": 64}`))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200 from /api/create, got %d: %s", resp.StatusCode, body)
	}
	var created struct {
		ID        string `json:"id"`
		FlowID    string `json:"flow_id"`
		FlowToken string `json:"flow_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.ID == "" || created.FlowID == "" || created.FlowToken == "" {
		t.Fatalf("incomplete create response: %+v", created)
	}
}

func TestGetOnTransferPathFallsThroughToDownload(t *testing.T) {
	ts := newTestServer(t)
	client := noRedirectClient()

	resp, err := http.Post(ts.URL+"/api/create", "application/json", strings.NewReader(`{"file_size": 64}`))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/"+created.ID, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("User-Agent", "curl/8.4.0")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Location"), "/flow/") {
		t.Fatalf("unexpected redirect location %q", resp.Header.Get("Location"))
	}
}
