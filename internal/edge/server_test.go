package edge

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mavenhq/agenthost/internal/agentapi"
	"github.com/mavenhq/agenthost/internal/blob"
	"github.com/mavenhq/agenthost/internal/configsvc"
	"github.com/mavenhq/agenthost/internal/controller"
	"github.com/mavenhq/agenthost/internal/sandbox"
	"github.com/mavenhq/agenthost/internal/store"
	"github.com/mavenhq/agenthost/internal/supervisor"
)

type staticFetcher struct{}

func (staticFetcher) Fetch(ctx context.Context, tenantID, userID string) *configsvc.Snapshot {
	return &configsvc.Snapshot{TenantID: tenantID, UserID: userID}
}

func testServer(t *testing.T, newHandle func(string) *sandbox.FakeHandle) *Server {
	t.Helper()
	markers, err := store.Open(filepath.Join(t.TempDir(), "markers.db"))
	if err != nil {
		t.Fatalf("open marker store: %v", err)
	}
	t.Cleanup(func() { markers.Close() })
	blobStore, err := blob.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}

	reg := controller.NewRegistry(controller.Deps{
		Provisioner: &sandbox.FakeProvisioner{NewHandle: newHandle},
		Cache:       configsvc.NewCache(staticFetcher{}, time.Minute),
		Markers:     markers,
		Blob:        blobStore,
		Agent: supervisor.Config{
			Command:      "/usr/local/bin/agent-server",
			PollAttempts: 3,
			PollInterval: time.Millisecond,
		},
		IdleTimeout:   time.Hour,
		FlushInterval: time.Minute,
	})
	t.Cleanup(reg.Close)

	return New(Config{Addr: ":0", Registry: reg})
}

// servingHandle answers health once a process runs and echoes chat.
func servingHandle(tenantID string) *sandbox.FakeHandle {
	h := &sandbox.FakeHandle{SandboxName: sandbox.Name(tenantID)}
	h.HTTPFunc = func(method, path string, body []byte) (*http.Response, error) {
		switch path {
		case agentapi.HealthPath:
			if len(h.Processes()) == 0 {
				return nil, errors.New("connection refused")
			}
			return sandbox.JSONResponse(http.StatusOK, `{"status":"ok"}`), nil
		case agentapi.ChatPath:
			return sandbox.JSONResponse(http.StatusOK, `{"content":"hello"}`), nil
		case agentapi.StreamPath:
			return sandbox.JSONResponse(http.StatusOK,
				`{"type":"start"}`+"\n"+`{"type":"done"}`+"\n"), nil
		case "/sessions":
			return sandbox.JSONResponse(http.StatusOK, `[{"id":"s1"}]`), nil
		default:
			return sandbox.JSONResponse(http.StatusNotFound, `{}`), nil
		}
	}
	return h
}

func TestChatRequiresIdentity(t *testing.T) {
	srv := testServer(t, servingHandle)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{}`))

	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestChatEndToEnd(t *testing.T) {
	srv := testServer(t, servingHandle)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("X-Tenant-ID", "t1")
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set("X-User-Roles", "member, admin")

	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != `{"content":"hello"}` {
		t.Errorf("body = %s", got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestChatStreamRelaysNDJSON(t *testing.T) {
	srv := testServer(t, servingHandle)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat/stream", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("X-Tenant-ID", "t1")
	req.Header.Set("X-User-ID", "u1")

	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Errorf("stream lines = %d, want 2: %q", len(lines), rec.Body.String())
	}
}

func TestSessionsProxied(t *testing.T) {
	srv := testServer(t, servingHandle)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("X-Tenant-ID", "t1")
	req.Header.Set("X-User-ID", "u1")

	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != `[{"id":"s1"}]` {
		t.Errorf("body = %s", got)
	}
}

func TestHealthzNeedsNoIdentity(t *testing.T) {
	srv := testServer(t, servingHandle)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestColdStartFailureCarriesDiagnostics(t *testing.T) {
	// Health never answers, so cold start exhausts its poll budget.
	srv := testServer(t, func(tenantID string) *sandbox.FakeHandle {
		h := &sandbox.FakeHandle{SandboxName: sandbox.Name(tenantID)}
		h.HTTPFunc = func(method, path string, body []byte) (*http.Response, error) {
			return nil, errors.New("connection refused")
		}
		h.ExecFunc = func(cmd string) (sandbox.ExecResult, error) {
			return sandbox.ExecResult{Stdout: "agent-server: fatal startup error"}, nil
		}
		return h
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{}`))
	req.Header.Set("X-Tenant-ID", "t1")
	req.Header.Set("X-User-ID", "u1")

	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "diagnostics") {
		t.Errorf("response missing diagnostics: %s", body)
	}
}
