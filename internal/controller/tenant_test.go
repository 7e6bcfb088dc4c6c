package controller

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mavenhq/agenthost/internal/agentapi"
	"github.com/mavenhq/agenthost/internal/blob"
	"github.com/mavenhq/agenthost/internal/configsvc"
	"github.com/mavenhq/agenthost/internal/sandbox"
	"github.com/mavenhq/agenthost/internal/store"
	"github.com/mavenhq/agenthost/internal/supervisor"
)

type staticFetcher struct {
	snap *configsvc.Snapshot
}

func (f *staticFetcher) Fetch(ctx context.Context, tenantID, userID string) *configsvc.Snapshot {
	return f.snap
}

// agentHandle builds a fake sandbox whose agent server answers health
// checks once a process has been launched, mimicking the cold start
// sequence end to end.
func agentHandle(tenantID string) *sandbox.FakeHandle {
	h := &sandbox.FakeHandle{SandboxName: sandbox.Name(tenantID)}
	h.HTTPFunc = func(method, path string, body []byte) (*http.Response, error) {
		switch path {
		case agentapi.HealthPath:
			if len(h.Processes()) == 0 {
				return nil, errors.New("connection refused")
			}
			return sandbox.JSONResponse(http.StatusOK, `{"status":"ok"}`), nil
		case agentapi.ChatPath:
			return sandbox.JSONResponse(http.StatusOK, `{"content":"pong"}`), nil
		case "/sessions":
			return sandbox.JSONResponse(http.StatusOK, `[]`), nil
		default:
			return sandbox.JSONResponse(http.StatusNotFound, `{}`), nil
		}
	}
	return h
}

func testDeps(t *testing.T, prov *sandbox.FakeProvisioner, snap *configsvc.Snapshot) Deps {
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
	return Deps{
		Provisioner: prov,
		Cache:       configsvc.NewCache(&staticFetcher{snap: snap}, time.Minute),
		Markers:     markers,
		Blob:        blobStore,
		Agent: supervisor.Config{
			Command:      "/usr/local/bin/agent-server",
			PollAttempts: 3,
			PollInterval: time.Millisecond,
		},
		IdleTimeout:   time.Hour,
		FlushInterval: time.Minute,
	}
}

func testSnapshot(tenantID string) *configsvc.Snapshot {
	return &configsvc.Snapshot{
		TenantID: tenantID,
		UserID:   "u1",
		Skills: []configsvc.Skill{
			{Name: "greeting", Content: "Say hello."},
		},
		Connectors: []configsvc.Connector{
			{Name: "crm", Type: "http", Config: map[string]string{"url": "https://crm.example"}},
		},
	}
}

func TestColdStartThenWarmPath(t *testing.T) {
	prov := &sandbox.FakeProvisioner{NewHandle: agentHandle}
	reg := NewRegistry(testDeps(t, prov, testSnapshot("t1")))
	defer reg.Close()

	ctx := context.Background()
	tenant := reg.Tenant("t1")

	body, err := tenant.Chat(ctx, "u1", []byte(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("cold Chat() error = %v", err)
	}
	if string(body) != `{"content":"pong"}` {
		t.Errorf("Chat() body = %s", body)
	}

	handle := prov.Handle("t1")
	if got := len(handle.Processes()); got != 1 {
		t.Fatalf("processes launched = %d, want 1", got)
	}
	if handle.Writes() == 0 {
		t.Error("cold start should have injected configuration files")
	}

	// Warm path: believed running, fresh hash. Exactly one more sandbox
	// call, the chat itself.
	before := handle.Calls()
	if _, err := tenant.Chat(ctx, "u1", []byte(`{"message":"again"}`)); err != nil {
		t.Fatalf("warm Chat() error = %v", err)
	}
	if got := handle.Calls() - before; got != 1 {
		t.Errorf("warm path sandbox calls = %d, want 1", got)
	}
	if got := len(handle.Processes()); got != 1 {
		t.Errorf("warm path relaunched the agent: processes = %d", got)
	}
}

func TestInjectionSkippedWhenHashUnchanged(t *testing.T) {
	prov := &sandbox.FakeProvisioner{NewHandle: agentHandle}
	reg := NewRegistry(testDeps(t, prov, testSnapshot("t1")))
	defer reg.Close()

	ctx := context.Background()
	tenant := reg.Tenant("t1")
	if err := tenant.EnsureReady(ctx, "u1"); err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}
	writes := prov.Handle("t1").Writes()
	if writes == 0 {
		t.Fatal("first EnsureReady should inject")
	}
	if err := tenant.EnsureReady(ctx, "u1"); err != nil {
		t.Fatalf("second EnsureReady() error = %v", err)
	}
	if got := prov.Handle("t1").Writes(); got != writes {
		t.Errorf("second EnsureReady re-injected: writes %d -> %d", writes, got)
	}
}

func TestInjectionRerunsWhenConfigChanges(t *testing.T) {
	prov := &sandbox.FakeProvisioner{NewHandle: agentHandle}
	snap := testSnapshot("t1")
	fetcher := &staticFetcher{snap: snap}

	deps := testDeps(t, prov, snap)
	deps.Cache = configsvc.NewCache(fetcher, time.Minute)
	reg := NewRegistry(deps)
	defer reg.Close()

	ctx := context.Background()
	tenant := reg.Tenant("t1")
	if err := tenant.EnsureReady(ctx, "u1"); err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}
	writes := prov.Handle("t1").Writes()

	changed := testSnapshot("t1")
	changed.Skills[0].Content = "Say goodbye."
	fetcher.snap = changed
	deps.Cache.Invalidate("t1", "u1")

	if err := tenant.EnsureReady(ctx, "u1"); err != nil {
		t.Fatalf("EnsureReady() after change error = %v", err)
	}
	if got := prov.Handle("t1").Writes(); got <= writes {
		t.Errorf("changed config did not re-inject: writes %d -> %d", writes, got)
	}
}

func TestProvisionFailureIsFatal(t *testing.T) {
	prov := &sandbox.FakeProvisioner{ConnectErr: errors.New("capacity exhausted")}
	reg := NewRegistry(testDeps(t, prov, testSnapshot("t1")))
	defer reg.Close()

	if err := reg.Tenant("t1").EnsureReady(context.Background(), "u1"); err == nil {
		t.Fatal("EnsureReady() expected provisioning error")
	}
}

func TestIdleDestroyResetsStateAndRecovers(t *testing.T) {
	prov := &sandbox.FakeProvisioner{NewHandle: agentHandle}
	deps := testDeps(t, prov, testSnapshot("t1"))
	deps.IdleTimeout = 50 * time.Millisecond
	deps.FlushInterval = 10 * time.Millisecond
	reg := NewRegistry(deps)
	defer reg.Close()

	ctx := context.Background()
	tenant := reg.Tenant("t1")
	if err := tenant.EnsureReady(ctx, "u1"); err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}
	handle := prov.Handle("t1")

	deadline := time.Now().Add(5 * time.Second)
	for !handle.Destroyed() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for idle destroy")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Marker survives the destroy; only volatile state is gone.
	marker, err := deps.Markers.GetMarker("t1")
	if err != nil || marker == nil {
		t.Fatalf("GetMarker() after idle destroy = %v, %v", marker, err)
	}

	// The next request rebuilds through the full path.
	if _, err := tenant.Chat(ctx, "u1", []byte(`{"message":"back"}`)); err != nil {
		t.Fatalf("Chat() after idle destroy error = %v", err)
	}
}

func TestEvictedTenantStillIdlesOut(t *testing.T) {
	prov := &sandbox.FakeProvisioner{NewHandle: agentHandle}
	deps := testDeps(t, prov, testSnapshot("t1"))
	deps.IdleTimeout = 200 * time.Millisecond
	deps.FlushInterval = 50 * time.Millisecond
	reg := NewRegistry(deps)
	defer reg.Close()

	ctx := context.Background()
	tenant := reg.Tenant("t1")
	if err := tenant.EnsureReady(ctx, "u1"); err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}
	handle := prov.Handle("t1")

	// Eviction drops the actor; the sandbox keeps running and the
	// durable marker stays behind.
	reg.Evict("t1")
	if handle.Destroyed() {
		t.Fatal("eviction must not destroy the sandbox")
	}

	time.Sleep(2 * deps.IdleTimeout)

	// The rebuilt actor recovers the activity clock from the marker,
	// reattaches to the sandbox on its first wake-up and destroys it,
	// without any request arriving.
	rebuilt := reg.Tenant("t1")
	if rebuilt == tenant {
		t.Fatal("eviction should force a fresh actor")
	}

	deadline := time.Now().Add(5 * time.Second)
	for !handle.Destroyed() {
		if time.Now().After(deadline) {
			t.Fatal("rebuilt actor never destroyed the idle sandbox")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type closeTracker struct {
	mu     sync.Mutex
	closed bool
}

func (c *closeTracker) Read(p []byte) (int, error) { return 0, io.EOF }

func (c *closeTracker) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *closeTracker) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestStreamClosedWhenCallerGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker := &closeTracker{}
	prov := &sandbox.FakeProvisioner{NewHandle: func(tenantID string) *sandbox.FakeHandle {
		h := &sandbox.FakeHandle{SandboxName: sandbox.Name(tenantID)}
		h.HTTPFunc = func(method, path string, body []byte) (*http.Response, error) {
			switch path {
			case agentapi.HealthPath:
				if len(h.Processes()) == 0 {
					return nil, errors.New("connection refused")
				}
				return sandbox.JSONResponse(http.StatusOK, `{"status":"ok"}`), nil
			case agentapi.StreamPath:
				// The caller gives up while the stream is being opened.
				cancel()
				return &http.Response{StatusCode: http.StatusOK, Body: tracker}, nil
			default:
				return sandbox.JSONResponse(http.StatusOK, `{}`), nil
			}
		}
		return h
	}}
	reg := NewRegistry(testDeps(t, prov, testSnapshot("t1")))
	defer reg.Close()

	body, err := reg.Tenant("t1").Stream(ctx, "u1", []byte(`{}`))
	if err == nil {
		body.Close()
		t.Fatal("Stream() expected error after cancellation")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !tracker.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("abandoned stream body was never closed")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDestroyRemovesMarker(t *testing.T) {
	prov := &sandbox.FakeProvisioner{NewHandle: agentHandle}
	deps := testDeps(t, prov, testSnapshot("t1"))
	reg := NewRegistry(deps)
	defer reg.Close()

	ctx := context.Background()
	tenant := reg.Tenant("t1")
	if err := tenant.EnsureReady(ctx, "u1"); err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}
	if err := tenant.Destroy(ctx); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if !prov.Handle("t1").Destroyed() {
		t.Error("sandbox was not destroyed")
	}
	marker, err := deps.Markers.GetMarker("t1")
	if err != nil {
		t.Fatalf("GetMarker() error = %v", err)
	}
	if marker != nil {
		t.Error("durable marker survived an explicit destroy")
	}
}

func TestStateFollowsLifecycle(t *testing.T) {
	prov := &sandbox.FakeProvisioner{NewHandle: agentHandle}
	reg := NewRegistry(testDeps(t, prov, testSnapshot("t1")))
	defer reg.Close()

	ctx := context.Background()
	tenant := reg.Tenant("t1")
	if got := tenant.State(ctx); got != StateCold {
		t.Errorf("initial State() = %s, want %s", got, StateCold)
	}
	if err := tenant.EnsureReady(ctx, "u1"); err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}
	if got := tenant.State(ctx); got != StateReady {
		t.Errorf("State() after EnsureReady = %s, want %s", got, StateReady)
	}
}

func TestRegistryHandsOutSameActor(t *testing.T) {
	prov := &sandbox.FakeProvisioner{NewHandle: agentHandle}
	reg := NewRegistry(testDeps(t, prov, testSnapshot("t1")))
	defer reg.Close()

	if reg.Tenant("t1") != reg.Tenant("t1") {
		t.Error("same tenant id must map to one actor")
	}
	if reg.Tenant("t1") == reg.Tenant("t2") {
		t.Error("different tenants must not share an actor")
	}
}
