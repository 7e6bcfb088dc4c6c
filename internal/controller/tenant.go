// Package controller owns the per-tenant lifecycle: provisioning,
// configuration injection, agent supervision, proxying and the idle
// timer. Each tenant runs as a single goroutine fed by a request
// channel, so every lifecycle transition for a tenant is serialized.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/mavenhq/agenthost/internal/agentapi"
	"github.com/mavenhq/agenthost/internal/blob"
	"github.com/mavenhq/agenthost/internal/configsvc"
	"github.com/mavenhq/agenthost/internal/logpipe"
	"github.com/mavenhq/agenthost/internal/proxy"
	"github.com/mavenhq/agenthost/internal/sandbox"
	"github.com/mavenhq/agenthost/internal/store"
	"github.com/mavenhq/agenthost/internal/supervisor"
)

// ConnectorManifest is where injected connector bindings land inside
// the sandbox, next to the skills directory.
const ConnectorManifest = "/app/connectors.json"

// State names one stage of a tenant's lifecycle.
type State string

const (
	StateCold          State = "cold"
	StateProvisioning  State = "provisioning"
	StateConfiguring   State = "configuring"
	StateStartingAgent State = "starting_agent"
	StateReady         State = "ready"
)

// Deps carries the shared collaborators every tenant actor uses.
type Deps struct {
	Provisioner   sandbox.Provisioner
	Cache         *configsvc.Cache
	Markers       *store.DB
	Blob          blob.Store
	Agent         supervisor.Config
	IdleTimeout   time.Duration
	FlushInterval time.Duration
}

// Tenant is the serialized actor for one tenant. All fields below deps
// are touched only from the run goroutine.
type Tenant struct {
	id     string
	deps   Deps
	logger *log.Logger

	ops  chan func()
	quit chan struct{}

	// volatile state, rebuilt from the durable marker after eviction
	state        State
	handle       sandbox.Handle
	sup          *supervisor.Supervisor
	prox         *proxy.Proxy
	pipeline     *logpipe.Pipeline
	injectedHash string
	lastUserID   string
	lastActivity time.Time
	timer        *time.Timer

	now func() time.Time
}

func newTenant(id string, deps Deps) *Tenant {
	t := &Tenant{
		id:     id,
		deps:   deps,
		logger: log.NewWithOptions(os.Stderr, log.Options{Prefix: "tenant:" + id}),
		ops:    make(chan func(), 16),
		quit:   make(chan struct{}),
		state:  StateCold,
		now:    time.Now,
	}
	// Rehydrate the activity clock from the durable marker so an actor
	// rebuilt after eviction does not treat an idle tenant as fresh.
	// The timer resumes where the evicted actor left off; without it an
	// idle sandbox would outlive its tenant until the next request.
	if marker, err := deps.Markers.GetMarker(id); err == nil && marker != nil {
		t.lastActivity = marker.LastActivity
		remaining := deps.IdleTimeout - t.now().Sub(marker.LastActivity)
		if remaining < time.Millisecond {
			remaining = time.Millisecond
		}
		t.rearm(remaining)
	}
	go t.run()
	return t
}

// ID returns the tenant id this actor serves.
func (t *Tenant) ID() string {
	return t.id
}

func (t *Tenant) run() {
	for {
		var timerC <-chan time.Time
		if t.timer != nil {
			timerC = t.timer.C
		}
		select {
		case op := <-t.ops:
			op()
		case <-timerC:
			t.onTick()
		case <-t.quit:
			if t.timer != nil {
				t.timer.Stop()
			}
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for its result. The op
// still runs to completion if the caller gives up; fn is responsible
// for honoring ctx itself.
func (t *Tenant) do(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	select {
	case t.ops <- func() { done <- fn(ctx) }:
	case <-t.quit:
		return fmt.Errorf("tenant %s: controller stopped", t.id)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// A finished op beats the cancellation; dropping its result
		// here would strand whatever resource it opened.
		select {
		case err := <-done:
			return err
		default:
			return ctx.Err()
		}
	}
}

// EnsureReady drives the tenant to the Ready state: sandbox connected,
// configuration injected, agent process believed running.
func (t *Tenant) EnsureReady(ctx context.Context, userID string) error {
	return t.do(ctx, func(ctx context.Context) error {
		return t.ensure(ctx, userID)
	})
}

// Chat forwards a unary chat request, bringing the tenant up first.
func (t *Tenant) Chat(ctx context.Context, userID string, payload []byte) ([]byte, error) {
	var body []byte
	err := t.do(ctx, func(ctx context.Context) error {
		if err := t.ensure(ctx, userID); err != nil {
			return err
		}
		var err error
		body, err = t.prox.Chat(ctx, agentapi.ChatPath, payload)
		return err
	})
	return body, err
}

// Stream opens a streaming chat response. The returned body is consumed
// by the caller outside the actor goroutine; only the bring-up and the
// initial connection run serialized.
func (t *Tenant) Stream(ctx context.Context, userID string, payload []byte) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := t.do(ctx, func(ctx context.Context) error {
		if err := t.ensure(ctx, userID); err != nil {
			return err
		}
		b, err := t.prox.Stream(ctx, agentapi.StreamPath, payload)
		if err != nil {
			return err
		}
		// The caller abandons the op on cancellation, so a body opened
		// after the deadline has nobody left to close it.
		if ctx.Err() != nil {
			b.Close()
			return ctx.Err()
		}
		body = b
		return nil
	})
	return body, err
}

// Sessions proxies the agent server's session listing.
func (t *Tenant) Sessions(ctx context.Context, userID string) ([]byte, error) {
	var body []byte
	err := t.do(ctx, func(ctx context.Context) error {
		if err := t.ensure(ctx, userID); err != nil {
			return err
		}
		var err error
		body, err = t.prox.Get(ctx, "/sessions")
		return err
	})
	return body, err
}

// DialWS brings the tenant up and dials a WebSocket into the agent
// server. The caller tunnels over the returned connection outside the
// actor goroutine.
func (t *Tenant) DialWS(ctx context.Context, userID string) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := t.do(ctx, func(ctx context.Context) error {
		if err := t.ensure(ctx, userID); err != nil {
			return err
		}
		c, err := t.prox.DialWS(ctx)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			c.Close()
			return ctx.Err()
		}
		conn = c
		return nil
	})
	return conn, err
}

// FlushLogs pulls pending agent log lines and flushes them to storage.
func (t *Tenant) FlushLogs(ctx context.Context) error {
	return t.do(ctx, func(ctx context.Context) error {
		if t.pipeline == nil {
			return nil
		}
		t.pipeline.Pull(ctx)
		t.pipeline.Flush(ctx)
		return nil
	})
}

// Destroy tears the tenant down completely: final log flush, retention
// cleanup, sandbox destroyed, durable marker removed.
func (t *Tenant) Destroy(ctx context.Context) error {
	return t.do(ctx, func(ctx context.Context) error {
		t.teardown(ctx)
		if err := t.deps.Markers.DeleteMarker(t.id); err != nil {
			return fmt.Errorf("delete marker: %w", err)
		}
		return nil
	})
}

// close stops the run goroutine. Volatile state is abandoned; the
// durable marker carries the tenant across the restart.
func (t *Tenant) close() {
	close(t.quit)
}

// State reports the current lifecycle stage, read on the actor
// goroutine so it never observes a half-applied transition.
func (t *Tenant) State(ctx context.Context) State {
	state := StateCold
	t.do(ctx, func(ctx context.Context) error {
		state = t.state
		return nil
	})
	return state
}

func (t *Tenant) setState(next State) {
	if t.state != next {
		t.logger.Debug("state transition", "from", t.state, "to", next)
		t.state = next
	}
}

// ensure is the recover-or-rebuild entry point every request goes
// through. It runs on the actor goroutine.
func (t *Tenant) ensure(ctx context.Context, userID string) error {
	t.touch()
	t.lastUserID = userID

	if t.handle == nil {
		t.setState(StateProvisioning)
		if err := t.connect(ctx); err != nil {
			t.setState(StateCold)
			return fmt.Errorf("provision sandbox for %s: %w", t.id, err)
		}
	}

	snap := t.deps.Cache.Get(ctx, t.id, userID)
	if hash := snap.Hash(); hash != t.injectedHash {
		t.setState(StateConfiguring)
		if err := t.inject(ctx, snap); err != nil {
			t.injectedHash = ""
			return fmt.Errorf("inject configuration for %s: %w", t.id, err)
		}
		t.injectedHash = hash
	}

	t.setState(StateStartingAgent)
	if err := t.sup.EnsureAgentRunning(ctx, snap); err != nil {
		return err
	}

	t.setState(StateReady)
	t.rearm(t.deps.FlushInterval)
	return nil
}

// connect attaches the sandbox handle and builds the volatile runtime
// around it. The deterministic sandbox name makes this idempotent: a
// running sandbox is reattached, not duplicated.
func (t *Tenant) connect(ctx context.Context) error {
	handle, err := t.deps.Provisioner.Connect(ctx, t.id)
	if err != nil {
		return err
	}
	t.handle = handle
	t.sup = supervisor.New(handle, t.deps.Agent)
	t.prox = proxy.New(handle, t.sup, t.rebuild)
	t.pipeline = logpipe.New(t.id, handle, t.deps.Blob)
	return nil
}

// reconnect recovers the volatile state an evicted actor lost. Identity
// and the activity clock come from the durable marker; when the marker
// is gone the deterministic sandbox name is the fallback identity
// source and the in-memory clock stands.
func (t *Tenant) reconnect(ctx context.Context) error {
	marker, err := t.deps.Markers.GetMarker(t.id)
	if err == nil && marker != nil {
		t.lastActivity = marker.LastActivity
	} else {
		if _, perr := sandbox.TenantID(sandbox.Name(t.id)); perr != nil {
			return fmt.Errorf("recover identity for %s: %w", t.id, perr)
		}
	}
	if err := t.connect(ctx); err != nil {
		return fmt.Errorf("reconnect sandbox for %s: %w", t.id, err)
	}
	return nil
}

// rebuild is the restart hook handed to the proxy. It drops the cached
// snapshot and the injected-hash bookkeeping so the retry runs the full
// bring-up against fresh configuration. It runs on the actor goroutine
// because the proxy is only ever invoked from there.
func (t *Tenant) rebuild(ctx context.Context) error {
	t.deps.Cache.Invalidate(t.id, t.lastUserID)
	t.injectedHash = ""
	return t.ensure(ctx, t.lastUserID)
}

// touch records activity in memory and in the durable marker. A marker
// write failure is logged, not fatal; the in-memory clock still governs
// this instance's idle decision.
func (t *Tenant) touch() {
	t.lastActivity = t.now()
	if err := t.deps.Markers.TouchMarker(t.id, t.lastActivity); err != nil {
		t.logger.Warn("marker write failed", "error", err)
	}
}

// inject writes the snapshot's skills and connector manifest into the
// sandbox. Rewriting identical content is harmless; the hash check in
// ensure is what keeps the warm path from re-running this at all.
func (t *Tenant) inject(ctx context.Context, snap *configsvc.Snapshot) error {
	if err := t.handle.Mkdir(ctx, supervisor.SkillsDir); err != nil {
		return fmt.Errorf("create skills dir: %w", err)
	}
	for _, skill := range snap.Skills {
		dest := path.Join(supervisor.SkillsDir, skill.Name+".md")
		if err := t.handle.WriteFile(ctx, dest, []byte(skill.Content)); err != nil {
			return fmt.Errorf("write skill %s: %w", skill.Name, err)
		}
	}

	manifest, err := json.Marshal(snap.Connectors)
	if err != nil {
		return fmt.Errorf("marshal connector manifest: %w", err)
	}
	if err := t.handle.WriteFile(ctx, ConnectorManifest, manifest); err != nil {
		return fmt.Errorf("write connector manifest: %w", err)
	}
	return nil
}

// rearm schedules the next timer wake-up, collapsing any pending one.
func (t *Tenant) rearm(d time.Duration) {
	if t.timer == nil {
		t.timer = time.NewTimer(d)
		return
	}
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
	t.timer.Reset(d)
}

// onTick is the single wake-up: pull and flush logs, then either
// destroy an idle tenant or rearm for the next interval.
func (t *Tenant) onTick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// An evicted actor wakes up without a handle. Reattach to the still
	// running sandbox before deciding its fate; letting it sit would
	// leak the sandbox until the next request.
	if t.handle == nil {
		if err := t.reconnect(ctx); err != nil {
			t.logger.Warn("wake-up reconnect failed", "error", err)
			t.rearm(t.deps.FlushInterval)
			return
		}
	}

	t.pipeline.Pull(ctx)
	if t.pipeline.Buffered() > 0 {
		t.pipeline.Flush(ctx)
	}

	idle := t.now().Sub(t.lastActivity)
	if idle >= t.deps.IdleTimeout {
		t.logger.Info("idle threshold reached, destroying sandbox", "idle", idle)
		t.teardown(ctx)
		return
	}

	if t.sup.BelievedRunning() {
		t.rearm(t.deps.FlushInterval)
	} else {
		t.rearm(t.deps.IdleTimeout - idle)
	}
}

// teardown destroys the sandbox and resets every piece of volatile
// state back to Cold. The durable marker is left in place; Destroy
// removes it for a full teardown.
func (t *Tenant) teardown(ctx context.Context) {
	if t.handle == nil {
		return
	}

	t.pipeline.Pull(ctx)
	t.pipeline.Flush(ctx)
	if err := t.pipeline.CleanupOld(ctx); err != nil {
		t.logger.Warn("log retention cleanup failed", "error", err)
	}

	if err := t.handle.Destroy(ctx); err != nil {
		t.logger.Warn("sandbox destroy failed", "error", err)
	}

	t.pipeline.Reset()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.handle = nil
	t.sup = nil
	t.prox = nil
	t.pipeline = nil
	t.injectedHash = ""
	t.setState(StateCold)
}
