// Package sandbox provides the isolated execution environment each
// tenant's agent process runs in, built on Fly Sprites. The Handle
// interface is deliberately narrow so the underlying sandbox technology
// can be swapped without touching supervisor or proxy logic.
package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// NamePrefix is prepended to tenant ids to form deterministic sandbox
// names. Reconnecting by the same name is idempotent.
const NamePrefix = "tenant-"

// Name returns the deterministic sandbox name for a tenant.
func Name(tenantID string) string {
	return NamePrefix + tenantID
}

// TenantID recovers the tenant id from a sandbox name. This is the
// fallback identity source when the durable marker was never written.
func TenantID(name string) (string, error) {
	if !strings.HasPrefix(name, NamePrefix) {
		return "", fmt.Errorf("not a tenant sandbox name: %q", name)
	}
	id := strings.TrimPrefix(name, NamePrefix)
	if id == "" {
		return "", fmt.Errorf("empty tenant id in sandbox name %q", name)
	}
	return id, nil
}

// ProcessOptions configures a background process launch.
type ProcessOptions struct {
	Cwd string
	Env map[string]string
	// LogFile receives the process's combined output inside the sandbox.
	LogFile string
}

// ExecResult is the output of a diagnostic shell command.
type ExecResult struct {
	Stdout string
	Stderr string
}

// Handle is a reference to one tenant's sandbox.
type Handle interface {
	// Name returns the deterministic sandbox name.
	Name() string

	// Mkdir creates a directory (and parents) inside the sandbox.
	Mkdir(ctx context.Context, path string) error

	// WriteFile writes content to a file inside the sandbox.
	WriteFile(ctx context.Context, path string, content []byte) error

	// StartProcess launches a long-running background process inside the
	// sandbox and returns without waiting for it.
	StartProcess(ctx context.Context, command string, opts ProcessOptions) error

	// HTTPCall performs an HTTP request against a port inside the
	// sandbox. The response body may stream; the caller closes it.
	HTTPCall(ctx context.Context, method, path string, port int, body []byte, header http.Header) (*http.Response, error)

	// WSConnect opens a WebSocket connection to a port inside the
	// sandbox.
	WSConnect(ctx context.Context, path string, port int, header http.Header) (*websocket.Conn, *http.Response, error)

	// Exec runs a shell command inside the sandbox and returns its
	// output. Diagnostics only; process launches go through StartProcess.
	Exec(ctx context.Context, shellCmd string) (ExecResult, error)

	// Destroy tears the sandbox down. The next Connect for the same
	// tenant provisions a fresh environment.
	Destroy(ctx context.Context) error
}

// Provisioner creates or reconnects tenant sandboxes.
type Provisioner interface {
	// Connect returns a handle to the tenant's sandbox, provisioning it
	// if it does not exist. Connecting to an existing sandbox by name is
	// idempotent.
	Connect(ctx context.Context, tenantID string) (Handle, error)
}
