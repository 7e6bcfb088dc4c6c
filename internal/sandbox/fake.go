package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FakeHandle is an in-memory Handle for tests. Behavior is scripted by
// assigning the HTTPFunc/ExecFunc/WSURL fields; every primitive call is
// counted so tests can assert on call volume.
type FakeHandle struct {
	SandboxName string

	// HTTPFunc serves HTTPCall. Nil means every call fails.
	HTTPFunc func(method, path string, body []byte) (*http.Response, error)

	// ExecFunc serves Exec. Nil returns empty output.
	ExecFunc func(shellCmd string) (ExecResult, error)

	// WSURL, when set, is dialed (ws://...) to serve WSConnect.
	WSURL string

	mu        sync.Mutex
	dirs      []string
	files     map[string][]byte
	writes    int
	processes []string
	execLog   []string
	calls     int
	destroyed bool
}

var _ Handle = (*FakeHandle)(nil)

func (f *FakeHandle) Name() string {
	if f.SandboxName != "" {
		return f.SandboxName
	}
	return Name("fake")
}

func (f *FakeHandle) bump() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

// Calls reports how many sandbox primitives have been invoked.
func (f *FakeHandle) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeHandle) Mkdir(ctx context.Context, path string) error {
	f.bump()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs = append(f.dirs, path)
	return nil
}

func (f *FakeHandle) WriteFile(ctx context.Context, path string, content []byte) error {
	f.bump()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files == nil {
		f.files = make(map[string][]byte)
	}
	f.files[path] = append([]byte(nil), content...)
	f.writes++
	return nil
}

// Files returns a copy of everything written so far.
func (f *FakeHandle) Files() map[string][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte, len(f.files))
	for k, v := range f.files {
		out[k] = v
	}
	return out
}

// Writes reports the number of WriteFile calls recorded.
func (f *FakeHandle) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *FakeHandle) StartProcess(ctx context.Context, command string, opts ProcessOptions) error {
	f.bump()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processes = append(f.processes, command)
	return nil
}

// Processes returns the commands launched via StartProcess.
func (f *FakeHandle) Processes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.processes...)
}

func (f *FakeHandle) HTTPCall(ctx context.Context, method, path string, port int, body []byte, header http.Header) (*http.Response, error) {
	f.bump()
	if f.HTTPFunc == nil {
		return nil, fmt.Errorf("fake sandbox: no HTTP behavior scripted for %s %s", method, path)
	}
	return f.HTTPFunc(method, path, body)
}

func (f *FakeHandle) WSConnect(ctx context.Context, path string, port int, header http.Header) (*websocket.Conn, *http.Response, error) {
	f.bump()
	if f.WSURL == "" {
		return nil, nil, fmt.Errorf("fake sandbox: no websocket endpoint scripted")
	}
	url := strings.Replace(f.WSURL, "http://", "ws://", 1) + path
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, resp, fmt.Errorf("fake websocket dial: %w", err)
	}
	return conn, resp, nil
}

func (f *FakeHandle) Exec(ctx context.Context, shellCmd string) (ExecResult, error) {
	f.bump()
	f.mu.Lock()
	f.execLog = append(f.execLog, shellCmd)
	f.mu.Unlock()
	if f.ExecFunc == nil {
		return ExecResult{}, nil
	}
	return f.ExecFunc(shellCmd)
}

// ExecLog returns the shell commands run through Exec.
func (f *FakeHandle) ExecLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.execLog...)
}

func (f *FakeHandle) Destroy(ctx context.Context) error {
	f.bump()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	return nil
}

// Destroyed reports whether Destroy has been called.
func (f *FakeHandle) Destroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// JSONResponse builds an *http.Response with a JSON body, for scripting
// HTTPFunc.
func JSONResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

// FakeProvisioner hands out a fixed set of fake handles by tenant id.
type FakeProvisioner struct {
	mu      sync.Mutex
	handles map[string]*FakeHandle

	// NewHandle, when set, builds the handle for an unseen tenant.
	// Defaults to a bare FakeHandle.
	NewHandle func(tenantID string) *FakeHandle

	// ConnectErr, when set, fails every Connect.
	ConnectErr error
}

var _ Provisioner = (*FakeProvisioner)(nil)

func (p *FakeProvisioner) Connect(ctx context.Context, tenantID string) (Handle, error) {
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handles == nil {
		p.handles = make(map[string]*FakeHandle)
	}
	if h, ok := p.handles[tenantID]; ok {
		return h, nil
	}
	var h *FakeHandle
	if p.NewHandle != nil {
		h = p.NewHandle(tenantID)
	} else {
		h = &FakeHandle{}
	}
	if h.SandboxName == "" {
		h.SandboxName = Name(tenantID)
	}
	p.handles[tenantID] = h
	return h, nil
}

// Handle returns the fake handle for a tenant, if one was connected.
func (p *FakeProvisioner) Handle(tenantID string) *FakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[tenantID]
}
