package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	sprites "github.com/superfly/sprites-go"
)

// SpriteProvisioner provisions tenant sandboxes as Fly Sprites.
type SpriteProvisioner struct {
	client   *sprites.Client
	token    string
	apiBase  string
	hostname string
	logger   *log.Logger
}

// SpriteConfig configures the sprites backend.
type SpriteConfig struct {
	// Token authenticates against the Sprites API. Falls back to the
	// SPRITES_TOKEN environment variable.
	Token string `yaml:"token"`

	// APIBase is the Sprites control API endpoint.
	APIBase string `yaml:"api_base"`

	// Hostname is the format for reaching a sandbox over the private
	// network, e.g. "%s.internal". The sandbox name fills the verb.
	Hostname string `yaml:"hostname"`
}

// NewSpriteProvisioner creates a sprites-backed provisioner.
func NewSpriteProvisioner(cfg SpriteConfig) (*SpriteProvisioner, error) {
	token := cfg.Token
	if token == "" {
		token = os.Getenv("SPRITES_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("no sprites token configured: set sandbox.token or SPRITES_TOKEN")
	}
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = "https://api.sprites.dev/v1"
	}
	hostname := cfg.Hostname
	if hostname == "" {
		hostname = "%s.internal"
	}
	return &SpriteProvisioner{
		client:   sprites.New(token),
		token:    token,
		apiBase:  apiBase,
		hostname: hostname,
		logger:   log.NewWithOptions(os.Stderr, log.Options{Prefix: "sandbox"}),
	}, nil
}

// Connect returns a handle to the tenant's sandbox. Running a no-op
// command creates the sprite if it does not exist and wakes it if it is
// asleep, so connect doubles as provision.
func (p *SpriteProvisioner) Connect(ctx context.Context, tenantID string) (Handle, error) {
	name := Name(tenantID)
	sprite := p.client.Sprite(name)

	cmd := sprite.CommandContext(ctx, "true")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("provision sandbox %s: %w", name, err)
	}

	return &spriteHandle{
		provisioner: p,
		sprite:      sprite,
		name:        name,
		httpClient:  &http.Client{},
	}, nil
}

type spriteHandle struct {
	provisioner *SpriteProvisioner
	sprite      *sprites.Sprite
	name        string
	httpClient  *http.Client
}

func (h *spriteHandle) Name() string {
	return h.name
}

func (h *spriteHandle) Mkdir(ctx context.Context, path string) error {
	cmd := h.sprite.CommandContext(ctx, "mkdir", "-p", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mkdir %s: %w: %s", path, err, bytes.TrimSpace(out))
	}
	return nil
}

func (h *spriteHandle) WriteFile(ctx context.Context, path string, content []byte) error {
	cmd := h.sprite.CommandContext(ctx, "sh", "-c", fmt.Sprintf("cat > %q", path))
	cmd.Stdin = bytes.NewReader(content)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("write %s: %w: %s", path, err, bytes.TrimSpace(out))
	}
	return nil
}

func (h *spriteHandle) StartProcess(ctx context.Context, command string, opts ProcessOptions) error {
	logFile := opts.LogFile
	if logFile == "" {
		logFile = "/dev/null"
	}
	shell := fmt.Sprintf("nohup %s >> %q 2>&1 &", command, logFile)

	cmd := h.sprite.CommandContext(ctx, "sh", "-c", shell)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	if len(opts.Env) > 0 {
		keys := make([]string, 0, len(opts.Env))
		for k := range opts.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		env := make([]string, 0, len(keys))
		for _, k := range keys {
			env = append(env, k+"="+opts.Env[k])
		}
		cmd.Env = env
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("start process: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

func (h *spriteHandle) HTTPCall(ctx context.Context, method, path string, port int, body []byte, header http.Header) (*http.Response, error) {
	url := fmt.Sprintf("http://%s:%d%s", fmt.Sprintf(h.provisioner.hostname, h.name), port, path)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call sandbox %s: %w", h.name, err)
	}
	return resp, nil
}

func (h *spriteHandle) WSConnect(ctx context.Context, path string, port int, header http.Header) (*websocket.Conn, *http.Response, error) {
	url := fmt.Sprintf("ws://%s:%d%s", fmt.Sprintf(h.provisioner.hostname, h.name), port, path)

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, fmt.Errorf("dial sandbox websocket %s: %w", h.name, err)
	}
	return conn, resp, nil
}

func (h *spriteHandle) Exec(ctx context.Context, shellCmd string) (ExecResult, error) {
	cmd := h.sprite.CommandContext(ctx, "sh", "-c", shellCmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		return result, fmt.Errorf("exec %q: %w", shellCmd, err)
	}
	return result, nil
}

// Destroy deletes the sprite through the control API. The SDK does not
// expose deletion, so this mirrors the raw endpoint.
func (h *spriteHandle) Destroy(ctx context.Context) error {
	url := fmt.Sprintf("%s/sprites/%s", h.provisioner.apiBase, h.name)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("build destroy request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.provisioner.token)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("destroy sandbox %s: %w", h.name, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("destroy sandbox %s: %s - %s", h.name, resp.Status, bytes.TrimSpace(body))
	}
}
