// Package supervisor keeps the in-sandbox agent HTTP server running. It
// owns the optimistic "believed running" flag, the cold-start sequence,
// and the diagnostics bundle collected when a cold start fails.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mavenhq/agenthost/internal/agentapi"
	"github.com/mavenhq/agenthost/internal/configsvc"
	"github.com/mavenhq/agenthost/internal/sandbox"
)

// Defaults for the readiness poll: ~6 seconds before declaring failure.
const (
	DefaultPollAttempts = 30
	DefaultPollInterval = 200 * time.Millisecond
)

// AgentLogFile is where the agent process's output lands inside the
// sandbox. The log pipeline reads it back from here.
const AgentLogFile = "/var/log/agent.log"

// SkillsDir is where injected skill files live inside the sandbox.
const SkillsDir = "/app/skills"

// Config configures how the agent process is launched.
type Config struct {
	// Command starts the agent HTTP server inside the sandbox.
	Command string `yaml:"command"`

	// APIKey is the credential material handed to the agent process.
	APIKey string `yaml:"api_key"`

	// PollAttempts and PollInterval bound the readiness poll.
	PollAttempts int           `yaml:"poll_attempts"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Diagnostics is the bundle collected when a cold start fails. Cold-start
// failures in an opaque sandbox are undebuggable without it.
type Diagnostics struct {
	LogTail     string `json:"log_tail"`
	ProcessList string `json:"process_list"`
	Ports       string `json:"listening_ports"`
}

func (d Diagnostics) String() string {
	return fmt.Sprintf("log tail:\n%s\nprocesses:\n%s\nlistening ports:\n%s",
		d.LogTail, d.ProcessList, d.Ports)
}

// ColdStartError reports an agent that never became healthy, with the
// diagnostics bundle attached.
type ColdStartError struct {
	SandboxName string
	Attempts    int
	Diagnostics Diagnostics
}

func (e *ColdStartError) Error() string {
	return fmt.Sprintf("agent in %s did not become healthy after %d attempts\n%s",
		e.SandboxName, e.Attempts, e.Diagnostics)
}

// Supervisor ensures one tenant's agent process is running. It is only
// ever driven by that tenant's controller goroutine, so its state needs
// no locking.
type Supervisor struct {
	handle sandbox.Handle
	cfg    Config
	logger *log.Logger

	believedRunning bool
}

// New creates a supervisor for one sandbox handle.
func New(handle sandbox.Handle, cfg Config) *Supervisor {
	if cfg.Command == "" {
		cfg.Command = "/usr/local/bin/agent-server"
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = DefaultPollAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Supervisor{
		handle: handle,
		cfg:    cfg,
		logger: log.NewWithOptions(os.Stderr, log.Options{Prefix: "supervisor"}),
	}
}

// BelievedRunning reports the optimistic flag. A true value skips all
// verification; staleness is discovered by the next proxy call failing.
func (s *Supervisor) BelievedRunning() bool {
	return s.believedRunning
}

// MarkStopped clears the optimistic flag. The proxy calls this before
// forcing a cold restart.
func (s *Supervisor) MarkStopped() {
	s.believedRunning = false
}

// EnsureAgentRunning makes sure the agent server is up. Fast path: the
// believed-running flag short-circuits with zero sandbox calls. Otherwise
// a direct health probe handles controller rehydration, and only then is
// a full cold start performed.
func (s *Supervisor) EnsureAgentRunning(ctx context.Context, snap *configsvc.Snapshot) error {
	if s.believedRunning {
		return nil
	}

	if s.healthy(ctx) {
		s.believedRunning = true
		return nil
	}

	s.logger.Info("cold starting agent", "sandbox", s.handle.Name(), "tenant", snap.TenantID)
	if err := s.coldStart(ctx, snap); err != nil {
		return err
	}
	s.believedRunning = true
	return nil
}

func (s *Supervisor) healthy(ctx context.Context) bool {
	resp, err := s.handle.HTTPCall(ctx, http.MethodGet, agentapi.HealthPath, agentapi.Port, nil, nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (s *Supervisor) coldStart(ctx context.Context, snap *configsvc.Snapshot) error {
	env := map[string]string{
		"AGENT_TENANT_ID":  snap.TenantID,
		"AGENT_USER_ID":    snap.UserID,
		"AGENT_SKILLS_DIR": SkillsDir,
		"AGENT_PORT":       fmt.Sprintf("%d", agentapi.Port),
	}
	if s.cfg.APIKey != "" {
		env["ANTHROPIC_API_KEY"] = s.cfg.APIKey
	}

	err := s.handle.StartProcess(ctx, s.cfg.Command, sandbox.ProcessOptions{
		Env:     env,
		LogFile: AgentLogFile,
	})
	if err != nil {
		return fmt.Errorf("launch agent: %w", err)
	}

	return s.waitForServer(ctx)
}

// waitForServer polls the health endpoint until the agent answers or the
// attempt budget runs out, in which case it fails with diagnostics.
func (s *Supervisor) waitForServer(ctx context.Context) error {
	for i := 0; i < s.cfg.PollAttempts; i++ {
		if s.healthy(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}

	diags := s.Diagnose(ctx)
	return &ColdStartError{
		SandboxName: s.handle.Name(),
		Attempts:    s.cfg.PollAttempts,
		Diagnostics: diags,
	}
}

// Diagnose gathers the log tail, process list and listening ports from
// the sandbox. Each probe is best-effort; a probe failure is recorded in
// its slot rather than aborting the bundle.
func (s *Supervisor) Diagnose(ctx context.Context) Diagnostics {
	run := func(cmd string) string {
		result, err := s.handle.Exec(ctx, cmd)
		if err != nil {
			return fmt.Sprintf("(failed: %v)", err)
		}
		out := strings.TrimSpace(result.Stdout)
		if out == "" {
			out = strings.TrimSpace(result.Stderr)
		}
		if out == "" {
			return "(empty)"
		}
		return out
	}

	return Diagnostics{
		LogTail:     run(fmt.Sprintf("tail -n 50 %s 2>/dev/null || echo 'no log file'", AgentLogFile)),
		ProcessList: run("ps aux"),
		Ports:       run("netstat -tlnp 2>/dev/null || ss -tlnp"),
	}
}
