package configsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// Client talks to the external configuration service. Failures never
// propagate: the service degrades to an empty snapshot so a config outage
// cannot take chat down with it.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger
}

// NewClient creates a configuration service client. The service's own
// timeout bounds each call; there is no internal retry (callers already
// retry at a higher layer).
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.NewWithOptions(os.Stderr, log.Options{Prefix: "configsvc"}),
	}
}

// configResponse mirrors the config service's GET /config payload.
type configResponse struct {
	Skills []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		R2Path      string `json:"r2Path"`
	} `json:"skills"`
	Connectors []Connector `json:"connectors"`
}

// Fetch resolves the full configuration snapshot for a tenant+user,
// including skill content. Any failure returns an empty snapshot and a
// warning in the log, never an error.
func (c *Client) Fetch(ctx context.Context, tenantID, userID string) *Snapshot {
	snap := &Snapshot{TenantID: tenantID, UserID: userID, FetchedAt: time.Now()}

	cfg, err := c.getConfig(ctx, tenantID, userID)
	if err != nil {
		c.logger.Warn("config fetch failed, using empty configuration",
			"tenant", tenantID, "user", userID, "error", err)
		return snap
	}

	for _, s := range cfg.Skills {
		content, err := c.getSkillContent(ctx, tenantID, s.Name)
		if err != nil {
			c.logger.Warn("skill content fetch failed, skipping skill",
				"tenant", tenantID, "skill", s.Name, "error", err)
			continue
		}
		snap.Skills = append(snap.Skills, Skill{
			Name:        s.Name,
			Description: s.Description,
			Content:     content,
		})
	}
	snap.Connectors = cfg.Connectors
	return snap
}

func (c *Client) getConfig(ctx context.Context, tenantID, userID string) (*configResponse, error) {
	u := fmt.Sprintf("%s/config?tenantId=%s&userId=%s",
		c.baseURL, url.QueryEscape(tenantID), url.QueryEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get config: unexpected status %s", resp.Status)
	}

	var cfg configResponse
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func (c *Client) getSkillContent(ctx context.Context, tenantID, skillName string) (string, error) {
	u := fmt.Sprintf("%s/skills/%s/content?tenantId=%s",
		c.baseURL, url.PathEscape(skillName), url.QueryEscape(tenantID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("get skill content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get skill content: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read skill content: %w", err)
	}
	return string(body), nil
}
