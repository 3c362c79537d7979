// Package panel implements the HTTP client for the game-server panel's
// client API. The client is stateless: the acting user's API key is
// passed per call and never stored, so a single client instance serves
// every user the agent monitors.
package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	requestTimeout = 25 * time.Second

	// maxErrorBodyLen bounds how much of an error response ends up in
	// logs and wrapped errors.
	maxErrorBodyLen = 500
)

// Power signals accepted by the panel.
const (
	SignalStart   = "start"
	SignalStop    = "stop"
	SignalRestart = "restart"
	SignalKill    = "kill"
)

// Client talks to the panel's client API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a panel client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// ServerResources is the live resource usage reported by the panel.
type ServerResources struct {
	CurrentState string `json:"current_state"`
	IsSuspended  bool   `json:"is_suspended"`
	Resources    struct {
		MemoryBytes    int64   `json:"memory_bytes"`
		CPUAbsolute    float64 `json:"cpu_absolute"`
		DiskBytes      int64   `json:"disk_bytes"`
		NetworkRxBytes int64   `json:"network_rx_bytes"`
		NetworkTxBytes int64   `json:"network_tx_bytes"`
		Uptime         int64   `json:"uptime"`
	} `json:"resources"`
}

// ServerLimits are the build limits in MiB as the panel reports them;
// zero means unlimited.
type ServerLimits struct {
	Memory int64 `json:"memory"`
	Disk   int64 `json:"disk"`
}

// Server is one entry from the panel's server list.
type Server struct {
	Identifier string       `json:"identifier"`
	UUID       string       `json:"uuid"`
	Name       string       `json:"name"`
	Limits     ServerLimits `json:"limits"`
}

// FetchResources returns the current resource usage for a server.
func (c *Client) FetchResources(ctx context.Context, apiKey, serverID string) (*ServerResources, error) {
	var response struct {
		Attributes ServerResources `json:"attributes"`
	}
	path := fmt.Sprintf("/api/client/servers/%s/resources", serverID)
	if err := c.getJSON(ctx, apiKey, path, &response); err != nil {
		return nil, err
	}
	return &response.Attributes, nil
}

// ListServers returns every server the key's user can see, following
// the panel's pagination.
func (c *Client) ListServers(ctx context.Context, apiKey string) ([]Server, error) {
	var servers []Server

	page := 1
	for {
		var response struct {
			Data []struct {
				Attributes Server `json:"attributes"`
			} `json:"data"`
			Meta struct {
				Pagination struct {
					TotalPages int `json:"total_pages"`
				} `json:"pagination"`
			} `json:"meta"`
		}

		path := fmt.Sprintf("/api/client?page=%d", page)
		if err := c.getJSON(ctx, apiKey, path, &response); err != nil {
			return nil, err
		}

		for _, entry := range response.Data {
			servers = append(servers, entry.Attributes)
		}

		if page >= response.Meta.Pagination.TotalPages {
			break
		}
		page++
	}

	return servers, nil
}

// SendPowerSignal issues a power signal (start, stop, restart, kill).
func (c *Client) SendPowerSignal(ctx context.Context, apiKey, serverID, signal string) error {
	path := fmt.Sprintf("/api/client/servers/%s/power", serverID)
	return c.postJSON(ctx, apiKey, path, map[string]string{"signal": signal})
}

// SendCommand runs a console command on the server.
func (c *Client) SendCommand(ctx context.Context, apiKey, serverID, command string) error {
	path := fmt.Sprintf("/api/client/servers/%s/command", serverID)
	return c.postJSON(ctx, apiKey, path, map[string]string{"command": command})
}

// CreateBackup starts a backup of the server.
func (c *Client) CreateBackup(ctx context.Context, apiKey, serverID string) error {
	path := fmt.Sprintf("/api/client/servers/%s/backups", serverID)
	return c.postJSON(ctx, apiKey, path, struct{}{})
}

func (c *Client) getJSON(ctx context.Context, apiKey, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req, apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, path); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, apiKey, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req, apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	return checkStatus(resp, path)
}

func (c *Client) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")
}

// checkStatus turns any status >= 400 into an error carrying a
// truncated response body. 409 is expected during installs and
// transfers so it only logs at debug; other failures log at warn.
func checkStatus(resp *http.Response, path string) error {
	if resp.StatusCode < 400 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	err := fmt.Errorf("panel API error %d on %s: %s", resp.StatusCode, path, string(body))

	if resp.StatusCode == http.StatusConflict {
		log.Debug().Int("status", resp.StatusCode).Str("path", path).Msg("Panel returned conflict")
	} else {
		log.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("Panel request failed")
	}

	return err
}
