package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/trailbound/kapp/pkg/types"
)

// Client talks to a running KAPP server over its HTTP API. It is what
// the CLI uses; the server itself never imports this package.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the given server base URL
func New(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// AssetStatus mirrors the server's asset status envelope
type AssetStatus struct {
	Asset    *types.Asset               `json:"asset"`
	Attempts []*types.PublishingAttempt `json:"attempts"`
}

// Register submits a new asset for publishing
func (c *Client) Register(ctx context.Context, input *types.RegisterInput) (*types.Asset, error) {
	var asset types.Asset
	if err := c.do(ctx, "POST", "/v1/assets", input, &asset); err != nil {
		return nil, err
	}
	return &asset, nil
}

// GetStatus fetches an asset with its attempt history
func (c *Client) GetStatus(ctx context.Context, id int64) (*AssetStatus, error) {
	var status AssetStatus
	if err := c.do(ctx, "GET", "/v1/assets/"+strconv.FormatInt(id, 10), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListBySource lists assets for a source tag
func (c *Client) ListBySource(ctx context.Context, source string) ([]*types.Asset, error) {
	var out struct {
		Assets []*types.Asset `json:"assets"`
	}
	path := "/v1/assets?source=" + url.QueryEscape(source)
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out.Assets, nil
}

// RetryFailed re-queues failed assets, optionally scoped by source
func (c *Client) RetryFailed(ctx context.Context, source string) (int64, error) {
	body := map[string]string{}
	if source != "" {
		body["source"] = source
	}
	var out struct {
		Retried int64 `json:"retried"`
	}
	if err := c.do(ctx, "POST", "/v1/assets/retry-failed", body, &out); err != nil {
		return 0, err
	}
	return out.Retried, nil
}

// QueueStats fetches job counts per queue state
func (c *Client) QueueStats(ctx context.Context) (*types.QueueStats, error) {
	var stats types.QueueStats
	if err := c.do(ctx, "GET", "/v1/queue/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// PauseQueue stops job hand-out on the server
func (c *Client) PauseQueue(ctx context.Context) error {
	return c.do(ctx, "POST", "/v1/queue/pause", nil, nil)
}

// ResumeQueue re-enables job hand-out
func (c *Client) ResumeQueue(ctx context.Context) error {
	return c.do(ctx, "POST", "/v1/queue/resume", nil, nil)
}

// ClearCompletedJobs drops the completed-job retention set
func (c *Client) ClearCompletedJobs(ctx context.Context) (int64, error) {
	var out struct {
		Cleared int64 `json:"cleared"`
	}
	if err := c.do(ctx, "POST", "/v1/queue/clear-completed", nil, &out); err != nil {
		return 0, err
	}
	return out.Cleared, nil
}

// ClearFailedJobs drops the failed-job retention set
func (c *Client) ClearFailedJobs(ctx context.Context) (int64, error) {
	var out struct {
		Cleared int64 `json:"cleared"`
	}
	if err := c.do(ctx, "POST", "/v1/queue/clear-failed", nil, &out); err != nil {
		return 0, err
	}
	return out.Cleared, nil
}

// RetryFailedJobs moves settled-failed jobs back to waiting
func (c *Client) RetryFailedJobs(ctx context.Context) (int64, error) {
	var out struct {
		Retried int64 `json:"retried"`
	}
	if err := c.do(ctx, "POST", "/v1/queue/retry-failed", nil, &out); err != nil {
		return 0, err
	}
	return out.Retried, nil
}

// ImportWallets uploads a wallet manifest
func (c *Client) ImportWallets(ctx context.Context, manifest io.Reader) (added, skipped int, err error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.base+"/v1/wallets/import", manifest)
	if err != nil {
		return 0, 0, err
	}

	var out struct {
		Added   int `json:"added"`
		Skipped int `json:"skipped"`
	}
	if err := c.send(req, &out); err != nil {
		return 0, 0, err
	}
	return out.Added, out.Skipped, nil
}

// WalletStats fetches the pool availability snapshot
func (c *Client) WalletStats(ctx context.Context) (*types.WalletStats, error) {
	var stats types.WalletStats
	if err := c.do(ctx, "GET", "/v1/wallets/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// UnlockStuckWallets force-releases wallets locked past the budget
func (c *Client) UnlockStuckWallets(ctx context.Context) (int64, error) {
	var out struct {
		Unlocked int64 `json:"unlocked"`
	}
	if err := c.do(ctx, "POST", "/v1/wallets/unlock-stuck", nil, &out); err != nil {
		return 0, err
	}
	return out.Unlocked, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
