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
	"strings"
	"time"

	"github.com/drydock-sh/drydock/pkg/errdefs"
	"github.com/drydock-sh/drydock/pkg/launcher"
	"github.com/drydock-sh/drydock/pkg/types"
)

// Client talks to a drydock orchestrator over its HTTP API.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the orchestrator at addr. A bare host:port gets
// an http scheme.
func New(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// RunSummary is a run with its job count, as returned by run listings.
type RunSummary struct {
	types.Run
	JobCount int `json:"job_count"`
}

// RunDetail is a run with its jobs.
type RunDetail struct {
	Run  *types.Run   `json:"run"`
	Jobs []*types.Job `json:"jobs"`
}

// Report is a run's rendered report. Empty until the run is terminal.
type Report struct {
	RunID      string          `json:"run_id"`
	Markdown   string          `json:"markdown"`
	Structured json.RawMessage `json:"structured,omitempty"`
}

// Host is the read shape of a worker host. Credentials never appear; only
// has_ssh_config tells whether forwarding is configured.
type Host struct {
	types.WorkerHost
	HasSSHConfig bool `json:"has_ssh_config"`
}

// Launch creates a run from the request.
func (c *Client) Launch(ctx context.Context, req launcher.Request) (*launcher.Result, error) {
	var out launcher.Result
	if err := c.do(ctx, http.MethodPost, "/runs/launch", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns returns run summaries, optionally filtered by status.
func (c *Client) ListRuns(ctx context.Context, statuses []string, limit int) ([]RunSummary, error) {
	q := url.Values{}
	if len(statuses) > 0 {
		q.Set("status", strings.Join(statuses, ","))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []RunSummary
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRun fetches one run with its jobs.
func (c *Client) GetRun(ctx context.Context, id string) (*RunDetail, error) {
	var out RunDetail
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetReport fetches a run's report.
func (c *Client) GetReport(ctx context.Context, id string) (*Report, error) {
	var out Report
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id)+"/report", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelRun requests cancellation and returns the run's current state.
func (c *Client) CancelRun(ctx context.Context, id string) (*types.Run, error) {
	var out types.Run
	if err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ApproveRun resolves a pending approval in favor of running.
func (c *Client) ApproveRun(ctx context.Context, id, approvedBy string) (*types.Run, error) {
	return c.resolveApproval(ctx, id, "approve", approvedBy)
}

// DenyRun resolves a pending approval against running.
func (c *Client) DenyRun(ctx context.Context, id, approvedBy string) (*types.Run, error) {
	return c.resolveApproval(ctx, id, "deny", approvedBy)
}

func (c *Client) resolveApproval(ctx context.Context, id, verb, approvedBy string) (*types.Run, error) {
	body := map[string]string{"approved_by": approvedBy}
	var out types.Run
	if err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(id)+"/"+verb, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListArtifacts returns a run's artifact metadata.
func (c *Client) ListArtifacts(ctx context.Context, runID string) ([]*types.RunArtifact, error) {
	var out []*types.RunArtifact
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID)+"/artifacts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DownloadArtifact streams an artifact's bytes into w.
func (c *Client) DownloadArtifact(ctx context.Context, id string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/artifacts/"+url.PathEscape(id)+"/download", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// ListHosts returns all worker hosts.
func (c *Client) ListHosts(ctx context.Context) ([]Host, error) {
	var out []Host
	if err := c.do(ctx, http.MethodGet, "/worker-hosts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListDirectives returns all directives.
func (c *Client) ListDirectives(ctx context.Context) ([]*types.Directive, error) {
	var out []*types.Directive
	if err := c.do(ctx, http.MethodGet, "/directives", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
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

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError rebuilds the server's error envelope so callers can match on
// the kind.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var e errdefs.Error
	if err := json.Unmarshal(data, &e); err == nil && e.Kind != "" {
		return &e
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}
