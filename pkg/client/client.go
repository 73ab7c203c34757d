// Package client implements the typed HTTP transport to the LoomGrid
// orchestrator: telemetry reports, the job long-poll, and status reporting.
// Retry policy and error classification live here.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/loomgrid/loom/pkg/api"
	"github.com/loomgrid/loom/pkg/observability"
)

const (
	apiKeyHeader = "X-API-Key"

	// Extra client-side slack on top of the server-side long-poll window.
	pollGrace = 10 * time.Second
)

// Config configures the orchestrator client.
type Config struct {
	// BaseURL of the orchestrator, e.g. https://orchestrator.loomgrid.io
	BaseURL string

	// APIKey sent on every request.
	APIKey string

	// NodeID identifies this node to the orchestrator.
	NodeID string

	// RequestTimeout bounds non-poll calls. Defaults to 15s.
	RequestTimeout time.Duration

	// MaxRetryElapsed caps the total time spent retrying a transient
	// failure of a telemetry or status call. Defaults to 2m.
	MaxRetryElapsed time.Duration

	Logger *zap.Logger
}

// Validate validates the client configuration and applies defaults.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("orchestrator base URL is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	if c.NodeID == "" {
		return fmt.Errorf("node ID is required")
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.MaxRetryElapsed <= 0 {
		c.MaxRetryElapsed = 2 * time.Minute
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	return nil
}

// Client is the typed HTTP client for the orchestrator API.
type Client struct {
	config     Config
	logger     *zap.Logger
	httpClient *http.Client
}

// New creates a new orchestrator client.
func New(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client configuration: %w", err)
	}

	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Client{
		config: config,
		logger: config.Logger,
		// Per-request deadlines come from contexts; the poll call needs a
		// window longer than RequestTimeout.
		httpClient: &http.Client{},
	}, nil
}

// newBackOff builds the retry policy for transient failures: exponential
// from 1s, capped at 60s, with 20% jitter.
func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	b.MaxElapsedTime = c.config.MaxRetryElapsed
	return backoff.WithContext(b, ctx)
}

// ReportTelemetry sends the current node profile to the orchestrator.
// Transient failures are retried up to the configured elapsed bound.
func (c *Client) ReportTelemetry(ctx context.Context, profile api.NodeProfile) error {
	err := c.retry(ctx, "telemetry", func(callCtx context.Context) error {
		return c.do(callCtx, "telemetry", http.MethodPost, "/telemetry", profile, nil)
	})
	if err != nil {
		observability.TelemetryReportsTotal.WithLabelValues("failure").Inc()
		return err
	}
	observability.TelemetryReportsTotal.WithLabelValues("success").Inc()
	return nil
}

// Register announces the node and its full profile before polling starts.
func (c *Client) Register(ctx context.Context, profile api.NodeProfile) error {
	return c.retry(ctx, "register", func(callCtx context.Context) error {
		return c.do(callCtx, "register", http.MethodPost, "/provider/register", profile, nil)
	})
}

// PollJobs long-polls for jobs matching the given profile. The server holds
// the request open up to wait; a 204 (no jobs before the window closed) is
// not an error and yields an empty batch. max bounds the batch size to the
// caller's free execution slots. PollJobs does not retry; the poller owns
// backoff between attempts.
func (c *Client) PollJobs(ctx context.Context, profile api.NodeProfile, wait time.Duration, max int) ([]api.JobDescriptor, error) {
	profileJSON, err := json.Marshal(profile)
	if err != nil {
		return nil, &TransportError{Op: "poll", Kind: Transient, Err: fmt.Errorf("failed to encode profile: %w", err)}
	}

	query := url.Values{}
	query.Set("wait", strconv.Itoa(int(wait.Seconds())))
	query.Set("limit", strconv.Itoa(max))
	query.Set("profile", string(profileJSON))

	callCtx, cancel := context.WithTimeout(ctx, wait+pollGrace)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.config.BaseURL+"/jobs?"+query.Encode(), nil)
	if err != nil {
		return nil, &TransportError{Op: "poll", Kind: Transient, Err: err}
	}
	req.Header.Set(apiKeyHeader, c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "poll", Kind: Transient, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var jobs []api.JobDescriptor
		if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
			return nil, &TransportError{Op: "poll", Kind: Transient, Err: fmt.Errorf("malformed job batch: %w", err)}
		}
		return jobs, nil
	default:
		return nil, c.statusError("poll", resp)
	}
}

// ReportStatus delivers a job status report. The report's sequence number is
// fixed by the supervisor before the call, so a retried transmission carries
// the same sequence and is deduplicated server-side.
func (c *Client) ReportStatus(ctx context.Context, report api.StatusReport) error {
	path := fmt.Sprintf("/jobs/%s/status", url.PathEscape(report.JobID))
	return c.retry(ctx, "status", func(callCtx context.Context) error {
		return c.do(callCtx, "status", http.MethodPost, path, report, nil)
	})
}

// UploadArtifacts PUTs a zip archive to a pre-signed URL. The URL embeds its
// own authorization, so no API key is attached.
func (c *Client) UploadArtifacts(ctx context.Context, uploadURL, zipPath string) error {
	f, err := os.Open(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open artifact archive: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat artifact archive: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return &TransportError{Op: "upload", Kind: Transient, Err: err}
	}
	req.Header.Set("Content-Type", "application/zip")
	req.ContentLength = info.Size()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "upload", Kind: Transient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError("upload", resp)
	}

	c.logger.Info("Artifact archive uploaded",
		zap.String("url_host", req.URL.Host),
		zap.Int64("size_bytes", info.Size()),
	)
	return nil
}

// ReportOffline sends one best-effort telemetry report marking the node
// offline. Used during shutdown; failures are only logged by the caller.
func (c *Client) ReportOffline(ctx context.Context) error {
	profile := api.NodeProfile{
		NodeID:    c.config.NodeID,
		Status:    "offline",
		Timestamp: time.Now(),
	}
	callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.do(callCtx, "telemetry", http.MethodPost, "/telemetry", profile, nil)
}

// retry runs call with the transient-failure retry policy. Fatal errors
// abort immediately.
func (c *Client) retry(ctx context.Context, op string, call func(context.Context) error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			observability.TransportRetriesTotal.WithLabelValues(op).Inc()
		}

		err := call(ctx)
		if err == nil {
			return nil
		}
		if IsFatal(err) {
			return backoff.Permanent(err)
		}

		c.logger.Warn("Orchestrator call failed, will retry",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}, c.newBackOff(ctx))
}

// do executes one authenticated JSON request and decodes the response into
// out when non-nil.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &TransportError{Op: op, Kind: Transient, Err: fmt.Errorf("failed to encode request: %w", err)}
		}
		reader = bytes.NewReader(data)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return &TransportError{Op: op, Kind: Transient, Err: err}
	}
	req.Header.Set(apiKeyHeader, c.config.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Kind: Transient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(op, resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &TransportError{Op: op, Kind: Transient, Err: fmt.Errorf("malformed response body: %w", err)}
		}
	}

	return nil
}

// statusError builds a classified error from a non-2xx response, preserving
// a snippet of the body for diagnostics.
func (c *Client) statusError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &TransportError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Kind:       classifyStatus(resp.StatusCode),
		Err:        fmt.Errorf("%s", strings.TrimSpace(string(snippet))),
	}
}
