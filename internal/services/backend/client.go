// Package backend is the HTTP client for the result-submission and remote-queue APIs.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/common"
	"github.com/ternarybob/qaharvest/internal/httpclient"
	"github.com/ternarybob/qaharvest/internal/interfaces"
	"github.com/ternarybob/qaharvest/internal/models"
)

// maxErrorBody bounds how much of an error response is kept in StatusError
const maxErrorBody = 512

// StatusError is returned for non-2xx responses
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client implements interfaces.BackendClient
type Client struct {
	baseURL    string
	apiKey     string
	submitPath string
	nextPath   string
	reportPath string
	http       *http.Client
	logger     arbor.ILogger
}

var _ interfaces.BackendClient = (*Client)(nil)

// NewClient creates a backend client from the [backend] config section
func NewClient(config common.BackendConfig, logger arbor.ILogger) *Client {
	timeout := common.ParseDurationOr(config.Timeout, 30*time.Second)
	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		apiKey:     config.APIKey,
		submitPath: config.SubmitPath,
		nextPath:   config.NextPath,
		reportPath: config.ReportPath,
		http:       httpclient.NewBearerClient(config.APIKey, "qaharvest/"+common.GetVersion(), timeout),
		logger:     logger,
	}
}

// Enabled reports whether both an API key and a base URL are configured
func (c *Client) Enabled() bool {
	return c.apiKey != "" && c.baseURL != ""
}

// SubmitResults posts extracted results and returns how many the backend had not seen before
func (c *Client) SubmitResults(ctx context.Context, submission models.Submission) (*models.SubmissionResult, error) {
	var result models.SubmissionResult
	status, err := c.do(ctx, http.MethodPost, c.submitPath, submission, &result)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("key", submission.Key).
		Int("submitted", len(submission.Results)).
		Int("new", result.NewResultsAdded).
		Int("status", status).
		Msg("Results submitted to backend")
	return &result, nil
}

// NextRemoteItem fetches the next remote job. Returns nil when the queue is empty
// (204, empty body or JSON null).
func (c *Client) NextRemoteItem(ctx context.Context) (*models.RemoteItem, error) {
	var item *models.RemoteItem
	status, err := c.do(ctx, http.MethodGet, c.nextPath, nil, &item)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || item == nil || item.Key == "" {
		return nil, nil
	}
	return item, nil
}

// ReportRemote tells the backend how a remote job ended
func (c *Client) ReportRemote(ctx context.Context, report models.RemoteReport) error {
	_, err := c.do(ctx, http.MethodPost, c.reportPath, report, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	if !c.Enabled() {
		return 0, fmt.Errorf("backend not configured")
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text := strings.TrimSpace(string(data))
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return resp.StatusCode, &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: text}
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
