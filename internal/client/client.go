// Package client is the HTTP client for the import API used by importctl.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/finance-importer/internal/api"
	"github.com/finance-importer/internal/config"
	"github.com/finance-importer/internal/importer"
	"github.com/finance-importer/internal/models"
	"github.com/finance-importer/internal/service"
	"github.com/finance-importer/internal/types"
)

// APIError is a non-2xx response from the API
type APIError struct {
	StatusCode int
	types.ServiceError
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Client calls the import API on behalf of one user
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

// New creates a client from importctl settings
func New(cfg config.ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return NewWithHTTPClient(cfg.APIURL, cfg.UserID, &http.Client{Timeout: timeout})
}

// NewWithHTTPClient creates a client with a caller-supplied http.Client
func NewWithHTTPClient(baseURL, userID string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userID:     userID,
		httpClient: httpClient,
	}
}

// Submit uploads one CSV with its mapping and returns the new job id
func (c *Client) Submit(ctx context.Context, req service.SubmitRequest) (*api.SubmitImportResponse, error) {
	var resp api.SubmitImportResponse
	if err := c.do(ctx, http.MethodPost, "/api/imports", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetJob returns the job status, or nil when the API reports it as not found
func (c *Client) GetJob(ctx context.Context, jobID string) (*models.ImportJobView, error) {
	var job models.ImportJobView
	err := c.do(ctx, http.MethodGet, "/api/imports/"+url.PathEscape(jobID), nil, &job)
	var apiErr *APIError
	if stderrors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns the user's most recent jobs
func (c *Client) ListJobs(ctx context.Context) ([]*models.ImportJobView, error) {
	var resp api.ListImportsResponse
	if err := c.do(ctx, http.MethodGet, "/api/imports", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// DeleteJob deletes a job record
func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, "/api/imports/"+url.PathEscape(jobID), nil, nil)
}

// Preview asks the API for the header row, the first rows and a guessed mapping
func (c *Client) Preview(ctx context.Context, csvData string, rows int) (*importer.PreviewResult, error) {
	var preview importer.PreviewResult
	body := api.PreviewImportRequest{CSVData: csvData, Rows: rows}
	if err := c.do(ctx, http.MethodPost, "/api/imports/preview", body, &preview); err != nil {
		return nil, err
	}
	return &preview, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %w", method, path, decodeAPIError(resp))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var envelope api.ErrorResponse
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Code != "" {
		apiErr.ServiceError = envelope.Error
		return apiErr
	}

	apiErr.Code = http.StatusText(resp.StatusCode)
	apiErr.Message = strings.TrimSpace(string(raw))
	return apiErr
}
