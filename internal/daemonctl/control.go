// Package daemonctl is the HTTP client the CLI uses to talk to a running
// docflow server.
package daemonctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"docflow/internal/api"
	"docflow/internal/services"
)

const defaultTimeout = 30 * time.Second

// ErrUnreachable is returned when the server cannot be contacted.
var ErrUnreachable = errors.New("docflow server unreachable")

// Client calls the docflow HTTP API.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a client for bind, which may be a host:port or a full URL.
func NewClient(bind string, httpClient *http.Client) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(bind), "/")
	if base == "" {
		return nil, errors.New("api address is required")
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse api address: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{base: base, http: httpClient}, nil
}

// APIError is a non-2xx reply from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("docflow api: %s", http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("docflow api: %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status code back onto the error taxonomy.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return services.ErrNotFound
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return services.ErrValidation
	case http.StatusServiceUnavailable:
		return services.ErrQueueUnavailable
	}
	return nil
}

// SubmitFile uploads the file at path.
func (c *Client) SubmitFile(ctx context.Context, path string) (*api.SubmitResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer f.Close()
	return c.Submit(ctx, filepath.Base(path), f)
}

// Submit streams r as a multipart upload named filename.
func (c *Client) Submit(ctx context.Context, filename string, r io.Reader) (*api.SubmitResponse, error) {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		part, err := writer.CreateFormFile("file", filename)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = writer.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/documents", pr)
	if err != nil {
		_ = pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	var resp api.SubmitResponse
	if err := c.do(req, http.StatusAccepted, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DocumentStatus fetches the pipeline projection for documentID.
func (c *Client) DocumentStatus(ctx context.Context, documentID string) (*api.StatusResponse, error) {
	var resp api.StatusResponse
	if err := c.get(ctx, "/documents/"+url.PathEscape(documentID)+"/status", http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health returns the dependency report. A degraded server still yields a
// response alongside the 503 error.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.get(ctx, "/health", http.StatusOK, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable && resp.Status != "" {
		return &resp, err
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// DaemonStatus returns the server runtime summary.
func (c *Client) DaemonStatus(ctx context.Context) (*api.DaemonStatus, error) {
	var resp api.DaemonStatus
	if err := c.get(ctx, "/status", http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) get(ctx context.Context, path string, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, want, out)
}

// do sends req and decodes the body into out. Error replies carrying a body
// shaped like out are decoded too.
func (c *Client) do(req *http.Request, want int, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode != want {
		var apiErr api.ErrorResponse
		_ = json.Unmarshal(body, &apiErr)
		if apiErr.Error == "" {
			_ = json.Unmarshal(body, out)
		}
		return &APIError{StatusCode: res.StatusCode, Message: apiErr.Error}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
