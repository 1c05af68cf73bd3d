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
)

const defaultTimeout = 30 * time.Second

// HTTPRunner posts dispatch requests as JSON to an execution service.
// Steps go to {base}/dispatch and branch groups to {base}/dispatch/branches.
type HTTPRunner struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRunner creates a runner for the service at baseURL.
func NewHTTPRunner(baseURL string, client *http.Client) *HTTPRunner {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPRunner{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Dispatch implements Runner.
func (r *HTTPRunner) Dispatch(ctx context.Context, req Request) error {
	return r.post(ctx, "/dispatch", req)
}

// DispatchBranchGroup implements Runner.
func (r *HTTPRunner) DispatchBranchGroup(ctx context.Context, req GroupRequest) error {
	return r.post(ctx, "/dispatch/branches", req)
}

func (r *HTTPRunner) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode dispatch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// StatusError reports a non-2xx answer from the execution service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("dispatch rejected: status %d", e.Code)
	}
	return fmt.Sprintf("dispatch rejected: status %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}
