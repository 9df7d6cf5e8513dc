// Package api is the remote backend client: fetch onboarding status, save
// step data, submit the application.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/draftsync/pkg/schema"
)

// Client is the remote operations surface consumed by the sync coordinator.
type Client interface {
	FetchStatus(ctx context.Context) (map[string]any, error)
	SaveStepData(ctx context.Context, step schema.OnboardingStep, data map[string]any) error
	SubmitApplication(ctx context.Context, payload map[string]any) (*schema.SubmissionDetails, error)
}

// Config configures the HTTP client.
type Config struct {
	BaseURL         string
	AuthToken       string
	Timeout         time.Duration
	MaxResponseBody int64
}

const (
	defaultTimeout         = 30 * time.Second
	defaultMaxResponseBody = 1 * 1024 * 1024 // 1MB
)

// HTTPClient talks JSON to the onboarding backend. 4xx responses map to
// non-retryable errors, 5xx to retryable execution errors, so the queue's
// classifier needs no HTTP knowledge.
type HTTPClient struct {
	cfg        Config
	httpClient *http.Client
	projection *StatusProjection
}

// NewHTTPClient validates the base URL and builds a client.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	u, err := url.ParseRequestURI(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid api base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	return &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{},
		projection: NewStatusProjection(),
	}, nil
}

// Projection exposes the compiled status-document queries.
func (c *HTTPClient) Projection() *StatusProjection {
	return c.projection
}

// FetchStatus retrieves the backend's view of the onboarding session.
func (c *HTTPClient) FetchStatus(ctx context.Context) (map[string]any, error) {
	var doc map[string]any
	if err := c.do(ctx, http.MethodGet, "/onboarding-status", nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// SaveStepData pushes one step's form data to the backend.
func (c *HTTPClient) SaveStepData(ctx context.Context, step schema.OnboardingStep, data map[string]any) error {
	body := map[string]any{
		"stepId": string(step),
		"data":   data,
	}
	return c.do(ctx, http.MethodPost, "/onboarding-steps/"+string(step), body, nil)
}

// SubmitApplication finalizes the wizard and returns the submission outcome.
func (c *HTTPClient) SubmitApplication(ctx context.Context, payload map[string]any) (*schema.SubmissionDetails, error) {
	var doc map[string]any
	if err := c.do(ctx, http.MethodPost, "/submit-application", payload, &doc); err != nil {
		return nil, err
	}

	details := &schema.SubmissionDetails{SubmittedAt: time.Now().UTC()}
	if ref, ok := c.projection.ReferenceNumber(ctx, doc); ok {
		details.ReferenceNumber = ref
	}
	if at, ok := c.projection.SubmissionDate(ctx, doc); ok {
		details.SubmittedAt = at
	}
	return details, nil
}

// do executes one JSON request. A non-nil out receives the decoded body.
func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return schema.NewError(schema.ErrCodeSerialization, "marshal request body").WithCause(err)
		}
		bodyReader = strings.NewReader(string(b))
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "create request: %v", err).WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "request %s %s failed: %v", method, path, err).WithCause(err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, c.cfg.MaxResponseBody)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "read response body").WithCause(err)
	}

	if resp.StatusCode >= 400 {
		code := schema.ErrCodeNonRetryable
		if resp.StatusCode >= 500 {
			code = schema.ErrCodeExecution
		}
		return schema.NewErrorf(code, "%s %s returned %d", method, path, resp.StatusCode).
			WithDetails(map[string]any{
				"status_code": resp.StatusCode,
				"body":        truncate(string(respBody), 512),
			})
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return schema.NewErrorf(schema.ErrCodeSerialization,
				"decode %s %s response", method, path).WithCause(err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
}

var _ Client = (*HTTPClient)(nil)
